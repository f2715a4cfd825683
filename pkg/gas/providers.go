package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

// API-backed estimators. Each quotes the four speed tiers from a hosted gas
// oracle; failures fall through to the next provider in the stack.

func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

// BlocknativeEstimator reads the Blocknative gas platform API.
type BlocknativeEstimator struct {
	apiKey string
	client *http.Client
}

func NewBlocknativeEstimator(apiKey string) *BlocknativeEstimator {
	return &BlocknativeEstimator{apiKey: apiKey, client: &http.Client{}}
}

func (e *BlocknativeEstimator) Name() string { return "blocknative" }

func (e *BlocknativeEstimator) IsChainSupported(chainID uint64) bool {
	switch chainID {
	case 1, 137, 8453, 42161, 10:
		return true
	}
	return false
}

type blocknativeResponse struct {
	BlockPrices []struct {
		EstimatedPrices []struct {
			Confidence           int     `json:"confidence"`
			MaxPriorityFeePerGas float64 `json:"maxPriorityFeePerGas"`
			MaxFeePerGas         float64 `json:"maxFeePerGas"`
		} `json:"estimatedPrices"`
	} `json:"blockPrices"`
}

func (e *BlocknativeEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	var out blocknativeResponse
	url := fmt.Sprintf("https://api.blocknative.com/gasprices/blockprices?chainid=%d", chainID)
	if err := getJSON(ctx, e.client, url, map[string]string{"Authorization": e.apiKey}, &out); err != nil {
		return nil, err
	}
	if len(out.BlockPrices) == 0 || len(out.BlockPrices[0].EstimatedPrices) == 0 {
		return nil, fmt.Errorf("blocknative returned no block prices")
	}

	// Confidence maps to speed: 70 slow, 80 medium, 95 fast, 99 super.
	byConfidence := make(map[int]GasPriceResult)
	for _, price := range out.BlockPrices[0].EstimatedPrices {
		byConfidence[price.Confidence] = GasPriceResult{
			MaxFee:         gwei(price.MaxFeePerGas),
			MaxPriorityFee: gwei(price.MaxPriorityFeePerGas),
		}
	}
	pick := func(confidence int) (GasPriceResult, error) {
		if result, ok := byConfidence[confidence]; ok {
			return result, nil
		}
		return GasPriceResult{}, fmt.Errorf("blocknative missing confidence tier %d", confidence)
	}

	slow, err := pick(70)
	if err != nil {
		return nil, err
	}
	medium, err := pick(80)
	if err != nil {
		return nil, err
	}
	fast, err := pick(95)
	if err != nil {
		return nil, err
	}
	super, err := pick(99)
	if err != nil {
		return nil, err
	}
	return &GasEstimate{Slow: slow, Medium: medium, Fast: fast, Super: super}, nil
}

// EtherscanEstimator reads the Etherscan gas tracker.
type EtherscanEstimator struct {
	apiKey string
	client *http.Client
}

func NewEtherscanEstimator(apiKey string) *EtherscanEstimator {
	return &EtherscanEstimator{apiKey: apiKey, client: &http.Client{}}
}

func (e *EtherscanEstimator) Name() string { return "etherscan" }

func (e *EtherscanEstimator) IsChainSupported(chainID uint64) bool {
	return chainID == 1 || chainID == 11155111
}

type etherscanResponse struct {
	Status string `json:"status"`
	Result struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
		SuggestBaseFee  string `json:"suggestBaseFee"`
	} `json:"result"`
}

func (e *EtherscanEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	var out etherscanResponse
	url := fmt.Sprintf("https://api.etherscan.io/v2/api?chainid=%d&module=gastracker&action=gasoracle&apikey=%s", chainID, e.apiKey)
	if err := getJSON(ctx, e.client, url, nil, &out); err != nil {
		return nil, err
	}
	if out.Status != "1" {
		return nil, fmt.Errorf("etherscan gas oracle returned status %s", out.Status)
	}

	baseFee, err := parseGweiString(out.Result.SuggestBaseFee)
	if err != nil {
		return nil, err
	}
	makeResult := func(raw string) (GasPriceResult, error) {
		total, err := parseGweiString(raw)
		if err != nil {
			return GasPriceResult{}, err
		}
		priority := new(big.Int).Sub(total, baseFee)
		if priority.Sign() < 0 {
			priority = big.NewInt(0)
		}
		return GasPriceResult{MaxFee: total, MaxPriorityFee: priority}, nil
	}

	slow, err := makeResult(out.Result.SafeGasPrice)
	if err != nil {
		return nil, err
	}
	medium, err := makeResult(out.Result.ProposeGasPrice)
	if err != nil {
		return nil, err
	}
	fast, err := makeResult(out.Result.FastGasPrice)
	if err != nil {
		return nil, err
	}
	super := GasPriceResult{
		MaxFee:         new(big.Int).Mul(fast.MaxFee, big.NewInt(2)),
		MaxPriorityFee: new(big.Int).Mul(fast.MaxPriorityFee, big.NewInt(2)),
	}
	return &GasEstimate{Slow: slow, Medium: medium, Fast: fast, Super: super}, nil
}

// InfuraEstimator reads the Infura gas API.
type InfuraEstimator struct {
	apiKey string
	secret string
	client *http.Client
}

func NewInfuraEstimator(apiKey, secret string) *InfuraEstimator {
	return &InfuraEstimator{apiKey: apiKey, secret: secret, client: &http.Client{}}
}

func (e *InfuraEstimator) Name() string { return "infura" }

func (e *InfuraEstimator) IsChainSupported(chainID uint64) bool {
	switch chainID {
	case 1, 5, 10, 137, 8453, 42161, 43114, 59144, 11155111:
		return true
	}
	return false
}

type infuraTier struct {
	SuggestedMaxPriorityFeePerGas string `json:"suggestedMaxPriorityFeePerGas"`
	SuggestedMaxFeePerGas         string `json:"suggestedMaxFeePerGas"`
	MinWaitTimeEstimate           int64  `json:"minWaitTimeEstimate"`
	MaxWaitTimeEstimate           int64  `json:"maxWaitTimeEstimate"`
}

type infuraResponse struct {
	Low    infuraTier `json:"low"`
	Medium infuraTier `json:"medium"`
	High   infuraTier `json:"high"`
}

func (e *InfuraEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	var out infuraResponse
	url := fmt.Sprintf("https://gas.api.infura.io/networks/%d/suggestedGasFees", chainID)
	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Basic " + e.apiKey
	}
	if err := getJSON(ctx, e.client, url, headers, &out); err != nil {
		return nil, err
	}

	makeResult := func(tier infuraTier) (GasPriceResult, error) {
		maxFee, err := parseGweiString(tier.SuggestedMaxFeePerGas)
		if err != nil {
			return GasPriceResult{}, err
		}
		priority, err := parseGweiString(tier.SuggestedMaxPriorityFeePerGas)
		if err != nil {
			return GasPriceResult{}, err
		}
		return GasPriceResult{
			MaxFee:              maxFee,
			MaxPriorityFee:      priority,
			MinWaitTimeEstimate: tier.MinWaitTimeEstimate,
			MaxWaitTimeEstimate: tier.MaxWaitTimeEstimate,
		}, nil
	}

	slow, err := makeResult(out.Low)
	if err != nil {
		return nil, err
	}
	medium, err := makeResult(out.Medium)
	if err != nil {
		return nil, err
	}
	fast, err := makeResult(out.High)
	if err != nil {
		return nil, err
	}
	super := GasPriceResult{
		MaxFee:         new(big.Int).Mul(fast.MaxFee, big.NewInt(2)),
		MaxPriorityFee: new(big.Int).Mul(fast.MaxPriorityFee, big.NewInt(2)),
	}
	return &GasEstimate{Slow: slow, Medium: medium, Fast: fast, Super: super}, nil
}

// TenderlyEstimator reads Tenderly's gas price prediction endpoint.
type TenderlyEstimator struct {
	apiKey string
	client *http.Client
}

func NewTenderlyEstimator(apiKey string) *TenderlyEstimator {
	return &TenderlyEstimator{apiKey: apiKey, client: &http.Client{}}
}

func (e *TenderlyEstimator) Name() string { return "tenderly" }

func (e *TenderlyEstimator) IsChainSupported(chainID uint64) bool {
	switch chainID {
	case 1, 10, 137, 8453, 42161:
		return true
	}
	return false
}

type tenderlyResponse struct {
	BaseFee float64 `json:"baseFee"`
	Levels  struct {
		Low    float64 `json:"low"`
		Medium float64 `json:"medium"`
		High   float64 `json:"high"`
		Urgent float64 `json:"urgent"`
	} `json:"priorityLevels"`
}

func (e *TenderlyEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	var out tenderlyResponse
	url := fmt.Sprintf("https://api.tenderly.co/api/v1/networks/%d/gas-prediction", chainID)
	if err := getJSON(ctx, e.client, url, map[string]string{"X-Access-Key": e.apiKey}, &out); err != nil {
		return nil, err
	}

	makeResult := func(priorityGwei float64) GasPriceResult {
		priority := gwei(priorityGwei)
		maxFee := new(big.Int).Add(new(big.Int).Mul(gwei(out.BaseFee), big.NewInt(2)), priority)
		return GasPriceResult{MaxFee: maxFee, MaxPriorityFee: priority}
	}

	return &GasEstimate{
		Slow:   makeResult(out.Levels.Low),
		Medium: makeResult(out.Levels.Medium),
		Fast:   makeResult(out.Levels.High),
		Super:  makeResult(out.Levels.Urgent),
	}, nil
}

// CustomEstimator reads a user-supplied endpoint that answers the documented
// schema: {"slow": {"maxFee": "...wei", "maxPriorityFee": "...wei"}, ...}.
type CustomEstimator struct {
	endpoint string
	authKey  string
	client   *http.Client
}

func NewCustomEstimator(endpoint, authKey string) *CustomEstimator {
	return &CustomEstimator{endpoint: endpoint, authKey: authKey, client: &http.Client{}}
}

func (e *CustomEstimator) Name() string { return "custom" }

func (e *CustomEstimator) IsChainSupported(uint64) bool { return true }

type customTier struct {
	MaxFee         string `json:"maxFee"`
	MaxPriorityFee string `json:"maxPriorityFee"`
}

type customResponse struct {
	Slow   customTier `json:"slow"`
	Medium customTier `json:"medium"`
	Fast   customTier `json:"fast"`
	Super  customTier `json:"super"`
}

func (e *CustomEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	var out customResponse
	headers := map[string]string{}
	if e.authKey != "" {
		headers["Authorization"] = e.authKey
	}
	url := fmt.Sprintf("%s?chainId=%d", e.endpoint, chainID)
	if err := getJSON(ctx, e.client, url, headers, &out); err != nil {
		return nil, err
	}

	makeResult := func(tier customTier) (GasPriceResult, error) {
		maxFee, ok := new(big.Int).SetString(tier.MaxFee, 10)
		if !ok {
			return GasPriceResult{}, fmt.Errorf("invalid maxFee %q from custom provider", tier.MaxFee)
		}
		priority, ok := new(big.Int).SetString(tier.MaxPriorityFee, 10)
		if !ok {
			return GasPriceResult{}, fmt.Errorf("invalid maxPriorityFee %q from custom provider", tier.MaxPriorityFee)
		}
		return GasPriceResult{MaxFee: maxFee, MaxPriorityFee: priority}, nil
	}

	slow, err := makeResult(out.Slow)
	if err != nil {
		return nil, err
	}
	medium, err := makeResult(out.Medium)
	if err != nil {
		return nil, err
	}
	fast, err := makeResult(out.Fast)
	if err != nil {
		return nil, err
	}
	super, err := makeResult(out.Super)
	if err != nil {
		return nil, err
	}
	return &GasEstimate{Slow: slow, Medium: medium, Fast: fast, Super: super}, nil
}

// parseGweiString converts a decimal gwei quantity (possibly fractional)
// into wei.
func parseGweiString(raw string) (*big.Int, error) {
	value, ok := new(big.Float).SetString(strings.TrimSpace(raw))
	if !ok {
		return nil, fmt.Errorf("invalid gwei value: %q", raw)
	}
	wei, _ := new(big.Float).Mul(value, big.NewFloat(1e9)).Int(nil)
	if wei.Sign() < 0 {
		return nil, fmt.Errorf("negative gwei value: %q", raw)
	}
	return wei, nil
}
