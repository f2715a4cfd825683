package signers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog/log"
)

// remoteSignerAPI abstracts the HTTP wallet services (Privy, Turnkey,
// Fireblocks). They hold the key material, accept a digest and return a
// 65-byte signature; they may be eventually consistent and rate limited, so
// every call runs under retry with exponential backoff and the provider's
// operation deadline.
type remoteSignerAPI interface {
	name() string
	// resolveAddress requests the wallet address for the index.
	resolveAddress(ctx context.Context, client *http.Client, walletIndex uint32) (common.Address, error)
	// signDigest requests a signature over a 32-byte digest.
	signDigest(ctx context.Context, client *http.Client, walletIndex uint32, digest []byte) ([]byte, error)
}

// RemoteWalletManager adapts a remoteSignerAPI to the WalletManager surface.
type RemoteWalletManager struct {
	api     remoteSignerAPI
	client  *http.Client
	timeout time.Duration
	cache   addressCache
}

func NewRemoteWalletManager(api remoteSignerAPI, timeout time.Duration) *RemoteWalletManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteWalletManager{
		api:     api,
		client:  &http.Client{Timeout: 15 * time.Second},
		timeout: timeout,
		cache:   newAddressCache(),
	}
}

func (m *RemoteWalletManager) Name() string { return m.api.name() }

// withRetry runs op under exponential backoff until the operation deadline.
// Only transient failures are retried; fatal ones abort immediately.
func (m *RemoteWalletManager) withRetry(ctx context.Context, op func(context.Context) error) error {
	deadline, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), deadline)
	return backoff.Retry(func() error {
		err := op(deadline)
		if err == nil {
			return nil
		}
		if isFatalStatus(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("provider", m.Name()).Msg("[Signers] [withRetry] remote signer call failed, retrying")
		return err
	}, policy)
}

func (m *RemoteWalletManager) CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	return m.GetAddress(ctx, walletIndex, chainID)
}

func (m *RemoteWalletManager) GetAddress(ctx context.Context, walletIndex uint32, _ uint64) (common.Address, error) {
	if addr, ok := m.cache.get(walletIndex); ok {
		return addr, nil
	}
	var addr common.Address
	err := m.withRetry(ctx, func(ctx context.Context) error {
		resolved, err := m.api.resolveAddress(ctx, m.client, walletIndex)
		if err != nil {
			return err
		}
		addr = resolved
		return nil
	})
	if err != nil {
		return common.Address{}, wrapRemoteError(m.Name(), err)
	}
	m.cache.put(walletIndex, addr)
	return addr, nil
}

func (m *RemoteWalletManager) signDigest(ctx context.Context, walletIndex uint32, digest []byte) ([]byte, error) {
	expected, err := m.GetAddress(ctx, walletIndex, 0)
	if err != nil {
		return nil, err
	}
	var sig []byte
	err = m.withRetry(ctx, func(ctx context.Context) error {
		raw, err := m.api.signDigest(ctx, m.client, walletIndex, digest)
		if err != nil {
			return err
		}
		sig = raw
		return nil
	})
	if err != nil {
		return nil, wrapRemoteError(m.Name(), err)
	}
	if len(sig) != 65 {
		return nil, fatal(m.Name(), fmt.Errorf("remote signature is %d bytes, want 65", len(sig)))
	}
	// Re-derive the normalized form; remote services differ on v encoding.
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	normalized, err := normalizeSignature(digest, r, s, expected)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return normalized, nil
}

func (m *RemoteWalletManager) SignTransaction(ctx context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error) {
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	digest := signer.Hash(tx)
	sig, err := m.signDigest(ctx, walletIndex, digest.Bytes())
	if err != nil {
		return nil, err
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return signed, nil
}

func (m *RemoteWalletManager) SignText(ctx context.Context, walletIndex uint32, text string) ([]byte, error) {
	sig, err := m.signDigest(ctx, walletIndex, TextDigest(text))
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (m *RemoteWalletManager) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := m.signDigest(ctx, walletIndex, digest)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// httpStatusError carries the response code so retry policy can tell 429/5xx
// (transient) from 4xx (fatal).
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.status, e.body)
}

func isFatalStatus(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	if !ok {
		return false
	}
	return statusErr.status >= 400 && statusErr.status < 500 && statusErr.status != http.StatusTooManyRequests
}

func wrapRemoteError(provider string, err error) error {
	if isFatalStatus(err) {
		return fatal(provider, err)
	}
	return transient(provider, err)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
		return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return json.Unmarshal(raw, out)
}

func decodeHexSignature(raw string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(raw, "0x"))
}

// privyAPI talks to Privy's server wallet endpoints.
type privyAPI struct {
	endpoint string
	appID    string
	secret   string
}

func NewPrivyAPI(endpoint, appID, secret string) remoteSignerAPI {
	if endpoint == "" {
		endpoint = "https://api.privy.io/v1"
	}
	return &privyAPI{endpoint: endpoint, appID: appID, secret: secret}
}

func (a *privyAPI) name() string { return "privy" }

func (a *privyAPI) headers() map[string]string {
	return map[string]string{
		"privy-app-id":  a.appID,
		"Authorization": "Basic " + a.secret,
	}
}

func (a *privyAPI) resolveAddress(ctx context.Context, client *http.Client, walletIndex uint32) (common.Address, error) {
	var out struct {
		Address string `json:"address"`
	}
	err := postJSON(ctx, client, fmt.Sprintf("%s/wallets/resolve", a.endpoint), a.headers(),
		map[string]any{"wallet_index": walletIndex, "chain_type": "ethereum"}, &out)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(out.Address), nil
}

func (a *privyAPI) signDigest(ctx context.Context, client *http.Client, walletIndex uint32, digest []byte) ([]byte, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	err := postJSON(ctx, client, fmt.Sprintf("%s/wallets/sign", a.endpoint), a.headers(),
		map[string]any{
			"wallet_index": walletIndex,
			"hash":         "0x" + hex.EncodeToString(digest),
		}, &out)
	if err != nil {
		return nil, err
	}
	return decodeHexSignature(out.Signature)
}

// turnkeyAPI talks to Turnkey's signing activity endpoint.
type turnkeyAPI struct {
	endpoint string
	apiKey   string
	orgID    string
}

func NewTurnkeyAPI(endpoint, apiKey, orgID string) remoteSignerAPI {
	if endpoint == "" {
		endpoint = "https://api.turnkey.com"
	}
	return &turnkeyAPI{endpoint: endpoint, apiKey: apiKey, orgID: orgID}
}

func (a *turnkeyAPI) name() string { return "turnkey" }

func (a *turnkeyAPI) headers() map[string]string {
	return map[string]string{"X-Stamp": a.apiKey}
}

func (a *turnkeyAPI) resolveAddress(ctx context.Context, client *http.Client, walletIndex uint32) (common.Address, error) {
	var out struct {
		Account struct {
			Address string `json:"address"`
		} `json:"account"`
	}
	err := postJSON(ctx, client, fmt.Sprintf("%s/public/v1/query/get_wallet_account", a.endpoint), a.headers(),
		map[string]any{"organizationId": a.orgID, "pathIndex": walletIndex}, &out)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(out.Account.Address), nil
}

func (a *turnkeyAPI) signDigest(ctx context.Context, client *http.Client, walletIndex uint32, digest []byte) ([]byte, error) {
	var out struct {
		Result struct {
			R string `json:"r"`
			S string `json:"s"`
			V string `json:"v"`
		} `json:"result"`
	}
	err := postJSON(ctx, client, fmt.Sprintf("%s/public/v1/submit/sign_raw_payload", a.endpoint), a.headers(),
		map[string]any{
			"organizationId": a.orgID,
			"pathIndex":      walletIndex,
			"payload":        "0x" + hex.EncodeToString(digest),
			"hashFunction":   "HASH_FUNCTION_NO_OP",
		}, &out)
	if err != nil {
		return nil, err
	}
	return assembleRSV(out.Result.R, out.Result.S, out.Result.V)
}

// fireblocksAPI talks to the Fireblocks raw signing endpoint.
type fireblocksAPI struct {
	endpoint string
	apiKey   string
	vaultID  string
}

func NewFireblocksAPI(endpoint, apiKey, vaultID string) remoteSignerAPI {
	if endpoint == "" {
		endpoint = "https://api.fireblocks.io/v1"
	}
	return &fireblocksAPI{endpoint: endpoint, apiKey: apiKey, vaultID: vaultID}
}

func (a *fireblocksAPI) name() string { return "fireblocks" }

func (a *fireblocksAPI) headers() map[string]string {
	return map[string]string{"X-API-Key": a.apiKey}
}

func (a *fireblocksAPI) resolveAddress(ctx context.Context, client *http.Client, walletIndex uint32) (common.Address, error) {
	var out struct {
		Address string `json:"address"`
	}
	err := postJSON(ctx, client, fmt.Sprintf("%s/vault/accounts/%s/ETH/addresses", a.endpoint, a.vaultID), a.headers(),
		map[string]any{"addressIndex": walletIndex}, &out)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(out.Address), nil
}

func (a *fireblocksAPI) signDigest(ctx context.Context, client *http.Client, walletIndex uint32, digest []byte) ([]byte, error) {
	var out struct {
		SignedMessages []struct {
			Signature struct {
				R string `json:"r"`
				S string `json:"s"`
				V string `json:"v"`
			} `json:"signature"`
		} `json:"signedMessages"`
	}
	err := postJSON(ctx, client, fmt.Sprintf("%s/transactions", a.endpoint), a.headers(),
		map[string]any{
			"operation": "RAW",
			"source":    map[string]any{"type": "VAULT_ACCOUNT", "id": a.vaultID},
			"extraParameters": map[string]any{
				"rawMessageData": map[string]any{
					"messages": []map[string]any{{
						"content": hex.EncodeToString(digest),
						"bip44AddressIndex": walletIndex,
					}},
				},
			},
		}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.SignedMessages) == 0 {
		return nil, fmt.Errorf("fireblocks returned no signed messages")
	}
	sig := out.SignedMessages[0].Signature
	return assembleRSV(sig.R, sig.S, sig.V)
}

func assembleRSV(rHex, sHex, vHex string) ([]byte, error) {
	r, err := decodeHexSignature(rHex)
	if err != nil {
		return nil, err
	}
	s, err := decodeHexSignature(sHex)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	new(big.Int).SetBytes(r).FillBytes(sig[:32])
	new(big.Int).SetBytes(s).FillBytes(sig[32:64])
	v := new(big.Int)
	if _, ok := v.SetString(strings.TrimPrefix(vHex, "0x"), 16); !ok {
		v.SetInt64(0)
	}
	sig[64] = byte(v.Uint64() & 0xff)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}
