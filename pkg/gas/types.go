package gas

import (
	"math/big"

	"github.com/relaycore/relayer/pkg/types"
)

// GasPriceResult is the fee vector for one speed tier. MaxFee and
// MaxPriorityFee drive EIP-1559 envelopes; legacy chains use the derived
// effective price.
type GasPriceResult struct {
	MaxFee         *big.Int `json:"maxFee"`
	MaxPriorityFee *big.Int `json:"maxPriorityFee"`

	MinWaitTimeEstimate int64 `json:"minWaitTimeEstimate,omitempty"`
	MaxWaitTimeEstimate int64 `json:"maxWaitTimeEstimate,omitempty"`
}

// LegacyGasPrice is the effective price for pre-1559 transactions:
// max fee plus priority fee.
func (g *GasPriceResult) LegacyGasPrice() *big.Int {
	return new(big.Int).Add(g.MaxFee, g.MaxPriorityFee)
}

func (g *GasPriceResult) Clone() *GasPriceResult {
	return &GasPriceResult{
		MaxFee:              new(big.Int).Set(g.MaxFee),
		MaxPriorityFee:      new(big.Int).Set(g.MaxPriorityFee),
		MinWaitTimeEstimate: g.MinWaitTimeEstimate,
		MaxWaitTimeEstimate: g.MaxWaitTimeEstimate,
	}
}

// GasEstimate carries all four speed tiers for a chain.
type GasEstimate struct {
	Slow   GasPriceResult `json:"slow"`
	Medium GasPriceResult `json:"medium"`
	Fast   GasPriceResult `json:"fast"`
	Super  GasPriceResult `json:"super"`
}

func (e *GasEstimate) ForSpeed(speed types.TransactionSpeed) *GasPriceResult {
	switch speed {
	case types.SpeedSlow:
		return e.Slow.Clone()
	case types.SpeedMedium:
		return e.Medium.Clone()
	case types.SpeedFast:
		return e.Fast.Clone()
	case types.SpeedSuper:
		return e.Super.Clone()
	}
	return e.Medium.Clone()
}

// BlobGasPerBlob is the blob gas one EIP-4844 blob consumes.
const BlobGasPerBlob = 131072

// BlobGasPriceResult prices EIP-4844 blob space.
type BlobGasPriceResult struct {
	BlobGasPrice    *big.Int `json:"blobGasPrice"`
	TotalFeeForBlob *big.Int `json:"totalFeeForBlob"`
}

// ClipToCap bounds a fee vector by the relayer's max gas price cap. If
// clipping drops max fee under the priority fee, the priority fee follows it
// down so the vector stays consistent.
func ClipToCap(result *GasPriceResult, cap *big.Int) *GasPriceResult {
	if cap == nil || cap.Sign() == 0 {
		return result
	}
	clipped := result.Clone()
	if clipped.MaxFee.Cmp(cap) > 0 {
		clipped.MaxFee = new(big.Int).Set(cap)
	}
	if clipped.MaxPriorityFee.Cmp(clipped.MaxFee) > 0 {
		clipped.MaxPriorityFee = new(big.Int).Set(clipped.MaxFee)
	}
	return clipped
}

// gwei converts a float gwei quantity into wei, used by API providers that
// quote decimal gwei.
func gwei(value float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(value), big.NewFloat(1e9))
	result, _ := wei.Int(nil)
	if result.Sign() < 0 {
		return big.NewInt(0)
	}
	return result
}
