package policy

import (
	"math/big"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

// Gate enforces relayer policy at admission. Rejections never create a
// transaction row; the caller receives a typed PolicyReject.
type Gate struct{}

func NewGate() *Gate { return &Gate{} }

// CheckTransaction validates a send/replace request against the relayer's
// capability flags and allowlist.
func (g *Gate) CheckTransaction(relayer *models.Relayer, to string, value *big.Int, data []byte) error {
	if relayer.Deleted {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "relayer is deleted"}
	}
	if relayer.Paused {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "relayer is paused"}
	}
	if relayer.DisableTransactions {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "transactions are disabled for this relayer"}
	}

	normalized := types.NormalizeAddress(to)

	if relayer.AllowlistedOnly {
		allowed := false
		for _, entry := range relayer.AllowlistedAddresses {
			if entry.Address == normalized {
				allowed = true
				break
			}
		}
		if !allowed {
			return &types.PolicyReject{RelayerID: relayer.ID, Reason: "destination address is not allowlisted"}
		}
	}

	if relayer.DisableNativeTransfer && len(data) == 0 && value != nil && value.Sign() > 0 {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "native transfers are disabled for this relayer"}
	}

	return nil
}

// CheckPersonalSign gates the EIP-191 signing endpoint.
func (g *Gate) CheckPersonalSign(relayer *models.Relayer) error {
	if relayer.Deleted {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "relayer is deleted"}
	}
	if relayer.DisablePersonalSign {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "personal sign is disabled for this relayer"}
	}
	return nil
}

// CheckTypedDataSign gates the EIP-712 signing endpoint.
func (g *Gate) CheckTypedDataSign(relayer *models.Relayer) error {
	if relayer.Deleted {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "relayer is deleted"}
	}
	if relayer.DisableTypedDataSign {
		return &types.PolicyReject{RelayerID: relayer.ID, Reason: "typed data sign is disabled for this relayer"}
	}
	return nil
}
