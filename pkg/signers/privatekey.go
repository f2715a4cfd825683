package signers

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PrivateKeyWalletManager holds explicit per-relayer key material; the wallet
// index selects the key in configuration order.
type PrivateKeyWalletManager struct {
	keys []*ecdsa.PrivateKey
}

func NewPrivateKeyWalletManager(hexKeys []string) (*PrivateKeyWalletManager, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("no private keys configured")
	}
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key at index %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return &PrivateKeyWalletManager{keys: keys}, nil
}

func (m *PrivateKeyWalletManager) Name() string { return "private_keys" }

func (m *PrivateKeyWalletManager) key(walletIndex uint32) (*ecdsa.PrivateKey, error) {
	if int(walletIndex) >= len(m.keys) {
		return nil, fatal(m.Name(), fmt.Errorf("no private key at wallet index %d", walletIndex))
	}
	return m.keys[walletIndex], nil
}

func (m *PrivateKeyWalletManager) CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	return m.GetAddress(ctx, walletIndex, chainID)
}

func (m *PrivateKeyWalletManager) GetAddress(_ context.Context, walletIndex uint32, _ uint64) (common.Address, error) {
	key, err := m.key(walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (m *PrivateKeyWalletManager) SignTransaction(_ context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error) {
	key, err := m.key(walletIndex)
	if err != nil {
		return nil, err
	}
	signed, err := signTransactionWithKey(tx, chainID, key)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return signed, nil
}

func (m *PrivateKeyWalletManager) SignText(_ context.Context, walletIndex uint32, text string) ([]byte, error) {
	key, err := m.key(walletIndex)
	if err != nil {
		return nil, err
	}
	return signTextWithKey(text, key)
}

func (m *PrivateKeyWalletManager) SignTypedData(_ context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	key, err := m.key(walletIndex)
	if err != nil {
		return nil, err
	}
	return signTypedDataWithKey(typedData, key)
}
