package signers

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/tyler-smith/go-bip39"
)

// MnemonicWalletManager derives deterministic HD keys from a seed phrase at
// m/44'/60'/0'/0/{walletIndex}.
type MnemonicWalletManager struct {
	wallet *hdwallet.Wallet
	cache  addressCache
}

func NewMnemonicWalletManager(mnemonic string) (*MnemonicWalletManager, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet from mnemonic: %w", err)
	}
	return &MnemonicWalletManager{
		wallet: wallet,
		cache:  newAddressCache(),
	}, nil
}

// GenerateSeedPhrase mints a fresh 12-word mnemonic for `relayer new` setups.
func GenerateSeedPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func (m *MnemonicWalletManager) Name() string { return "mnemonic" }

func (m *MnemonicWalletManager) derive(walletIndex uint32) (accounts.Account, error) {
	path := hdwallet.MustParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", walletIndex))
	account, err := m.wallet.Derive(path, false)
	if err != nil {
		return accounts.Account{}, fatal(m.Name(), fmt.Errorf("failed to derive account %d: %w", walletIndex, err))
	}
	return account, nil
}

func (m *MnemonicWalletManager) CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	return m.GetAddress(ctx, walletIndex, chainID)
}

func (m *MnemonicWalletManager) GetAddress(_ context.Context, walletIndex uint32, _ uint64) (common.Address, error) {
	if addr, ok := m.cache.get(walletIndex); ok {
		return addr, nil
	}
	account, err := m.derive(walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	m.cache.put(walletIndex, account.Address)
	return account.Address, nil
}

func (m *MnemonicWalletManager) SignTransaction(_ context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error) {
	account, err := m.derive(walletIndex)
	if err != nil {
		return nil, err
	}
	key, err := m.wallet.PrivateKey(account)
	if err != nil {
		return nil, fatal(m.Name(), fmt.Errorf("failed to get private key for index %d: %w", walletIndex, err))
	}
	signed, err := signTransactionWithKey(tx, chainID, key)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return signed, nil
}

func (m *MnemonicWalletManager) SignText(_ context.Context, walletIndex uint32, text string) ([]byte, error) {
	account, err := m.derive(walletIndex)
	if err != nil {
		return nil, err
	}
	key, err := m.wallet.PrivateKey(account)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return signTextWithKey(text, key)
}

func (m *MnemonicWalletManager) SignTypedData(_ context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	account, err := m.derive(walletIndex)
	if err != nil {
		return nil, err
	}
	key, err := m.wallet.PrivateKey(account)
	if err != nil {
		return nil, fatal(m.Name(), err)
	}
	return signTypedDataWithKey(typedData, key)
}
