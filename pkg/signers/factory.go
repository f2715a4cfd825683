package signers

import (
	"context"
	"fmt"

	"github.com/relaycore/relayer/config"
)

// NewWalletManager resolves the configured signing provider variant. Done
// once at startup; no runtime reflection.
func NewWalletManager(ctx context.Context, cfg *config.SigningProviderConfig) (WalletManager, error) {
	switch cfg.Provider {
	case "mnemonic":
		return NewMnemonicWalletManager(cfg.Mnemonic)
	case "private_keys":
		return NewPrivateKeyWalletManager(cfg.PrivateKeys)
	case "aws_kms":
		return NewKmsWalletManager(ctx, cfg.AwsRegion, cfg.AwsKeyPrefix)
	case "aws_secret_manager":
		return NewSecretBackedWalletManager(NewAwsSecretFetcher(cfg.AwsRegion, cfg.SecretName)), nil
	case "gcp_secret_manager":
		return NewSecretBackedWalletManager(NewGcpSecretFetcher(cfg.GcpProject, cfg.GcpSecret)), nil
	case "privy":
		return NewRemoteWalletManager(NewPrivyAPI(cfg.Endpoint, cfg.APIKey, cfg.APISecret), cfg.OperationTimeout), nil
	case "turnkey":
		return NewRemoteWalletManager(NewTurnkeyAPI(cfg.Endpoint, cfg.APIKey, cfg.APISecret), cfg.OperationTimeout), nil
	case "fireblocks":
		return NewRemoteWalletManager(NewFireblocksAPI(cfg.Endpoint, cfg.APIKey, cfg.APISecret), cfg.OperationTimeout), nil
	case "pkcs11":
		return NewPkcs11WalletManager(cfg.Pkcs11Module, cfg.Pkcs11Slot, cfg.Pkcs11Pin, cfg.Pkcs11Label)
	}
	return nil, fmt.Errorf("unknown signing provider: %s", cfg.Provider)
}
