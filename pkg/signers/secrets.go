package signers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog/log"
)

// secretFetcher retrieves a mnemonic or raw private key from a remote secret
// store. Fetching happens once; after that the manager behaves like the
// local variant it wraps.
type secretFetcher interface {
	fetchSecret(ctx context.Context) (string, error)
	name() string
}

// SecretBackedWalletManager lazily resolves a secret into a local wallet
// manager. The first call pays the remote read latency; concurrent first
// calls collapse onto one fetch.
type SecretBackedWalletManager struct {
	fetcher secretFetcher

	mu      sync.Mutex
	inner   WalletManager
}

func NewSecretBackedWalletManager(fetcher secretFetcher) *SecretBackedWalletManager {
	return &SecretBackedWalletManager{fetcher: fetcher}
}

func (m *SecretBackedWalletManager) Name() string { return m.fetcher.name() }

func (m *SecretBackedWalletManager) resolve(ctx context.Context) (WalletManager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inner != nil {
		return m.inner, nil
	}

	secret, err := m.fetcher.fetchSecret(ctx)
	if err != nil {
		return nil, transient(m.Name(), fmt.Errorf("failed to fetch signing secret: %w", err))
	}
	secret = strings.TrimSpace(secret)

	var inner WalletManager
	if strings.HasPrefix(secret, "0x") || !strings.Contains(secret, " ") {
		inner, err = NewPrivateKeyWalletManager([]string{secret})
	} else {
		inner, err = NewMnemonicWalletManager(secret)
	}
	if err != nil {
		return nil, fatal(m.Name(), err)
	}

	log.Info().Str("provider", m.Name()).Msg("[Signers] [resolve] signing secret resolved")
	m.inner = inner
	return inner, nil
}

func (m *SecretBackedWalletManager) CreateWallet(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	inner, err := m.resolve(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return inner.CreateWallet(ctx, walletIndex, chainID)
}

func (m *SecretBackedWalletManager) GetAddress(ctx context.Context, walletIndex uint32, chainID uint64) (common.Address, error) {
	inner, err := m.resolve(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return inner.GetAddress(ctx, walletIndex, chainID)
}

func (m *SecretBackedWalletManager) SignTransaction(ctx context.Context, walletIndex uint32, tx *gethtypes.Transaction, chainID uint64) (*gethtypes.Transaction, error) {
	inner, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return inner.SignTransaction(ctx, walletIndex, tx, chainID)
}

func (m *SecretBackedWalletManager) SignText(ctx context.Context, walletIndex uint32, text string) ([]byte, error) {
	inner, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return inner.SignText(ctx, walletIndex, text)
}

func (m *SecretBackedWalletManager) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	inner, err := m.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return inner.SignTypedData(ctx, walletIndex, typedData)
}

// awsSecretFetcher reads the secret from AWS Secrets Manager.
type awsSecretFetcher struct {
	region     string
	secretName string
}

func NewAwsSecretFetcher(region, secretName string) secretFetcher {
	return &awsSecretFetcher{region: region, secretName: secretName}
}

func (f *awsSecretFetcher) name() string { return "aws_secret_manager" }

func (f *awsSecretFetcher) fetchSecret(ctx context.Context) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.region))
	if err != nil {
		return "", err
	}
	client := secretsmanager.NewFromConfig(cfg)
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &f.secretName,
	})
	if err != nil {
		return "", err
	}
	if output.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", f.secretName)
	}
	return *output.SecretString, nil
}

// gcpSecretFetcher reads the secret's latest version from GCP Secret Manager.
type gcpSecretFetcher struct {
	project string
	secret  string
}

func NewGcpSecretFetcher(project, secret string) secretFetcher {
	return &gcpSecretFetcher{project: project, secret: secret}
}

func (f *gcpSecretFetcher) name() string { return "gcp_secret_manager" }

func (f *gcpSecretFetcher) fetchSecret(ctx context.Context) (string, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", f.project, f.secret),
	})
	if err != nil {
		return "", err
	}
	return string(result.Payload.Data), nil
}
