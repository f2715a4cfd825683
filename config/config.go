package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultConfigFile is the well-known config document path, relative to the
// project directory.
const DefaultConfigFile = "relayer.yaml"

type SigningProviderConfig struct {
	// One of: mnemonic, private_keys, aws_kms, aws_secret_manager,
	// gcp_secret_manager, privy, turnkey, fireblocks, pkcs11.
	Provider string `mapstructure:"provider" validate:"required"`

	Mnemonic    string   `mapstructure:"mnemonic,omitempty"`
	PrivateKeys []string `mapstructure:"private_keys,omitempty"`

	AwsRegion    string `mapstructure:"aws_region,omitempty"`
	AwsKeyPrefix string `mapstructure:"aws_key_prefix,omitempty"`
	SecretName   string `mapstructure:"secret_name,omitempty"`

	GcpProject string `mapstructure:"gcp_project,omitempty"`
	GcpSecret  string `mapstructure:"gcp_secret,omitempty"`

	APIKey    string `mapstructure:"api_key,omitempty"`
	APISecret string `mapstructure:"api_secret,omitempty"`
	Endpoint  string `mapstructure:"endpoint,omitempty"`

	Pkcs11Module string `mapstructure:"pkcs11_module,omitempty"`
	Pkcs11Slot   uint   `mapstructure:"pkcs11_slot,omitempty"`
	Pkcs11Pin    string `mapstructure:"pkcs11_pin,omitempty"`
	Pkcs11Label  string `mapstructure:"pkcs11_label,omitempty"`

	// Per-operation deadline for remote signing providers.
	OperationTimeout time.Duration `mapstructure:"operation_timeout,omitempty"`
}

type GasProviderConfig struct {
	// One of: blocknative, etherscan, infura, tenderly, custom, fallback.
	Provider string `mapstructure:"provider" validate:"required"`
	APIKey   string `mapstructure:"api_key,omitempty"`
	Secret   string `mapstructure:"secret,omitempty"`
	Endpoint string `mapstructure:"endpoint,omitempty"`
	AuthKey  string `mapstructure:"auth_key,omitempty"`
}

type PermissionsConfig struct {
	AllowlistedAddresses  []string `mapstructure:"allowlisted_addresses,omitempty"`
	AllowlistedOnly       bool     `mapstructure:"allowlisted_only,omitempty"`
	DisableNativeTransfer bool     `mapstructure:"disable_native_transfer,omitempty"`
	DisablePersonalSign   bool     `mapstructure:"disable_personal_sign,omitempty"`
	DisableTypedDataSign  bool     `mapstructure:"disable_typed_data_sign,omitempty"`
	DisableTransactions   bool     `mapstructure:"disable_transactions,omitempty"`
}

type Erc20TopUpConfig struct {
	TokenAddress  string `mapstructure:"token_address" validate:"required"`
	MinBalance    string `mapstructure:"min_balance" validate:"required"`
	TargetBalance string `mapstructure:"target_balance" validate:"required"`
}

type TopUpConfig struct {
	FunderPrivateKey string `mapstructure:"funder_private_key,omitempty"`
	FunderRelayerID  string `mapstructure:"funder_relayer_id,omitempty"`
	// Safe proxy address when funding routes through a multisig.
	SafeProxy        string             `mapstructure:"safe_proxy,omitempty"`
	MinBalanceNative string             `mapstructure:"min_balance_native,omitempty"`
	TargetNative     string             `mapstructure:"target_balance_native,omitempty"`
	Erc20Tokens      []Erc20TopUpConfig `mapstructure:"erc20_tokens,omitempty"`
	PollInterval     time.Duration      `mapstructure:"poll_interval,omitempty"`
}

type NetworkConfig struct {
	ChainID           uint64              `mapstructure:"chain_id" validate:"required"`
	Name              string              `mapstructure:"name" validate:"required"`
	RPCUrls           []string            `mapstructure:"rpc_urls" validate:"required,min=1"`
	BlockTime         time.Duration       `mapstructure:"block_time,omitempty"`
	ConfirmationDepth uint64              `mapstructure:"confirmation_depth,omitempty"`
	MineDepth         uint64              `mapstructure:"mine_depth,omitempty"`
	DropGraceBlocks   uint64              `mapstructure:"drop_grace_blocks,omitempty"`
	Permissions       *PermissionsConfig  `mapstructure:"permissions,omitempty"`
	GasProviders      []GasProviderConfig `mapstructure:"gas_providers,omitempty"`
	AutomaticTopUp    *TopUpConfig        `mapstructure:"automatic_top_up,omitempty"`
	ApiKeys           []string            `mapstructure:"api_keys,omitempty"`
}

type WebhookConfig struct {
	Endpoint     string   `mapstructure:"endpoint" validate:"required,url"`
	SharedSecret string   `mapstructure:"shared_secret" validate:"required"`
	Networks     []string `mapstructure:"networks,omitempty"`
	// Empty means every event type.
	Events             []string `mapstructure:"events,omitempty"`
	AlertOnLowBalances bool     `mapstructure:"alert_on_low_balances,omitempty"`
}

type RateLimitConfig struct {
	// Sliding window length; defaults to one minute.
	Interval time.Duration `mapstructure:"interval,omitempty"`
	// Caps per endpoint class per api key within the window.
	Transactions int `mapstructure:"transactions,omitempty"`
	Signing      int `mapstructure:"signing,omitempty"`
	// Sub-limit applied per client-supplied rate limit key.
	PerClientKey int `mapstructure:"per_client_key,omitempty"`
}

type ApiConfig struct {
	Host          string `mapstructure:"host,omitempty"`
	Port          int    `mapstructure:"port,omitempty"`
	AdminUsername string `mapstructure:"admin_username" validate:"required"`
	AdminPassword string `mapstructure:"admin_password" validate:"required"`
}

type Config struct {
	ProjectName     string                `mapstructure:"project_name" validate:"required"`
	DatabaseURL     string                `mapstructure:"database_url" validate:"required"`
	SigningProvider SigningProviderConfig `mapstructure:"signing_provider" validate:"required"`
	Networks        []NetworkConfig       `mapstructure:"networks" validate:"required,min=1,dive"`
	Webhooks        []WebhookConfig       `mapstructure:"webhooks,omitempty" validate:"dive"`
	RateLimits      *RateLimitConfig      `mapstructure:"rate_limits,omitempty"`
	Api             ApiConfig             `mapstructure:"api" validate:"required"`
}

var GlobalConfig *Config

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv substitutes ${NAME} with the value of the environment
// variable NAME. Unset variables substitute to empty; required-field
// validation catches the ones that matter.
func interpolateEnv(raw string) string {
	return envPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func LoadEnv() {
	// Missing .env is fine; explicit environment still applies.
	_ = godotenv.Load()
}

// Load reads, interpolates and validates the config document. Missing
// required fields fail loudly.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(interpolateEnv(string(raw)))); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	applyDefaults(&cfg)

	GlobalConfig = &cfg
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Api.Host == "" {
		cfg.Api.Host = "0.0.0.0"
	}
	if cfg.Api.Port == 0 {
		cfg.Api.Port = 8000
	}
	if cfg.SigningProvider.OperationTimeout == 0 {
		cfg.SigningProvider.OperationTimeout = 30 * time.Second
	}
	for i := range cfg.Networks {
		network := &cfg.Networks[i]
		if network.BlockTime == 0 {
			network.BlockTime = 12 * time.Second
		}
		if network.ConfirmationDepth == 0 {
			network.ConfirmationDepth = 12
		}
		if network.DropGraceBlocks == 0 {
			network.DropGraceBlocks = 6
		}
		if network.AutomaticTopUp != nil && network.AutomaticTopUp.PollInterval == 0 {
			network.AutomaticTopUp.PollInterval = 60 * time.Second
		}
	}
	if cfg.RateLimits != nil && cfg.RateLimits.Interval == 0 {
		cfg.RateLimits.Interval = time.Minute
	}
}

// FindNetwork returns the configured network for a chain id.
func (c *Config) FindNetwork(chainID uint64) (*NetworkConfig, bool) {
	for i := range c.Networks {
		if c.Networks[i].ChainID == chainID {
			return &c.Networks[i], true
		}
	}
	return nil, false
}
