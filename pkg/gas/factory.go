package gas

import (
	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/config"
)

// NewStackFromConfig assembles a chain's estimator stack in declared order,
// always terminating with the node fallback so estimation cannot be wholly
// unavailable while the node is up.
func NewStackFromConfig(chainID uint64, providerConfigs []config.GasProviderConfig, fallbackClient feeHistoryClient) *Stack {
	estimators := make([]FeeEstimator, 0, len(providerConfigs)+1)
	for _, providerConfig := range providerConfigs {
		switch providerConfig.Provider {
		case "blocknative":
			estimators = append(estimators, NewBlocknativeEstimator(providerConfig.APIKey))
		case "etherscan":
			estimators = append(estimators, NewEtherscanEstimator(providerConfig.APIKey))
		case "infura":
			estimators = append(estimators, NewInfuraEstimator(providerConfig.APIKey, providerConfig.Secret))
		case "tenderly":
			estimators = append(estimators, NewTenderlyEstimator(providerConfig.APIKey))
		case "custom":
			estimators = append(estimators, NewCustomEstimator(providerConfig.Endpoint, providerConfig.AuthKey))
		case "fallback":
			// Appended unconditionally below.
		default:
			log.Warn().Str("provider", providerConfig.Provider).Uint64("chainId", chainID).
				Msg("[GasOracle] [NewStackFromConfig] unknown gas provider, skipping")
		}
	}
	estimators = append(estimators, NewFallbackEstimator(chainID, fallbackClient))
	return NewStack(chainID, estimators)
}
