package topup

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/config"
	"github.com/relaycore/relayer/pkg/clients/evm"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/queue"
	"github.com/relaycore/relayer/pkg/types"
)

const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Gnosis Safe v1.3 execTransaction with a pre-validated owner signature.
const safeProxyABI = `[
	{"name":"execTransaction","type":"function","stateMutability":"payable","inputs":[
		{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},{"name":"safeTxGas","type":"uint256"},{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},{"name":"gasToken","type":"address"},{"name":"refundReceiver","type":"address"},
		{"name":"signatures","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]}
]`

// Supervisor watches relayer balances per chain and queues funding
// transactions from the funder relayer, optionally routed through a Safe
// proxy. One top-up may be outstanding per (relayer, asset).
type Supervisor struct {
	db     *db.DatabaseAdapter
	queues *queue.TransactionsQueues
	bus    *events.EventBus

	clients map[uint64]evm.ChainClient
	configs map[uint64]*config.TopUpConfig

	erc20     abi.ABI
	safeProxy abi.ABI

	mu sync.Mutex
	// inflight keys are "<relayerID>|<asset>"; cleared when the queued
	// top-up leaves the live pipeline.
	inflight map[string]string
	// alerted tracks the trigger edge so balance.low fires once per episode.
	alerted map[string]bool
}

func NewSupervisor(
	database *db.DatabaseAdapter,
	queues *queue.TransactionsQueues,
	bus *events.EventBus,
	clients map[uint64]evm.ChainClient,
	configs map[uint64]*config.TopUpConfig,
) (*Supervisor, error) {
	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	safeParsed, err := abi.JSON(strings.NewReader(safeProxyABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse safe proxy abi: %w", err)
	}
	return &Supervisor{
		db:        database,
		queues:    queues,
		bus:       bus,
		clients:   clients,
		configs:   configs,
		erc20:     erc20Parsed,
		safeProxy: safeParsed,
		inflight:  make(map[string]string),
		alerted:   make(map[string]bool),
	}, nil
}

// Run scans each configured chain on its poll interval until cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	if len(s.configs) == 0 {
		log.Info().Msg("[TopUpSupervisor] [Run] no automatic top-up configured")
		return
	}

	var wg sync.WaitGroup
	for chainID, topUpConfig := range s.configs {
		wg.Add(1)
		go func(chainID uint64, topUpConfig *config.TopUpConfig) {
			defer wg.Done()
			ticker := time.NewTicker(topUpConfig.PollInterval)
			defer ticker.Stop()
			log.Info().Uint64("chainId", chainID).Dur("interval", topUpConfig.PollInterval).
				Msg("[TopUpSupervisor] [Run] scanner started")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.scanChain(ctx, chainID, topUpConfig)
				}
			}
		}(chainID, topUpConfig)
	}
	wg.Wait()
}

func (s *Supervisor) scanChain(ctx context.Context, chainID uint64, topUpConfig *config.TopUpConfig) {
	client, ok := s.clients[chainID]
	if !ok {
		return
	}
	chainIDValue := chainID
	relayers, err := s.db.ListRelayers(&chainIDValue, 0, 0)
	if err != nil {
		log.Error().Err(err).Uint64("chainId", chainID).
			Msg("[TopUpSupervisor] [scanChain] failed to list relayers")
		return
	}

	for i := range relayers {
		relayer := &relayers[i]
		if relayer.ID == topUpConfig.FunderRelayerID {
			continue
		}

		if topUpConfig.MinBalanceNative != "" {
			s.checkNative(ctx, client, relayer.ID, relayer.Address, topUpConfig)
		}
		for j := range topUpConfig.Erc20Tokens {
			s.checkErc20(ctx, client, relayer.ID, relayer.Address, topUpConfig, &topUpConfig.Erc20Tokens[j])
		}
	}
}

func (s *Supervisor) checkNative(ctx context.Context, client evm.ChainClient, relayerID, address string, topUpConfig *config.TopUpConfig) {
	minBalance, err := types.ParseWeiValue(topUpConfig.MinBalanceNative)
	if err != nil {
		log.Error().Err(err).Msg("[TopUpSupervisor] [checkNative] invalid min_balance_native")
		return
	}
	target, err := types.ParseWeiValue(topUpConfig.TargetNative)
	if err != nil || target.Cmp(minBalance) < 0 {
		log.Error().Msg("[TopUpSupervisor] [checkNative] invalid target_balance_native")
		return
	}

	balance, err := client.BalanceAt(ctx, common.HexToAddress(address))
	if err != nil {
		log.Warn().Err(err).Str("relayerId", relayerID).
			Msg("[TopUpSupervisor] [checkNative] failed to read balance")
		return
	}

	assetKey := relayerID + "|native"
	if balance.Cmp(minBalance) >= 0 {
		s.clearEpisode(assetKey)
		return
	}

	delta := new(big.Int).Sub(target, balance)
	s.trigger(ctx, client, relayerID, assetKey, topUpConfig, &fundingOrder{
		to:     address,
		value:  delta,
		asset:  "native",
		amount: delta,
	}, balance, minBalance)
}

func (s *Supervisor) checkErc20(ctx context.Context, client evm.ChainClient, relayerID, address string, topUpConfig *config.TopUpConfig, token *config.Erc20TopUpConfig) {
	minBalance, err := types.ParseWeiValue(token.MinBalance)
	if err != nil {
		return
	}
	target, err := types.ParseWeiValue(token.TargetBalance)
	if err != nil || target.Cmp(minBalance) < 0 {
		return
	}

	balance, err := s.erc20Balance(ctx, client, token.TokenAddress, address)
	if err != nil {
		log.Warn().Err(err).Str("token", token.TokenAddress).
			Msg("[TopUpSupervisor] [checkErc20] failed to read token balance")
		return
	}

	assetKey := relayerID + "|" + types.NormalizeAddress(token.TokenAddress)
	if balance.Cmp(minBalance) >= 0 {
		s.clearEpisode(assetKey)
		return
	}

	delta := new(big.Int).Sub(target, balance)
	calldata, err := s.erc20.Pack("transfer", common.HexToAddress(address), delta)
	if err != nil {
		return
	}
	s.trigger(ctx, client, relayerID, assetKey, topUpConfig, &fundingOrder{
		to:     token.TokenAddress,
		value:  big.NewInt(0),
		data:   calldata,
		asset:  types.NormalizeAddress(token.TokenAddress),
		amount: delta,
	}, balance, minBalance)
}

type fundingOrder struct {
	to     string
	value  *big.Int
	data   []byte
	asset  string
	amount *big.Int
}

// trigger queues the funding transaction unless one is already outstanding
// for the (relayer, asset), and emits the balance.low webhook on the
// trigger edge.
func (s *Supervisor) trigger(ctx context.Context, client evm.ChainClient, relayerID, assetKey string, topUpConfig *config.TopUpConfig, order *fundingOrder, balance, minBalance *big.Int) {
	s.mu.Lock()
	if txID, outstanding := s.inflight[assetKey]; outstanding {
		if live, err := s.db.FindTransactionByID(txID); err == nil && !live.Status.IsTerminal() {
			s.mu.Unlock()
			return
		}
		delete(s.inflight, assetKey)
	}
	firstEdge := !s.alerted[assetKey]
	s.alerted[assetKey] = true
	s.mu.Unlock()

	funder, err := s.db.FindRelayerByID(topUpConfig.FunderRelayerID)
	if err != nil {
		log.Error().Err(err).Msg("[TopUpSupervisor] [trigger] funder relayer not found")
		return
	}

	if firstEdge {
		s.publishLow(types.EventBalanceLow, funder.ChainID, relayerID, order.asset, balance, minBalance)
	}

	// An underfunded funder logs and alerts; relayer transactions are not
	// failed proactively.
	funderBalance, err := client.BalanceAt(ctx, common.HexToAddress(funder.Address))
	if err == nil && funderBalance.Cmp(order.amount) < 0 && order.asset == "native" {
		log.Warn().
			Str("funder", funder.ID).
			Str("funderBalance", funderBalance.String()).
			Str("needed", order.amount.String()).
			Msg("[TopUpSupervisor] [trigger] funder is underfunded")
		s.publishLow(types.EventFunderLow, funder.ChainID, funder.ID, order.asset, funderBalance, order.amount)
		return
	}

	request := &queue.SendRequest{
		To:    order.to,
		Value: order.value.String(),
		Data:  order.data,
		Speed: types.SpeedFast,
	}

	// Routing through a Safe proxy wraps the funding call in
	// execTransaction from the treasury multisig.
	if topUpConfig.SafeProxy != "" {
		wrapped, err := s.wrapSafeProxy(funder.Address, topUpConfig.SafeProxy, order)
		if err != nil {
			log.Error().Err(err).Msg("[TopUpSupervisor] [trigger] failed to build safe proxy call")
			return
		}
		request = wrapped
	}

	sent, err := s.queues.SendTransaction(funder.ID, request)
	if err != nil {
		log.Error().Err(err).Str("relayerId", relayerID).
			Msg("[TopUpSupervisor] [trigger] failed to queue top-up transaction")
		return
	}

	s.mu.Lock()
	s.inflight[assetKey] = sent.ID
	s.mu.Unlock()

	log.Info().
		Str("relayerId", relayerID).
		Str("asset", order.asset).
		Str("amount", order.amount.String()).
		Str("topUpTransactionId", sent.ID).
		Msg("[TopUpSupervisor] [trigger] queued top-up transaction")
}

// wrapSafeProxy encodes the funding order as a Safe execTransaction with a
// pre-validated signature from the funder owner.
func (s *Supervisor) wrapSafeProxy(funderAddress, safeAddr string, order *fundingOrder) (*queue.SendRequest, error) {
	// Pre-validated signature format: r = owner address, s = 0, v = 1.
	signature := make([]byte, 65)
	copy(signature[12:32], common.HexToAddress(funderAddress).Bytes())
	signature[64] = 1

	calldata, err := s.safeProxy.Pack("execTransaction",
		common.HexToAddress(order.to),
		order.value,
		order.data,
		uint8(0),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{},
		signature,
	)
	if err != nil {
		return nil, err
	}
	return &queue.SendRequest{
		To:    safeAddr,
		Value: "0",
		Data:  calldata,
		Speed: types.SpeedFast,
	}, nil
}

func (s *Supervisor) clearEpisode(assetKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerted, assetKey)
	delete(s.inflight, assetKey)
}

func (s *Supervisor) erc20Balance(ctx context.Context, client evm.ChainClient, tokenAddress, holder string) (*big.Int, error) {
	calldata, err := s.erc20.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, err
	}
	token := common.HexToAddress(tokenAddress)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: calldata})
	if err != nil {
		return nil, err
	}
	outputs, err := s.erc20.Unpack("balanceOf", raw)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("empty balanceOf response")
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", outputs[0])
	}
	return balance, nil
}

func (s *Supervisor) publishLow(eventType types.EventType, chainID uint64, relayerID, asset string, current, minimum *big.Int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&types.EventEnvelope{
		EventType: eventType,
		ChainID:   chainID,
		RelayerID: relayerID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"asset":           asset,
			"current_balance": current.String(),
			"minimum_balance": minimum.String(),
		},
	})
}
