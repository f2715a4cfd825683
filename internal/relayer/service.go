package relayer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/relayer/config"
	"github.com/relaycore/relayer/pkg/api"
	"github.com/relaycore/relayer/pkg/clients/evm"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/policy"
	"github.com/relaycore/relayer/pkg/queue"
	"github.com/relaycore/relayer/pkg/ratelimit"
	"github.com/relaycore/relayer/pkg/signers"
	"github.com/relaycore/relayer/pkg/topup"
	"github.com/relaycore/relayer/pkg/webhooks"
)

// Service wires the relay core together: one EVM client per network, the
// process-global gas caches, one pipeline per relayer, the watchers and the
// HTTP surface.
type Service struct {
	cfg        *config.Config
	DbAdapter  *db.DatabaseAdapter
	EventBus   *events.EventBus
	Wallet     signers.WalletManager
	EvmClients map[uint64]*evm.EvmClient
	GasCache   *gas.OracleCache
	BlobCache  *gas.BlobOracleCache
	Queues     *queue.TransactionsQueues
	Dispatcher *webhooks.Dispatcher
	TopUp      *topup.Supervisor
	Api        *api.Server
	limiter    *ratelimit.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(ctx context.Context, cfg *config.Config, dbAdapter *db.DatabaseAdapter, eventBus *events.EventBus) (*Service, error) {
	wallet, err := signers.NewWalletManager(ctx, &cfg.SigningProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet manager: %w", err)
	}

	gasCache := gas.NewOracleCache()
	blobCache := gas.NewBlobOracleCache(time.Second)

	evmClients := make(map[uint64]*evm.EvmClient, len(cfg.Networks))
	runtimes := make(map[uint64]*queue.ChainRuntime, len(cfg.Networks))
	chainClients := make(map[uint64]evm.ChainClient, len(cfg.Networks))
	topUpConfigs := make(map[uint64]*config.TopUpConfig)
	chainNames := make(map[uint64]string, len(cfg.Networks))

	for i := range cfg.Networks {
		network := &cfg.Networks[i]
		client, err := evm.NewEvmClient(ctx, network)
		if err != nil {
			return nil, fmt.Errorf("failed to create evm client for %s: %w", network.Name, err)
		}
		evmClients[network.ChainID] = client
		chainClients[network.ChainID] = client
		chainNames[network.ChainID] = network.Name

		gasCache.RegisterChain(network.ChainID,
			gas.NewStackFromConfig(network.ChainID, network.GasProviders, client.Primary()),
			network.BlockTime)
		blobCache.RegisterChain(network.ChainID, client.Primary())

		runtimes[network.ChainID] = &queue.ChainRuntime{
			Client:            client,
			BlockTime:         network.BlockTime,
			ConfirmationDepth: network.ConfirmationDepth,
			MineDepth:         network.MineDepth,
			DropGraceBlocks:   network.DropGraceBlocks,
		}
		if network.AutomaticTopUp != nil {
			topUpConfigs[network.ChainID] = network.AutomaticTopUp
		}

		// Reconcile configured networks into the store.
		record := &models.Network{ChainID: network.ChainID, Name: network.Name}
		for _, url := range network.RPCUrls {
			record.Nodes = append(record.Nodes, models.NetworkNode{URL: url})
		}
		if err := dbAdapter.UpsertNetwork(record); err != nil {
			return nil, fmt.Errorf("failed to upsert network %s: %w", network.Name, err)
		}
	}

	queues := queue.NewTransactionsQueues(dbAdapter, wallet, gasCache, blobCache, eventBus, runtimes)
	dispatcher := webhooks.NewDispatcher(dbAdapter, eventBus, cfg.Webhooks, chainNames)

	topUpSupervisor, err := topup.NewSupervisor(dbAdapter, queues, eventBus, chainClients, topUpConfigs)
	if err != nil {
		return nil, fmt.Errorf("failed to create top-up supervisor: %w", err)
	}

	var limits ratelimit.Limits
	if cfg.RateLimits != nil {
		limits = ratelimit.Limits{
			Interval:     cfg.RateLimits.Interval,
			Transactions: cfg.RateLimits.Transactions,
			Signing:      cfg.RateLimits.Signing,
			PerClientKey: cfg.RateLimits.PerClientKey,
		}
	}
	limiter := ratelimit.NewLimiter(limits)
	apiServer := api.NewServer(cfg, dbAdapter, queues, policy.NewGate(), limiter, gasCache, wallet, eventBus)

	return &Service{
		cfg:        cfg,
		DbAdapter:  dbAdapter,
		EventBus:   eventBus,
		Wallet:     wallet,
		EvmClients: evmClients,
		GasCache:   gasCache,
		BlobCache:  blobCache,
		Queues:     queues,
		Dispatcher: dispatcher,
		TopUp:      topUpSupervisor,
		Api:        apiServer,
		limiter:    limiter,
		done:       make(chan struct{}),
	}, nil
}

// Start launches every long-running loop and blocks only for startup
// failures, not for the loops themselves.
func (s *Service) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	if err := s.Queues.StartAll(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start transaction queues: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.GasCache.Refresh(groupCtx, 10*time.Second)
		return nil
	})
	group.Go(func() error {
		s.Dispatcher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.TopUp.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				s.limiter.Cleanup()
			}
		}
	})
	group.Go(func() error {
		return s.Api.Start()
	})

	go func() {
		if err := group.Wait(); err != nil {
			log.Error().Err(err).Msg("[Relayer] [Start] background loop exited with error")
		}
		close(s.done)
	}()

	log.Info().
		Int("networks", len(s.EvmClients)).
		Msg("[Relayer] [Start] relay service started")
	return nil
}

// Stop drains the pipelines and shuts the HTTP surface down.
func (s *Service) Stop() {
	log.Info().Msg("[Relayer] [Stop] shutting down relay service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.Api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("[Relayer] [Stop] http shutdown error")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.Queues.Shutdown()
	s.EventBus.Close()

	select {
	case <-s.done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("[Relayer] [Stop] shutdown deadline reached before loops drained")
	}
	log.Info().Msg("[Relayer] [Stop] relay service stopped")
}
