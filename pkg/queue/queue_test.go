package queue

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/signers"
	"github.com/relaycore/relayer/pkg/types"
)

// stubChain is a scriptable ChainClient for pipeline tests.
type stubChain struct {
	mu          sync.Mutex
	head        uint64
	balance     *big.Int
	nonce       uint64
	estimate    uint64
	estimateErr error
	sendErr     error
	receipts    map[common.Hash]*gethtypes.Receipt
	headers     map[uint64]common.Hash
	sent        []*gethtypes.Transaction
}

func newStubChain() *stubChain {
	return &stubChain{
		head:     100,
		balance:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		estimate: 21000,
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		headers:  make(map[uint64]common.Hash),
	}
}

func (s *stubChain) ChainID() uint64 { return 31337 }

func (s *stubChain) BlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

// canonicalHeader builds the one header the stub chain reports for a block
// number; receipts reference its hash so canonical checks line up.
func canonicalHeader(number uint64) *gethtypes.Header {
	return &gethtypes.Header{
		Number:     new(big.Int).SetUint64(number),
		Difficulty: big.NewInt(0),
	}
}

func (s *stubChain) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	return canonicalHeader(number.Uint64()), nil
}

func (s *stubChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChain) NonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func (s *stubChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func (s *stubChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.estimateErr != nil {
		return 0, s.estimateErr
	}
	return s.estimate, nil
}

func (s *stubChain) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (s *stubChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}

func (s *stubChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (s *stubChain) TransactionByHash(context.Context, common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (s *stubChain) includeLastSent(status uint64) common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.sent[len(s.sent)-1]
	hash := tx.Hash()
	s.receipts[hash] = &gethtypes.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(s.head),
		BlockHash:   canonicalHeader(s.head).Hash(),
	}
	s.nonce = tx.Nonce() + 1
	return hash
}

func (s *stubChain) advanceHead(blocks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head += blocks
}

func newQueueTestAdapter(t *testing.T) *db.DatabaseAdapter {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("relay"),
		postgres.WithUsername("relay"),
		postgres.WithPassword("relay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping pipeline test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("host=%s user=relay password=relay dbname=relay port=%d sslmode=disable TimeZone=UTC",
		host, port.Int())
	client, err := gorm.Open(postgresDriver.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(client))
	return db.NewDatabaseAdapterWithClient(client)
}

const queueTestKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type pipelineHarness struct {
	queue   *TransactionsQueue
	chain   *stubChain
	adapter *db.DatabaseAdapter
	bus     *events.EventBus
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	adapter := newQueueTestAdapter(t)
	chain := newStubChain()

	wallet, err := signers.NewPrivateKeyWalletManager([]string{queueTestKey})
	require.NoError(t, err)
	address, err := wallet.GetAddress(context.Background(), 0, chain.ChainID())
	require.NoError(t, err)

	relayer := &models.Relayer{
		ID:             uuid.New().String(),
		Name:           "pipeline-test",
		ChainID:        chain.ChainID(),
		Address:        types.NormalizeAddress(address.Hex()),
		WalletIndex:    0,
		EIP1559Enabled: true,
	}
	require.NoError(t, adapter.CreateRelayer(relayer))

	gasCache := gas.NewOracleCache()
	gasCache.RegisterChain(chain.ChainID(), gas.NewStack(chain.ChainID(), []gas.FeeEstimator{
		&fixedEstimator{},
	}), time.Minute)

	bus := events.NewEventBus(64)
	queue := NewTransactionsQueue(QueueSetup{
		Relayer:           *relayer,
		Client:            chain,
		Wallet:            wallet,
		DB:                adapter,
		GasCache:          gasCache,
		BlobCache:         gas.NewBlobOracleCache(time.Minute),
		Bus:               bus,
		BlockTime:         time.Second,
		ConfirmationDepth: 2,
		DropGraceBlocks:   6,
	}, NewNonceManager(0))

	return &pipelineHarness{queue: queue, chain: chain, adapter: adapter, bus: bus}
}

type fixedEstimator struct{}

func (f *fixedEstimator) GetGasPrices(context.Context, uint64) (*gas.GasEstimate, error) {
	tier := func(maxFee int64) gas.GasPriceResult {
		return gas.GasPriceResult{MaxFee: big.NewInt(maxFee), MaxPriorityFee: big.NewInt(maxFee / 100)}
	}
	return &gas.GasEstimate{
		Slow:   tier(10000000000),
		Medium: tier(20000000000),
		Fast:   tier(30000000000),
		Super:  tier(50000000000),
	}, nil
}

func (f *fixedEstimator) IsChainSupported(uint64) bool { return true }
func (f *fixedEstimator) Name() string                 { return "fixed" }

func (h *pipelineHarness) send(t *testing.T, value string) *models.Transaction {
	t.Helper()
	transaction := &models.Transaction{
		ID:        uuid.New().String(),
		To:        "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Value:     value,
		Speed:     types.SpeedFast,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
		QueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, h.queue.AddTransaction(transaction))
	return transaction
}

func (h *pipelineHarness) status(t *testing.T, id string) types.TransactionStatus {
	t.Helper()
	loaded, err := h.adapter.FindTransactionByID(id)
	require.NoError(t, err)
	return loaded.Status
}

func TestPipelineHappyPath(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	transaction := h.send(t, "1000000000000000000")
	require.Equal(t, uint64(0), transaction.Nonce)

	// Tick 1: pending -> broadcast -> INMEMPOOL.
	h.queue.tick(ctx)
	require.Equal(t, types.StatusInmempool, h.status(t, transaction.ID))
	require.Len(t, h.chain.sent, 1)

	// Receipt appears: INMEMPOOL -> MINED.
	h.chain.includeLastSent(gethtypes.ReceiptStatusSuccessful)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusMined, h.status(t, transaction.ID))

	// Head advances past confirmation depth: MINED -> CONFIRMED.
	h.chain.advanceHead(3)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusConfirmed, h.status(t, transaction.ID))

	loaded, err := h.adapter.FindTransactionByID(transaction.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Hash)
	require.NotNil(t, loaded.MinedAtBlockNumber)
	require.NotNil(t, loaded.ConfirmedAt)
}

func TestPipelineEstimateRevertFailsTerminally(t *testing.T) {
	h := newPipelineHarness(t)
	h.chain.estimateErr = fmt.Errorf("execution reverted: transfer amount exceeds balance")

	transaction := h.send(t, "1")
	h.queue.tick(context.Background())

	require.Equal(t, types.StatusFailed, h.status(t, transaction.ID))
	loaded, err := h.adapter.FindTransactionByID(transaction.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.FailedReason)
	require.Contains(t, *loaded.FailedReason, "execution reverted")
	require.Empty(t, h.chain.sent)
}

func TestPipelineGasBumpInvariant(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	transaction := h.send(t, "1")
	h.queue.tick(ctx)
	require.Len(t, h.chain.sent, 1)
	firstTx := h.chain.sent[0]

	// No receipt; advance beyond the FAST bump threshold (4 blocks).
	h.chain.advanceHead(5)
	h.queue.tick(ctx)
	require.Len(t, h.chain.sent, 2)
	secondTx := h.chain.sent[1]

	require.Equal(t, firstTx.Nonce(), secondTx.Nonce(), "bump keeps the nonce")
	require.NotEqual(t, firstTx.Hash(), secondTx.Hash())

	// Every fee component >= 112.5% of the previous broadcast.
	lhs := new(big.Int).Mul(secondTx.GasFeeCap(), big.NewInt(8))
	rhs := new(big.Int).Mul(firstTx.GasFeeCap(), big.NewInt(9))
	require.True(t, lhs.Cmp(rhs) >= 0, "max fee bump below 112.5%%")

	lhs = new(big.Int).Mul(secondTx.GasTipCap(), big.NewInt(8))
	rhs = new(big.Int).Mul(firstTx.GasTipCap(), big.NewInt(9))
	require.True(t, lhs.Cmp(rhs) >= 0, "priority fee bump below 112.5%%")

	// The bumped broadcast gets included: terminal state via the new hash.
	h.chain.includeLastSent(gethtypes.ReceiptStatusSuccessful)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusMined, h.status(t, transaction.ID))

	hashes, err := h.adapter.HistoricalHashes(transaction.ID)
	require.NoError(t, err)
	require.Len(t, hashes, 2, "both broadcast hashes recorded in the audit log")
}

func TestPipelineCapSkipsBump(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	transaction := h.send(t, "1")
	h.queue.tick(ctx)
	require.Len(t, h.chain.sent, 1)

	// Cap exactly at the first broadcast's max fee: the 12.5% bump cannot
	// fit, so the cycle skips without failing the transaction.
	capValue := h.chain.sent[0].GasFeeCap().String()
	relayer := h.queue.Relayer()
	relayer.MaxGasPriceCap = &capValue
	h.queue.UpdateRelayer(relayer)

	h.chain.advanceHead(5)
	h.queue.tick(ctx)
	require.Len(t, h.chain.sent, 1, "capped bump must not rebroadcast")
	require.Equal(t, types.StatusInmempool, h.status(t, transaction.ID))
}

func TestPipelineOnChainRevertIsTerminalFailed(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	transaction := h.send(t, "1")
	h.queue.tick(ctx)
	h.chain.includeLastSent(gethtypes.ReceiptStatusFailed)
	h.queue.tick(ctx)

	require.Equal(t, types.StatusFailed, h.status(t, transaction.ID))

	// No subsequent write succeeds on the terminal row.
	err := h.adapter.TransactionMined(transaction.ID, 999)
	require.ErrorIs(t, err, db.ErrStaleStatusTransition)
}

func TestPipelineCancellation(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	original := h.send(t, "1000000000000000000")
	h.queue.tick(ctx)
	require.Equal(t, types.StatusInmempool, h.status(t, original.ID))

	// Synthesize the cancellation no-op over the same nonce.
	relayer := h.queue.Relayer()
	noop := &models.Transaction{
		ID:        uuid.New().String(),
		RelayerID: relayer.ID,
		ChainID:   relayer.ChainID,
		From:      relayer.Address,
		To:        relayer.Address,
		Value:     "0",
		Speed:     types.SpeedSuper,
		IsNoop:    true,
		Nonce:     original.Nonce,
		Status:    types.StatusPending,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
		QueuedAt:  time.Now().UTC(),
	}
	loadedOriginal, err := h.adapter.FindTransactionByID(original.ID)
	require.NoError(t, err)
	require.NoError(t, h.queue.SwapEntry(loadedOriginal, noop))
	require.Equal(t, types.StatusReplaced, h.status(t, original.ID))

	// The no-op broadcasts and mines; the original resolves CANCELLED.
	h.queue.tick(ctx)
	require.Equal(t, types.StatusInmempool, h.status(t, noop.ID))
	h.chain.includeLastSent(gethtypes.ReceiptStatusSuccessful)
	h.queue.tick(ctx)

	require.Equal(t, types.StatusMined, h.status(t, noop.ID))
	require.Equal(t, types.StatusCancelled, h.status(t, original.ID))

	loadedOriginal, err = h.adapter.FindTransactionByID(original.ID)
	require.NoError(t, err)
	require.Equal(t, noop.ID, *loadedOriginal.CancelledByTransactionID)

	// Confirmation completes the no-op's own lifecycle.
	h.chain.advanceHead(3)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusConfirmed, h.status(t, noop.ID))
}

func TestPipelineReorgDemotesAndRecovers(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	transaction := h.send(t, "1")
	h.queue.tick(ctx)
	includedHash := h.chain.includeLastSent(gethtypes.ReceiptStatusSuccessful)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusMined, h.status(t, transaction.ID))

	// Reorg: the receipt vanishes before confirmation depth.
	h.chain.mu.Lock()
	delete(h.chain.receipts, includedHash)
	h.chain.nonce = 0
	h.chain.mu.Unlock()
	h.queue.tick(ctx)
	require.Equal(t, types.StatusInmempool, h.status(t, transaction.ID))

	// The transaction is included again after the reorg settles.
	h.chain.mu.Lock()
	h.chain.receipts[includedHash] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      includedHash,
		BlockNumber: new(big.Int).SetUint64(h.chain.head),
		BlockHash:   canonicalHeader(h.chain.head).Hash(),
	}
	h.chain.nonce = 1
	h.chain.mu.Unlock()

	h.queue.tick(ctx)
	require.Equal(t, types.StatusMined, h.status(t, transaction.ID))
	h.chain.advanceHead(3)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusConfirmed, h.status(t, transaction.ID))
}

func TestPipelineDropDetection(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	transaction := h.send(t, "1")
	h.queue.tick(ctx)
	require.Equal(t, types.StatusInmempool, h.status(t, transaction.ID))

	// A competing broadcast took the nonce: chain nonce passes ours with no
	// receipt for any of our hashes.
	h.chain.mu.Lock()
	h.chain.nonce = 1
	h.chain.mu.Unlock()

	h.queue.tick(ctx)
	require.Equal(t, types.StatusInmempool, h.status(t, transaction.ID), "grace window still open")

	h.chain.advanceHead(7)
	h.queue.tick(ctx)
	require.Equal(t, types.StatusDropped, h.status(t, transaction.ID))
}

func TestPipelineStrictNonceOrdering(t *testing.T) {
	h := newPipelineHarness(t)
	ctx := context.Background()

	first := h.send(t, "1")
	second := h.send(t, "2")
	third := h.send(t, "3")
	require.Equal(t, uint64(0), first.Nonce)
	require.Equal(t, uint64(1), second.Nonce)
	require.Equal(t, uint64(2), third.Nonce)

	h.queue.tick(ctx)
	require.Len(t, h.chain.sent, 3, "window submits all three in order")
	require.Equal(t, uint64(0), h.chain.sent[0].Nonce())
	require.Equal(t, uint64(1), h.chain.sent[1].Nonce())
	require.Equal(t, uint64(2), h.chain.sent[2].Nonce())
}
