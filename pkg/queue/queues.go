package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/pkg/clients/evm"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/signers"
	"github.com/relaycore/relayer/pkg/types"
)

// DefaultExpiryWindow applies when a client does not supply expires_at.
const DefaultExpiryWindow = 12 * time.Hour

// idempotencyWindow is how long replace/cancel requests with the same client
// rate-limit key return the same synthesized transaction.
const idempotencyWindow = 2 * time.Minute

// ChainRuntime bundles the per-chain shared collaborators queues draw from.
type ChainRuntime struct {
	Client            evm.ChainClient
	BlockTime         time.Duration
	ConfirmationDepth uint64
	MineDepth         uint64
	DropGraceBlocks   uint64
}

// TransactionsQueues supervises one pipeline per active relayer. It owns
// queue lifecycle, routes send/replace/cancel and drains on shutdown.
type TransactionsQueues struct {
	db        *db.DatabaseAdapter
	wallet    signers.WalletManager
	gasCache  *gas.OracleCache
	blobCache *gas.BlobOracleCache
	bus       *events.EventBus
	runtimes  map[uint64]*ChainRuntime

	mu     sync.RWMutex
	queues map[string]*TransactionsQueue
	wg     sync.WaitGroup

	idemMu      sync.Mutex
	idempotency map[string]idempotentResult
}

type idempotentResult struct {
	transactionID string
	storedAt      time.Time
}

func NewTransactionsQueues(
	database *db.DatabaseAdapter,
	wallet signers.WalletManager,
	gasCache *gas.OracleCache,
	blobCache *gas.BlobOracleCache,
	bus *events.EventBus,
	runtimes map[uint64]*ChainRuntime,
) *TransactionsQueues {
	return &TransactionsQueues{
		db:          database,
		wallet:      wallet,
		gasCache:    gasCache,
		blobCache:   blobCache,
		bus:         bus,
		runtimes:    runtimes,
		queues:      make(map[string]*TransactionsQueue),
		idempotency: make(map[string]idempotentResult),
	}
}

// StartAll spins up a pipeline for every non-deleted relayer in the store.
func (qs *TransactionsQueues) StartAll(ctx context.Context) error {
	relayers, err := qs.db.ListRelayers(nil, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to list relayers: %w", err)
	}
	for i := range relayers {
		if err := qs.StartQueue(ctx, &relayers[i]); err != nil {
			log.Error().Err(err).Str("relayerId", relayers[i].ID).
				Msg("[TransactionsQueues] [StartAll] failed to start queue")
		}
	}
	return nil
}

// StartQueue builds and launches one relayer's pipeline. The signing
// provider must resolve the stored address exactly; a divergence means
// rotated or misconfigured key material and the pipeline refuses to start.
func (qs *TransactionsQueues) StartQueue(ctx context.Context, relayer *models.Relayer) error {
	runtime, ok := qs.runtimes[relayer.ChainID]
	if !ok {
		return fmt.Errorf("no chain runtime for chain %d", relayer.ChainID)
	}

	resolved, err := qs.wallet.GetAddress(ctx, relayer.WalletIndex, relayer.ChainID)
	if err != nil {
		return fmt.Errorf("failed to resolve signing address for relayer %s: %w", relayer.ID, err)
	}
	if !strings.EqualFold(resolved.Hex(), relayer.Address) {
		return fmt.Errorf(
			"signing provider resolved %s but relayer %s is stored as %s: refusing to start pipeline",
			resolved.Hex(), relayer.ID, relayer.Address)
	}

	live, err := qs.db.LoadNonTerminalTransactions(relayer.ID)
	if err != nil {
		return fmt.Errorf("failed to load live transactions for relayer %s: %w", relayer.ID, err)
	}
	localNonces := make([]uint64, 0, len(live))
	for i := range live {
		localNonces = append(localNonces, live[i].Nonce)
	}

	nonceManager, gaps, err := ReconcileNonces(ctx, runtime.Client, common.HexToAddress(relayer.Address), localNonces)
	if err != nil {
		return fmt.Errorf("failed to reconcile nonces for relayer %s: %w", relayer.ID, err)
	}

	queue := NewTransactionsQueue(QueueSetup{
		Relayer:           *relayer,
		Client:            runtime.Client,
		Wallet:            qs.wallet,
		DB:                qs.db,
		GasCache:          qs.gasCache,
		BlobCache:         qs.blobCache,
		Bus:               qs.bus,
		BlockTime:         runtime.BlockTime,
		ConfirmationDepth: runtime.ConfirmationDepth,
		MineDepth:         runtime.MineDepth,
		DropGraceBlocks:   runtime.DropGraceBlocks,
	}, nonceManager)
	queue.Restore(live)

	// Plug allocation gaps with no-op self transfers so the head of the
	// nonce line cannot block.
	for _, nonce := range gaps {
		if err := queue.AddNoopFill(nonce); err != nil {
			log.Warn().Err(err).Uint64("nonce", nonce).Str("relayerId", relayer.ID).
				Msg("[TransactionsQueues] [StartQueue] failed to queue gap fill")
		}
	}

	qs.mu.Lock()
	qs.queues[relayer.ID] = queue
	qs.mu.Unlock()

	qs.wg.Add(1)
	go func() {
		defer qs.wg.Done()
		queue.Run(ctx)
	}()
	return nil
}

// StopQueue halts a relayer's pipeline (delete). Pausing does not stop the
// pipeline; its Run loop idles while the relayer is paused.
func (qs *TransactionsQueues) StopQueue(relayerID string) {
	qs.mu.Lock()
	queue, ok := qs.queues[relayerID]
	if ok {
		delete(qs.queues, relayerID)
	}
	qs.mu.Unlock()
	if ok {
		queue.Stop()
	}
}

// Shutdown lets every pipeline complete its current step, then returns.
func (qs *TransactionsQueues) Shutdown() {
	qs.mu.Lock()
	for _, queue := range qs.queues {
		queue.Stop()
	}
	qs.mu.Unlock()
	qs.wg.Wait()
	log.Info().Msg("[TransactionsQueues] [Shutdown] all pipelines drained")
}

func (qs *TransactionsQueues) queueFor(relayerID string) (*TransactionsQueue, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	queue, ok := qs.queues[relayerID]
	if !ok {
		return nil, &types.NotFound{Entity: "relayer pipeline", Key: relayerID}
	}
	return queue, nil
}

// RefreshRelayer pushes an updated policy snapshot into a live queue.
func (qs *TransactionsQueues) RefreshRelayer(relayer models.Relayer) {
	qs.mu.RLock()
	queue, ok := qs.queues[relayer.ID]
	qs.mu.RUnlock()
	if ok {
		queue.UpdateRelayer(relayer)
	}
}

// SendRequest is the admitted shape of a new transaction.
type SendRequest struct {
	To         string
	Value      string
	Data       []byte
	Blobs      [][]byte
	Speed      types.TransactionSpeed
	ExternalID *string
	ExpiresAt  *time.Time
	ApiKey     *string
}

// SendTransaction queues a new transaction on a relayer's pipeline.
func (qs *TransactionsQueues) SendTransaction(relayerID string, request *SendRequest) (*models.Transaction, error) {
	queue, err := qs.queueFor(relayerID)
	if err != nil {
		return nil, err
	}

	speed := request.Speed
	if speed == "" {
		speed = types.SpeedFast
	}
	expiresAt := time.Now().UTC().Add(DefaultExpiryWindow)
	if request.ExpiresAt != nil {
		if !request.ExpiresAt.After(time.Now()) {
			return nil, &types.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		expiresAt = request.ExpiresAt.UTC()
	}

	transaction := &models.Transaction{
		ID:         uuid.New().String(),
		To:         types.NormalizeAddress(request.To),
		Value:      request.Value,
		Data:       request.Data,
		Blobs:      request.Blobs,
		Speed:      speed,
		ExternalID: request.ExternalID,
		ExpiresAt:  expiresAt,
		QueuedAt:   time.Now().UTC(),
		ApiKey:     request.ApiKey,
	}
	if err := queue.AddTransaction(transaction); err != nil {
		return nil, err
	}
	return transaction, nil
}

// PickRelayerForChain selects any unpaused relayer on a chain for
// send_random.
func (qs *TransactionsQueues) PickRelayerForChain(chainID uint64) (string, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	for id, queue := range qs.queues {
		relayer := queue.Relayer()
		if relayer.ChainID == chainID && !relayer.Paused && !relayer.Deleted {
			return id, nil
		}
	}
	return "", &types.NotFound{Entity: "available relayer", Key: models.ChainKey(chainID)}
}

func (qs *TransactionsQueues) rememberIdempotent(key, transactionID string) {
	qs.idemMu.Lock()
	defer qs.idemMu.Unlock()
	now := time.Now()
	for k, v := range qs.idempotency {
		if now.Sub(v.storedAt) > idempotencyWindow {
			delete(qs.idempotency, k)
		}
	}
	qs.idempotency[key] = idempotentResult{transactionID: transactionID, storedAt: now}
}

func (qs *TransactionsQueues) recallIdempotent(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	qs.idemMu.Lock()
	defer qs.idemMu.Unlock()
	result, ok := qs.idempotency[key]
	if !ok || time.Since(result.storedAt) > idempotencyWindow {
		return "", false
	}
	return result.transactionID, true
}

// ReplaceTransaction synthesizes a higher-priced replacement over the same
// nonce. The original is marked REPLACED; the chain ultimately decides which
// raw transaction wins.
func (qs *TransactionsQueues) ReplaceTransaction(transactionID string, request *SendRequest, rateLimitKey string) (*models.Transaction, error) {
	idemKey := ""
	if rateLimitKey != "" {
		idemKey = "replace:" + transactionID + ":" + rateLimitKey
		if existingID, ok := qs.recallIdempotent(idemKey); ok {
			return qs.db.FindTransactionByID(existingID)
		}
	}

	replacement, err := qs.replaceWith(transactionID, func(original *models.Transaction) *models.Transaction {
		speed := request.Speed
		if speed == "" {
			speed = original.Speed
		}
		return &models.Transaction{
			ID:        uuid.New().String(),
			To:        types.NormalizeAddress(request.To),
			Value:     request.Value,
			Data:      request.Data,
			Blobs:     request.Blobs,
			Speed:     speed,
			ExpiresAt: original.ExpiresAt,
			QueuedAt:  time.Now().UTC(),
			ApiKey:    original.ApiKey,
		}
	})
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		qs.rememberIdempotent(idemKey, replacement.ID)
	}
	return replacement, nil
}

// CancelTransaction synthesizes a cancellation: a zero-value self-transfer
// no-op over the same nonce with bumped fees.
func (qs *TransactionsQueues) CancelTransaction(transactionID string, rateLimitKey string) (*models.Transaction, error) {
	idemKey := ""
	if rateLimitKey != "" {
		idemKey = "cancel:" + transactionID + ":" + rateLimitKey
		if existingID, ok := qs.recallIdempotent(idemKey); ok {
			return qs.db.FindTransactionByID(existingID)
		}
	}

	noop, err := qs.replaceWith(transactionID, func(original *models.Transaction) *models.Transaction {
		return &models.Transaction{
			ID:        uuid.New().String(),
			To:        original.From,
			Value:     "0",
			Speed:     bumpedSpeed(original.Speed),
			IsNoop:    true,
			ExpiresAt: time.Now().UTC().Add(DefaultExpiryWindow),
			QueuedAt:  time.Now().UTC(),
			ApiKey:    original.ApiKey,
		}
	})
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		qs.rememberIdempotent(idemKey, noop.ID)
	}
	return noop, nil
}

// replaceWith swaps the pipeline entry for transactionID with a synthesized
// record over the same nonce.
func (qs *TransactionsQueues) replaceWith(transactionID string, build func(*models.Transaction) *models.Transaction) (*models.Transaction, error) {
	original, err := qs.db.FindTransactionByID(transactionID)
	if err != nil {
		return nil, err
	}
	if original.Status != types.StatusPending && original.Status != types.StatusInmempool {
		return nil, &types.ValidationError{
			Field:  "transaction",
			Reason: fmt.Sprintf("cannot replace transaction in status %s", original.Status),
		}
	}

	queue, err := qs.queueFor(original.RelayerID)
	if err != nil {
		return nil, err
	}

	replacement := build(original)
	replacement.RelayerID = original.RelayerID
	replacement.ChainID = original.ChainID
	replacement.From = original.From
	replacement.Nonce = original.Nonce
	replacement.Status = types.StatusPending

	if err := queue.SwapEntry(original, replacement); err != nil {
		return nil, err
	}
	return replacement, nil
}

func bumpedSpeed(speed types.TransactionSpeed) types.TransactionSpeed {
	if next, ok := speed.NextSpeed(); ok {
		return next
	}
	return speed
}

// PendingCount and InmempoolCount expose live pipeline depth per relayer.
func (qs *TransactionsQueues) PendingCount(relayerID string) (int, error) {
	queue, err := qs.queueFor(relayerID)
	if err != nil {
		return 0, err
	}
	return queue.PendingCount(), nil
}

func (qs *TransactionsQueues) InmempoolCount(relayerID string) (int, error) {
	queue, err := qs.queueFor(relayerID)
	if err != nil {
		return 0, err
	}
	return queue.InmempoolCount(), nil
}
