package queue

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/pkg/clients/evm"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/signers"
	"github.com/relaycore/relayer/pkg/types"
)

const (
	// processWindow bounds how many pending transactions one tick submits.
	processWindow = 64
	// topupDeadline is how long an underfunded transaction waits for the
	// top-up supervisor before failing.
	topupDeadline = 5 * time.Minute
	// pausePollInterval is the idle sleep while the relayer is paused.
	pausePollInterval = 5 * time.Second
)

// blocksToWaitBeforeBump is the per-speed rebroadcast threshold in blocks.
func blocksToWaitBeforeBump(speed types.TransactionSpeed) uint64 {
	switch speed {
	case types.SpeedSlow:
		return 10
	case types.SpeedMedium:
		return 5
	case types.SpeedFast:
		return 4
	case types.SpeedSuper:
		return 2
	}
	return 5
}

// QueueSetup carries everything a relayer's pipeline needs.
type QueueSetup struct {
	Relayer           models.Relayer
	Client            evm.ChainClient
	Wallet            signers.WalletManager
	DB                *db.DatabaseAdapter
	GasCache          *gas.OracleCache
	BlobCache         *gas.BlobOracleCache
	Bus               *events.EventBus
	BlockTime         time.Duration
	ConfirmationDepth uint64
	MineDepth         uint64
	DropGraceBlocks   uint64
}

// entry is a transaction in the hot set plus its pipeline-local state.
type entry struct {
	tx *models.Transaction
	// knownHashes accumulates every hash broadcast under this nonce, newest
	// last; older ones stay receipt-polled until terminal resolution.
	knownHashes []string
	// lastBroadcastBlock gates gas bumping.
	lastBroadcastBlock uint64
	// sentWithGas is the fee vector of the last broadcast.
	sentWithGas *gas.GasPriceResult
	sentWithBlobGas *gas.BlobGasPriceResult
	// replacedID points at the record this entry replaced over the same
	// nonce, when a client replace/cancel synthesized it.
	replacedID string
	// inheritedHashes counts the leading knownHashes that belong to the
	// replaced record's broadcasts, not this one's.
	inheritedHashes int
	// insufficientSince starts the top-up grace period.
	insufficientSince time.Time
	// dropObservedAt is the head at which the chain nonce first passed this
	// entry with no receipt in sight.
	dropObservedAt uint64
	receiptBlock   uint64
	receiptHash    string
}

// TransactionsQueue drives one relayer's transactions through the state
// machine. It is single-threaded with respect to its own nonce state: only
// the Run loop touches chain I/O, and admission paths only append under the
// queue lock.
type TransactionsQueue struct {
	setup        QueueSetup
	nonceManager *NonceManager

	mu        sync.Mutex
	relayer   models.Relayer
	pending   []*entry
	inmempool []*entry
	mined     map[string]*entry

	head uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewTransactionsQueue(setup QueueSetup, nonceManager *NonceManager) *TransactionsQueue {
	log.Info().
		Str("relayerId", setup.Relayer.ID).
		Str("relayer", setup.Relayer.Name).
		Uint64("chainId", setup.Relayer.ChainID).
		Msg("[TransactionsQueue] [NewTransactionsQueue] creating queue")
	return &TransactionsQueue{
		setup:        setup,
		nonceManager: nonceManager,
		relayer:      setup.Relayer,
		mined:        make(map[string]*entry),
		stopped:      make(chan struct{}),
	}
}

// Restore loads the relayer's live pipeline from the store at startup,
// ordered by nonce.
func (q *TransactionsQueue) Restore(transactions []models.Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range transactions {
		tx := transactions[i]
		e := &entry{tx: &tx}
		if tx.Hash != nil {
			e.knownHashes = []string{*tx.Hash}
		}
		if tx.MaxFee != nil && tx.MaxPriorityFee != nil {
			maxFee, okFee := new(big.Int).SetString(*tx.MaxFee, 10)
			priority, okPriority := new(big.Int).SetString(*tx.MaxPriorityFee, 10)
			if okFee && okPriority {
				e.sentWithGas = &gas.GasPriceResult{MaxFee: maxFee, MaxPriorityFee: priority}
			}
		}
		switch tx.Status {
		case types.StatusPending:
			q.pending = append(q.pending, e)
		case types.StatusInmempool:
			q.inmempool = append(q.inmempool, e)
		case types.StatusMined:
			if tx.MinedAtBlockNumber != nil {
				e.receiptBlock = *tx.MinedAtBlockNumber
			}
			if tx.Hash != nil {
				e.receiptHash = *tx.Hash
			}
			q.mined[tx.ID] = e
		}
	}
	log.Info().
		Str("relayer", q.relayer.Name).
		Int("pending", len(q.pending)).
		Int("inmempool", len(q.inmempool)).
		Int("mined", len(q.mined)).
		Msg("[TransactionsQueue] [Restore] restored hot set")
}

// AddTransaction admits a new transaction: allocates its nonce, persists it
// as PENDING and appends it to the pipeline.
func (q *TransactionsQueue) AddTransaction(transaction *models.Transaction) error {
	transaction.Nonce = q.nonceManager.GetAndIncrement()
	transaction.Status = types.StatusPending
	transaction.RelayerID = q.relayer.ID
	transaction.ChainID = q.relayer.ChainID
	transaction.From = q.relayer.Address

	if err := q.setup.DB.CreateTransaction(transaction); err != nil {
		return err
	}

	q.mu.Lock()
	q.pending = append(q.pending, &entry{tx: transaction})
	pendingCount := len(q.pending)
	q.mu.Unlock()

	log.Info().
		Str("relayer", q.relayer.Name).
		Str("transactionId", transaction.ID).
		Uint64("nonce", transaction.Nonce).
		Int("pendingCount", pendingCount).
		Msg("[TransactionsQueue] [AddTransaction] queued transaction")

	q.publish(types.EventTransactionQueued, transaction)
	return nil
}

// AddNoopFill queues a gap-filling no-op at a fixed nonce below next.
func (q *TransactionsQueue) AddNoopFill(nonce uint64) error {
	transaction := &models.Transaction{
		RelayerID: q.relayer.ID,
		ChainID:   q.relayer.ChainID,
		From:      q.relayer.Address,
		To:        q.relayer.Address,
		Value:     "0",
		Speed:     types.SpeedFast,
		Status:    types.StatusPending,
		Nonce:     nonce,
		IsNoop:    true,
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	if err := q.setup.DB.CreateTransaction(transaction); err != nil {
		return err
	}
	q.mu.Lock()
	// Gap fills go to the front so the blocked head clears first.
	q.pending = append([]*entry{{tx: transaction}}, q.pending...)
	q.mu.Unlock()
	q.publish(types.EventTransactionQueued, transaction)
	return nil
}

// SwapEntry installs a replacement record over the original's nonce. The
// original is persisted REPLACED with a back-pointer; the replacement
// inherits the original's queue position and every hash already broadcast
// under the nonce, so the chain's eventual choice between them is observed
// either way.
func (q *TransactionsQueue) SwapEntry(original *models.Transaction, replacement *models.Transaction) error {
	if err := q.setup.DB.CreateTransaction(replacement); err != nil {
		return err
	}
	if err := q.setup.DB.UpdateTransactionStatus(original.ID,
		[]types.TransactionStatus{types.StatusPending, types.StatusInmempool},
		map[string]interface{}{
			"status":                      types.StatusReplaced,
			"cancelled_by_transaction_id": replacement.ID,
		}); err != nil {
		return err
	}
	original.Status = types.StatusReplaced
	original.CancelledByTransactionID = &replacement.ID

	newEntry := &entry{tx: replacement, replacedID: original.ID}

	q.mu.Lock()
	swapped := false
	for i, e := range q.pending {
		if e.tx.ID == original.ID {
			newEntry.knownHashes = e.knownHashes
			newEntry.inheritedHashes = len(e.knownHashes)
			q.pending[i] = newEntry
			swapped = true
			break
		}
	}
	if !swapped {
		for i, e := range q.inmempool {
			if e.tx.ID == original.ID {
				// Keep polling the original's broadcasts; fees of the
				// replacement must outbid them.
				newEntry.knownHashes = e.knownHashes
				newEntry.inheritedHashes = len(e.knownHashes)
				newEntry.sentWithGas = e.sentWithGas
				newEntry.sentWithBlobGas = e.sentWithBlobGas
				q.inmempool = append(q.inmempool[:i], q.inmempool[i+1:]...)
				q.pending = append([]*entry{newEntry}, q.pending...)
				swapped = true
				break
			}
		}
	}
	q.mu.Unlock()

	if !swapped {
		return &types.NotFound{Entity: "pipeline entry", Key: original.ID}
	}

	log.Info().
		Str("relayer", q.relayer.Name).
		Str("originalId", original.ID).
		Str("replacementId", replacement.ID).
		Uint64("nonce", replacement.Nonce).
		Bool("noop", replacement.IsNoop).
		Msg("[TransactionsQueue] [SwapEntry] replacement installed over nonce")

	q.publish(types.EventTransactionReplaced, original)
	q.publish(types.EventTransactionQueued, replacement)
	return nil
}

func (q *TransactionsQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *TransactionsQueue) InmempoolCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inmempool)
}

func (q *TransactionsQueue) Relayer() models.Relayer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.relayer
}

// UpdateRelayer refreshes the policy snapshot (pause state, caps, flags).
func (q *TransactionsQueue) UpdateRelayer(relayer models.Relayer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.relayer = relayer
}

func (q *TransactionsQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopped) })
}

// Run is the pipeline loop; one goroutine per relayer.
func (q *TransactionsQueue) Run(ctx context.Context) {
	interval := q.setup.BlockTime / 4
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("relayer", q.relayer.Name).Dur("interval", interval).
		Msg("[TransactionsQueue] [Run] pipeline started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("relayer", q.relayer.Name).Msg("[TransactionsQueue] [Run] context cancelled, stopping")
			return
		case <-q.stopped:
			log.Info().Str("relayer", q.relayer.Name).Msg("[TransactionsQueue] [Run] stop requested")
			return
		case <-ticker.C:
			if q.Relayer().Paused {
				select {
				case <-time.After(pausePollInterval):
				case <-ctx.Done():
					return
				case <-q.stopped:
					return
				}
				continue
			}
			q.tick(ctx)
		}
	}
}

func (q *TransactionsQueue) tick(ctx context.Context) {
	head, err := q.setup.Client.BlockNumber(ctx)
	if err != nil {
		log.Warn().Err(err).Str("relayer", q.relayer.Name).
			Msg("[TransactionsQueue] [tick] failed to read chain head")
		return
	}
	q.head = head

	q.expirePending()
	q.processPending(ctx)
	q.processInmempool(ctx)
	q.processMined(ctx)
}

func (q *TransactionsQueue) expirePending() {
	now := time.Now().UTC()
	expired, err := q.setup.DB.ExpirePendingTransactions(q.relayer.ID, now)
	if err != nil {
		log.Warn().Err(err).Str("relayer", q.relayer.Name).
			Msg("[TransactionsQueue] [expirePending] failed to expire transactions")
		return
	}
	if len(expired) == 0 {
		return
	}
	expiredIDs := make(map[string]struct{}, len(expired))
	for i := range expired {
		expiredIDs[expired[i].ID] = struct{}{}
		q.publish(types.EventTransactionExpired, &expired[i])
	}
	q.mu.Lock()
	kept := q.pending[:0]
	for _, e := range q.pending {
		if _, gone := expiredIDs[e.tx.ID]; !gone {
			kept = append(kept, e)
		}
	}
	q.pending = kept
	q.mu.Unlock()
}

func (q *TransactionsQueue) nextPending() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

func (q *TransactionsQueue) popPending(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 && q.pending[0].tx.ID == id {
		q.pending = q.pending[1:]
	}
}

// processPending submits pending transactions in nonce order up to the
// window.
func (q *TransactionsQueue) processPending(ctx context.Context) {
	for i := 0; i < processWindow; i++ {
		e := q.nextPending()
		if e == nil {
			return
		}
		done, err := q.submitPending(ctx, e)
		if err != nil {
			log.Warn().Err(err).
				Str("relayer", q.relayer.Name).
				Str("transactionId", e.tx.ID).
				Msg("[TransactionsQueue] [processPending] submission attempt failed, will retry")
			return
		}
		if !done {
			// Head of line is waiting (cap, funds); strict nonce order
			// forbids skipping past it.
			return
		}
	}
}

// submitPending runs the full pre-flight for the head pending transaction:
// gas selection, estimation, balance check, signing and broadcast. Returns
// done=true when the entry left the pending deque (sent or failed).
func (q *TransactionsQueue) submitPending(ctx context.Context, e *entry) (bool, error) {
	relayer := q.Relayer()
	transaction := e.tx

	gasPrice, capped, err := q.computeGasPrice(ctx, transaction.Speed, e.sentWithGas)
	if err != nil {
		return false, err
	}
	if capped && e.sentWithGas != nil {
		// The cap prevents a meaningful first submission bump; wait.
		return false, nil
	}

	var blobPrice *gas.BlobGasPriceResult
	if len(transaction.Blobs) > 0 {
		blobPrice, err = q.setup.BlobCache.GetBlobGasPriceForSpeed(ctx, relayer.ChainID, transaction.Speed)
		if err != nil {
			return false, err
		}
	}

	callMsg, err := buildCallMsg(transaction, gasPrice)
	if err != nil {
		q.failPending(e, err.Error())
		return true, nil
	}

	gasLimit, err := q.estimateGas(ctx, callMsg, transaction.IsNoop)
	if err != nil {
		if reverted := revertReason(err); reverted != "" {
			q.failPending(e, reverted)
			return true, nil
		}
		return false, err
	}

	balance, err := q.setup.Client.BalanceAt(ctx, common.HexToAddress(relayer.Address))
	if err != nil {
		return false, err
	}
	required, err := requiredBalance(transaction, gasPrice, blobPrice, gasLimit)
	if err != nil {
		q.failPending(e, err.Error())
		return true, nil
	}
	if balance.Cmp(required) < 0 {
		return q.handleInsufficientFunds(e, required, balance), nil
	}
	e.insufficientSince = time.Time{}

	signed, err := q.signAndSend(ctx, transaction, gasPrice, blobPrice, gasLimit)
	if err != nil {
		if types.IsFatalProvider(err) {
			q.failPending(e, err.Error())
			return true, nil
		}
		return false, err
	}

	hash := signed.Hash().Hex()
	if err := q.recordSent(transaction, hash, gasPrice, gasLimit, relayer.EIP1559Enabled); err != nil {
		return false, err
	}

	e.knownHashes = append(e.knownHashes, hash)
	e.lastBroadcastBlock = q.head
	e.sentWithGas = gasPrice
	e.sentWithBlobGas = blobPrice

	q.popPending(transaction.ID)
	q.mu.Lock()
	q.inmempool = append(q.inmempool, e)
	q.mu.Unlock()

	log.Info().
		Str("relayer", relayer.Name).
		Str("transactionId", transaction.ID).
		Str("hash", hash).
		Uint64("nonce", transaction.Nonce).
		Msg("[TransactionsQueue] [submitPending] transaction broadcast")

	q.publish(types.EventTransactionInmempool, transaction)
	return true, nil
}

func (q *TransactionsQueue) handleInsufficientFunds(e *entry, required, balance *big.Int) bool {
	if e.insufficientSince.IsZero() {
		e.insufficientSince = time.Now().UTC()
		log.Warn().
			Str("relayer", q.relayer.Name).
			Str("transactionId", e.tx.ID).
			Str("required", required.String()).
			Str("balance", balance.String()).
			Msg("[TransactionsQueue] [submitPending] insufficient funds, waiting for top-up")
		return false
	}
	if time.Since(e.insufficientSince) > topupDeadline {
		q.failPending(e, (&types.InsufficientFunds{
			Address:  q.relayer.Address,
			Required: required.String(),
			Balance:  balance.String(),
		}).Error())
		return true
	}
	return false
}

func (q *TransactionsQueue) failPending(e *entry, reason string) {
	transaction := e.tx
	if err := q.setup.DB.TransactionFailed(transaction.ID, reason,
		[]types.TransactionStatus{types.StatusPending}); err != nil {
		log.Error().Err(err).Str("transactionId", transaction.ID).
			Msg("[TransactionsQueue] [failPending] failed to persist failure")
	}
	transaction.Status = types.StatusFailed
	transaction.FailedReason = &reason
	q.popPending(e.tx.ID)
	log.Warn().
		Str("relayer", q.relayer.Name).
		Str("transactionId", transaction.ID).
		Str("reason", reason).
		Msg("[TransactionsQueue] [failPending] transaction failed before broadcast")
	q.publish(types.EventTransactionFailed, transaction)
}

// computeGasPrice selects the oracle price for the speed, applies the bump
// floor against the previous attempt, then clips to the relayer's cap.
// capped reports that the cap bound the result.
func (q *TransactionsQueue) computeGasPrice(ctx context.Context, speed types.TransactionSpeed, sentWith *gas.GasPriceResult) (*gas.GasPriceResult, bool, error) {
	relayer := q.Relayer()
	gasPrice, err := q.setup.GasCache.GetGasPriceForSpeed(ctx, relayer.ChainID, speed)
	if err != nil {
		return nil, false, err
	}

	if sentWith != nil {
		gasPrice.MaxFee = maxBig(gasPrice.MaxFee, BumpFee(sentWith.MaxFee))
		gasPrice.MaxPriorityFee = maxBig(gasPrice.MaxPriorityFee, BumpFee(sentWith.MaxPriorityFee))
	}

	capValue := relayer.MaxGasPriceCap
	if capValue == nil {
		return gasPrice, false, nil
	}
	cap, ok := new(big.Int).SetString(*capValue, 10)
	if !ok || cap.Sign() == 0 {
		return gasPrice, false, nil
	}

	capped := false
	if relayer.EIP1559Enabled {
		capped = gasPrice.MaxFee.Cmp(cap) > 0
	} else {
		capped = gasPrice.LegacyGasPrice().Cmp(cap) > 0
	}
	return gas.ClipToCap(gasPrice, cap), capped, nil
}

// estimateGas simulates the transaction; non-noop estimates carry a 20%
// buffer.
func (q *TransactionsQueue) estimateGas(ctx context.Context, callMsg ethereum.CallMsg, isNoop bool) (uint64, error) {
	estimated, err := q.setup.Client.EstimateGas(ctx, callMsg)
	if err != nil {
		return 0, err
	}
	if isNoop {
		return estimated, nil
	}
	return estimated * 12 / 10, nil
}

func (q *TransactionsQueue) signAndSend(
	ctx context.Context,
	transaction *models.Transaction,
	gasPrice *gas.GasPriceResult,
	blobPrice *gas.BlobGasPriceResult,
	gasLimit uint64,
) (*gethtypes.Transaction, error) {
	relayer := q.Relayer()
	unsigned, err := BuildUnsignedTransaction(transaction, gasPrice, blobPrice, gasLimit, relayer.EIP1559Enabled, relayer.ChainID)
	if err != nil {
		return nil, &types.ProviderFatal{Provider: "builder", Err: err}
	}

	signed, err := q.setup.Wallet.SignTransaction(ctx, relayer.WalletIndex, unsigned, relayer.ChainID)
	if err != nil {
		return nil, err
	}

	if err := q.setup.Client.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			// Nodes dedupe identical raw transactions; rebroadcast is safe.
			return signed, nil
		}
		return nil, err
	}
	return signed, nil
}

func (q *TransactionsQueue) recordSent(transaction *models.Transaction, hash string, gasPrice *gas.GasPriceResult, gasLimit uint64, eip1559 bool) error {
	columns := map[string]interface{}{
		"max_fee":          gasPrice.MaxFee.String(),
		"max_priority_fee": gasPrice.MaxPriorityFee.String(),
		"gas_limit":        gasLimit,
		"nonce":            transaction.Nonce,
	}
	if !eip1559 {
		columns["gas_price"] = gasPrice.LegacyGasPrice().String()
	}
	if err := q.setup.DB.TransactionSent(transaction.ID, hash, columns); err != nil {
		return err
	}
	transaction.Status = types.StatusInmempool
	transaction.Hash = &hash
	maxFee := gasPrice.MaxFee.String()
	priority := gasPrice.MaxPriorityFee.String()
	transaction.MaxFee = &maxFee
	transaction.MaxPriorityFee = &priority
	transaction.GasLimit = &gasLimit
	return nil
}

// publish pushes a status transition event onto the bus for the webhook
// dispatcher to pick up.
func (q *TransactionsQueue) publish(eventType types.EventType, transaction *models.Transaction) {
	if q.setup.Bus == nil {
		return
	}
	payload := map[string]any{
		"transaction_id": transaction.ID,
		"status":         string(transaction.Status),
		"nonce":          transaction.Nonce,
		"speed":          string(transaction.Speed),
		"from":           transaction.From,
		"to":             transaction.To,
		"value":          transaction.Value,
		"is_noop":        transaction.IsNoop,
	}
	if transaction.Hash != nil {
		payload["hash"] = *transaction.Hash
	}
	if transaction.FailedReason != nil {
		payload["failed_reason"] = *transaction.FailedReason
	}
	if transaction.MinedAtBlockNumber != nil {
		payload["mined_at_block_number"] = *transaction.MinedAtBlockNumber
	}
	q.setup.Bus.Publish(&types.EventEnvelope{
		EventType: eventType,
		ChainID:   q.relayer.ChainID,
		RelayerID: q.relayer.ID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "already known") ||
		strings.Contains(message, "alreadyknown") ||
		strings.Contains(message, "known transaction")
}

// revertReason extracts a revert string from an estimation error, or ""
// when the failure was not an execution revert.
func revertReason(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	lowered := strings.ToLower(message)
	if strings.Contains(lowered, "execution reverted") ||
		strings.Contains(lowered, "revert") ||
		strings.Contains(lowered, "invalid opcode") {
		return message
	}
	return ""
}
