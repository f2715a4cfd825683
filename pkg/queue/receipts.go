package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/types"
)

// processInmempool polls receipts for every broadcast hash of every
// in-flight transaction, bumps stale broadcasts and detects drops.
func (q *TransactionsQueue) processInmempool(ctx context.Context) {
	q.mu.Lock()
	inflight := make([]*entry, len(q.inmempool))
	copy(inflight, q.inmempool)
	q.mu.Unlock()

	for _, e := range inflight {
		receipt, hash := q.findReceipt(ctx, e)
		if receipt != nil {
			q.moveToMined(e, receipt, hash)
			continue
		}

		if q.detectDrop(ctx, e) {
			continue
		}

		if q.shouldBump(e) {
			if err := q.bump(ctx, e); err != nil {
				log.Warn().Err(err).
					Str("relayer", q.relayer.Name).
					Str("transactionId", e.tx.ID).
					Msg("[TransactionsQueue] [processInmempool] gas bump failed, will retry")
			}
		}
	}
}

// findReceipt polls every known hash, newest first; the chain can include
// any historically broadcast raw transaction of the nonce.
func (q *TransactionsQueue) findReceipt(ctx context.Context, e *entry) (*gethtypes.Receipt, string) {
	for i := len(e.knownHashes) - 1; i >= 0; i-- {
		hash := e.knownHashes[i]
		receipt, err := q.setup.Client.TransactionReceipt(ctx, common.HexToHash(hash))
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				log.Warn().Err(err).Str("hash", hash).
					Msg("[TransactionsQueue] [findReceipt] receipt poll failed")
			}
			continue
		}
		if receipt != nil && receipt.BlockNumber != nil {
			return receipt, hash
		}
	}
	return nil, ""
}

// moveToMined applies the receipt outcome: MINED on success, FAILED on an
// EVM revert. A mined hash that belongs to a replacement resolves the
// race with the record it replaced.
func (q *TransactionsQueue) moveToMined(e *entry, receipt *gethtypes.Receipt, hash string) {
	transaction := e.tx
	blockNumber := receipt.BlockNumber.Uint64()

	if mineDepth := q.setup.MineDepth; mineDepth > 0 && q.head < blockNumber+mineDepth {
		// Receipt is too fresh to trust yet.
		return
	}

	q.removeFromInmempool(transaction.ID)

	if e.replacedID != "" && hashIndex(e, hash) < e.inheritedHashes {
		// A broadcast of the replaced record won the nonce race. Resurrect
		// the original and drop the replacement.
		q.resurrectReplaced(e, receipt, hash)
		return
	}

	if receipt.Status == gethtypes.ReceiptStatusFailed {
		reason := "execution reverted on chain"
		if err := q.setup.DB.TransactionFailed(transaction.ID, reason,
			[]types.TransactionStatus{types.StatusInmempool}); err != nil {
			log.Error().Err(err).Str("transactionId", transaction.ID).
				Msg("[TransactionsQueue] [moveToMined] failed to persist revert")
		}
		transaction.Status = types.StatusFailed
		transaction.FailedReason = &reason
		q.resolveReplacement(e, false)
		q.publish(types.EventTransactionFailed, transaction)
		log.Warn().Str("relayer", q.relayer.Name).Str("transactionId", transaction.ID).
			Msg("[TransactionsQueue] [moveToMined] transaction reverted on chain")
		return
	}

	if hash != currentHash(e) {
		// An older broadcast won; track the included hash from here on.
		if err := q.setup.DB.TransactionSent(transaction.ID, hash, map[string]interface{}{}); err != nil {
			log.Warn().Err(err).Str("transactionId", transaction.ID).
				Msg("[TransactionsQueue] [moveToMined] failed to record winning hash")
		}
		winning := hash
		transaction.Hash = &winning
	}

	if err := q.setup.DB.TransactionMined(transaction.ID, blockNumber); err != nil {
		log.Error().Err(err).Str("transactionId", transaction.ID).
			Msg("[TransactionsQueue] [moveToMined] failed to persist mined status")
		return
	}
	transaction.Status = types.StatusMined
	transaction.MinedAtBlockNumber = &blockNumber

	e.receiptBlock = blockNumber
	e.receiptHash = hash
	q.mu.Lock()
	q.mined[transaction.ID] = e
	q.mu.Unlock()

	q.nonceManager.ObserveConfirmed(int64(transaction.Nonce))
	q.resolveReplacement(e, true)

	log.Info().
		Str("relayer", q.relayer.Name).
		Str("transactionId", transaction.ID).
		Uint64("block", blockNumber).
		Msg("[TransactionsQueue] [moveToMined] transaction mined")
	q.publish(types.EventTransactionMined, transaction)
}

func hashIndex(e *entry, hash string) int {
	for i, known := range e.knownHashes {
		if known == hash {
			return i
		}
	}
	return len(e.knownHashes)
}

// resurrectReplaced undoes a REPLACED marking when the chain included the
// original's broadcast instead of the replacement's. The replacement record
// becomes DROPPED; the original continues through MINED to CONFIRMED.
func (q *TransactionsQueue) resurrectReplaced(e *entry, receipt *gethtypes.Receipt, hash string) {
	transaction := e.tx
	blockNumber := receipt.BlockNumber.Uint64()

	if err := q.setup.DB.TransactionTerminal(transaction.ID, types.StatusDropped,
		[]types.TransactionStatus{types.StatusPending, types.StatusInmempool}); err != nil &&
		!errors.Is(err, db.ErrStaleStatusTransition) {
		log.Error().Err(err).Str("transactionId", transaction.ID).
			Msg("[TransactionsQueue] [resurrectReplaced] failed to drop replacement")
	}
	transaction.Status = types.StatusDropped
	q.publish(types.EventTransactionDropped, transaction)

	now := timeNowUTC()
	if err := q.setup.DB.UpdateTransactionStatus(e.replacedID,
		[]types.TransactionStatus{types.StatusReplaced},
		map[string]interface{}{
			"status":                types.StatusMined,
			"hash":                  hash,
			"mined_at":              &now,
			"mined_at_block_number": blockNumber,
		}); err != nil && !errors.Is(err, db.ErrStaleStatusTransition) {
		log.Error().Err(err).Str("transactionId", e.replacedID).
			Msg("[TransactionsQueue] [resurrectReplaced] failed to resurrect original")
		return
	}

	original, err := q.setup.DB.FindTransactionByID(e.replacedID)
	if err != nil {
		return
	}
	restored := &entry{
		tx:           original,
		knownHashes:  e.knownHashes[:e.inheritedHashes],
		receiptBlock: blockNumber,
		receiptHash:  hash,
	}
	q.mu.Lock()
	q.mined[original.ID] = restored
	q.mu.Unlock()
	q.nonceManager.ObserveConfirmed(int64(original.Nonce))

	log.Warn().
		Str("relayer", q.relayer.Name).
		Str("originalId", original.ID).
		Str("replacementId", transaction.ID).
		Msg("[TransactionsQueue] [resurrectReplaced] original broadcast won over replacement")
	q.publish(types.EventTransactionMined, original)
}

// resolveReplacement settles the record this entry replaced once the chain
// chose a winner. A mined cancellation no-op finalizes the original as
// CANCELLED; a mined plain replacement leaves the original REPLACED.
func (q *TransactionsQueue) resolveReplacement(e *entry, mined bool) {
	if e.replacedID == "" || !mined {
		return
	}
	if e.tx.IsNoop {
		err := q.setup.DB.TransactionTerminal(e.replacedID, types.StatusCancelled,
			[]types.TransactionStatus{types.StatusReplaced, types.StatusInmempool, types.StatusPending})
		if err != nil && !errors.Is(err, db.ErrStaleStatusTransition) {
			log.Error().Err(err).Str("transactionId", e.replacedID).
				Msg("[TransactionsQueue] [resolveReplacement] failed to cancel original")
			return
		}
		if original, err := q.setup.DB.FindTransactionByID(e.replacedID); err == nil {
			q.publish(types.EventTransactionCancelled, original)
		}
	}
}

// shouldBump gates rebroadcast on blocks elapsed since the last broadcast,
// scaled by speed.
func (q *TransactionsQueue) shouldBump(e *entry) bool {
	waitBlocks := blocksToWaitBeforeBump(e.tx.Speed)
	return q.head >= e.lastBroadcastBlock+waitBlocks
}

// bump re-signs the same nonce with promoted fees and rebroadcasts. When
// the cap blocks the 12.5% increment the bump is skipped, not failed, and
// retried next cycle.
func (q *TransactionsQueue) bump(ctx context.Context, e *entry) error {
	transaction := e.tx
	gasPrice, capped, err := q.computeGasPrice(ctx, transaction.Speed, e.sentWithGas)
	if err != nil {
		return err
	}
	if capped {
		log.Info().
			Str("relayer", q.relayer.Name).
			Str("transactionId", transaction.ID).
			Msg("[TransactionsQueue] [bump] cap prevents fee bump, skipping this cycle")
		e.lastBroadcastBlock = q.head
		return nil
	}

	var blobPrice = e.sentWithBlobGas
	if len(transaction.Blobs) > 0 {
		blobPrice, err = q.setup.BlobCache.GetBlobGasPriceForSpeed(ctx, q.relayer.ChainID, transaction.Speed)
		if err != nil {
			return err
		}
	}

	gasLimit := uint64(21000)
	if transaction.GasLimit != nil {
		gasLimit = *transaction.GasLimit
	}

	signed, err := q.signAndSend(ctx, transaction, gasPrice, blobPrice, gasLimit)
	if err != nil {
		if types.IsFatalProvider(err) {
			// Signing went permanently wrong mid-flight; the old broadcast
			// stays valid, keep polling it.
			log.Error().Err(err).Str("transactionId", transaction.ID).
				Msg("[TransactionsQueue] [bump] fatal signing failure on rebroadcast")
			return nil
		}
		return err
	}

	hash := signed.Hash().Hex()
	if err := q.recordSent(transaction, hash, gasPrice, gasLimit, q.Relayer().EIP1559Enabled); err != nil {
		return err
	}

	e.knownHashes = append(e.knownHashes, hash)
	e.lastBroadcastBlock = q.head
	e.sentWithGas = gasPrice
	e.sentWithBlobGas = blobPrice

	log.Info().
		Str("relayer", q.relayer.Name).
		Str("transactionId", transaction.ID).
		Str("hash", hash).
		Str("maxFee", gasPrice.MaxFee.String()).
		Str("maxPriorityFee", gasPrice.MaxPriorityFee.String()).
		Msg("[TransactionsQueue] [bump] rebroadcast with bumped fees")
	return nil
}

// detectDrop notices that the chain's account nonce moved past this entry
// while none of its hashes gained a receipt: a competing entry won the
// nonce. After the grace window the transaction is DROPPED.
func (q *TransactionsQueue) detectDrop(ctx context.Context, e *entry) bool {
	transaction := e.tx
	chainNonce, err := q.setup.Client.NonceAt(ctx, common.HexToAddress(q.relayer.Address))
	if err != nil {
		return false
	}
	if chainNonce <= transaction.Nonce {
		e.dropObservedAt = 0
		return false
	}

	if e.dropObservedAt == 0 {
		e.dropObservedAt = q.head
		return false
	}
	if q.head < e.dropObservedAt+q.setup.DropGraceBlocks {
		return false
	}

	if err := q.setup.DB.TransactionTerminal(transaction.ID, types.StatusDropped,
		[]types.TransactionStatus{types.StatusInmempool}); err != nil {
		if !errors.Is(err, db.ErrStaleStatusTransition) {
			log.Error().Err(err).Str("transactionId", transaction.ID).
				Msg("[TransactionsQueue] [detectDrop] failed to persist drop")
		}
		return false
	}
	transaction.Status = types.StatusDropped
	q.removeFromInmempool(transaction.ID)
	q.nonceManager.ObserveConfirmed(int64(transaction.Nonce))

	log.Warn().
		Str("relayer", q.relayer.Name).
		Str("transactionId", transaction.ID).
		Uint64("nonce", transaction.Nonce).
		Uint64("chainNonce", chainNonce).
		Msg("[TransactionsQueue] [detectDrop] transaction dropped, nonce taken by competitor")
	q.publish(types.EventTransactionDropped, transaction)
	return true
}

// processMined re-validates receipts against the canonical chain and
// promotes to CONFIRMED at depth. A receipt that vanished or moved off the
// canonical chain demotes the transaction back to INMEMPOOL.
func (q *TransactionsQueue) processMined(ctx context.Context) {
	q.mu.Lock()
	minedEntries := make([]*entry, 0, len(q.mined))
	for _, e := range q.mined {
		minedEntries = append(minedEntries, e)
	}
	q.mu.Unlock()

	for _, e := range minedEntries {
		transaction := e.tx

		receipt, err := q.setup.Client.TransactionReceipt(ctx, common.HexToHash(e.receiptHash))
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			continue
		}

		if receipt == nil || receipt.BlockNumber == nil || !q.isCanonical(ctx, receipt) {
			q.demote(e)
			continue
		}

		// The receipt may have moved to a different block within a reorg.
		blockNumber := receipt.BlockNumber.Uint64()
		if blockNumber != e.receiptBlock {
			e.receiptBlock = blockNumber
			if err := q.setup.DB.UpdateTransactionStatus(transaction.ID,
				[]types.TransactionStatus{types.StatusMined},
				map[string]interface{}{"mined_at_block_number": blockNumber}); err != nil &&
				!errors.Is(err, db.ErrStaleStatusTransition) {
				log.Warn().Err(err).Str("transactionId", transaction.ID).
					Msg("[TransactionsQueue] [processMined] failed to move receipt block")
			}
			transaction.MinedAtBlockNumber = &blockNumber
		}

		if q.head >= e.receiptBlock+q.setup.ConfirmationDepth {
			if err := q.setup.DB.TransactionConfirmed(transaction.ID); err != nil {
				if !errors.Is(err, db.ErrStaleStatusTransition) {
					log.Error().Err(err).Str("transactionId", transaction.ID).
						Msg("[TransactionsQueue] [processMined] failed to persist confirmation")
				}
				continue
			}
			transaction.Status = types.StatusConfirmed
			q.mu.Lock()
			delete(q.mined, transaction.ID)
			q.mu.Unlock()
			q.resolveReplacement(e, true)
			log.Info().
				Str("relayer", q.relayer.Name).
				Str("transactionId", transaction.ID).
				Uint64("block", e.receiptBlock).
				Msg("[TransactionsQueue] [processMined] transaction confirmed")
			q.publish(types.EventTransactionConfirmed, transaction)
		}
	}
}

// isCanonical verifies the receipt's block is still an ancestor of the head.
func (q *TransactionsQueue) isCanonical(ctx context.Context, receipt *gethtypes.Receipt) bool {
	header, err := q.setup.Client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil || header == nil {
		return false
	}
	return header.Hash() == receipt.BlockHash
}

// demote returns a reorged transaction to the in-flight set; its broadcasts
// remain valid and receipt polling resumes.
func (q *TransactionsQueue) demote(e *entry) {
	transaction := e.tx
	if err := q.setup.DB.TransactionDemoted(transaction.ID); err != nil {
		if !errors.Is(err, db.ErrStaleStatusTransition) {
			log.Error().Err(err).Str("transactionId", transaction.ID).
				Msg("[TransactionsQueue] [demote] failed to persist demotion")
		}
		return
	}
	transaction.Status = types.StatusInmempool
	transaction.MinedAtBlockNumber = nil
	e.receiptBlock = 0
	e.receiptHash = ""
	e.lastBroadcastBlock = q.head

	q.mu.Lock()
	delete(q.mined, transaction.ID)
	// Reorged transactions go to the front: lowest nonce first.
	q.inmempool = append([]*entry{e}, q.inmempool...)
	q.mu.Unlock()

	log.Warn().
		Str("relayer", q.relayer.Name).
		Str("transactionId", transaction.ID).
		Msg("[TransactionsQueue] [demote] reorg detected, transaction back in mempool tracking")
	q.publish(types.EventTransactionInmempool, transaction)
}

func (q *TransactionsQueue) removeFromInmempool(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.inmempool {
		if e.tx.ID == id {
			q.inmempool = append(q.inmempool[:i], q.inmempool[i+1:]...)
			return
		}
	}
}

func timeNowUTC() time.Time { return time.Now().UTC() }

func currentHash(e *entry) string {
	if len(e.knownHashes) == 0 {
		return ""
	}
	return e.knownHashes[len(e.knownHashes)-1]
}
