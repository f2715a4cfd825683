package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// NonceManager hands out strictly monotonic nonces for one relayer. The
// mutex is held only across the integer increment; it is the single lock in
// the pipeline that guards allocation.
type NonceManager struct {
	mu   sync.Mutex
	next uint64

	// confirmed is the highest nonce known included on chain; monotonically
	// non-decreasing for the relayer's lifetime.
	confirmed int64
}

func NewNonceManager(next uint64) *NonceManager {
	return &NonceManager{next: next, confirmed: -1}
}

// GetAndIncrement allocates the next nonce.
func (n *NonceManager) GetAndIncrement() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	current := n.next
	n.next++
	return current
}

// Peek returns the next nonce without allocating it.
func (n *NonceManager) Peek() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next
}

// ObserveConfirmed records chain-confirmed progress; regressions are ignored.
func (n *NonceManager) ObserveConfirmed(nonce int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nonce > n.confirmed {
		n.confirmed = nonce
	}
}

func (n *NonceManager) Confirmed() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.confirmed
}

// nonceReconciler is the chain surface needed to rebuild nonce state.
type nonceReconciler interface {
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// ReconcileNonces rebuilds a relayer's nonce state against the chain and the
// local pipeline at queue startup. Returns the nonce manager and the set of
// gap nonces: allocations below next that neither the chain nor the local
// pipeline account for. Gaps are filled with no-op transactions so the head
// of the line cannot block.
func ReconcileNonces(ctx context.Context, client nonceReconciler, address common.Address, localNonces []uint64) (*NonceManager, []uint64, error) {
	latest, err := client.NonceAt(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get confirmed transaction count: %w", err)
	}
	pending, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get pending transaction count: %w", err)
	}

	next := pending
	known := make(map[uint64]struct{}, len(localNonces))
	for _, nonce := range localNonces {
		known[nonce] = struct{}{}
		if nonce+1 > next {
			next = nonce + 1
		}
	}

	var gaps []uint64
	for nonce := latest; nonce < next; nonce++ {
		if nonce < pending {
			// The chain already accounts for this allocation.
			continue
		}
		if _, ok := known[nonce]; !ok {
			gaps = append(gaps, nonce)
		}
	}

	manager := NewNonceManager(next)
	manager.ObserveConfirmed(int64(latest) - 1)

	log.Info().
		Str("address", address.Hex()).
		Uint64("chainLatest", latest).
		Uint64("chainPending", pending).
		Uint64("next", next).
		Ints64("gaps", toInt64s(gaps)).
		Msg("[NonceManager] [ReconcileNonces] reconciled nonce state")

	return manager, gaps, nil
}

func toInt64s(values []uint64) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
