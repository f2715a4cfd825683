package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestNonceManagerGetAndIncrement(t *testing.T) {
	manager := NewNonceManager(5)
	require.Equal(t, uint64(5), manager.GetAndIncrement())
	require.Equal(t, uint64(6), manager.GetAndIncrement())
	require.Equal(t, uint64(7), manager.Peek())
}

func TestNonceManagerConcurrentAllocation(t *testing.T) {
	manager := NewNonceManager(0)
	const workers = 16
	const perWorker = 100

	seen := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seen <- manager.GetAndIncrement()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for nonce := range seen {
		_, dup := unique[nonce]
		require.False(t, dup, "nonce %d allocated twice", nonce)
		unique[nonce] = struct{}{}
	}
	require.Len(t, unique, workers*perWorker)
	require.Equal(t, uint64(workers*perWorker), manager.Peek())
}

func TestObserveConfirmedMonotonic(t *testing.T) {
	manager := NewNonceManager(10)
	require.Equal(t, int64(-1), manager.Confirmed())
	manager.ObserveConfirmed(4)
	manager.ObserveConfirmed(2)
	require.Equal(t, int64(4), manager.Confirmed())
	manager.ObserveConfirmed(9)
	require.Equal(t, int64(9), manager.Confirmed())
}

type stubNonceClient struct {
	latest  uint64
	pending uint64
}

func (s *stubNonceClient) NonceAt(context.Context, common.Address) (uint64, error) {
	return s.latest, nil
}

func (s *stubNonceClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return s.pending, nil
}

func TestReconcileNoncesNoGaps(t *testing.T) {
	client := &stubNonceClient{latest: 3, pending: 5}
	manager, gaps, err := ReconcileNonces(context.Background(), client, common.Address{}, []uint64{5, 6})
	require.NoError(t, err)
	require.Empty(t, gaps)
	require.Equal(t, uint64(7), manager.Peek())
	require.Equal(t, int64(2), manager.Confirmed())
}

func TestReconcileNoncesDetectsGaps(t *testing.T) {
	// Chain knows nonces < 5; local pipeline tracks 7 and 9; 5, 6 and 8
	// were allocated but abandoned.
	client := &stubNonceClient{latest: 5, pending: 5}
	manager, gaps, err := ReconcileNonces(context.Background(), client, common.Address{}, []uint64{7, 9})
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 6, 8}, gaps)
	require.Equal(t, uint64(10), manager.Peek())
}

func TestReconcileNoncesChainAhead(t *testing.T) {
	// Chain pending already past local records: next follows the chain.
	client := &stubNonceClient{latest: 10, pending: 12}
	manager, gaps, err := ReconcileNonces(context.Background(), client, common.Address{}, nil)
	require.NoError(t, err)
	require.Empty(t, gaps)
	require.Equal(t, uint64(12), manager.Peek())
	require.Equal(t, int64(9), manager.Confirmed())
}
