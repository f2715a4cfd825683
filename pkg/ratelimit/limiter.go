package ratelimit

import (
	"sync"
	"time"

	"github.com/relaycore/relayer/pkg/types"
)

// EndpointClass groups endpoints that share one quota.
type EndpointClass string

const (
	ClassTransactions EndpointClass = "transactions"
	ClassSigning      EndpointClass = "signing"
)

// Limits are the per-window caps. Zero disables the dimension.
type Limits struct {
	Interval     time.Duration
	Transactions int
	Signing      int
	// PerClientKey sub-limits one client-supplied rate limit key within an
	// api key's window.
	PerClientKey int
}

// Limiter is the process-global sliding-window admission control keyed by
// (api key, endpoint class), with an optional per-client-key sub-dimension.
type Limiter struct {
	limits Limits

	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewLimiter(limits Limits) *Limiter {
	if limits.Interval == 0 {
		limits.Interval = time.Minute
	}
	return &Limiter{
		limits:  limits,
		windows: make(map[string][]time.Time),
	}
}

func (l *Limiter) capFor(class EndpointClass) int {
	switch class {
	case ClassTransactions:
		return l.limits.Transactions
	case ClassSigning:
		return l.limits.Signing
	}
	return 0
}

// Allow admits or rejects one request. clientKey is the optional
// x-rrelayer-rate-limit-key dimension. Over-limit rejections carry a
// retry-after hint and are non-retryable server side.
func (l *Limiter) Allow(apiKey string, class EndpointClass, clientKey string) error {
	cap := l.capFor(class)
	if cap <= 0 && (clientKey == "" || l.limits.PerClientKey <= 0) {
		return nil
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if cap > 0 {
		key := apiKey + "|" + string(class)
		if retryAfter, ok := l.admit(key, cap, now); !ok {
			return &types.RateLimited{Key: key, RetryAfter: retryAfter}
		}
	}

	if clientKey != "" && l.limits.PerClientKey > 0 {
		subKey := apiKey + "|" + string(class) + "|" + clientKey
		if retryAfter, ok := l.admit(subKey, l.limits.PerClientKey, now); !ok {
			return &types.RateLimited{Key: subKey, RetryAfter: retryAfter}
		}
	}

	return nil
}

// admit appends to the window after pruning entries older than the
// interval; caller holds the mutex.
func (l *Limiter) admit(key string, cap int, now time.Time) (time.Duration, bool) {
	cutoff := now.Add(-l.limits.Interval)
	window := l.windows[key]

	pruned := window[:0]
	for _, stamp := range window {
		if stamp.After(cutoff) {
			pruned = append(pruned, stamp)
		}
	}

	if len(pruned) >= cap {
		retryAfter := pruned[0].Add(l.limits.Interval).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.windows[key] = pruned
		return retryAfter, false
	}

	l.windows[key] = append(pruned, now)
	return 0, true
}

// Cleanup drops windows that have fully expired; run periodically so the
// map does not grow with dead api keys.
func (l *Limiter) Cleanup() {
	cutoff := time.Now().Add(-l.limits.Interval)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, window := range l.windows {
		live := false
		for _, stamp := range window {
			if stamp.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, key)
		}
	}
}
