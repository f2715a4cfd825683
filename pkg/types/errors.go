package types

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the relay core. Request-side APIs map these onto HTTP
// statuses; the pipeline recovers anything recoverable internally and only
// terminal failures surface through GET endpoints and webhooks.

// ValidationError is a malformed request. Non-retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// PolicyReject is an allowlist, capability or pause rejection at admission.
type PolicyReject struct {
	RelayerID string
	Reason    string
}

func (e *PolicyReject) Error() string {
	return fmt.Sprintf("policy rejected request for relayer %s: %s", e.RelayerID, e.Reason)
}

// RateLimited carries a retry-after hint for the caller.
type RateLimited struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// NotFound is an unknown id, hash or external id.
type NotFound struct {
	Entity string
	Key    string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// ProviderTransient marks a recoverable RPC, signing or gas oracle failure.
// The pipeline retries these with backoff until the operation deadline.
type ProviderTransient struct {
	Provider string
	Err      error
}

func (e *ProviderTransient) Error() string {
	return fmt.Sprintf("transient provider failure (%s): %v", e.Provider, e.Err)
}

func (e *ProviderTransient) Unwrap() error { return e.Err }

// ProviderFatal marks a non-retryable signing failure: unauthorized, key not
// found, malformed payload. The owning transaction fails terminally.
type ProviderFatal struct {
	Provider string
	Err      error
}

func (e *ProviderFatal) Error() string {
	return fmt.Sprintf("fatal provider failure (%s): %v", e.Provider, e.Err)
}

func (e *ProviderFatal) Unwrap() error { return e.Err }

// InsufficientFunds is detected pre-submit or reported by the node.
type InsufficientFunds struct {
	Address  string
	Required string
	Balance  string
}

func (e *InsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need %s, have %s", e.Address, e.Required, e.Balance)
}

// Reverted is an EVM status==0 at mine time or a revert at estimation.
type Reverted struct {
	Reason string
}

func (e *Reverted) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

// ErrGasPriceTooHigh means the relayer cap prevented submission this cycle.
var ErrGasPriceTooHigh = errors.New("gas price exceeds relayer max gas price cap")

func IsTransient(err error) bool {
	var transient *ProviderTransient
	return errors.As(err, &transient)
}

func IsFatalProvider(err error) bool {
	var fatal *ProviderFatal
	return errors.As(err, &fatal)
}
