package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors for the tolerated failure classes. Individual source
// failures are absorbed into reduced-confidence consensus; these sentinels
// let callers classify without string matching.
var (
	// ErrUpstreamUnavailable marks a network failure or open circuit for one
	// provider. The source is excluded from consensus, the pipeline continues.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRateLimited is advisory: the request budget for a dependency is
	// exhausted and the caller may retry later.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen is returned by a fast-fail without touching the upstream.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrNotFound is returned when a record or evidence URI is unknown.
	ErrNotFound = errors.New("not found")

	// ErrDisagreement marks contradicting sources. Not fatal: consensus
	// downgrades to NEEDS_REVIEW for human reconciliation.
	ErrDisagreement = errors.New("sources disagree")
)

// IntegrityError reports an attempt to overwrite, mutate, or delete a locked
// evidence record. Never absorbed: it aborts the operation and is surfaced.
type IntegrityError struct {
	URI    string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("evidence integrity violation on %s: %s", e.URI, e.Reason)
}

// TamperError reports that stored content no longer matches its recorded
// hash. Fatal, surfaced, never silently repaired.
type TamperError struct {
	URI      string
	Expected string
	Actual   string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("evidence tamper detected on %s: stored hash %s, recomputed %s",
		e.URI, e.Expected, e.Actual)
}

// IntegrationError reports a downstream persistence or notification failure
// after validation succeeded. It triggers compensating rollback.
type IntegrationError struct {
	Op  string
	Err error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration failure in %s: %v", e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }
