// Package evidence provides content-addressed, write-once storage of
// canonical JSON blobs. Every decision the pipeline makes references at
// least one evidence hash stored here; records are never mutated or deleted
// once locked, and the storage layer itself enforces that.
package evidence

import (
	"context"
	"time"

	"github.com/promoguard/core/pkg/contracts"
)

// Store is the WORM evidence contract.
//
// Put canonicalizes obj, hashes it with SHA-256, and persists the canonical
// form keyed by content. A duplicate Put of identical canonical content is a
// no-op returning the existing record. Attempting to write different content
// under an existing URI fails with *contracts.IntegrityError.
//
// Verify recomputes the hash of the stored content; a mismatch is reported
// as tampering, never repaired.
type Store interface {
	Put(ctx context.Context, obj any) (*contracts.Evidence, error)
	Get(ctx context.Context, uri string) (*contracts.Evidence, error)
	Verify(ctx context.Context, uri, hash string) (*VerifyResult, error)

	// Delete exists only to prove it fails: locked records are not deletable.
	Delete(ctx context.Context, uri string) error
}

// VerifyResult is the outcome of an integrity check.
type VerifyResult struct {
	IsValid    bool                `json:"is_valid"`
	Evidence   *contracts.Evidence `json:"evidence,omitempty"`
	CheckedAt  time.Time           `json:"checked_at"`
	FailReason string              `json:"fail_reason,omitempty"`
}
