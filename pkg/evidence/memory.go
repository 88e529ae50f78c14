package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/promoguard/core/pkg/canonicalize"
	"github.com/promoguard/core/pkg/contracts"
)

// MemoryStore is an in-memory content-addressed store for tests and
// single-process deployments. Concurrent identical writes are idempotent:
// content addressing makes the race harmless.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*contracts.Evidence // keyed by URI
	signer  *Signer
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*contracts.Evidence),
		clock:   time.Now,
	}
}

// WithSigner attaches an Ed25519 signer; stored records carry a signature
// over their canonical form.
func (s *MemoryStore) WithSigner(signer *Signer) *MemoryStore {
	s.signer = signer
	return s
}

// WithClock overrides the clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, obj any) (*contracts.Evidence, error) {
	canonical, err := canonicalize.Canonicalize(obj)
	if err != nil {
		return nil, err
	}
	hash := canonicalize.HashBytes(canonical)
	uri := "mem://evidence/" + hash

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[uri]; ok {
		if existing.CanonicalForm != string(canonical) {
			return nil, &contracts.IntegrityError{URI: uri, Reason: "attempt to overwrite locked record"}
		}
		cp := *existing
		return &cp, nil
	}

	rec := &contracts.Evidence{
		Hash:          hash,
		URI:           uri,
		CanonicalForm: string(canonical),
		StoredAt:      s.clock().UTC(),
		SizeBytes:     len(canonical),
		Locked:        true,
	}
	if s.signer != nil {
		rec.Signature = s.signer.Sign(canonical)
	}
	s.records[uri] = rec

	cp := *rec
	return &cp, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, uri string) (*contracts.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[uri]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Verify implements Store.
func (s *MemoryStore) Verify(ctx context.Context, uri, hash string) (*VerifyResult, error) {
	if err := contracts.ValidateHash(hash); err != nil {
		return nil, err
	}

	s.mu.RLock()
	rec, ok := s.records[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.ErrNotFound
	}

	recomputed := canonicalize.HashBytes([]byte(rec.CanonicalForm))
	now := s.clock().UTC()
	if recomputed != hash {
		return &VerifyResult{
			IsValid:    false,
			CheckedAt:  now,
			FailReason: (&contracts.TamperError{URI: uri, Expected: hash, Actual: recomputed}).Error(),
		}, nil
	}

	cp := *rec
	return &VerifyResult{IsValid: true, Evidence: &cp, CheckedAt: now}, nil
}

// Delete implements Store. Locked records are not deletable; since every
// stored record is locked at creation, this always fails for known URIs.
func (s *MemoryStore) Delete(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[uri]
	if !ok {
		return contracts.ErrNotFound
	}
	if rec.Locked {
		return &contracts.IntegrityError{URI: uri, Reason: "delete of locked record"}
	}
	delete(s.records, uri)
	return nil
}

// corrupt is a test hook: it alters stored bytes without going through the
// write path, simulating out-of-band tampering.
func (s *MemoryStore) corrupt(uri, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[uri]; ok {
		rec.CanonicalForm = content
	}
}
