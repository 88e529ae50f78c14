package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/promoguard/core/pkg/canonicalize"
	"github.com/promoguard/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists evidence in SQLite with write-once enforced by the
// database itself: BEFORE UPDATE and BEFORE DELETE triggers abort any
// attempt to touch a locked row, so the WORM invariant holds even for
// callers that bypass this package and talk SQL directly.
type SQLiteStore struct {
	db     *sql.DB
	signer *Signer
}

// NewSQLiteStore opens (or migrates) the evidence table on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithSigner attaches an Ed25519 signer to the store.
func (s *SQLiteStore) WithSigner(signer *Signer) *SQLiteStore {
	s.signer = signer
	return s
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS evidence (
			uri            TEXT PRIMARY KEY,
			hash           TEXT NOT NULL UNIQUE,
			canonical_form TEXT NOT NULL,
			stored_at      TEXT NOT NULL,
			size_bytes     INTEGER NOT NULL,
			locked         INTEGER NOT NULL DEFAULT 1,
			signature      TEXT
		);`,
		`CREATE TRIGGER IF NOT EXISTS evidence_no_update
		BEFORE UPDATE ON evidence
		WHEN OLD.locked = 1
		BEGIN
			SELECT RAISE(ABORT, 'evidence record is locked');
		END;`,
		`CREATE TRIGGER IF NOT EXISTS evidence_no_delete
		BEFORE DELETE ON evidence
		WHEN OLD.locked = 1
		BEGIN
			SELECT RAISE(ABORT, 'evidence record is locked');
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("evidence migrate: %w", err)
		}
	}
	return nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, obj any) (*contracts.Evidence, error) {
	canonical, err := canonicalize.Canonicalize(obj)
	if err != nil {
		return nil, err
	}
	hash := canonicalize.HashBytes(canonical)
	uri := "sqlite://evidence/" + hash

	// Dedup: identical canonical content is a no-op.
	if existing, err := s.Get(ctx, uri); err == nil {
		if existing.CanonicalForm != string(canonical) {
			return nil, &contracts.IntegrityError{URI: uri, Reason: "attempt to overwrite locked record"}
		}
		return existing, nil
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return nil, err
	}

	rec := &contracts.Evidence{
		Hash:          hash,
		URI:           uri,
		CanonicalForm: string(canonical),
		StoredAt:      time.Now().UTC(),
		SizeBytes:     len(canonical),
		Locked:        true,
	}
	if s.signer != nil {
		rec.Signature = s.signer.Sign(canonical)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence (uri, hash, canonical_form, stored_at, size_bytes, locked, signature)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		rec.URI, rec.Hash, rec.CanonicalForm, rec.StoredAt.Format(time.RFC3339Nano), rec.SizeBytes, rec.Signature,
	)
	if err != nil {
		// A concurrent identical Put can land first; resolve via re-read.
		if existing, gerr := s.Get(ctx, uri); gerr == nil {
			if existing.CanonicalForm == string(canonical) {
				return existing, nil
			}
			return nil, &contracts.IntegrityError{URI: uri, Reason: "attempt to overwrite locked record"}
		}
		return nil, fmt.Errorf("evidence insert: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, uri string) (*contracts.Evidence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uri, hash, canonical_form, stored_at, size_bytes, locked, signature
		 FROM evidence WHERE uri = ?`, uri)

	var (
		rec      contracts.Evidence
		storedAt string
		locked   int
		sig      sql.NullString
	)
	err := row.Scan(&rec.URI, &rec.Hash, &rec.CanonicalForm, &storedAt, &rec.SizeBytes, &locked, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evidence get: %w", err)
	}

	rec.Locked = locked == 1
	rec.Signature = sig.String
	if t, perr := time.Parse(time.RFC3339Nano, storedAt); perr == nil {
		rec.StoredAt = t
	}
	return &rec, nil
}

// Verify implements Store.
func (s *SQLiteStore) Verify(ctx context.Context, uri, hash string) (*VerifyResult, error) {
	if err := contracts.ValidateHash(hash); err != nil {
		return nil, err
	}

	rec, err := s.Get(ctx, uri)
	if err != nil {
		return nil, err
	}

	recomputed := canonicalize.HashBytes([]byte(rec.CanonicalForm))
	now := time.Now().UTC()
	if recomputed != hash {
		return &VerifyResult{
			IsValid:    false,
			CheckedAt:  now,
			FailReason: (&contracts.TamperError{URI: uri, Expected: hash, Actual: recomputed}).Error(),
		}, nil
	}
	return &VerifyResult{IsValid: true, Evidence: rec, CheckedAt: now}, nil
}

// Delete implements Store. The BEFORE DELETE trigger aborts for locked rows;
// the abort is translated to an IntegrityError.
func (s *SQLiteStore) Delete(ctx context.Context, uri string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE uri = ?`, uri)
	if err != nil {
		if strings.Contains(err.Error(), "locked") {
			return &contracts.IntegrityError{URI: uri, Reason: "delete of locked record"}
		}
		return fmt.Errorf("evidence delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}
