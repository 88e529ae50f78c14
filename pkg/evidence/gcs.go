//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/promoguard/core/pkg/canonicalize"
	"github.com/promoguard/core/pkg/contracts"
)

// GCSStore keeps evidence in a Google Cloud Storage bucket, one object per
// content hash. Pair it with a bucket retention policy so the store, not
// the client, rejects deletes of locked records.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	signer *Signer
}

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed evidence store using ADC credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// WithSigner attaches an Ed25519 signer to the store.
func (s *GCSStore) WithSigner(signer *Signer) *GCSStore {
	s.signer = signer
	return s
}

func (s *GCSStore) key(hash string) string { return s.prefix + hash + ".json" }

func (s *GCSStore) uri(hash string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.key(hash))
}

func (s *GCSStore) hashFromURI(uri string) (string, error) {
	want := fmt.Sprintf("gs://%s/%s", s.bucket, s.prefix)
	if !strings.HasPrefix(uri, want) || !strings.HasSuffix(uri, ".json") {
		return "", contracts.ErrNotFound
	}
	return strings.TrimSuffix(strings.TrimPrefix(uri, want), ".json"), nil
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, obj any) (*contracts.Evidence, error) {
	canonical, err := canonicalize.Canonicalize(obj)
	if err != nil {
		return nil, err
	}
	hash := canonicalize.HashBytes(canonical)

	rec := &contracts.Evidence{
		Hash:          hash,
		URI:           s.uri(hash),
		CanonicalForm: string(canonical),
		StoredAt:      time.Now().UTC(),
		SizeBytes:     len(canonical),
		Locked:        true,
	}
	if s.signer != nil {
		rec.Signature = s.signer.Sign(canonical)
	}

	obj2 := s.client.Bucket(s.bucket).Object(s.key(hash))
	if _, err := obj2.Attrs(ctx); err == nil {
		// Already stored; content addressing makes this a no-op.
		return rec, nil
	}

	w := obj2.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"stored-at": rec.StoredAt.Format(time.RFC3339Nano)}
	if rec.Signature != "" {
		w.Metadata["signature"] = rec.Signature
	}
	if _, err := w.Write(canonical); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs close failed: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, uri string) (*contracts.Evidence, error) {
	hash, err := s.hashFromURI(uri)
	if err != nil {
		return nil, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.key(hash))
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, contracts.ErrNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", uri, err)
	}
	defer func() { _ = reader.Close() }()

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", uri, err)
	}

	rec := &contracts.Evidence{
		Hash:          hash,
		URI:           uri,
		CanonicalForm: string(body),
		SizeBytes:     len(body),
		Locked:        true,
	}
	if attrs, aerr := obj.Attrs(ctx); aerr == nil && attrs.Metadata != nil {
		if at, ok := attrs.Metadata["stored-at"]; ok {
			if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
				rec.StoredAt = t
			}
		}
		rec.Signature = attrs.Metadata["signature"]
	}
	return rec, nil
}

// Verify implements Store.
func (s *GCSStore) Verify(ctx context.Context, uri, hash string) (*VerifyResult, error) {
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

// Delete implements Store. Evidence objects are always locked.
func (s *GCSStore) Delete(ctx context.Context, uri string) error {
	if _, err := s.hashFromURI(uri); err != nil {
		return err
	}
	return &contracts.IntegrityError{URI: uri, Reason: "delete of locked record"}
}
