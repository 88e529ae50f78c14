package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/promoguard/core/pkg/canonicalize"
	"github.com/promoguard/core/pkg/contracts"
)

// S3Store keeps evidence in an S3 bucket, one object per content hash.
// Pair it with bucket-level Object Lock (compliance mode) so write-once is
// enforced by the object store, not just by this client: Delete below
// refuses locked records locally, and the bucket refuses them remotely.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	signer *Signer
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string // optional key prefix, e.g. "evidence/"
}

// NewS3Store creates an S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// WithSigner attaches an Ed25519 signer to the store.
func (s *S3Store) WithSigner(signer *Signer) *S3Store {
	s.signer = signer
	return s
}

func (s *S3Store) key(hash string) string { return s.prefix + hash + ".json" }

func (s *S3Store) uri(hash string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(hash))
}

// hashFromURI extracts the content hash from an evidence URI.
func (s *S3Store) hashFromURI(uri string) (string, error) {
	want := fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
	if !strings.HasPrefix(uri, want) || !strings.HasSuffix(uri, ".json") {
		return "", contracts.ErrNotFound
	}
	return strings.TrimSuffix(strings.TrimPrefix(uri, want), ".json"), nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, obj any) (*contracts.Evidence, error) {
	canonical, err := canonicalize.Canonicalize(obj)
	if err != nil {
		return nil, err
	}
	hash := canonicalize.HashBytes(canonical)
	key := s.key(hash)

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

	// Content-keyed objects make a duplicate Put a no-op.
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return rec, nil
	}

	meta := map[string]string{
		"stored-at": rec.StoredAt.Format(time.RFC3339Nano),
	}
	if rec.Signature != "" {
		meta["signature"] = rec.Signature
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(canonical),
		ContentType: aws.String("application/json"),
		Metadata:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put failed: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, uri string) (*contracts.Evidence, error) {
	hash, err := s.hashFromURI(uri)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", uri, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed for %s: %w", uri, err)
	}

	rec := &contracts.Evidence{
		Hash:          hash,
		URI:           uri,
		CanonicalForm: string(body),
		SizeBytes:     len(body),
		Locked:        true,
	}
	if out.Metadata != nil {
		if at, ok := out.Metadata["stored-at"]; ok {
			if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
				rec.StoredAt = t
			}
		}
		rec.Signature = out.Metadata["signature"]
	}
	return rec, nil
}

// Verify implements Store.
func (s *S3Store) Verify(ctx context.Context, uri, hash string) (*VerifyResult, error) {
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

// Delete implements Store. Evidence objects are always locked, so the
// client refuses outright; Object Lock backs this up server-side.
func (s *S3Store) Delete(ctx context.Context, uri string) error {
	if _, err := s.hashFromURI(uri); err != nil {
		return err
	}
	return &contracts.IntegrityError{URI: uri, Reason: "delete of locked record"}
}
