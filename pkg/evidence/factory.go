package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// BackendType selects the evidence storage backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendSQLite BackendType = "sqlite"
	BackendS3     BackendType = "s3"
	BackendGCS    BackendType = "gcs"
)

// NewStoreFromEnv creates an evidence store from environment variables.
//
//   - EVIDENCE_BACKEND: "memory" (default), "sqlite", "s3", or "gcs"
//   - EVIDENCE_SQLITE_PATH: database file for the sqlite backend
//   - EVIDENCE_S3_BUCKET (required for s3), EVIDENCE_S3_REGION or AWS_REGION,
//     EVIDENCE_S3_ENDPOINT (optional, MinIO/LocalStack), EVIDENCE_S3_PREFIX
//   - EVIDENCE_GCS_BUCKET (required for gcs), EVIDENCE_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("EVIDENCE_BACKEND"))
	if backend == "" {
		backend = BackendMemory
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return newSQLiteStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported evidence backend: %s", backend)
	}
}

func newSQLiteStoreFromEnv() (Store, error) {
	path := os.Getenv("EVIDENCE_SQLITE_PATH")
	if path == "" {
		path = "data/evidence.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open evidence db: %w", err)
	}
	return NewSQLiteStore(db)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVIDENCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_S3_BUCKET is required for s3 backend")
	}

	region := os.Getenv("EVIDENCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
	})
}
