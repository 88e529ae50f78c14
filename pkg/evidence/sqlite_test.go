package evidence

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/contracts"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_PutGetVerify(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	rec, err := store.Put(ctx, map[string]any{"game_id": "g1", "home_score": 8, "away_score": 3})
	require.NoError(t, err)
	require.NoError(t, contracts.ValidateHash(rec.Hash))

	got, err := store.Get(ctx, rec.URI)
	require.NoError(t, err)
	assert.Equal(t, rec.CanonicalForm, got.CanonicalForm)
	assert.True(t, got.Locked)

	res, err := store.Verify(ctx, rec.URI, rec.Hash)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestSQLiteStore_DuplicatePutIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	rec1, err := store.Put(ctx, map[string]any{"a": 1})
	require.NoError(t, err)
	rec2, err := store.Put(ctx, map[string]any{"a": 1})
	require.NoError(t, err)

	assert.Equal(t, rec1.Hash, rec2.Hash)
	assert.Equal(t, rec1.StoredAt, rec2.StoredAt)
}

func TestSQLiteStore_UpdateRejectedByTrigger(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	rec, err := store.Put(ctx, map[string]any{"a": 1})
	require.NoError(t, err)

	// Bypass the package and mutate via raw SQL: the store itself must abort.
	_, err = store.db.ExecContext(ctx,
		`UPDATE evidence SET canonical_form = '{"a":2}' WHERE uri = ?`, rec.URI)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	// Content is untouched.
	got, err := store.Get(ctx, rec.URI)
	require.NoError(t, err)
	assert.Equal(t, rec.CanonicalForm, got.CanonicalForm)
}

func TestSQLiteStore_DeleteRejectedByTrigger(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	rec, err := store.Put(ctx, map[string]any{"a": 1})
	require.NoError(t, err)

	err = store.Delete(ctx, rec.URI)
	var ie *contracts.IntegrityError
	require.True(t, errors.As(err, &ie))

	// Raw SQL delete is rejected by the store too.
	_, err = store.db.ExecContext(ctx, `DELETE FROM evidence WHERE uri = ?`, rec.URI)
	require.Error(t, err)
}

func TestSQLiteStore_GetUnknownURI(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.Get(context.Background(), "sqlite://evidence/unknown")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
