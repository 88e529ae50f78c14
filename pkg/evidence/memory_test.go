package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/contracts"
)

func TestMemoryStore_PutIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec1, err := store.Put(ctx, map[string]any{"game_id": "g1", "home_score": 8})
	require.NoError(t, err)
	require.NoError(t, contracts.ValidateHash(rec1.Hash))
	assert.True(t, rec1.Locked)
	assert.Equal(t, len(rec1.CanonicalForm), rec1.SizeBytes)

	// Duplicate put is a no-op returning the existing record.
	rec2, err := store.Put(ctx, map[string]any{"home_score": 8, "game_id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, rec1.Hash, rec2.Hash)
	assert.Equal(t, rec1.URI, rec2.URI)
	assert.Equal(t, rec1.StoredAt, rec2.StoredAt)
}

func TestMemoryStore_VerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, err := store.Put(ctx, map[string]any{"game_id": "g1", "is_final": true})
	require.NoError(t, err)

	res, err := store.Verify(ctx, rec.URI, rec.Hash)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	require.NotNil(t, res.Evidence)
	assert.Equal(t, rec.Hash, res.Evidence.Hash)
}

func TestMemoryStore_VerifyUnknownURI(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Verify(context.Background(),
		"mem://evidence/deadbeef", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestMemoryStore_VerifyRejectsMalformedHash(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Verify(context.Background(), "mem://evidence/x", "NOT-A-HASH")
	assert.Error(t, err)
}

func TestMemoryStore_TamperDetection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, err := store.Put(ctx, map[string]any{"game_id": "g1", "home_score": 8})
	require.NoError(t, err)

	// Alter the stored bytes out of band.
	store.corrupt(rec.URI, `{"game_id":"g1","home_score":7}`)

	res, err := store.Verify(ctx, rec.URI, rec.Hash)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.FailReason, "tamper")
}

func TestMemoryStore_DeleteLockedFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec, err := store.Put(ctx, map[string]any{"game_id": "g1"})
	require.NoError(t, err)

	err = store.Delete(ctx, rec.URI)
	var ie *contracts.IntegrityError
	require.True(t, errors.As(err, &ie))

	// The record is still there.
	got, err := store.Get(ctx, rec.URI)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)
}

func TestMemoryStore_SignedRecords(t *testing.T) {
	ctx := context.Background()
	signer, err := DeriveSigner([]byte("master-secret"), "evidence")
	require.NoError(t, err)
	store := NewMemoryStore().WithSigner(signer)

	rec, err := store.Put(ctx, map[string]any{"game_id": "g1"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Signature)
	assert.True(t, signer.Verify([]byte(rec.CanonicalForm), rec.Signature))
	assert.False(t, signer.Verify([]byte(`{"game_id":"g2"}`), rec.Signature))
}

func TestDeriveSigner_DeterministicPerScope(t *testing.T) {
	s1, err := DeriveSigner([]byte("secret"), "evidence")
	require.NoError(t, err)
	s2, err := DeriveSigner([]byte("secret"), "evidence")
	require.NoError(t, err)
	s3, err := DeriveSigner([]byte("secret"), "rollback")
	require.NoError(t, err)

	assert.Equal(t, s1.PublicKey(), s2.PublicKey())
	assert.NotEqual(t, s1.PublicKey(), s3.PublicKey())
}
