package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumworks/council/pkg/archive"
	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/canonicalize"
	"github.com/quorumworks/council/pkg/contracts"
)

func testPack(t *testing.T, sessionID string) audit.EvidencePack {
	t.Helper()
	pack, err := audit.BuildPack(audit.PackInput{
		Session: contracts.Session{ID: sessionID, State: contracts.SessionClosed, RosterSize: 33},
	}, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return pack
}

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := archive.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	pack := testPack(t, "sess-1")
	key, err := store.Put(ctx, pack)
	require.NoError(t, err)
	assert.Equal(t, "sess-1.zip", key)

	exists, err := store.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, pack.Checksum, canonicalize.HashBytes(data))
}

func TestFSStorePutIdempotent(t *testing.T) {
	store, err := archive.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	pack := testPack(t, "sess-2")
	_, err = store.Put(ctx, pack)
	require.NoError(t, err)
	_, err = store.Put(ctx, pack)
	require.NoError(t, err, "re-archiving the identical pack is a no-op")
}

func TestFSStoreRefusesConflictingRewrite(t *testing.T) {
	store, err := archive.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, testPack(t, "sess-3"))
	require.NoError(t, err)

	conflicting := audit.EvidencePack{
		SessionID: "sess-3",
		Checksum:  "0000000000000000000000000000000000000000000000000000000000000000",
		Archive:   []byte("different bytes"),
	}
	_, err = store.Put(ctx, conflicting)
	assert.Error(t, err)
}

func TestFSStoreMissingPack(t *testing.T) {
	store, err := archive.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Get(ctx, "nope")
	assert.Error(t, err)
}

func TestStoreRejectsUnsafeSessionIDs(t *testing.T) {
	store, err := archive.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", "a b"} {
		_, err := store.Get(ctx, id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestNewStoreFromEnvDefaultsToFS(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "")
	t.Setenv("DATA_DIR", t.TempDir())

	store, err := archive.NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &archive.FSStore{}, store)
}

func TestNewStoreFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "s3")
	t.Setenv("ARCHIVE_S3_BUCKET", "")

	_, err := archive.NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}

func TestNewStoreFromEnvUnknownBackend(t *testing.T) {
	t.Setenv("ARCHIVE_BACKEND", "tape")

	_, err := archive.NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}
