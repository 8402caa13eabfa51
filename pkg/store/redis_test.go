package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisStore(client, RedisOptions{KeyPrefix: "test:", IndexTTL: 2 * time.Hour})
}

// TestRedisStorePutGet covers the key layout and read-your-writes.
func TestRedisStorePutGet(t *testing.T) {
	t.Parallel()

	mr, s := setupRedisStore(t)
	ctx := context.Background()

	rec := newRecord(progress.TypeFileGeneration, "job-1", "user-1", time.Now())
	rec.Metadata = &progress.FileGenerationMetadata{TotalFiles: progress.Int(3)}
	require.NoError(t, s.Put(ctx, rec, time.Hour))

	require.True(t, mr.Exists("test:record:"+rec.ProgressID))
	require.Equal(t, time.Hour, mr.TTL("test:record:"+rec.ProgressID))
	require.Equal(t, 2*time.Hour, mr.TTL("test:user:user-1"))

	pointer, err := mr.Get("test:current:file-generation:job-1")
	require.NoError(t, err)
	require.Equal(t, rec.ProgressID, pointer)

	got, err := s.Get(ctx, rec.ProgressID)
	require.NoError(t, err)
	require.Equal(t, rec.ProgressID, got.ProgressID)
	require.True(t, rec.StartedAt.Equal(got.StartedAt))
	meta, ok := got.Metadata.(*progress.FileGenerationMetadata)
	require.True(t, ok)
	require.Equal(t, 3, *meta.TotalFiles)

	cur, err := s.GetCurrent(ctx, progress.TypeFileGeneration, "job-1")
	require.NoError(t, err)
	require.Equal(t, rec.ProgressID, cur.ProgressID)
}

// TestRedisStoreMissing maps absent keys onto ErrNotFound.
func TestRedisStoreMissing(t *testing.T) {
	t.Parallel()

	_, s := setupRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "generation:doc:1")
	require.ErrorIs(t, err, progress.ErrNotFound)
	_, err = s.GetCurrent(ctx, progress.TypeGeneration, "doc")
	require.ErrorIs(t, err, progress.ErrNotFound)
	require.ErrorIs(t, s.SetTTL(ctx, "generation:doc:1", time.Minute), progress.ErrNotFound)
	_, err = s.ExpiresIn(ctx, "generation:doc:1")
	require.ErrorIs(t, err, progress.ErrNotFound)
}

// TestRedisStoreExpiry verifies records vanish after their TTL and the user index is pruned.
func TestRedisStoreExpiry(t *testing.T) {
	t.Parallel()

	mr, s := setupRedisStore(t)
	ctx := context.Background()

	short := newRecord(progress.TypeGeneration, "doc-1", "user-1", time.Now())
	long := newRecord(progress.TypeEmbedding, "doc-2", "user-1", time.Now().Add(time.Second))
	require.NoError(t, s.Put(ctx, short, 5*time.Minute))
	require.NoError(t, s.Put(ctx, long, time.Hour))

	mr.FastForward(6 * time.Minute)

	_, err := s.Get(ctx, short.ProgressID)
	require.ErrorIs(t, err, progress.ErrNotFound)
	_, err = s.GetCurrent(ctx, progress.TypeGeneration, "doc-1")
	require.ErrorIs(t, err, progress.ErrNotFound)

	recs, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, long.ProgressID, recs[0].ProgressID)

	members, err := mr.ZMembers("test:user:user-1")
	require.NoError(t, err)
	require.Equal(t, []string{long.ProgressID}, members)
}

// TestRedisStoreIndexOutlivesLiveSessions keeps a long-running session listed
// after a sibling session finishes with a short terminal TTL.
func TestRedisStoreIndexOutlivesLiveSessions(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, RedisOptions{})
	ctx := context.Background()

	running := newRecord(progress.TypeEmbedding, "doc-1", "user-1", time.Now())
	require.NoError(t, s.Put(ctx, running, 3*time.Hour))
	require.Equal(t, 3*time.Hour, mr.TTL("progress:user:user-1"))

	finished := newRecord(progress.TypeGeneration, "doc-2", "user-1", time.Now().Add(time.Minute))
	require.NoError(t, s.Put(ctx, finished, 3*time.Hour))
	finished.Stage = progress.StageCompleted
	finished.Progress = 100
	require.NoError(t, s.Put(ctx, finished, 5*time.Minute))
	require.Equal(t, 3*time.Hour, mr.TTL("progress:user:user-1"))

	mr.FastForward(90 * time.Minute)

	_, err = s.GetCurrent(ctx, progress.TypeEmbedding, "doc-1")
	require.NoError(t, err)
	recs, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, running.ProgressID, recs[0].ProgressID)
}

// TestRedisStoreSetTTLExtendsIndex keeps a heartbeated session listed past
// the index's original expiry.
func TestRedisStoreSetTTLExtendsIndex(t *testing.T) {
	t.Parallel()

	mr, s := setupRedisStore(t)
	ctx := context.Background()

	rec := newRecord(progress.TypeGeneration, "doc-1", "user-1", time.Now())
	require.NoError(t, s.Put(ctx, rec, 30*time.Minute))
	require.Equal(t, 2*time.Hour, mr.TTL("test:user:user-1"))

	require.NoError(t, s.SetTTL(ctx, rec.ProgressID, 4*time.Hour))
	require.Equal(t, 4*time.Hour, mr.TTL("test:user:user-1"))

	mr.FastForward(3 * time.Hour)
	recs, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

// TestRedisStoreSetTTL moves both the record and its pointer.
func TestRedisStoreSetTTL(t *testing.T) {
	t.Parallel()

	mr, s := setupRedisStore(t)
	ctx := context.Background()

	rec := newRecord(progress.TypeGeneration, "doc-1", "user-1", time.Now())
	require.NoError(t, s.Put(ctx, rec, time.Hour))
	require.NoError(t, s.SetTTL(ctx, rec.ProgressID, 5*time.Minute))

	require.Equal(t, 5*time.Minute, mr.TTL("test:record:"+rec.ProgressID))
	require.Equal(t, 5*time.Minute, mr.TTL("test:current:generation:doc-1"))

	left, err := s.ExpiresIn(ctx, rec.ProgressID)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, left)
}

// TestRedisStorePointerMovesForward ensures a late write to an older session keeps the newer pointer.
func TestRedisStorePointerMovesForward(t *testing.T) {
	t.Parallel()

	_, s := setupRedisStore(t)
	ctx := context.Background()

	now := time.Now()
	older := newRecord(progress.TypeEmbedding, "doc-1", "user-1", now)
	newer := newRecord(progress.TypeEmbedding, "doc-1", "user-1", now.Add(time.Second))
	require.NoError(t, s.Put(ctx, older, time.Hour))
	require.NoError(t, s.Put(ctx, newer, time.Hour))

	older.Stage = progress.StageFailed
	require.NoError(t, s.Put(ctx, older, 5*time.Minute))

	cur, err := s.GetCurrent(ctx, progress.TypeEmbedding, "doc-1")
	require.NoError(t, err)
	require.Equal(t, newer.ProgressID, cur.ProgressID)

	recs, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, newer.ProgressID, recs[0].ProgressID)
}

// TestRedisStoreCorruptRecord treats undecodable or mismatched payloads as missing.
func TestRedisStoreCorruptRecord(t *testing.T) {
	t.Parallel()

	mr, s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:record:generation:doc-1:1", "{not json"))
	_, err := s.Get(ctx, "generation:doc-1:1")
	require.ErrorIs(t, err, progress.ErrNotFound)

	rec := newRecord(progress.TypeGeneration, "doc-2", "user-1", time.Now())
	rec.Progress = 150
	require.NoError(t, s.Put(ctx, rec, time.Hour))
	_, err = s.Get(ctx, rec.ProgressID)
	require.ErrorIs(t, err, progress.ErrNotFound)
}

// TestRedisStoreDelete removes the record, index entry and pointer.
func TestRedisStoreDelete(t *testing.T) {
	t.Parallel()

	mr, s := setupRedisStore(t)
	ctx := context.Background()

	rec := newRecord(progress.TypeStorageMigration, "bucket-1", "user-1", time.Now())
	require.NoError(t, s.Put(ctx, rec, time.Hour))
	require.NoError(t, s.Delete(ctx, rec.ProgressID))

	require.False(t, mr.Exists("test:record:"+rec.ProgressID))
	require.False(t, mr.Exists("test:current:storage-migration:bucket-1"))
	require.ErrorIs(t, s.Delete(ctx, rec.ProgressID), progress.ErrNotFound)
}

// TestRedisStoreUnavailable wraps transport errors in ErrStorageUnavailable.
func TestRedisStoreUnavailable(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, RedisOptions{})
	mr.Close()
	ctx := context.Background()

	_, err = s.Get(ctx, "generation:doc:1")
	require.ErrorIs(t, err, progress.ErrStorageUnavailable)
	require.ErrorIs(t, s.Ping(ctx), progress.ErrStorageUnavailable)

	rec := newRecord(progress.TypeGeneration, "doc", "user-1", time.Now())
	require.ErrorIs(t, s.Put(ctx, rec, time.Hour), progress.ErrStorageUnavailable)
}
