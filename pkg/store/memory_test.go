package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRecord(t progress.Type, resourceID, userID string, startedAt time.Time) progress.Record {
	startedAt = startedAt.UTC().Truncate(time.Millisecond)
	return progress.Record{
		ProgressID: progress.NewID(t, resourceID, startedAt),
		Type:       t,
		ResourceID: resourceID,
		UserID:     userID,
		Stage:      progress.StageInitializing,
		Message:    "queued",
		StartedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
}

// TestMemoryStorePutGet covers read-your-writes through both lookups.
func TestMemoryStorePutGet(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	rec := newRecord(progress.TypeEmbedding, "doc-1", "user-1", clock.Now())
	require.NoError(t, s.Put(ctx, rec, time.Hour))

	got, err := s.Get(ctx, rec.ProgressID)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	cur, err := s.GetCurrent(ctx, progress.TypeEmbedding, "doc-1")
	require.NoError(t, err)
	require.Equal(t, rec.ProgressID, cur.ProgressID)

	_, err = s.GetCurrent(ctx, progress.TypeGeneration, "doc-1")
	require.ErrorIs(t, err, progress.ErrNotFound)
}

// TestMemoryStoreExpiry ensures expired records read as missing and Sweep reclaims them.
func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	rec := newRecord(progress.TypeGeneration, "doc-2", "user-1", clock.Now())
	require.NoError(t, s.Put(ctx, rec, time.Minute))

	left, err := s.ExpiresIn(ctx, rec.ProgressID)
	require.NoError(t, err)
	require.Equal(t, time.Minute, left)

	clock.Advance(time.Minute)
	_, err = s.Get(ctx, rec.ProgressID)
	require.ErrorIs(t, err, progress.ErrNotFound)
	_, err = s.GetCurrent(ctx, progress.TypeGeneration, "doc-2")
	require.ErrorIs(t, err, progress.ErrNotFound)
	require.ErrorIs(t, s.SetTTL(ctx, rec.ProgressID, time.Hour), progress.ErrNotFound)

	require.Equal(t, 1, s.Sweep())
	require.Equal(t, 0, s.Sweep())
}

// TestMemoryStoreSetTTL verifies expiry can be extended.
func TestMemoryStoreSetTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	rec := newRecord(progress.TypeGeneration, "doc-3", "user-1", clock.Now())
	require.NoError(t, s.Put(ctx, rec, time.Minute))

	clock.Advance(30 * time.Second)
	require.NoError(t, s.SetTTL(ctx, rec.ProgressID, time.Hour))
	clock.Advance(time.Minute)

	_, err := s.Get(ctx, rec.ProgressID)
	require.NoError(t, err)
}

// TestMemoryStorePointerMovesForward ensures an older session never reclaims the pointer.
func TestMemoryStorePointerMovesForward(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	older := newRecord(progress.TypeFileGeneration, "job-1", "user-1", clock.Now())
	newer := newRecord(progress.TypeFileGeneration, "job-1", "user-1", clock.Now().Add(time.Second))

	require.NoError(t, s.Put(ctx, older, time.Hour))
	require.NoError(t, s.Put(ctx, newer, time.Hour))

	older.Progress = 50
	require.NoError(t, s.Put(ctx, older, time.Hour))

	cur, err := s.GetCurrent(ctx, progress.TypeFileGeneration, "job-1")
	require.NoError(t, err)
	require.Equal(t, newer.ProgressID, cur.ProgressID)

	got, err := s.Get(ctx, older.ProgressID)
	require.NoError(t, err)
	require.Equal(t, 50, got.Progress)
}

// TestMemoryStoreListByUser checks ordering and ownership filtering.
func TestMemoryStoreListByUser(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	first := newRecord(progress.TypeGeneration, "doc-a", "user-1", clock.Now())
	second := newRecord(progress.TypeEmbedding, "doc-b", "user-1", clock.Now().Add(time.Second))
	other := newRecord(progress.TypeEmbedding, "doc-c", "user-2", clock.Now())

	require.NoError(t, s.Put(ctx, first, time.Hour))
	require.NoError(t, s.Put(ctx, second, time.Hour))
	require.NoError(t, s.Put(ctx, other, time.Hour))

	recs, err := s.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, second.ProgressID, recs[0].ProgressID)
	require.Equal(t, first.ProgressID, recs[1].ProgressID)

	recs, err = s.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, recs)
}

// TestMemoryStoreDelete removes the record and its pointer.
func TestMemoryStoreDelete(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	rec := newRecord(progress.TypeBulkOperation, "batch-1", "user-1", time.Now())
	require.NoError(t, s.Put(ctx, rec, time.Hour))
	require.NoError(t, s.Delete(ctx, rec.ProgressID))

	_, err := s.GetCurrent(ctx, progress.TypeBulkOperation, "batch-1")
	require.ErrorIs(t, err, progress.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, rec.ProgressID), progress.ErrNotFound)
}
