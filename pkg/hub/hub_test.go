package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

type stubConn struct {
	id   string
	fail error

	mu     sync.Mutex
	events []Event
}

func newStubConn(id string) *stubConn {
	return &stubConn{id: id}
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Send(evt Event) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *stubConn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

type stubObserver struct {
	mu                 sync.Mutex
	delivered, failed  int
	connections, rooms int
}

func (o *stubObserver) ObserveBroadcast(delivered, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered += delivered
	o.failed += failed
}

func (o *stubObserver) SetConnections(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connections = n
}

func (o *stubObserver) SetRooms(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rooms = n
}

func sampleRecord() progress.Record {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return progress.Record{
		ProgressID: progress.NewID(progress.TypeEmbedding, "doc-1", started),
		Type:       progress.TypeEmbedding,
		ResourceID: "doc-1",
		UserID:     "user-1",
		Stage:      progress.StageEmbedding,
		Progress:   40,
		Message:    "Embedded 4 of 10 chunks",
		StartedAt:  started,
		UpdatedAt:  started.Add(time.Second),
	}
}

// TestHubBroadcastDedupes ensures a connection in both rooms receives one copy.
func TestHubBroadcastDedupes(t *testing.T) {
	t.Parallel()

	h := New(Config{})
	rec := sampleRecord()

	both := newStubConn("both")
	watcher := newStubConn("watcher")
	owner := newStubConn("owner")
	stranger := newStubConn("stranger")
	for _, c := range []*stubConn{both, watcher, owner, stranger} {
		require.NoError(t, h.Register(c))
	}
	require.NoError(t, h.Join("both", ResourceRoom(rec.Type, rec.ResourceID)))
	require.NoError(t, h.Join("both", UserRoom(rec.UserID)))
	require.NoError(t, h.Join("watcher", ResourceRoom(rec.Type, rec.ResourceID)))
	require.NoError(t, h.Join("owner", UserRoom(rec.UserID)))
	require.NoError(t, h.Join("stranger", ResourceRoom(progress.TypeEmbedding, "doc-2")))

	require.NoError(t, h.Broadcast(context.Background(), rec))

	for _, c := range []*stubConn{both, watcher, owner} {
		events := c.Events()
		require.Len(t, events, 1, c.id)
		require.Equal(t, EventUpdate, events[0].Name)
		require.Equal(t, rec.ProgressID, events[0].Record.ProgressID)
	}
	require.Empty(t, stranger.Events())
}

// TestHubBroadcastPartialFailure keeps delivering after one connection fails.
func TestHubBroadcastPartialFailure(t *testing.T) {
	t.Parallel()

	obs := &stubObserver{}
	h := New(Config{Observer: obs})
	rec := sampleRecord()
	room := ResourceRoom(rec.Type, rec.ResourceID)

	slow := newStubConn("slow")
	slow.fail = ErrSlowConsumer
	healthy := newStubConn("healthy")
	require.NoError(t, h.Register(slow))
	require.NoError(t, h.Register(healthy))
	require.NoError(t, h.Join("slow", room))
	require.NoError(t, h.Join("healthy", room))

	err := h.Broadcast(context.Background(), rec)
	require.ErrorIs(t, err, progress.ErrBroadcastPartialFailure)
	require.ErrorIs(t, err, ErrSlowConsumer)
	require.Len(t, healthy.Events(), 1)

	require.NotPanics(t, func() { h.Notify(context.Background(), rec) })
	require.Len(t, healthy.Events(), 2)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 2, obs.delivered)
	require.Equal(t, 2, obs.failed)
}

// TestHubMembership covers join, leave and idempotent disconnect.
func TestHubMembership(t *testing.T) {
	t.Parallel()

	obs := &stubObserver{}
	h := New(Config{Observer: obs})
	c := newStubConn("c1")

	require.ErrorIs(t, h.Join("c1", "user:u"), ErrUnknownConnection)
	require.NoError(t, h.Register(c))
	require.ErrorIs(t, h.Register(c), ErrDuplicateConnection)

	require.NoError(t, h.Join("c1", "user:u"))
	require.NoError(t, h.Join("c1", "user:u"))
	require.NoError(t, h.Join("c1", "resource:generation:doc"))
	require.Equal(t, []string{"c1"}, h.Members("user:u"))
	require.Equal(t, []string{"resource:generation:doc", "user:u"}, h.Rooms("c1"))

	h.Leave("c1", "resource:generation:doc")
	require.Empty(t, h.Members("resource:generation:doc"))
	conns, rooms := h.Stats()
	require.Equal(t, 1, conns)
	require.Equal(t, 1, rooms)

	h.Disconnect("c1")
	h.Disconnect("c1")
	require.Empty(t, h.Members("user:u"))
	require.Nil(t, h.Rooms("c1"))
	conns, rooms = h.Stats()
	require.Zero(t, conns)
	require.Zero(t, rooms)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Zero(t, obs.connections)
	require.Zero(t, obs.rooms)
}

// TestHubDeliver targets a single connection.
func TestHubDeliver(t *testing.T) {
	t.Parallel()

	h := New(Config{})
	c := newStubConn("c1")
	require.NoError(t, h.Register(c))

	require.NoError(t, h.Deliver("c1", SnapshotEvent(sampleRecord())))
	require.Len(t, c.Events(), 1)
	require.Equal(t, EventSnapshot, c.Events()[0].Name)

	err := h.Deliver("missing", Event{Name: EventPong})
	require.True(t, errors.Is(err, ErrUnknownConnection))
}

// TestHubDropsStaleRecords keeps a connection's last record the newest one.
func TestHubDropsStaleRecords(t *testing.T) {
	t.Parallel()

	obs := &stubObserver{}
	h := New(Config{Observer: obs})
	c := newStubConn("c1")
	require.NoError(t, h.Register(c))
	older := sampleRecord()
	require.NoError(t, h.Join("c1", ResourceRoom(older.Type, older.ResourceID)))

	newer := older
	newer.Stage = progress.StageCompleted
	newer.Progress = 100
	newer.UpdatedAt = older.UpdatedAt.Add(time.Second)
	require.NoError(t, h.Broadcast(context.Background(), newer))

	require.NoError(t, h.Deliver("c1", SnapshotEvent(older)))
	require.NoError(t, h.Deliver("c1", SnapshotEvent(newer)))
	require.NoError(t, h.Broadcast(context.Background(), older))

	events := c.Events()
	require.Len(t, events, 1)
	require.Equal(t, progress.StageCompleted, events[0].Record.Stage)
	obs.mu.Lock()
	require.Equal(t, 1, obs.delivered)
	obs.mu.Unlock()

	next := sampleRecord()
	next.ProgressID = progress.NewID(next.Type, next.ResourceID, next.StartedAt.Add(time.Minute))
	next.StartedAt = next.StartedAt.Add(time.Minute)
	next.UpdatedAt = next.StartedAt
	require.NoError(t, h.Deliver("c1", SnapshotEvent(next)))
	require.Len(t, c.Events(), 2)
}

// TestHubConcurrentAccess exercises the registry under the race detector.
func TestHubConcurrentAccess(t *testing.T) {
	t.Parallel()

	h := New(Config{})
	rec := sampleRecord()
	room := ResourceRoom(rec.Type, rec.ResourceID)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newStubConn(string(rune('a' + i)))
			_ = h.Register(c)
			_ = h.Join(c.ID(), room)
			h.Notify(context.Background(), rec)
			h.Disconnect(c.ID())
		}(i)
	}
	wg.Wait()
	require.Empty(t, h.Members(room))
}
