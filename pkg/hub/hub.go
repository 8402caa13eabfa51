// Package hub keeps the registry of live connections and the rooms they have
// joined, and fans progress records out to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

var (
	ErrUnknownConnection   = errors.New("connection is not registered")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrSlowConsumer        = errors.New("connection send buffer is full")
)

// Conn is a live client connection. Send must not block; a connection that
// cannot accept an event returns an error and the event is dropped.
type Conn interface {
	ID() string
	Send(evt Event) error
}

// Observer receives fan-out statistics. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveBroadcast(delivered, failed int)
	SetConnections(n int)
	SetRooms(n int)
}

// Config controls collaborators for the Hub.
//   - Logger: optional structured logger for delivery failures.
//   - Observer: optional metrics hook.
type Config struct {
	Logger   *zap.Logger
	Observer Observer
}

type member struct {
	conn  Conn
	rooms map[string]struct{}

	// sendMu orders sends to conn; sent holds the UpdatedAt of the newest
	// record delivered per progressId.
	sendMu sync.Mutex
	sent   map[string]time.Time
}

// send delivers evt unless it carries a record older than one the
// connection already holds. A snapshot is also dropped when an update at
// least as new went out first. The bool reports whether evt was sent.
func (m *member) send(evt Event) (bool, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	rec := evt.Record
	if rec == nil {
		return true, m.conn.Send(evt)
	}
	if last, ok := m.sent[rec.ProgressID]; ok {
		if rec.UpdatedAt.Before(last) || (evt.Name == EventSnapshot && !rec.UpdatedAt.After(last)) {
			return false, nil
		}
	}
	if err := m.conn.Send(evt); err != nil {
		return true, err
	}
	m.sent[rec.ProgressID] = rec.UpdatedAt
	return true, nil
}

// Hub is the room registry. It implements progress.Broadcaster: every record
// is pushed to its resource room and its owner's user room, once per
// connection. Delivery is at-most-once with no replay.
type Hub struct {
	mu       sync.RWMutex
	members  map[string]*member
	rooms    map[string]map[string]Conn
	logger   *zap.Logger
	observer Observer
}

// New creates an empty Hub.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		members:  make(map[string]*member),
		rooms:    make(map[string]map[string]Conn),
		logger:   logger,
		observer: cfg.Observer,
	}
}

// Register adds a connection with no room memberships.
func (h *Hub) Register(conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[conn.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}
	h.members[conn.ID()] = &member{
		conn:  conn,
		rooms: make(map[string]struct{}),
		sent:  make(map[string]time.Time),
	}
	h.reportLocked()
	return nil
}

// Join adds connID to room. Joining a room twice is a no-op.
func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	m.rooms[room] = struct{}{}
	conns, ok := h.rooms[room]
	if !ok {
		conns = make(map[string]Conn)
		h.rooms[room] = conns
	}
	conns[connID] = m.conn
	h.reportLocked()
	return nil
}

// Leave removes connID from room. Unknown connections and rooms are ignored.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[connID]; ok {
		delete(m.rooms, room)
	}
	h.removeFromRoomLocked(connID, room)
	h.reportLocked()
}

// Disconnect drops the connection from every room and the registry. Calling
// it more than once is safe.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return
	}
	for room := range m.rooms {
		h.removeFromRoomLocked(connID, room)
	}
	delete(h.members, connID)
	h.reportLocked()
}

// Members lists the connection ids in room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms lists the rooms connID has joined, sorted.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Stats returns the number of registered connections and non-empty rooms.
func (h *Hub) Stats() (connections, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members), len(h.rooms)
}

// Deliver sends evt to a single connection. A record event older than what
// the connection has already received is skipped and reports nil.
func (h *Hub) Deliver(connID string, evt Event) error {
	h.mu.RLock()
	m, ok := h.members[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	sent, err := m.send(evt)
	if !sent {
		h.logger.Debug("Skipped stale progress event",
			zap.String("conn_id", connID),
			zap.String("event", string(evt.Name)),
			zap.String("progress_id", evt.Record.ProgressID),
		)
	}
	return err
}

// Broadcast pushes rec to every connection in its resource room and its
// owner's user room. A connection in both rooms receives it once. Failed
// sends do not stop the fan-out; they are reported together as
// ErrBroadcastPartialFailure.
func (h *Hub) Broadcast(_ context.Context, rec progress.Record) error {
	recipients := h.recipients(ResourceRoom(rec.Type, rec.ResourceID), UserRoom(rec.UserID))
	evt := UpdateEvent(rec)

	var (
		errs      []error
		delivered int
	)
	for _, m := range recipients {
		sent, err := m.send(evt)
		if err != nil {
			h.logger.Warn("Failed to deliver progress update",
				zap.String("conn_id", m.conn.ID()),
				zap.String("progress_id", rec.ProgressID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", m.conn.ID(), err))
			continue
		}
		if sent {
			delivered++
		}
	}
	if h.observer != nil {
		h.observer.ObserveBroadcast(delivered, len(errs))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", progress.ErrBroadcastPartialFailure, errors.Join(errs...))
	}
	return nil
}

// Notify implements progress.Broadcaster. Delivery failures are logged by
// Broadcast and never reach the writer.
func (h *Hub) Notify(ctx context.Context, rec progress.Record) {
	if err := h.Broadcast(ctx, rec); err != nil {
		h.logger.Debug("Progress update partially delivered",
			zap.String("progress_id", rec.ProgressID),
			zap.Error(err),
		)
	}
}

// recipients snapshots the deduplicated members of rooms so sends happen
// outside the lock.
func (h *Hub) recipients(rooms ...string) []*member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*member
	for _, room := range rooms {
		for id := range h.rooms[room] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if m, ok := h.members[id]; ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func (h *Hub) removeFromRoomLocked(connID, room string) {
	conns, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) reportLocked() {
	if h.observer == nil {
		return
	}
	h.observer.SetConnections(len(h.members))
	h.observer.SetRooms(len(h.rooms))
}
