// Package subscription binds live connections to the progress of the
// resources they watch: authorization, room membership and the initial
// snapshot.
package subscription

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/hub"
	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

// Authorizer decides whether userID may watch a resource.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, t progress.Type, resourceID string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID string, t progress.Type, resourceID string) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, userID string, t progress.Type, resourceID string) (bool, error) {
	return f(ctx, userID, t, resourceID)
}

// CurrentReader is the read side of the progress store the manager needs.
type CurrentReader interface {
	GetCurrent(ctx context.Context, t progress.Type, resourceID string) (progress.Record, error)
}

// Rooms is the slice of the hub the manager drives.
type Rooms interface {
	Join(connID, room string) error
	Leave(connID, room string)
	Disconnect(connID string)
	Deliver(connID string, evt hub.Event) error
}

// Manager handles subscribe and unsubscribe requests from connections.
type Manager struct {
	rooms      Rooms
	reader     CurrentReader
	authorizer Authorizer
	logger     *zap.Logger
}

// NewManager wires a Manager. A nil authorizer is rejected; use
// OwnerAuthorizer or an AuthorizerFunc that always allows.
func NewManager(rooms Rooms, reader CurrentReader, authorizer Authorizer, logger *zap.Logger) (*Manager, error) {
	if rooms == nil || reader == nil {
		return nil, errors.New("subscription manager requires rooms and a reader")
	}
	if authorizer == nil {
		return nil, errors.New("subscription manager requires an authorizer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rooms:      rooms,
		reader:     reader,
		authorizer: authorizer,
		logger:     logger,
	}, nil
}

// Subscribe authorizes userID, joins connID to the resource room and the
// user room, then delivers the current record as a snapshot. A resource with
// no progress yet returns (nil, nil); the connection still receives every
// later update. If the snapshot read fails the rooms stay joined and the
// error is returned so the client can retry.
func (m *Manager) Subscribe(ctx context.Context, connID string, t progress.Type, resourceID, userID string) (*progress.Record, error) {
	t, err := progress.ParseType(string(t))
	if err != nil {
		return nil, err
	}
	if resourceID == "" || userID == "" {
		return nil, fmt.Errorf("%w: resourceId and userId are required", progress.ErrValidation)
	}

	ok, err := m.authorizer.Authorize(ctx, userID, t, resourceID)
	if err != nil {
		m.logger.Error("Failed to authorize subscription",
			zap.String("user_id", userID),
			zap.String("type", string(t)),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return nil, err
	}
	if !ok {
		m.logger.Warn("Unauthorized subscription attempt",
			zap.String("user_id", userID),
			zap.String("type", string(t)),
			zap.String("resource_id", resourceID),
		)
		return nil, progress.ErrUnauthorized
	}

	if err := m.rooms.Join(connID, hub.ResourceRoom(t, resourceID)); err != nil {
		return nil, err
	}
	if err := m.rooms.Join(connID, hub.UserRoom(userID)); err != nil {
		return nil, err
	}

	rec, err := m.reader.GetCurrent(ctx, t, resourceID)
	if errors.Is(err, progress.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		m.logger.Error("Failed to load progress snapshot",
			zap.String("conn_id", connID),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := m.rooms.Deliver(connID, hub.SnapshotEvent(rec)); err != nil {
		m.logger.Warn("Failed to deliver progress snapshot",
			zap.String("conn_id", connID),
			zap.String("progress_id", rec.ProgressID),
			zap.Error(err),
		)
	}
	return &rec, nil
}

// Unsubscribe leaves the resource room only; the user room is kept for the
// lifetime of the connection.
func (m *Manager) Unsubscribe(connID string, t progress.Type, resourceID string) error {
	t, err := progress.ParseType(string(t))
	if err != nil {
		return err
	}
	m.rooms.Leave(connID, hub.ResourceRoom(t, resourceID))
	return nil
}

// OnDisconnect drops every membership of connID. It is idempotent.
func (m *Manager) OnDisconnect(connID string) {
	m.rooms.Disconnect(connID)
}
