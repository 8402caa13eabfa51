package progress

import (
	"context"
	"time"
)

// Store persists progress records with per-key expiry. A successful Put is
// immediately visible to Get and GetCurrent; expired or malformed records
// read back as ErrNotFound. Transport failures wrap ErrStorageUnavailable.
type Store interface {
	// Put upserts rec under its ProgressID and moves the (type, resourceId)
	// pointer to it unless a newer session already holds the pointer.
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	Get(ctx context.Context, progressID string) (Record, error)
	GetCurrent(ctx context.Context, t Type, resourceID string) (Record, error)
	// ListByUser returns the user's live records, newest StartedAt first.
	ListByUser(ctx context.Context, userID string) ([]Record, error)
	SetTTL(ctx context.Context, progressID string, ttl time.Duration) error
	// Delete removes a record. Only used for manual cleanup.
	Delete(ctx context.Context, progressID string) error
}

// Broadcaster receives every accepted write. Notify is fire-and-forget:
// delivery failures are the broadcaster's concern and never reach the writer.
type Broadcaster interface {
	Notify(ctx context.Context, rec Record)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, rec Record)

func (f BroadcasterFunc) Notify(ctx context.Context, rec Record) { f(ctx, rec) }

type nopBroadcaster struct{}

func (nopBroadcaster) Notify(context.Context, Record) {}
