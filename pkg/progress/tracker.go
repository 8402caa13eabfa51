package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultActiveTTL   = time.Hour
	DefaultTerminalTTL = 5 * time.Minute
)

// Observer receives lifecycle signals for metrics. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveTransition(t Type, transition string)
	ObserveStoreError(op string)
}

// Config controls expiry and collaborators for a Tracker.
//   - ActiveTTL: expiry of non-terminal records, refreshed on every write (default 1h).
//   - TerminalTTL: expiry once completed or failed (default 5m); must be below ActiveTTL.
//   - Clock: time source (defaults to time.Now).
//   - Logger: optional structured logger.
//   - Observer: optional metrics hook.
type Config struct {
	ActiveTTL   time.Duration
	TerminalTTL time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Observer    Observer
}

// Patch is a partial update. Nil fields are left untouched; Metadata is
// shallow-merged into the stored bag.
type Patch struct {
	Stage    *Stage
	Progress *int
	Message  *string
	Metadata Metadata
}

// Tracker is the progress state machine:
// initializing -> running(stage) -> completed | failed.
//
// Writes are optimistic read-modify-write without locking. One writer per
// progress session is assumed; concurrent writers to the same id race and the
// last Put wins.
type Tracker struct {
	store       Store
	broadcaster Broadcaster
	activeTTL   time.Duration
	terminalTTL time.Duration
	now         func() time.Time
	logger      *zap.Logger
	observer    Observer
}

// NewTracker wires a Tracker to its store and broadcaster. A nil broadcaster
// disables notifications.
func NewTracker(store Store, broadcaster Broadcaster, cfg Config) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("progress store is required")
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = DefaultActiveTTL
	}
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = DefaultTerminalTTL
	}
	if cfg.TerminalTTL >= cfg.ActiveTTL {
		return nil, fmt.Errorf("terminal ttl %s must be shorter than active ttl %s", cfg.TerminalTTL, cfg.ActiveTTL)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	return &Tracker{
		store:       store,
		broadcaster: broadcaster,
		activeTTL:   cfg.ActiveTTL,
		terminalTTL: cfg.TerminalTTL,
		now:         cfg.Clock,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
	}, nil
}

// ActiveTTL returns the expiry applied to non-terminal records.
func (t *Tracker) ActiveTTL() time.Duration { return t.activeTTL }

// TerminalTTL returns the expiry applied once a record is completed or failed.
func (t *Tracker) TerminalTTL() time.Duration { return t.terminalTTL }

// Create starts a new progress session and returns its id. Any earlier session
// for the same resource stays readable by id until it expires, but
// GetCurrent now resolves to the new one.
func (t *Tracker) Create(ctx context.Context, typ Type, resourceID, userID, message string, meta Metadata) (string, error) {
	typ, err := ParseType(string(typ))
	if err != nil {
		return "", err
	}
	if resourceID == "" {
		return "", fmt.Errorf("%w: resourceId is required", ErrValidation)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if err := ValidateMetadata(typ, meta); err != nil {
		return "", err
	}
	normalized, err := normalizeMetadata(typ, meta)
	if err != nil {
		return "", err
	}

	startedAt := t.now().UTC().Truncate(time.Millisecond)
	prev, err := t.store.GetCurrent(ctx, typ, resourceID)
	switch {
	case err == nil:
		if !startedAt.After(prev.StartedAt) {
			startedAt = prev.StartedAt.Add(time.Millisecond)
		}
	case !errors.Is(err, ErrNotFound):
		t.storeError("get_current", err)
		return "", err
	}

	rec := Record{
		ProgressID: NewID(typ, resourceID, startedAt),
		Type:       typ,
		ResourceID: resourceID,
		UserID:     userID,
		Stage:      StageInitializing,
		Progress:   0,
		Message:    message,
		Metadata:   normalized,
		StartedAt:  startedAt,
		UpdatedAt:  startedAt,
	}
	if err := t.write(ctx, rec, t.activeTTL, "create"); err != nil {
		return "", err
	}
	return rec.ProgressID, nil
}

// Update applies a partial change to a running session. Input is validated
// before anything is read. An update against a completed or failed session is
// ignored and returns nil.
func (t *Tracker) Update(ctx context.Context, progressID string, patch Patch) error {
	typ, _, _, err := ParseID(progressID)
	if err != nil {
		return err
	}
	if err := validatePatch(typ, patch); err != nil {
		return err
	}
	return t.transition(ctx, progressID, "update", t.activeTTL, func(rec *Record) error {
		if patch.Stage != nil {
			rec.Stage = *patch.Stage
		}
		if patch.Progress != nil {
			rec.Progress = *patch.Progress
		}
		if patch.Message != nil {
			rec.Message = *patch.Message
		}
		if !isNilMetadata(patch.Metadata) {
			fields, err := metadataFields(patch.Metadata)
			if err != nil {
				return err
			}
			merged, err := MergeMetadata(rec.Type, rec.Metadata, fields)
			if err != nil {
				return err
			}
			rec.Metadata = merged
		}
		return nil
	})
}

// Complete moves the session to completed at 100% and shortens its expiry.
func (t *Tracker) Complete(ctx context.Context, progressID, message string) error {
	if _, _, _, err := ParseID(progressID); err != nil {
		return err
	}
	return t.transition(ctx, progressID, "complete", t.terminalTTL, func(rec *Record) error {
		rec.Stage = StageCompleted
		rec.Progress = 100
		rec.Message = message
		return nil
	})
}

// Fail moves the session to failed, recording the error and whether the
// caller may retry, and shortens its expiry. Progress keeps its last value.
func (t *Tracker) Fail(ctx context.Context, progressID, errMsg string, canRetry bool) error {
	if _, _, _, err := ParseID(progressID); err != nil {
		return err
	}
	return t.transition(ctx, progressID, "fail", t.terminalTTL, func(rec *Record) error {
		merged, err := MergeMetadata(rec.Type, rec.Metadata, map[string]any{
			"error":    errMsg,
			"canRetry": canRetry,
		})
		if err != nil {
			return err
		}
		rec.Stage = StageFailed
		rec.Message = errMsg
		rec.Metadata = merged
		return nil
	})
}

// Heartbeat extends a running session's expiry without rewriting or
// broadcasting it. Workers use it to stay alive through long silent stages.
func (t *Tracker) Heartbeat(ctx context.Context, progressID string) error {
	rec, err := t.Get(ctx, progressID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}
	if err := t.store.SetTTL(ctx, progressID, t.activeTTL); err != nil {
		t.storeError("set_ttl", err)
		return err
	}
	return nil
}

// Get returns the record for a progress id.
func (t *Tracker) Get(ctx context.Context, progressID string) (Record, error) {
	if _, _, _, err := ParseID(progressID); err != nil {
		return Record{}, err
	}
	rec, err := t.store.Get(ctx, progressID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.storeError("get", err)
	}
	return rec, err
}

// GetCurrent returns the latest session for a resource.
func (t *Tracker) GetCurrent(ctx context.Context, typ Type, resourceID string) (Record, error) {
	typ, err := ParseType(string(typ))
	if err != nil {
		return Record{}, err
	}
	rec, err := t.store.GetCurrent(ctx, typ, resourceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.storeError("get_current", err)
	}
	return rec, err
}

// ListByUser returns every live session owned by userID, newest first.
func (t *Tracker) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	recs, err := t.store.ListByUser(ctx, userID)
	if err != nil {
		t.storeError("list_by_user", err)
		return nil, err
	}
	return recs, nil
}

// ListActive returns the user's sessions that have not completed or failed.
func (t *Tracker) ListActive(ctx context.Context, userID string) ([]Record, error) {
	recs, err := t.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := recs[:0]
	for _, rec := range recs {
		if !rec.Terminal() {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Purge deletes a session outright. It is meant for manual cleanup; normal
// sessions are reclaimed by expiry.
func (t *Tracker) Purge(ctx context.Context, progressID string) error {
	if _, _, _, err := ParseID(progressID); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, progressID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.storeError("delete", err)
		}
		return err
	}
	t.logger.Info("Progress purged", zap.String("progress_id", progressID))
	return nil
}

func (t *Tracker) transition(
	ctx context.Context,
	progressID, name string,
	ttl time.Duration,
	mutate func(rec *Record) error,
) error {
	rec, err := t.Get(ctx, progressID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		t.logger.Info("Ignoring transition on terminal progress",
			zap.String("progress_id", progressID),
			zap.String("transition", name),
			zap.String("stage", string(rec.Stage)),
		)
		t.observe(rec.Type, "rejected")
		return nil
	}
	if err := mutate(&rec); err != nil {
		return err
	}
	// UpdatedAt strictly increases within a session so readers can order
	// two versions of the same record.
	now := t.now().UTC()
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Millisecond)
	}
	rec.UpdatedAt = now
	return t.write(ctx, rec, ttl, name)
}

// write persists rec and, only once the Put has returned successfully,
// hands the full record to the broadcaster.
func (t *Tracker) write(ctx context.Context, rec Record, ttl time.Duration, name string) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := t.store.Put(ctx, rec, ttl); err != nil {
		t.storeError("put", err)
		t.logger.Error("Failed to persist progress",
			zap.String("progress_id", rec.ProgressID),
			zap.String("transition", name),
			zap.Error(err),
		)
		return err
	}
	t.observe(rec.Type, name)
	t.broadcaster.Notify(ctx, rec)
	return nil
}

func (t *Tracker) observe(typ Type, transition string) {
	if t.observer != nil {
		t.observer.ObserveTransition(typ, transition)
	}
}

func (t *Tracker) storeError(op string, err error) {
	if t.observer != nil && errors.Is(err, ErrStorageUnavailable) {
		t.observer.ObserveStoreError(op)
	}
}

func validatePatch(typ Type, patch Patch) error {
	if patch.Progress != nil {
		if err := validateProgress(*patch.Progress); err != nil {
			return err
		}
	}
	if patch.Stage != nil {
		if *patch.Stage == "" {
			return fmt.Errorf("%w: stage must not be empty", ErrValidation)
		}
		if patch.Stage.Terminal() {
			return fmt.Errorf("%w: stage %q is set by Complete or Fail", ErrValidation, *patch.Stage)
		}
	}
	return ValidateMetadata(typ, patch.Metadata)
}

func normalizeMetadata(typ Type, meta Metadata) (Metadata, error) {
	if isNilMetadata(meta) {
		return nil, nil
	}
	fields, err := metadataFields(meta)
	if err != nil {
		return nil, err
	}
	return MergeMetadata(typ, nil, fields)
}
