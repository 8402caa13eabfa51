// Package progress tracks long-running, multi-stage jobs as durable status
// records and hands every accepted write to a Broadcaster so live clients see
// the latest snapshot.
package progress

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is the kind of resource a progress session tracks.
type Type string

const (
	TypeGeneration       Type = "generation"
	TypeEmbedding        Type = "embedding"
	TypeFileGeneration   Type = "file-generation"
	TypeBulkOperation    Type = "bulk-operation"
	TypeStorageMigration Type = "storage-migration"
)

// ParseType maps a wire value onto a known Type. "file-batch" is accepted as
// an alias of TypeFileGeneration.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case TypeGeneration, TypeEmbedding, TypeFileGeneration, TypeBulkOperation, TypeStorageMigration:
		return t, nil
	case "file-batch":
		return TypeFileGeneration, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrValidation, s)
	}
}

// Stage is a free-form lifecycle label. Only the shared stages below carry
// meaning for the state machine; adapters add their own vocabulary.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Record is the single persisted entity: the full status of one progress
// session. It is always broadcast whole, never as a diff.
type Record struct {
	ProgressID string    `json:"progressId"`
	Type       Type      `json:"type"`
	ResourceID string    `json:"resourceId"`
	UserID     string    `json:"userId"`
	Stage      Stage     `json:"stage"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Terminal reports whether the record reached completed or failed.
func (r Record) Terminal() bool {
	return r.Stage.Terminal()
}

// Validate checks the fields required on every write and on every read back
// from a store.
func (r Record) Validate() error {
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	if r.ResourceID == "" {
		return fmt.Errorf("%w: resourceId is required", ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if r.Stage == "" {
		return fmt.Errorf("%w: stage is required", ErrValidation)
	}
	if err := validateProgress(r.Progress); err != nil {
		return err
	}
	if r.StartedAt.IsZero() || r.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: timestamps are required", ErrValidation)
	}
	if r.ProgressID != NewID(r.Type, r.ResourceID, r.StartedAt) {
		return fmt.Errorf("%w: progressId does not match record", ErrValidation)
	}
	if !isNilMetadata(r.Metadata) && r.Metadata.Kind() != r.Type {
		return fmt.Errorf("%w: %s metadata on %s record", ErrValidation, r.Metadata.Kind(), r.Type)
	}
	return nil
}

// UnmarshalJSON decodes the metadata bag into the struct matching r.Type.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Metadata = nil
	if len(aux.Metadata) == 0 || string(aux.Metadata) == "null" {
		return nil
	}
	meta, err := DecodeMetadata(r.Type, aux.Metadata)
	if err != nil {
		return err
	}
	r.Metadata = meta
	return nil
}

// NewID derives the session identity type:resourceId:startedAtMillis.
func NewID(t Type, resourceID string, startedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", t, resourceID, startedAt.UnixMilli())
}

// ParseID splits a progress id back into its parts. The resource id may itself
// contain colons; the type is the first segment and the epoch the last.
func ParseID(id string) (Type, string, time.Time, error) {
	first := strings.Index(id, ":")
	last := strings.LastIndex(id, ":")
	if first <= 0 || last <= first+1 || last == len(id)-1 {
		return "", "", time.Time{}, fmt.Errorf("%w: %w %q", ErrValidation, ErrInvalidProgressID, id)
	}
	t, err := ParseType(id[:first])
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %w %q", ErrValidation, ErrInvalidProgressID, id)
	}
	millis, err := strconv.ParseInt(id[last+1:], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %w %q", ErrValidation, ErrInvalidProgressID, id)
	}
	return t, id[first+1 : last], time.UnixMilli(millis).UTC(), nil
}

func validateProgress(p int) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: progress %d outside [0,100]", ErrValidation, p)
	}
	return nil
}
