package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

type memoryEntry struct {
	rec       progress.Record
	expiresAt time.Time
}

// MemoryStore is an in-process progress.Store for development and tests.
// Expiry is evaluated lazily against the injected clock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
	current map[string]string
	now     func() time.Time
}

// NewMemoryStore constructs a MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		records: make(map[string]memoryEntry),
		current: make(map[string]string),
		now:     clock,
	}
}

// Put stores rec until ttl elapses.
func (s *MemoryStore) Put(_ context.Context, rec progress.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ProgressID] = memoryEntry{rec: rec, expiresAt: s.now().Add(ttl)}
	key := currentKey(rec.Type, rec.ResourceID)
	if prevID, ok := s.current[key]; ok && prevID != rec.ProgressID {
		if prev, live := s.liveLocked(prevID); live && prev.rec.StartedAt.After(rec.StartedAt) {
			return nil
		}
	}
	s.current[key] = rec.ProgressID
	return nil
}

// Get returns the live record for progressID.
func (s *MemoryStore) Get(_ context.Context, progressID string) (progress.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.liveLocked(progressID)
	if !ok {
		return progress.Record{}, progress.ErrNotFound
	}
	return entry.rec, nil
}

// GetCurrent returns the newest live session for a resource.
func (s *MemoryStore) GetCurrent(_ context.Context, t progress.Type, resourceID string) (progress.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.current[currentKey(t, resourceID)]
	if !ok {
		return progress.Record{}, progress.ErrNotFound
	}
	entry, ok := s.liveLocked(id)
	if !ok {
		return progress.Record{}, progress.ErrNotFound
	}
	return entry.rec, nil
}

// ListByUser returns the user's live records, newest first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]progress.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []progress.Record
	for id, entry := range s.records {
		if entry.rec.UserID != userID {
			continue
		}
		if _, live := s.liveLocked(id); live {
			out = append(out, entry.rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// SetTTL resets the expiry of a live record.
func (s *MemoryStore) SetTTL(_ context.Context, progressID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(progressID)
	if !ok {
		return progress.ErrNotFound
	}
	entry.expiresAt = s.now().Add(ttl)
	s.records[progressID] = entry
	return nil
}

// Delete removes a record and its current pointer.
func (s *MemoryStore) Delete(_ context.Context, progressID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[progressID]
	if !ok {
		return progress.ErrNotFound
	}
	delete(s.records, progressID)
	key := currentKey(entry.rec.Type, entry.rec.ResourceID)
	if s.current[key] == progressID {
		delete(s.current, key)
	}
	return nil
}

// ExpiresIn reports how long a live record has left.
func (s *MemoryStore) ExpiresIn(_ context.Context, progressID string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.liveLocked(progressID)
	if !ok {
		return 0, progress.ErrNotFound
	}
	return entry.expiresAt.Sub(s.now()), nil
}

// Sweep drops expired records. Reads already hide them; Sweep only bounds
// memory for long-running processes.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.records {
		if _, live := s.liveLocked(id); live {
			continue
		}
		delete(s.records, id)
		key := currentKey(entry.rec.Type, entry.rec.ResourceID)
		if s.current[key] == id {
			delete(s.current, key)
		}
		removed++
	}
	return removed
}

func (s *MemoryStore) liveLocked(progressID string) (memoryEntry, bool) {
	entry, ok := s.records[progressID]
	if !ok || !s.now().Before(entry.expiresAt) {
		return memoryEntry{}, false
	}
	return entry, true
}

func sortNewestFirst(recs []progress.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
}
