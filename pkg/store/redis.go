// Package store holds progress.Store implementations: Redis for production
// and an in-memory store for development and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

const (
	DefaultKeyPrefix = "progress:"
	DefaultIndexTTL  = time.Hour
)

// extendTTL raises a key's expiry to ARGV[1] milliseconds and never lowers
// it, so a short-lived write cannot cut the index under a longer-lived one.
var extendTTL = redis.NewScript(`
local cur = redis.call('PTTL', KEYS[1])
local want = tonumber(ARGV[1])
if cur == -2 then
  return 0
end
if cur == -1 or cur < want then
  redis.call('PEXPIRE', KEYS[1], want)
  return 1
end
return 0
`)

// RedisOptions configures key layout and logging for a RedisStore.
type RedisOptions struct {
	// KeyPrefix namespaces every key (default "progress:").
	KeyPrefix string
	// IndexTTL is the minimum expiry of a user's index set. Writes only ever
	// extend the index, so it outlives its longest-lived member.
	IndexTTL time.Duration
	Logger   *zap.Logger
}

// RedisStore keeps records as JSON strings with native key expiry:
//
//	{prefix}record:{progressId}            JSON record, TTL
//	{prefix}current:{type}:{resourceId}    latest progressId, TTL of that record
//	{prefix}user:{userId}                  sorted set of progressIds by startedAt
type RedisStore struct {
	client   *redis.Client
	prefix   string
	indexTTL time.Duration
	logger   *zap.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.IndexTTL <= 0 {
		opts.IndexTTL = DefaultIndexTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisStore{
		client:   client,
		prefix:   opts.KeyPrefix,
		indexTTL: opts.IndexTTL,
		logger:   opts.Logger,
	}
}

// Put writes the record, its user index entry and, unless a newer session
// already owns it, the current pointer in a single MULTI.
func (s *RedisStore) Put(ctx context.Context, rec progress.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("Failed to marshal progress", zap.Error(err))
		return fmt.Errorf("%w: marshal record: %v", progress.ErrValidation, err)
	}

	curKey := s.currentKey(rec.Type, rec.ResourceID)
	movePointer := true
	prevID, err := s.client.Get(ctx, curKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		s.logger.Error("Failed to read current progress pointer", zap.Error(err))
		return unavailable(err)
	case prevID != rec.ProgressID:
		if _, _, prevStart, perr := progress.ParseID(prevID); perr == nil && prevStart.After(rec.StartedAt) {
			movePointer = false
		}
	}

	userKey := s.userKey(rec.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ProgressID), data, ttl)
		if movePointer {
			pipe.Set(ctx, curKey, rec.ProgressID, ttl)
		}
		pipe.ZAdd(ctx, userKey, &redis.Z{
			Score:  float64(rec.StartedAt.UnixMilli()),
			Member: rec.ProgressID,
		})
		extendTTL.Eval(ctx, pipe, []string{userKey}, maxDuration(ttl, s.indexTTL).Milliseconds())
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to save progress to Redis",
			zap.String("progress_id", rec.ProgressID),
			zap.Error(err),
		)
		return unavailable(err)
	}
	return nil
}

// Get loads a record by id.
func (s *RedisStore) Get(ctx context.Context, progressID string) (progress.Record, error) {
	val, err := s.client.Get(ctx, s.recordKey(progressID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return progress.Record{}, progress.ErrNotFound
	}
	if err != nil {
		s.logger.Error("Failed to read progress from Redis", zap.String("progress_id", progressID), zap.Error(err))
		return progress.Record{}, unavailable(err)
	}
	return s.decode(progressID, val)
}

// GetCurrent follows the resource pointer to the latest session.
func (s *RedisStore) GetCurrent(ctx context.Context, t progress.Type, resourceID string) (progress.Record, error) {
	id, err := s.client.Get(ctx, s.currentKey(t, resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return progress.Record{}, progress.ErrNotFound
	}
	if err != nil {
		s.logger.Error("Failed to read current progress pointer", zap.Error(err))
		return progress.Record{}, unavailable(err)
	}
	return s.Get(ctx, id)
}

// ListByUser returns the user's live records, newest first. Index members
// whose record has expired are pruned on the way.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]progress.Record, error) {
	userKey := s.userKey(userID)
	ids, err := s.client.ZRevRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		s.logger.Error("Failed to retrieve user progress index", zap.String("user_id", userID), zap.Error(err))
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Error("Failed to retrieve user progress records", zap.String("user_id", userID), zap.Error(err))
		return nil, unavailable(err)
	}

	var (
		recs  []progress.Record
		stale []interface{}
	)
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		rec, err := s.decode(ids[i], []byte(raw))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, userKey, stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune expired progress ids", zap.String("user_id", userID), zap.Error(err))
		}
	}
	sortNewestFirst(recs)
	return recs, nil
}

// SetTTL resets a record's expiry; the current pointer follows when it still
// points at this record, and the owner's index is extended to cover it.
func (s *RedisStore) SetTTL(ctx context.Context, progressID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.recordKey(progressID), ttl).Result()
	if err != nil {
		s.logger.Error("Failed to update progress TTL", zap.String("progress_id", progressID), zap.Error(err))
		return unavailable(err)
	}
	if !ok {
		return progress.ErrNotFound
	}
	t, resourceID, _, err := progress.ParseID(progressID)
	if err != nil {
		return nil
	}
	if rec, err := s.Get(ctx, progressID); err == nil {
		want := maxDuration(ttl, s.indexTTL).Milliseconds()
		if err := extendTTL.Eval(ctx, s.client, []string{s.userKey(rec.UserID)}, want).Err(); err != nil {
			return unavailable(err)
		}
	}
	curKey := s.currentKey(t, resourceID)
	cur, err := s.client.Get(ctx, curKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}
	if cur == progressID {
		if err := s.client.Expire(ctx, curKey, ttl).Err(); err != nil {
			return unavailable(err)
		}
	}
	return nil
}

// Delete removes a record, its index entry and the pointer if it owns it.
func (s *RedisStore) Delete(ctx context.Context, progressID string) error {
	rec, err := s.Get(ctx, progressID)
	if err != nil {
		return err
	}
	curKey := s.currentKey(rec.Type, rec.ResourceID)
	cur, err := s.client.Get(ctx, curKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(progressID))
		pipe.ZRem(ctx, s.userKey(rec.UserID), progressID)
		if cur == progressID {
			pipe.Del(ctx, curKey)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to delete progress from Redis", zap.String("progress_id", progressID), zap.Error(err))
		return unavailable(err)
	}
	return nil
}

// ExpiresIn reports the remaining TTL of a record.
func (s *RedisStore) ExpiresIn(ctx context.Context, progressID string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.recordKey(progressID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if d == -2 {
		return 0, progress.ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Ping checks connectivity for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// decode treats anything that is not a valid record for progressID as
// missing, logging it as corruption.
func (s *RedisStore) decode(progressID string, data []byte) (progress.Record, error) {
	var rec progress.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Corrupt progress record", zap.String("progress_id", progressID), zap.Error(err))
		return progress.Record{}, progress.ErrNotFound
	}
	if err := rec.Validate(); err != nil || rec.ProgressID != progressID {
		s.logger.Warn("Corrupt progress record",
			zap.String("progress_id", progressID),
			zap.String("stored_id", rec.ProgressID),
			zap.Error(err),
		)
		return progress.Record{}, progress.ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) recordKey(progressID string) string {
	return s.prefix + "record:" + progressID
}

func (s *RedisStore) currentKey(t progress.Type, resourceID string) string {
	return s.prefix + currentKey(t, resourceID)
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func currentKey(t progress.Type, resourceID string) string {
	return fmt.Sprintf("current:%s:%s", t, resourceID)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", progress.ErrStorageUnavailable, err)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
