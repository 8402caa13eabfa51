package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

const DefaultRelayChannel = "progress:updates"

// RelayOptions configures a RedisRelay.
type RelayOptions struct {
	Channel string
	Logger  *zap.Logger
}

type relayMessage struct {
	Origin string          `json:"origin"`
	Record progress.Record `json:"record"`
}

// RedisRelay fans records out across processes. Notify delivers to the local
// broadcaster and publishes the record on a Redis channel; Run feeds records
// published by other processes into the local broadcaster.
type RedisRelay struct {
	client  *redis.Client
	local   progress.Broadcaster
	channel string
	origin  string
	logger  *zap.Logger
	ready   chan struct{}
}

// NewRedisRelay wraps local, usually a *Hub.
func NewRedisRelay(client *redis.Client, local progress.Broadcaster, opts RelayOptions) *RedisRelay {
	if opts.Channel == "" {
		opts.Channel = DefaultRelayChannel
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		local:   local,
		channel: opts.Channel,
		origin:  uuid.NewString(),
		logger:  opts.Logger,
		ready:   make(chan struct{}),
	}
}

// Notify implements progress.Broadcaster.
func (r *RedisRelay) Notify(ctx context.Context, rec progress.Record) {
	r.local.Notify(ctx, rec)
	if err := r.Publish(ctx, rec); err != nil {
		r.logger.Warn("Failed to relay progress update",
			zap.String("progress_id", rec.ProgressID),
			zap.Error(err),
		)
	}
}

// Publish sends rec to the other processes on the channel.
func (r *RedisRelay) Publish(ctx context.Context, rec progress.Record) error {
	payload, err := json.Marshal(relayMessage{Origin: r.origin, Record: rec})
	if err != nil {
		r.logger.Error("Failed to marshal message", zap.Error(err))
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Error("Failed to publish message", zap.String("channel", r.channel), zap.Error(err))
		return err
	}
	return nil
}

// Ready is closed once Run holds an active subscription.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the channel and delivers foreign records locally until
// ctx is cancelled. It must be called at most once.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.logger.Info("Relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Error("Failed to unmarshal message", zap.Error(err))
		return
	}
	if msg.Origin == r.origin {
		return
	}
	if err := msg.Record.Validate(); err != nil {
		r.logger.Warn("Dropping invalid relayed progress", zap.Error(err))
		return
	}
	r.local.Notify(ctx, msg.Record)
}
