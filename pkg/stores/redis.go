package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/engine"
)

// DefaultRedisPrefix prefixes every key the Redis publisher writes.
const DefaultRedisPrefix = "lom:"

// RedisPublisher publishes action statuses and sequence snapshots as JSON documents in
// Redis. Each change is announced on the updates channel as "action:<name>",
// "sequence:<id>" or "removed:<id>".
type RedisPublisher struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithTTL sets the expiration of sequence snapshots. Zero keeps them until removed.
func WithTTL(ttl time.Duration) RedisOption {
	return func(p *RedisPublisher) {
		p.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(p *RedisPublisher) {
		p.prefix = prefix
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(p *RedisPublisher) {
		p.logger = logger.With().Str("component", "redis-publisher").Logger()
	}
}

// NewRedisPublisher connects to the Redis server at address.
func NewRedisPublisher(address, password string, db int, opts ...RedisOption) *RedisPublisher {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisPublisherFromClient(rdb, opts...)
}

// NewRedisPublisherFromClient creates a publisher from an existing client.
func NewRedisPublisherFromClient(client *backend.Client, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client: client,
		prefix: DefaultRedisPrefix,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RedisPublisher) actionKey(name string) string { return p.prefix + "action:" + name }
func (p *RedisPublisher) actionsKey() string           { return p.prefix + "actions" }
func (p *RedisPublisher) sequenceKey(id string) string { return p.prefix + "sequence:" + id }
func (p *RedisPublisher) sequencesKey() string         { return p.prefix + "sequences" }

// UpdatesChannel is the pub/sub channel change notices are sent on.
func (p *RedisPublisher) UpdatesChannel() string { return p.prefix + "updates" }

// PublishActionStatus stores status as the latest state of its action.
func (p *RedisPublisher) PublishActionStatus(ctx context.Context, status engine.ActionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal action status: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.actionKey(status.Action), data, 0)
	pipe.SAdd(ctx, p.actionsKey(), status.Action)
	pipe.Publish(ctx, p.UpdatesChannel(), "action:"+status.Action)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish action status to redis: %w", err)
	}
	return nil
}

// PublishSequence stores or replaces the snapshot of a sequence. The index is scored
// by start time so listings come back oldest first.
func (p *RedisPublisher) PublishSequence(ctx context.Context, snapshot engine.SequenceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal sequence: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.sequenceKey(snapshot.ID), data, p.ttl)
	pipe.ZAdd(ctx, p.sequencesKey(), backend.Z{
		Score:  float64(snapshot.StartedAt.UnixMilli()),
		Member: snapshot.ID,
	})
	pipe.Publish(ctx, p.UpdatesChannel(), "sequence:"+snapshot.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish sequence to redis: %w", err)
	}
	return nil
}

// RemoveSequence deletes the snapshot of a finished sequence.
func (p *RedisPublisher) RemoveSequence(ctx context.Context, sequenceID string) error {
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, p.sequenceKey(sequenceID))
	pipe.ZRem(ctx, p.sequencesKey(), sequenceID)
	pipe.Publish(ctx, p.UpdatesChannel(), "removed:"+sequenceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove sequence from redis: %w", err)
	}
	return nil
}

// ActionStatus returns the latest status of an action.
func (p *RedisPublisher) ActionStatus(ctx context.Context, action string) (*engine.ActionStatus, error) {
	val, err := p.client.Get(ctx, p.actionKey(action)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("action status %s: %w", action, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action status from redis: %w", err)
	}

	var status engine.ActionStatus
	if err := json.Unmarshal(val, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action status: %w", err)
	}
	return &status, nil
}

// ActionStatuses returns the latest status of every action, sorted by action name.
func (p *RedisPublisher) ActionStatuses(ctx context.Context) ([]engine.ActionStatus, error) {
	names, err := p.client.SMembers(ctx, p.actionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list actions from redis: %w", err)
	}
	sort.Strings(names)

	statuses := []engine.ActionStatus{}
	if len(names) == 0 {
		return statuses, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = p.actionKey(name)
	}
	vals, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get action statuses from redis: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var status engine.ActionStatus
		if err := json.Unmarshal([]byte(s), &status); err != nil {
			p.logger.Warn().Err(err).Str("action", names[i]).Msg("Skipping unreadable action status")
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Sequence returns the snapshot of an active sequence.
func (p *RedisPublisher) Sequence(ctx context.Context, id string) (*engine.SequenceSnapshot, error) {
	val, err := p.client.Get(ctx, p.sequenceKey(id)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("sequence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence from redis: %w", err)
	}

	var snapshot engine.SequenceSnapshot
	if err := json.Unmarshal(val, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sequence: %w", err)
	}
	return &snapshot, nil
}

// Sequences returns the snapshots of every active sequence, oldest first. Index entries
// whose snapshot has expired are dropped from the index.
func (p *RedisPublisher) Sequences(ctx context.Context) ([]engine.SequenceSnapshot, error) {
	ids, err := p.client.ZRange(ctx, p.sequencesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences from redis: %w", err)
	}

	snapshots := []engine.SequenceSnapshot{}
	if len(ids) == 0 {
		return snapshots, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = p.sequenceKey(id)
	}
	vals, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sequences from redis: %w", err)
	}

	var expired []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var snapshot engine.SequenceSnapshot
		if err := json.Unmarshal([]byte(s), &snapshot); err != nil {
			p.logger.Warn().Err(err).Str("sequence", ids[i]).Msg("Skipping unreadable sequence")
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	if len(expired) > 0 {
		if err := p.client.ZRem(ctx, p.sequencesKey(), expired...).Err(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to prune expired sequences")
		}
	}
	return snapshots, nil
}

// HealthCheck pings the server.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
