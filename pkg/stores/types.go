package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/lom/pkg/engine"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a requested action status or sequence is not stored.
var ErrNotFound = errors.New("not found")

// Config holds SQLite publisher configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Reader reads back published state.
type Reader interface {
	ActionStatus(ctx context.Context, action string) (*engine.ActionStatus, error)
	ActionStatuses(ctx context.Context) ([]engine.ActionStatus, error)
	Sequence(ctx context.Context, id string) (*engine.SequenceSnapshot, error)
	Sequences(ctx context.Context) ([]engine.SequenceSnapshot, error)
}

// Publisher is a StatePublisher whose state can be read back.
type Publisher interface {
	engine.StatePublisher
	Reader
	HealthCheck(ctx context.Context) error
	Close() error
}

var (
	_ Publisher = (*SQLitePublisher)(nil)
	_ Publisher = (*RedisPublisher)(nil)
)

// Fanout publishes to every publisher in turn. A failing publisher does not stop the
// others; their errors are joined.
type Fanout []engine.StatePublisher

// PublishActionStatus implements engine.StatePublisher.
func (f Fanout) PublishActionStatus(ctx context.Context, status engine.ActionStatus) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishActionStatus(ctx, status))
	}
	return errors.Join(errs...)
}

// PublishSequence implements engine.StatePublisher.
func (f Fanout) PublishSequence(ctx context.Context, snapshot engine.SequenceSnapshot) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishSequence(ctx, snapshot))
	}
	return errors.Join(errs...)
}

// RemoveSequence implements engine.StatePublisher.
func (f Fanout) RemoveSequence(ctx context.Context, sequenceID string) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.RemoveSequence(ctx, sequenceID))
	}
	return errors.Join(errs...)
}
