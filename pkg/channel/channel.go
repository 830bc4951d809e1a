package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/telemetry"
)

// DefaultDepth is the per-key queue bound used when none is configured.
const DefaultDepth = 10

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// Filter selects messages on Read. Empty fields match anything.
type Filter struct {
	Type   protocol.MessageType
	Plugin string
}

// Match reports whether the envelope satisfies the filter.
func (f Filter) Match(env *protocol.Envelope) bool {
	if f.Type != "" && env.Type != f.Type {
		return false
	}
	if f.Plugin != "" && env.PluginName != f.Plugin {
		return false
	}
	return true
}

type key struct {
	msgType protocol.MessageType
	plugin  string
}

// item is a queued envelope tagged with its global write order.
type item struct {
	seq uint64
	env *protocol.Envelope
}

// Option configures a Channel.
type Option func(*Channel)

// WithDepth bounds every (type, plugin) queue. Zero or negative disables the bound.
func WithDepth(depth int) Option {
	return func(c *Channel) {
		c.depth = depth
	}
}

// WithEvictHandler registers a callback invoked for every evicted envelope.
func WithEvictHandler(fn func(*protocol.Envelope)) Option {
	return func(c *Channel) {
		c.onEvict = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithMetrics records evictions and depth on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// Channel is a set of FIFO queues keyed by (type, plugin_name).
type Channel struct {
	name string

	mu     sync.Mutex
	queues map[key][]item
	seq    uint64
	size   int
	closed bool
	// notify is closed and replaced on every write and on Close, waking all waiters.
	notify chan struct{}

	depth   int
	onEvict func(*protocol.Envelope)
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New creates a channel. The name labels logs and metrics.
func New(name string, opts ...Option) *Channel {
	c := &Channel{
		name:   name,
		queues: make(map[key][]item),
		notify: make(chan struct{}),
		depth:  DefaultDepth,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("channel", name).Logger()
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Write enqueues an envelope at the tail of its (type, plugin) queue.
func (c *Channel) Write(env *protocol.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", protocol.ErrMalformedPayload)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	k := key{msgType: env.Type, plugin: env.PluginName}
	c.seq++
	q := append(c.queues[k], item{seq: c.seq, env: env})
	c.size++

	var evicted *protocol.Envelope
	if c.depth > 0 && len(q) > c.depth {
		evicted = q[0].env
		q[0] = item{}
		q = q[1:]
		c.size--
	}
	c.queues[k] = q
	size := c.size
	c.broadcastLocked()
	c.mu.Unlock()

	c.metrics.SetChannelDepth(c.name, size)
	if evicted != nil {
		c.logger.Warn().
			Str("type", string(evicted.Type)).
			Str("plugin", evicted.PluginName).
			Int("depth", c.depth).
			Msg("Queue depth exceeded, evicted oldest unread message")
		c.metrics.RecordEviction(c.name, string(evicted.Type))
		if c.onEvict != nil {
			c.onEvict(evicted)
		}
	}

	return nil
}

// Read returns the oldest message matching filter.
//
// A zero timeout polls and returns immediately, a negative timeout blocks until a message
// arrives or ctx is done, and a positive timeout bounds the wait. Expiry of the timeout is
// not an error: Read returns (nil, nil). Queued matches are still returned after Close;
// once drained, Read returns ErrClosed.
func (c *Channel) Read(ctx context.Context, filter Filter, timeout time.Duration) (*protocol.Envelope, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		if env := c.popLocked(filter); env != nil {
			size := c.size
			c.mu.Unlock()
			c.metrics.SetChannelDepth(c.name, size)
			return env, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if timeout == 0 {
			c.mu.Unlock()
			return nil, nil
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued messages matching filter.
func (c *Channel) Pending(filter Filter) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, q := range c.queues {
		if filter.Type != "" && k.msgType != filter.Type {
			continue
		}
		if filter.Plugin != "" && k.plugin != filter.Plugin {
			continue
		}
		n += len(q)
	}
	return n
}

// Len returns the total number of queued messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Drop removes every queued message matching filter and returns how many were removed.
func (c *Channel) Drop(filter Filter) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, q := range c.queues {
		if filter.Type != "" && k.msgType != filter.Type {
			continue
		}
		if filter.Plugin != "" && k.plugin != filter.Plugin {
			continue
		}
		n += len(q)
		delete(c.queues, k)
	}
	c.size -= n
	return n
}

// Close marks the channel closed and wakes all waiting readers.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.broadcastLocked()
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitChan returns a channel closed on the next state change.
func (c *Channel) waitChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

func (c *Channel) broadcastLocked() {
	close(c.notify)
	if !c.closed {
		c.notify = make(chan struct{})
	}
}

// popLocked removes and returns the oldest envelope matching filter, or nil.
func (c *Channel) popLocked(filter Filter) *protocol.Envelope {
	var best key
	var bestSeq uint64
	found := false

	if filter.Type != "" && filter.Plugin != "" {
		best = key{msgType: filter.Type, plugin: filter.Plugin}
		found = len(c.queues[best]) > 0
	} else {
		for k, q := range c.queues {
			if len(q) == 0 {
				continue
			}
			if filter.Type != "" && k.msgType != filter.Type {
				continue
			}
			if filter.Plugin != "" && k.plugin != filter.Plugin {
				continue
			}
			if !found || q[0].seq < bestSeq {
				best, bestSeq, found = k, q[0].seq, true
			}
		}
	}
	if !found {
		return nil
	}

	q := c.queues[best]
	env := q[0].env
	q[0] = item{}
	if len(q) == 1 {
		delete(c.queues, best)
	} else {
		c.queues[best] = q[1:]
	}
	c.size--
	return env
}
