package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/client"
	"github.com/openfroyo/lom/pkg/transport"
)

// DefaultRetryInterval is the pause between connection attempts.
const DefaultRetryInterval = 2 * time.Second

// ErrShutdown is returned by Run when the engine asked the plugin to stop.
var ErrShutdown = errors.New("engine requested shutdown")

// Runner connects a manifest's actions to the engine and serves them.
type Runner struct {
	manifest *Manifest
	retry    time.Duration
	logger   zerolog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRetryInterval sets the pause between connection attempts. Zero disables
// reconnecting.
func WithRetryInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.retry = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for m.
func NewRunner(m *Manifest, opts ...RunnerOption) *Runner {
	r := &Runner{
		manifest: m,
		retry:    DefaultRetryInterval,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("proc_id", m.ProcID).Logger()
	return r
}

// Mux returns the handlers of the manifest's actions.
func (r *Runner) Mux() client.Mux {
	mux := make(client.Mux, len(r.manifest.Actions))
	for _, spec := range r.manifest.Actions {
		mux[spec.Name] = &ExecHandler{Spec: spec, ProcID: r.manifest.ProcID, Logger: r.logger}
	}
	return mux
}

// Run serves until ctx is done or the engine requests shutdown. A lost connection is
// re-established and the actions registered again under the same proc_id.
func (r *Runner) Run(ctx context.Context) error {
	mux := r.Mux()
	for {
		err := r.session(ctx, mux)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrShutdown):
			return err
		case r.retry <= 0:
			return err
		}

		r.logger.Warn().Err(err).Dur("retry_in", r.retry).Msg("Lost connection to engine")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retry):
		}
	}
}

// session runs one connection from dial to disconnect.
func (r *Runner) session(ctx context.Context, mux client.Mux) error {
	conn, err := transport.Dial(ctx, r.manifest.Socket, r.logger)
	if err != nil {
		return err
	}
	c, err := client.New(r.manifest.ProcID, conn, client.WithLogger(r.logger))
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if err := c.RegisterClient(ctx, r.manifest.Priorities()); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	r.logger.Info().
		Str("socket", r.manifest.Socket).
		Int("actions", len(mux)).
		Msg("Registered with engine")

	if err := c.Serve(ctx, mux); err != nil {
		return err
	}
	if ctx.Err() != nil {
		deregisterCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.DeregisterClient(deregisterCtx); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to deregister")
		}
		return nil
	}
	return ErrShutdown
}
