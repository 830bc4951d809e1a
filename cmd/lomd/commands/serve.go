package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/lom/pkg/api"
	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/config"
	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/policy"
	"github.com/openfroyo/lom/pkg/stores"
	"github.com/openfroyo/lom/pkg/telemetry"
	"github.com/openfroyo/lom/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	configPath  string
	socket      string
	listen      string
	policyPaths []string
	watch       bool

	dbPath        string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	redisTTL      time.Duration

	logLevel      string
	logFormat     string
	traceExporter string
	otlpEndpoint  string
	version       string
}

func newServeCommand(g *globals) *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long: `Run the orchestration daemon.

lomd accepts plugin connections on a unix socket and serves its introspection API
over HTTP. The configuration and the failure policies are reloaded when their files
change and on SIGHUP. Action status and active sequences can be published to SQLite
and Redis for external tooling.`,
		Example: `  # Run with a configuration and policies
  lomd serve --config /etc/lom/lom.cue --policies /etc/lom/policies

  # Publish state to SQLite and Redis, export traces over OTLP
  lomd serve --db /var/lib/lom/state.db --redis localhost:6379 \
    --trace-exporter otlp --otlp-endpoint localhost:4317`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = g.configPath
			opts.listen = g.apiAddr
			opts.version = g.version

			d, err := newDaemon(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return d.run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.socket, "socket", "/run/lom/lom.sock", "unix socket plugins connect to")
	f.StringSliceVar(&opts.policyPaths, "policies", nil, "failure policy files or directories")
	f.BoolVar(&opts.watch, "watch", true, "reload configuration and policies when their files change")
	f.StringVar(&opts.dbPath, "db", "", "SQLite database to publish state to")
	f.StringVar(&opts.redisAddr, "redis", "", "Redis address to publish state to")
	f.StringVar(&opts.redisPassword, "redis-password", "", "Redis password")
	f.IntVar(&opts.redisDB, "redis-db", 0, "Redis database")
	f.StringVar(&opts.redisPrefix, "redis-prefix", stores.DefaultRedisPrefix, "Redis key prefix")
	f.DurationVar(&opts.redisTTL, "redis-ttl", 0, "expiry of published sequences in Redis, 0 for none")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	f.StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	f.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP gRPC endpoint")

	return cmd
}

// daemon holds the wired components of a running lomd.
type daemon struct {
	opts   serveOptions
	logger zerolog.Logger
	tel    *telemetry.Telemetry

	parser    *config.Parser
	store     *config.Store
	policies  *policy.Engine
	bus       *channel.Bus
	server    *engine.Server
	transport *transport.Server
	api       *api.Server
	listener  net.Listener

	queueDepth int
	closers    []func() error
}

func newDaemon(ctx context.Context, opts serveOptions) (d *daemon, err error) {
	d = &daemon{opts: opts}
	defer func() {
		if err == nil {
			return
		}
		if d.listener != nil {
			d.listener.Close()
		}
		if d.transport != nil {
			os.Remove(d.transport.Addr())
		}
		d.close()
	}()

	telCfg := telemetry.DefaultConfig()
	if opts.version != "" {
		telCfg.ServiceVersion = opts.version
	}
	telCfg.Logging.Level = opts.logLevel
	telCfg.Logging.Format = opts.logFormat
	if opts.traceExporter != "" && opts.traceExporter != "none" {
		telCfg.Tracing.Enabled = true
		telCfg.Tracing.Exporter = opts.traceExporter
		telCfg.Tracing.Endpoint = opts.otlpEndpoint
	}
	d.tel, err = telemetry.New(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	d.closers = append(d.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.tel.Shutdown(shutdownCtx)
	})
	d.logger = d.tel.Logger.Zerolog()

	d.parser, err = config.NewParser()
	if err != nil {
		return nil, err
	}
	var static *config.Config
	if opts.configPath != "" {
		static, err = d.parser.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", opts.configPath, err)
		}
	}
	d.store = config.NewStore(d.parser, static, d.logger)

	d.policies, err = policy.NewEngine(d.logger)
	if err != nil {
		return nil, err
	}
	if len(opts.policyPaths) > 0 {
		if err := d.policies.LoadPolicies(ctx, opts.policyPaths); err != nil {
			return nil, err
		}
	}

	publisher, reader, health, err := d.openPublishers(ctx)
	if err != nil {
		return nil, err
	}

	d.queueDepth = d.store.GlobalConfig().QueueDepth
	d.bus = channel.NewBus(
		channel.WithDepth(d.queueDepth),
		channel.WithLogger(d.logger),
		channel.WithMetrics(d.tel.Metrics),
	)
	d.server = engine.NewServer(d.bus, engine.Options{
		Logger:      d.logger,
		Metrics:     d.tel.Metrics,
		Tracer:      d.tel.Tracer,
		Config:      d.store,
		Publisher:   publisher,
		Policy:      d.policies,
		Eligibility: config.NewEligibilityEvaluator(config.DefaultEvalTimeout, d.logger),
	})

	d.transport = transport.NewServer(opts.socket, d.bus,
		transport.WithLogger(d.logger),
		transport.WithDisconnectHandler(d.server.PluginDisconnected),
	)
	if err := d.transport.Listen(); err != nil {
		d.transport = nil
		return nil, err
	}

	d.listener, err = net.Listen("tcp", opts.listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", opts.listen, err)
	}
	d.api = api.NewServer(d.listener.Addr().String(), api.Options{
		Engine:    api.NewServerEngine(d.server),
		Config:    d.store,
		Policies:  d.policies,
		Published: reader,
		Metrics:   d.tel.Metrics.Handler(),
		Health:    health,
		Logger:    d.logger,
	})

	return d, nil
}

// openPublishers opens the configured state sinks. The reader serves the published
// status routes and prefers SQLite.
func (d *daemon) openPublishers(ctx context.Context) (engine.StatePublisher, stores.Reader, map[string]api.HealthCheck, error) {
	var (
		fanout stores.Fanout
		reader stores.Reader
		health = map[string]api.HealthCheck{}
	)

	if d.opts.dbPath != "" {
		db, err := stores.NewSQLitePublisher(stores.Config{Path: d.opts.dbPath}, d.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		d.closers = append(d.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		fanout = append(fanout, db)
		reader = db
		health["sqlite"] = db.HealthCheck
	}

	if d.opts.redisAddr != "" {
		rdb := stores.NewRedisPublisher(d.opts.redisAddr, d.opts.redisPassword, d.opts.redisDB,
			stores.WithPrefix(d.opts.redisPrefix),
			stores.WithTTL(d.opts.redisTTL),
			stores.WithRedisLogger(d.logger),
		)
		d.closers = append(d.closers, rdb.Close)
		if err := rdb.HealthCheck(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to reach redis at %s: %w", d.opts.redisAddr, err)
		}
		fanout = append(fanout, rdb)
		if reader == nil {
			reader = rdb
		}
		health["redis"] = rdb.HealthCheck
	}

	if len(fanout) == 0 {
		return nil, nil, health, nil
	}
	return fanout, reader, health, nil
}

// run serves until ctx is done or a component fails, then shuts the engine down while
// the transport still delivers its shutdown requests.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return d.server.Run(gctx) })
	g.Go(func() error { return d.transport.Serve(gctx) })
	g.Go(func() error { return d.api.Serve(gctx, d.listener) })
	g.Go(func() error { d.handleSignals(gctx); return nil })

	if d.opts.watch {
		if err := d.startWatchers(gctx, g); err != nil {
			cancelRun()
			_ = g.Wait()
			return err
		}
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Sequences still running at shutdown")
		}
		cancelRun()
		return nil
	})

	d.logger.Info().
		Str("socket", d.transport.Addr()).
		Str("api", d.listener.Addr().String()).
		Msg("lomd started")

	err := g.Wait()
	d.bus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	d.logger.Info().Msg("lomd stopped")
	return nil
}

func (d *daemon) startWatchers(ctx context.Context, g *errgroup.Group) error {
	if d.opts.configPath != "" {
		w, err := config.NewWatcher(d.opts.configPath, d.parser, d.applyConfig,
			config.WithWatcherLogger(d.logger))
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	if len(d.opts.policyPaths) > 0 {
		loader := policy.NewLoader(d.logger)
		g.Go(func() error {
			return loader.Watch(ctx, d.opts.policyPaths, func(p []policy.Policy) error {
				return d.policies.ReplaceLoaded(ctx, p)
			})
		})
	}
	return nil
}

// handleSignals reloads on SIGHUP until ctx is done.
func (d *daemon) handleSignals(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			d.logger.Info().Msg("Received SIGHUP, reloading")
			d.reload(ctx)
		}
	}
}

// reload rereads the configuration and the policies. A source that fails to load
// leaves the running state in place.
func (d *daemon) reload(ctx context.Context) {
	if d.opts.configPath != "" {
		cfg, err := d.parser.Load(d.opts.configPath)
		if err != nil {
			d.logger.Error().Err(err).Msg("Configuration rejected, keeping current")
		} else {
			d.applyConfig(cfg)
		}
	}
	if len(d.opts.policyPaths) > 0 {
		if err := d.policies.LoadPolicies(ctx, d.opts.policyPaths); err != nil {
			d.logger.Error().Err(err).Msg("Policies rejected, keeping current")
		}
	}
}

func (d *daemon) applyConfig(cfg *config.Config) {
	if err := d.store.Reload(cfg); err != nil {
		d.logger.Error().Err(err).Msg("Configuration rejected, keeping current")
		return
	}
	if d.store.GlobalConfig().QueueDepth != d.queueDepth {
		d.logger.Warn().Msg("queue_depth changes take effect on restart")
	}
	d.server.ApplyConfig(d.store)
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn().Err(err).Msg("Close failed")
		}
	}
	d.closers = nil
}
