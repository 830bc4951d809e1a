package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a configuration source when it changes on disk.
type Watcher struct {
	path     string
	dir      bool
	parser   *Parser
	onChange func(*Config)
	delay    time.Duration
	logger   zerolog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithReloadDelay sets the debounce delay.
func WithReloadDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.delay = d }
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher watches path, a file or a directory, and calls onChange with every
// configuration that loads successfully after a change.
func NewWatcher(path string, parser *Parser, onChange func(*Config), opts ...WatcherOption) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		dir:      info.IsDir(),
		parser:   parser,
		onChange: onChange,
		delay:    DefaultReloadDelay,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "config-watcher").Str("path", w.path).Logger()
	return w, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// Editors replace files rather than write them, so a single file is watched
	// through its directory.
	dir := w.path
	if !w.dir {
		dir = filepath.Dir(w.path)
	}
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info().Msg("Watching configuration")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Configuration changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if w.dir {
		return IsConfigFile(event.Name)
	}
	return filepath.Clean(event.Name) == w.path
}

func (w *Watcher) reload() {
	cfg, err := w.parser.Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload configuration, keeping current")
		return
	}
	w.logger.Info().Int("actions", len(cfg.Actions)).Msg("Configuration loaded")
	w.onChange(cfg)
}
