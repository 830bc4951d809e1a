package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/engine"
)

type tweak struct {
	global bool
	doc    json.RawMessage
}

// Store serves the running configuration: the static configuration with every tweak
// applied in the order it was made. It implements engine.ConfigProvider.
type Store struct {
	parser *Parser
	logger zerolog.Logger

	mu      sync.RWMutex
	static  *Config
	tweaks  []tweak
	running *Config
}

// NewStore creates a store serving static. A nil static serves the defaults.
func NewStore(parser *Parser, static *Config, logger zerolog.Logger) *Store {
	if static == nil {
		static = Default()
	}
	return &Store{
		parser:  parser,
		logger:  logger.With().Str("component", "config").Logger(),
		static:  static.Clone(),
		running: static.Clone(),
	}
}

// ActionConfig returns the running configuration of the named action.
func (s *Store) ActionConfig(name string) engine.ActionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running.EngineAction(name)
}

// GlobalConfig returns the running global settings.
func (s *Store) GlobalConfig() engine.GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running.EngineGlobal()
}

// Running returns a copy of the running configuration.
func (s *Store) Running() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running.Clone()
}

// Tweak merges a partial global document, such as {"max_steps": 8}, into the running
// configuration. A rejected tweak leaves the configuration unchanged.
func (s *Store) Tweak(doc []byte) error {
	if err := s.parser.schema.CheckGlobal(doc); err != nil {
		return err
	}
	return s.apply(tweak{global: true, doc: append(json.RawMessage(nil), doc...)})
}

// TweakAction merges a document of the form {"M1": {"timeout": "10s"}} into the running
// configuration. Actions not yet configured start from the defaults.
func (s *Store) TweakAction(doc []byte) error {
	if err := s.parser.schema.CheckActions(doc); err != nil {
		return err
	}
	return s.apply(tweak{doc: append(json.RawMessage(nil), doc...)})
}

// Reload replaces the static configuration and reapplies the tweaks made so far. When
// a tweak no longer applies the new configuration is rejected as a whole.
func (s *Store) Reload(static *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	running, err := s.build(static, s.tweaks)
	if err != nil {
		return err
	}
	s.static = static.Clone()
	s.running = running
	s.logger.Info().Int("actions", len(running.Actions)).Int("tweaks", len(s.tweaks)).Msg("Configuration reloaded")
	return nil
}

// Reset drops every tweak.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tweaks = nil
	s.running = s.static.Clone()
}

func (s *Store) apply(t tweak) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tweaks := append(append([]tweak(nil), s.tweaks...), t)
	running, err := s.build(s.static, tweaks)
	if err != nil {
		return err
	}
	s.tweaks = tweaks
	s.running = running
	s.logger.Info().Bool("global", t.global).RawJSON("tweak", t.doc).Msg("Configuration tweaked")
	return nil
}

func (s *Store) build(static *Config, tweaks []tweak) (*Config, error) {
	cfg := static.Clone()
	for i, t := range tweaks {
		var err error
		if t.global {
			err = cfg.mergeGlobal(t.doc)
		} else {
			err = cfg.mergeActions(t.doc)
		}
		if err != nil {
			return nil, fmt.Errorf("tweak %d: %w", i+1, err)
		}
	}
	if err := s.parser.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
