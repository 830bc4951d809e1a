package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/lom/pkg/config"
	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/policy"
)

// Engine is the view of the orchestration engine the API serves.
type Engine interface {
	Plugins() []engine.Plugin
	Actions() []engine.Action
	Sequences() []engine.SequenceSnapshot
	Sequence(id string) (engine.SequenceSnapshot, bool)
	Trigger(ctx context.Context, anomaly engine.Anomaly, wait bool) (engine.SequenceSnapshot, bool, error)
	Abort(id, reason string) bool
}

// ConfigStore exposes the running configuration and its overlays.
type ConfigStore interface {
	Running() *config.Config
	Tweak(doc []byte) error
	TweakAction(doc []byte) error
}

// PolicyStore exposes the failure policies.
type PolicyStore interface {
	ListPolicies() []policy.Policy
	EnablePolicy(ctx context.Context, name string) error
	DisablePolicy(ctx context.Context, name string) error
}

// ServerEngine adapts an engine.Server to Engine.
type ServerEngine struct {
	Server *engine.Server
}

// NewServerEngine wraps s.
func NewServerEngine(s *engine.Server) *ServerEngine {
	return &ServerEngine{Server: s}
}

// Plugins returns every known plugin.
func (e *ServerEngine) Plugins() []engine.Plugin {
	return e.Server.Registry().Plugins()
}

// Actions returns the effective view of every registered action.
func (e *ServerEngine) Actions() []engine.Action {
	return e.Server.Registry().Actions()
}

// Sequences returns the active sequences.
func (e *ServerEngine) Sequences() []engine.SequenceSnapshot {
	return e.Server.Sequences()
}

// Sequence returns one active sequence.
func (e *ServerEngine) Sequence(id string) (engine.SequenceSnapshot, bool) {
	seq, ok := e.Server.Sequence(id)
	if !ok {
		return engine.SequenceSnapshot{}, false
	}
	return seq.Snapshot(), true
}

// Trigger starts a sequence for anomaly. With wait set it blocks until the sequence
// terminates or ctx is done, and returns the last snapshot either way.
func (e *ServerEngine) Trigger(ctx context.Context, anomaly engine.Anomaly, wait bool) (engine.SequenceSnapshot, bool, error) {
	seq, started, err := e.Server.Trigger(anomaly)
	if err != nil {
		return engine.SequenceSnapshot{}, false, err
	}
	if !wait {
		return seq.Snapshot(), started, nil
	}
	snap, err := seq.Wait(ctx)
	return snap, started, err
}

// Abort cancels an active sequence.
func (e *ServerEngine) Abort(id, reason string) bool {
	seq, ok := e.Server.Sequence(id)
	if !ok {
		return false
	}
	seq.Abort(reason)
	return true
}

// AnomalyRequest is the body of POST /v1/anomalies.
type AnomalyRequest struct {
	Name     string            `json:"name"`
	Key      string            `json:"key,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Timeouts map[string]string `json:"timeouts,omitempty"`
}

func (r AnomalyRequest) anomaly() (engine.Anomaly, error) {
	a := engine.Anomaly{Name: r.Name, Key: r.Key, Data: r.Data}
	if len(r.Timeouts) > 0 {
		a.Timeouts = make(map[string]time.Duration, len(r.Timeouts))
		for action, s := range r.Timeouts {
			d, err := time.ParseDuration(s)
			if err != nil {
				return engine.Anomaly{}, engine.NewMalformedError("invalid timeout for "+action, err)
			}
			a.Timeouts[action] = d
		}
	}
	return a, nil
}
