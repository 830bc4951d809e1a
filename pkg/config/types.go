package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/lom/pkg/engine"
)

// Duration is a time.Duration that decodes from a Go duration string ("5s", "250ms")
// or a number of seconds, and encodes as a duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Global holds engine-wide settings.
type Global struct {
	// HeartbeatTolerance is the number of missed heartbeat intervals tolerated.
	HeartbeatTolerance int `json:"heartbeat_tolerance" validate:"min=1"`

	// SweepInterval is how often running instances are checked for heartbeat loss.
	SweepInterval Duration `json:"sweep_interval" validate:"gt=0"`

	// QueueDepth bounds each (type, plugin) queue of the channel.
	QueueDepth int `json:"queue_depth" validate:"min=1"`

	// MaxSteps bounds the number of actions a sequence invokes.
	MaxSteps int `json:"max_steps" validate:"min=1"`
}

// Action is the configuration of one action.
type Action struct {
	Disable bool `json:"disable"`

	Type engine.ActionType `json:"type" validate:"omitempty,oneof=anomaly mitigation safety_check"`

	// Priority, when set, overrides the priority the plugin registered with.
	Priority *int `json:"priority,omitempty"`

	// Timeout bounds one invocation; zero means no limit.
	Timeout Duration `json:"timeout" validate:"min=0"`

	// HeartbeatInterval is the expected touch interval; zero disables monitoring.
	HeartbeatInterval Duration `json:"heartbeat_interval" validate:"min=0"`

	// OnFailure is continue or abort. Empty defers to the action type.
	OnFailure engine.OnFailure `json:"on_failure,omitempty" validate:"omitempty,oneof=continue abort"`

	// EligibleIf is a Starlark expression gating selection of the action.
	EligibleIf string `json:"eligible_if,omitempty"`
}

// Config is a complete configuration document.
type Config struct {
	Global  Global            `json:"global"`
	Actions map[string]Action `json:"actions" validate:"dive"`
}

// Default returns the built-in configuration.
func Default() *Config {
	g := engine.DefaultGlobalConfig()
	return &Config{
		Global: Global{
			HeartbeatTolerance: g.HeartbeatTolerance,
			SweepInterval:      Duration(g.SweepInterval),
			QueueDepth:         g.QueueDepth,
			MaxSteps:           g.MaxSteps,
		},
		Actions: make(map[string]Action),
	}
}

// DefaultAction returns the settings of an action before its document is applied.
func DefaultAction() Action {
	d := engine.DefaultActionConfig()
	return Action{
		Type:              d.Type,
		Timeout:           Duration(d.Timeout),
		HeartbeatInterval: Duration(d.HeartbeatInterval),
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := &Config{Global: c.Global, Actions: make(map[string]Action, len(c.Actions))}
	for name, a := range c.Actions {
		if a.Priority != nil {
			p := *a.Priority
			a.Priority = &p
		}
		out.Actions[name] = a
	}
	return out
}

// EngineGlobal converts the global section for the engine.
func (c *Config) EngineGlobal() engine.GlobalConfig {
	return engine.GlobalConfig{
		HeartbeatTolerance: c.Global.HeartbeatTolerance,
		SweepInterval:      c.Global.SweepInterval.Std(),
		QueueDepth:         c.Global.QueueDepth,
		MaxSteps:           c.Global.MaxSteps,
	}
}

// EngineAction converts the named action for the engine. Actions without a document
// get the engine defaults.
func (c *Config) EngineAction(name string) engine.ActionConfig {
	a, ok := c.Actions[name]
	if !ok {
		return engine.DefaultActionConfig()
	}
	return engine.ActionConfig{
		Disable:           a.Disable,
		Type:              a.Type,
		Priority:          a.Priority,
		Timeout:           a.Timeout.Std(),
		HeartbeatInterval: a.HeartbeatInterval.Std(),
		OnFailure:         a.OnFailure,
		EligibleIf:        a.EligibleIf,
	}
}

// mergeGlobal applies a partial global document over c. Fields absent from doc keep
// their value.
func (c *Config) mergeGlobal(doc []byte) error {
	if err := json.Unmarshal(doc, &c.Global); err != nil {
		return fmt.Errorf("invalid global document: %w", err)
	}
	return nil
}

// mergeActions applies a document of the form {action: {attr: value}} over c.
func (c *Config) mergeActions(doc []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return fmt.Errorf("invalid actions document: %w", err)
	}
	if c.Actions == nil {
		c.Actions = make(map[string]Action, len(raw))
	}
	for name, attrs := range raw {
		a, ok := c.Actions[name]
		if !ok {
			a = DefaultAction()
		}
		if err := json.Unmarshal(attrs, &a); err != nil {
			return fmt.Errorf("invalid document for action %s: %w", name, err)
		}
		c.Actions[name] = a
	}
	return nil
}

// ValidationError describes one problem found in a configuration source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration source is rejected.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
