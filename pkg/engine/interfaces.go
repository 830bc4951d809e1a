package engine

import (
	"context"
	"time"

	"github.com/openfroyo/lom/pkg/protocol"
)

// ActionConfig is the resolved configuration overlay of one action.
type ActionConfig struct {
	// Disable removes the action from selection without deregistering it.
	Disable bool

	// Type is the role of the action.
	Type ActionType

	// Priority overrides the priority the plugin registered with.
	Priority *int

	// Timeout bounds one invocation. Zero means no time limit.
	Timeout time.Duration

	// HeartbeatInterval is how often a running instance must touch its heartbeat.
	// Zero disables heartbeat monitoring for the action.
	HeartbeatInterval time.Duration

	// OnFailure decides whether a failed invocation ends the sequence.
	OnFailure OnFailure

	// EligibleIf is an optional expression evaluated against the context.
	EligibleIf string
}

// GlobalConfig holds engine-wide settings.
type GlobalConfig struct {
	// HeartbeatTolerance is the number of missed heartbeat intervals before an instance times out.
	HeartbeatTolerance int

	// SweepInterval is how often the heartbeat monitor scans running instances.
	SweepInterval time.Duration

	// QueueDepth bounds each (type, plugin) channel queue.
	QueueDepth int

	// MaxSteps bounds the number of actions one sequence may invoke.
	MaxSteps int
}

// ConfigProvider supplies the configuration overlay. Implementations must be safe for
// concurrent use.
type ConfigProvider interface {
	ActionConfig(name string) ActionConfig
	GlobalConfig() GlobalConfig
}

// StatePublisher makes the current action and sequence state visible to external tooling.
type StatePublisher interface {
	PublishActionStatus(ctx context.Context, status ActionStatus) error
	PublishSequence(ctx context.Context, snapshot SequenceSnapshot) error
	RemoveSequence(ctx context.Context, sequenceID string) error
}

// FailureInput describes a failed step for a FailurePolicy.
type FailureInput struct {
	Anomaly Anomaly
	Action  Action
	Status  InstanceStatus
	Entry   protocol.ContextEntry
	Step    int
}

// FailurePolicy decides whether a sequence continues after a failed step.
type FailurePolicy interface {
	Decide(ctx context.Context, in FailureInput) (OnFailure, error)
}

// Eligibility decides whether an action may run given the context so far.
type Eligibility interface {
	Eligible(ctx context.Context, action Action, anomaly Anomaly, entries []protocol.ContextEntry) (bool, error)
}

// DefaultGlobalConfig returns the engine-wide defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		HeartbeatTolerance: 3,
		SweepInterval:      time.Second,
		QueueDepth:         10,
		MaxSteps:           16,
	}
}

// DefaultActionConfig returns the overlay applied to actions with no configuration.
func DefaultActionConfig() ActionConfig {
	return ActionConfig{
		Type:              ActionTypeMitigation,
		Timeout:           30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		OnFailure:         OnFailureContinue,
	}
}

// StaticConfig is a fixed in-memory ConfigProvider.
type StaticConfig struct {
	Global  GlobalConfig
	Actions map[string]ActionConfig
}

// NewStaticConfig returns a provider with default global settings and no action overlays.
func NewStaticConfig() *StaticConfig {
	return &StaticConfig{
		Global:  DefaultGlobalConfig(),
		Actions: make(map[string]ActionConfig),
	}
}

// ActionConfig returns the overlay for name, or the defaults.
func (c *StaticConfig) ActionConfig(name string) ActionConfig {
	if ac, ok := c.Actions[name]; ok {
		return ac
	}
	return DefaultActionConfig()
}

// GlobalConfig returns the global settings.
func (c *StaticConfig) GlobalConfig() GlobalConfig {
	return c.Global
}

// configuredPolicy applies each action's configured OnFailure.
type configuredPolicy struct{}

func (configuredPolicy) Decide(_ context.Context, in FailureInput) (OnFailure, error) {
	if in.Action.OnFailure == "" {
		return OnFailureContinue, nil
	}
	return in.Action.OnFailure, nil
}

// allEligible admits every action.
type allEligible struct{}

func (allEligible) Eligible(context.Context, Action, Anomaly, []protocol.ContextEntry) (bool, error) {
	return true, nil
}

// nopPublisher discards published state.
type nopPublisher struct{}

func (nopPublisher) PublishActionStatus(context.Context, ActionStatus) error { return nil }
func (nopPublisher) PublishSequence(context.Context, SequenceSnapshot) error { return nil }
func (nopPublisher) RemoveSequence(context.Context, string) error            { return nil }
