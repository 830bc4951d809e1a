package engine

import (
	"fmt"
)

// PluginState is the liveness of a registered plugin.
type PluginState string

const (
	// PluginActive plugins own eligible actions.
	PluginActive PluginState = "active"

	// PluginStale plugins missed heartbeats; their actions are skipped until they are heard from again.
	PluginStale PluginState = "stale"

	// PluginDead plugins lost their connection; their actions may be taken over.
	PluginDead PluginState = "dead"
)

// IsLive returns true if the plugin may still hold its actions.
func (s PluginState) IsLive() bool {
	return s == PluginActive || s == PluginStale
}

// InstanceStatus is the lifecycle of one action invocation. It is stored atomically,
// so it is an integer type.
type InstanceStatus int32

const (
	// InstancePending is allocated but not yet sent.
	InstancePending InstanceStatus = iota

	// InstanceRunning has been sent to its plugin.
	InstanceRunning

	// InstanceCompleted received a response, successful or not.
	InstanceCompleted

	// InstanceTimedOut missed its deadline or its heartbeats.
	InstanceTimedOut

	// InstanceAborted was cancelled by deregistration or shutdown.
	InstanceAborted
)

// String returns the status name.
func (s InstanceStatus) String() string {
	switch s {
	case InstancePending:
		return "pending"
	case InstanceRunning:
		return "running"
	case InstanceCompleted:
		return "completed"
	case InstanceTimedOut:
		return "timed_out"
	case InstanceAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// IsTerminal returns true once the instance can no longer change.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceTimedOut || s == InstanceAborted
}

// MarshalText renders the status by name.
func (s InstanceStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *InstanceStatus) UnmarshalText(text []byte) error {
	for st := InstancePending; st <= InstanceAborted; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid instance status: %s", text)
}

// SequenceState is the state of the sequencer state machine.
type SequenceState string

const (
	SequenceIdle      SequenceState = "idle"
	SequenceSelecting SequenceState = "selecting"
	SequenceInvoking  SequenceState = "invoking"
	SequenceAwaiting  SequenceState = "awaiting"
	SequenceAppending SequenceState = "appending"

	// Terminal states
	SequenceCompleted SequenceState = "completed"
	SequenceAborted   SequenceState = "aborted"
	SequenceTimedOut  SequenceState = "timed_out"
	SequenceFailed    SequenceState = "failed"
)

// IsTerminal returns true if the sequence has finished.
func (s SequenceState) IsTerminal() bool {
	return s == SequenceCompleted || s == SequenceAborted ||
		s == SequenceTimedOut || s == SequenceFailed
}

// Validate checks if the state is valid.
func (s SequenceState) Validate() error {
	switch s {
	case SequenceIdle, SequenceSelecting, SequenceInvoking, SequenceAwaiting, SequenceAppending,
		SequenceCompleted, SequenceAborted, SequenceTimedOut, SequenceFailed:
		return nil
	default:
		return fmt.Errorf("invalid sequence state: %s", s)
	}
}

// ActionType is the role of an action in a sequence.
type ActionType string

const (
	// ActionTypeAnomaly detects a fault. Anomaly actions only run as the trigger of a sequence.
	ActionTypeAnomaly ActionType = "anomaly"

	// ActionTypeMitigation repairs or works around a fault.
	ActionTypeMitigation ActionType = "mitigation"

	// ActionTypeSafetyCheck vets the state before or after a mitigation.
	ActionTypeSafetyCheck ActionType = "safety_check"
)

// OnFailure is what a sequence does after an action times out, aborts or fails.
type OnFailure string

const (
	// OnFailureContinue records the error entry and selects the next action.
	OnFailureContinue OnFailure = "continue"

	// OnFailureAbort terminates the sequence.
	OnFailureAbort OnFailure = "abort"
)

// Validate checks if the policy is valid.
func (o OnFailure) Validate() error {
	switch o {
	case OnFailureContinue, OnFailureAbort:
		return nil
	default:
		return fmt.Errorf("invalid on_failure policy: %s", o)
	}
}
