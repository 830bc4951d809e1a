// Package engine provides the orchestration core of the fault mitigation daemon.
//
// # Overview
//
// Plugins are external processes that implement named actions. The engine keeps track
// of which plugin owns which action, decides which action runs next for an anomaly,
// threads the results of earlier actions into later ones and watches every running
// action for liveness and overrun.
//
// # Components
//
//   - Registry: plugins, their liveness state and the actions they own
//   - InstanceTable: running action instances indexed by instance_id
//   - HeartbeatMonitor: times out instances whose plugin stopped touching its heartbeat
//   - TimeoutEnforcer: times out instances that exceed their deadline
//   - Sequence: the state machine driving one anomaly through a linear chain of actions
//   - Server: dispatches plugin messages from the channel bus and owns all of the above
//
// # Sequences
//
// A sequence moves through SELECTING, INVOKING, AWAITING and APPENDING until no eligible
// action is left (COMPLETED) or a failure policy ends it (ABORTED, TIMED_OUT, FAILED).
// Only one instance is awaited at a time; the context handed to each action is the
// ordered list of entries of every action run before it.
//
// # Collaborators
//
// Configuration, failure policy, eligibility and state publication are supplied through
// the ConfigProvider, FailurePolicy, Eligibility and StatePublisher interfaces. The
// Server falls back to in-memory defaults for each of them.
//
// # Error Classification
//
// Every EngineError carries the protocol result code reported back to plugins, and a
// class:
//
//   - Transient: the request may succeed later, such as after the plugin registers
//   - Conflict: the registry already holds a conflicting record
//   - Validation: the request is malformed
//   - Permanent: the engine cannot continue
package engine
