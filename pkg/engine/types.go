package engine

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/lom/pkg/protocol"
)

// Plugin is a snapshot of a registered plugin process.
type Plugin struct {
	// ProcID is the stable identifier that survives process restarts.
	ProcID string `json:"proc_id"`

	// State is the current liveness state.
	State PluginState `json:"state"`

	// Actions are the names of the actions the plugin owns, sorted.
	Actions []string `json:"actions"`

	// Generation increments on every registration of the same ProcID.
	Generation uint64 `json:"generation"`

	// RegisteredAt is when the current registration was made.
	RegisteredAt time.Time `json:"registered_at"`

	// LastSeen is when any message from the plugin was last handled.
	LastSeen time.Time `json:"last_seen"`
}

// Action is the effective view of a registered action: its registration merged with
// the configuration overlay.
type Action struct {
	Name              string        `json:"name"`
	ProcID            string        `json:"proc_id"`
	Priority          int           `json:"priority"`
	Enabled           bool          `json:"enabled"`
	Type              ActionType    `json:"type"`
	Timeout           time.Duration `json:"timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	OnFailure         OnFailure     `json:"on_failure"`
	EligibleIf        string        `json:"eligible_if,omitempty"`

	// Generation is the owner's registration generation when the view was taken.
	Generation uint64 `json:"-"`
}

// Anomaly is the event that starts one mitigation sequence.
type Anomaly struct {
	// Name identifies the kind of anomaly. When it names a registered action, that action
	// is invoked as the first step of the sequence.
	Name string `json:"name"`

	// Key identifies the occurrence, such as an interface or a device. Triggers with the
	// same Name and Key are coalesced while a sequence is active.
	Key string `json:"key,omitempty"`

	// Data is an opaque document describing the anomaly.
	Data json.RawMessage `json:"data,omitempty"`

	// Timeouts override the configured timeout of individual actions for this sequence.
	Timeouts map[string]time.Duration `json:"timeouts,omitempty"`
}

// ActionStatus is the published state of one action instance.
type ActionStatus struct {
	Action     string              `json:"action"`
	ProcID     string              `json:"proc_id"`
	InstanceID string              `json:"instance_id"`
	SequenceID string              `json:"sequence_id"`
	Status     InstanceStatus      `json:"status"`
	ResultCode protocol.ResultCode `json:"result_code"`
	ResultStr  string              `json:"result_str,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// SequenceSnapshot is a point-in-time copy of a sequence.
type SequenceSnapshot struct {
	ID        string                  `json:"id"`
	Anomaly   Anomaly                 `json:"anomaly"`
	State     SequenceState           `json:"state"`
	Context   []protocol.ContextEntry `json:"context"`
	Current   string                  `json:"current,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	StartedAt time.Time               `json:"started_at"`
	EndedAt   *time.Time              `json:"ended_at,omitempty"`
}
