package policy

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/lom/pkg/engine"
)

// Policy is a Rego module contributing to the failure decision.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the module source. It must declare package lom.failure.
	Rego string `json:"rego"`

	// Enabled indicates if the policy takes part in decisions.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// OnFailure is what the sequence does next.
	OnFailure engine.OnFailure `json:"on_failure"`

	// Reasons are the messages of the rules that fired, sorted.
	Reasons []string `json:"reasons,omitempty"`
}

// Input is the document a failed step is evaluated against, available to policies
// as input.
type Input struct {
	Anomaly InputAnomaly `json:"anomaly"`
	Action  InputAction  `json:"action"`

	// Status is the terminal status of the instance: completed, timed_out or aborted.
	Status string `json:"status"`

	Result InputResult `json:"result"`

	// Step is the 1-based position of the failed action in the sequence.
	Step int `json:"step"`
}

// InputAnomaly describes the anomaly that started the sequence.
type InputAnomaly struct {
	Name string          `json:"name"`
	Key  string          `json:"key,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InputAction describes the failed action.
type InputAction struct {
	Name      string `json:"name"`
	ProcID    string `json:"proc_id"`
	Type      string `json:"type"`
	Priority  int    `json:"priority"`
	OnFailure string `json:"on_failure"`
}

// InputResult is the context entry recorded for the failed action.
type InputResult struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// NewInput builds the policy input for a failed step.
func NewInput(in engine.FailureInput) Input {
	return Input{
		Anomaly: InputAnomaly{
			Name: in.Anomaly.Name,
			Key:  in.Anomaly.Key,
			Data: in.Anomaly.Data,
		},
		Action: InputAction{
			Name:      in.Action.Name,
			ProcID:    in.Action.ProcID,
			Type:      string(in.Action.Type),
			Priority:  in.Action.Priority,
			OnFailure: string(in.Action.OnFailure),
		},
		Status: in.Status.String(),
		Result: InputResult{
			Code:    int(in.Entry.ResultCode),
			Name:    in.Entry.ResultCode.String(),
			Message: in.Entry.ResultStr,
		},
		Step: in.Step,
	}
}
