// Package protocol defines the JSON-lines message protocol spoken between the
// orchestration engine and plugin processes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedPayload is returned when a message or its data document cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// MessageType represents the type of an envelope.
type MessageType string

const (
	// MessageTypeRegisterClient registers a plugin process and its action set
	MessageTypeRegisterClient MessageType = "REGISTER_CLIENT"
	// MessageTypeDeregisterClient removes a plugin and all of its actions
	MessageTypeDeregisterClient MessageType = "DEREGISTER_CLIENT"
	// MessageTypeRegisterAction adds one action to a registered plugin
	MessageTypeRegisterAction MessageType = "REGISTER_ACTION"
	// MessageTypeDeregisterAction removes one action
	MessageTypeDeregisterAction MessageType = "DEREGISTER_ACTION"
	// MessageTypeHeartbeat touches the liveness of a running instance
	MessageTypeHeartbeat MessageType = "HEARTBEAT"
	// MessageTypeActionResponse carries the result of an invoked action
	MessageTypeActionResponse MessageType = "ACTION_RESPONSE"
	// MessageTypeInvokeAction asks a plugin to run an action
	MessageTypeInvokeAction MessageType = "INVOKE_ACTION"
	// MessageTypeRegisterResult acknowledges a registration request
	MessageTypeRegisterResult MessageType = "REGISTER_RESULT"
)

// Direction is the side a message type travels towards.
type Direction int

const (
	// ClientToServer messages are written by plugins.
	ClientToServer Direction = iota
	// ServerToClient messages are written by the engine.
	ServerToClient
)

// String returns the direction as a metric-friendly label.
func (d Direction) String() string {
	if d == ServerToClient {
		return "server_to_client"
	}
	return "client_to_server"
}

// Validate checks if the message type is valid.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeRegisterClient, MessageTypeDeregisterClient,
		MessageTypeRegisterAction, MessageTypeDeregisterAction,
		MessageTypeHeartbeat, MessageTypeActionResponse,
		MessageTypeInvokeAction, MessageTypeRegisterResult:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", t)
	}
}

// Direction reports which side writes messages of this type.
func (t MessageType) Direction() Direction {
	switch t {
	case MessageTypeInvokeAction, MessageTypeRegisterResult:
		return ServerToClient
	default:
		return ClientToServer
	}
}

// Envelope is the unit exchanged in both directions. Data is an opaque document whose
// shape depends on Type.
type Envelope struct {
	Type       MessageType     `json:"type"`
	PluginName string          `json:"plugin_name"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
	ResultCode ResultCode      `json:"result_code"`
	ResultStr  string          `json:"result_str,omitempty"`
}

// Validate checks that the envelope carries a known type and a plugin name.
func (e *Envelope) Validate() error {
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.PluginName == "" {
		return fmt.Errorf("plugin_name is required for %s", e.Type)
	}
	return nil
}

// NewEnvelope marshals data into a new envelope.
func NewEnvelope(msgType MessageType, plugin string, data interface{}) (*Envelope, error) {
	env := &Envelope{Type: msgType, PluginName: plugin}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeData unmarshals the envelope's data document into target.
func (e *Envelope) DecodeData(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedPayload, e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Type, err)
	}
	return nil
}

// RequestType distinguishes action requests from shutdown requests.
type RequestType string

const (
	// RequestTypeAction asks the plugin to run the named action
	RequestTypeAction RequestType = "action"
	// RequestTypeShutdown asks the plugin process to exit
	RequestTypeShutdown RequestType = "shutdown"
)

// Seconds is a duration carried on the wire as fractional seconds.
type Seconds float64

// SecondsOf converts a duration to wire seconds.
func SecondsOf(d time.Duration) Seconds {
	return Seconds(d.Seconds())
}

// Duration converts wire seconds back to a duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(math.Round(float64(s) * float64(time.Second)))
}

// ContextEntry is one element of the mitigation context: the output of one invoked action.
// A non-zero ResultCode marks an entry synthesized for a failed, timed out or aborted action.
type ContextEntry struct {
	ActionName string          `json:"action_name"`
	InstanceID string          `json:"instance_id,omitempty"`
	ActionData json.RawMessage `json:"action_data,omitempty"`
	ResultCode ResultCode      `json:"result_code"`
	ResultStr  string          `json:"result_str,omitempty"`
}

// OK reports whether the entry holds a successful result.
func (c ContextEntry) OK() bool {
	return c.ResultCode == ResultOK
}

// ActionRequest is the document carried by INVOKE_ACTION.
type ActionRequest struct {
	RequestType       RequestType    `json:"request_type"`
	ActionName        string         `json:"action_name,omitempty"`
	InstanceID        string         `json:"instance_id,omitempty"`
	Context           []ContextEntry `json:"context"`
	Timeout           Seconds        `json:"timeout"`
	HeartbeatInterval Seconds        `json:"heartbeat_interval,omitempty"`
}

// Validate checks the request document.
func (r *ActionRequest) Validate() error {
	switch r.RequestType {
	case RequestTypeShutdown:
		return nil
	case RequestTypeAction:
		if r.ActionName == "" {
			return fmt.Errorf("action_name is required")
		}
		if r.InstanceID == "" {
			return fmt.Errorf("instance_id is required")
		}
		if r.Timeout < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unknown request_type: %q", r.RequestType)
	}
}

// ActionResponse is the document carried by ACTION_RESPONSE.
type ActionResponse struct {
	RequestType RequestType     `json:"request_type"`
	ActionName  string          `json:"action_name"`
	InstanceID  string          `json:"instance_id"`
	ActionData  json.RawMessage `json:"action_data,omitempty"`
	ResultCode  ResultCode      `json:"result_code"`
	ResultStr   string          `json:"result_str,omitempty"`
}

// Validate checks the response document.
func (r *ActionResponse) Validate() error {
	if r.ActionName == "" {
		return fmt.Errorf("action_name is required")
	}
	if r.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	return nil
}

// ActionRegistration is the per-action value of a REGISTER_CLIENT document.
type ActionRegistration struct {
	Priority int `json:"priority"`
}

// RegisterClientData maps action names to their registration attributes.
type RegisterClientData map[string]ActionRegistration

// RegisterActionData is the document carried by REGISTER_ACTION and DEREGISTER_ACTION.
type RegisterActionData struct {
	ActionName string `json:"action_name"`
	Priority   int    `json:"priority,omitempty"`
}

// HeartbeatData is the document carried by HEARTBEAT.
type HeartbeatData struct {
	ActionName string `json:"action_name"`
	InstanceID string `json:"instance_id"`
}

// RegisterResultData identifies which request a REGISTER_RESULT acknowledges.
type RegisterResultData struct {
	Request    MessageType `json:"request"`
	ActionName string      `json:"action_name,omitempty"`
}
