// Package client provides the plugin-side API for talking to the engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/protocol"
)

// DefaultReplyTimeout bounds the wait for a registration result.
const DefaultReplyTimeout = 10 * time.Second

// Link carries envelopes between one plugin process and the engine.
type Link interface {
	// Send delivers a client-to-server envelope.
	Send(env *protocol.Envelope) error
	// Inbox holds server-to-client envelopes addressed to the plugin.
	Inbox() *channel.Channel
	// Close releases the link.
	Close() error
}

// ResultError is a failed call, carrying the result code reported for it.
type ResultError struct {
	Op      string
	Code    protocol.ResultCode
	Message string
}

// Error implements the error interface.
func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// Is matches another ResultError with the same code.
func (e *ResultError) Is(target error) bool {
	t, ok := target.(*ResultError)
	return ok && t.Code == e.Code
}

// CodeOf returns the result code carried by err.
func CodeOf(err error) protocol.ResultCode {
	if err == nil {
		return protocol.ResultOK
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, channel.ErrClosed):
		return protocol.ResultChannelClosed
	case errors.Is(err, protocol.ErrMalformedPayload):
		return protocol.ResultMalformedPayload
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ResultTimeout
	default:
		return protocol.ResultInternal
	}
}

// Client is one plugin's connection to the engine, identified by a stable proc_id.
type Client struct {
	procID       string
	link         Link
	logger       zerolog.Logger
	replyTimeout time.Duration

	// exchange serializes request/result round trips.
	exchange sync.Mutex
	lastErr  protocol.LastError

	mu     sync.Mutex
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReplyTimeout bounds the wait for registration results.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Client) { c.replyTimeout = d }
}

// New creates a client for procID over link.
func New(procID string, link Link, opts ...Option) (*Client, error) {
	if procID == "" {
		return nil, fmt.Errorf("proc_id is required")
	}
	if link == nil {
		return nil, fmt.Errorf("link is required")
	}
	c := &Client{
		procID:       procID,
		link:         link,
		logger:       zerolog.Nop(),
		replyTimeout: DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("proc_id", procID).Logger()
	return c, nil
}

// ProcID returns the plugin's stable identifier.
func (c *Client) ProcID() string {
	return c.procID
}

// RegisterClient registers the plugin together with its actions and their priorities.
// Registering again under the same proc_id replaces the previous registration.
func (c *Client) RegisterClient(ctx context.Context, actions map[string]int) error {
	data := make(protocol.RegisterClientData, len(actions))
	for name, priority := range actions {
		data[name] = protocol.ActionRegistration{Priority: priority}
	}
	return c.roundTrip(ctx, "register_client", protocol.MessageTypeRegisterClient, data)
}

// RegisterAction adds one action to the registered plugin.
func (c *Client) RegisterAction(ctx context.Context, action string, priority int) error {
	return c.roundTrip(ctx, "register_action", protocol.MessageTypeRegisterAction,
		&protocol.RegisterActionData{ActionName: action, Priority: priority})
}

// DeregisterAction removes one action of the plugin.
func (c *Client) DeregisterAction(ctx context.Context, action string) error {
	return c.roundTrip(ctx, "deregister_action", protocol.MessageTypeDeregisterAction,
		&protocol.RegisterActionData{ActionName: action})
}

// DeregisterClient removes the plugin and all of its actions.
func (c *Client) DeregisterClient(ctx context.Context) error {
	return c.roundTrip(ctx, "deregister_client", protocol.MessageTypeDeregisterClient, nil)
}

// TouchHeartbeat signals that the given instance is still being worked on.
func (c *Client) TouchHeartbeat(action, instanceID string) error {
	env, err := protocol.NewEnvelope(protocol.MessageTypeHeartbeat, c.procID, &protocol.HeartbeatData{
		ActionName: action,
		InstanceID: instanceID,
	})
	if err != nil {
		return c.fail("touch_heartbeat", protocol.ResultMalformedPayload, err.Error())
	}
	if err := c.link.Send(env); err != nil {
		return c.fail("touch_heartbeat", CodeOf(err), err.Error())
	}
	return nil
}

// ReadActionRequest returns the next request addressed to the plugin. A zero timeout
// polls, a negative timeout blocks until a request arrives or ctx is done. On timeout
// it returns (nil, nil).
func (c *Client) ReadActionRequest(ctx context.Context, timeout time.Duration) (*protocol.ActionRequest, error) {
	env, err := c.link.Inbox().Read(ctx, c.requestFilter(), timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, c.fail("read_action_request", CodeOf(err), err.Error())
	}
	if env == nil {
		return nil, nil
	}

	var req protocol.ActionRequest
	if err := env.DecodeData(&req); err != nil {
		return nil, c.fail("read_action_request", protocol.ResultMalformedPayload, err.Error())
	}
	if err := req.Validate(); err != nil {
		return nil, c.fail("read_action_request", protocol.ResultMalformedPayload, err.Error())
	}
	return &req, nil
}

// WriteActionResponse sends the outcome of an action request.
func (c *Client) WriteActionResponse(resp *protocol.ActionResponse) error {
	if resp.RequestType == "" {
		resp.RequestType = protocol.RequestTypeAction
	}
	if err := resp.Validate(); err != nil {
		return c.fail("write_action_response", protocol.ResultMalformedPayload, err.Error())
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeActionResponse, c.procID, resp)
	if err != nil {
		return c.fail("write_action_response", protocol.ResultMalformedPayload, err.Error())
	}
	if err := c.link.Send(env); err != nil {
		return c.fail("write_action_response", CodeOf(err), err.Error())
	}
	return nil
}

// PollForData waits until an action request is queued for the plugin or one of the
// descriptors becomes ready. It returns channel.PollEngine, the ready descriptor's ID,
// or channel.PollTimeout.
func (c *Client) PollForData(ctx context.Context, descriptors []channel.Descriptor, timeout time.Duration) (int, error) {
	ready, err := channel.Poll(ctx, c.link.Inbox(), c.requestFilter(), descriptors, timeout)
	if err != nil && ctx.Err() == nil {
		return ready, c.fail("poll_for_data", CodeOf(err), err.Error())
	}
	return ready, err
}

// LastError returns the result code of the most recent failing call.
func (c *Client) LastError() protocol.ResultCode {
	return c.lastErr.Code()
}

// LastErrorString returns the message of the most recent failing call.
func (c *Client) LastErrorString() string {
	return c.lastErr.String()
}

// ErrorString returns the human-readable description of a result code.
func (c *Client) ErrorString(code protocol.ResultCode) string {
	return protocol.ResultString(code)
}

// Close releases the link. It does not deregister the plugin.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.link.Close()
}

func (c *Client) requestFilter() channel.Filter {
	return channel.Filter{Type: protocol.MessageTypeInvokeAction, Plugin: c.procID}
}

// roundTrip sends a registry request and waits for its REGISTER_RESULT.
func (c *Client) roundTrip(ctx context.Context, op string, msgType protocol.MessageType, data interface{}) error {
	c.exchange.Lock()
	defer c.exchange.Unlock()

	env, err := protocol.NewEnvelope(msgType, c.procID, data)
	if err != nil {
		return c.fail(op, protocol.ResultMalformedPayload, err.Error())
	}
	if err := c.link.Send(env); err != nil {
		return c.fail(op, CodeOf(err), err.Error())
	}

	filter := channel.Filter{Type: protocol.MessageTypeRegisterResult, Plugin: c.procID}
	deadline := time.Now().Add(c.replyTimeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return c.fail(op, protocol.ResultTimeout, "no registration result from engine")
		}
		reply, err := c.link.Inbox().Read(ctx, filter, wait)
		if err != nil {
			return c.fail(op, CodeOf(err), err.Error())
		}
		if reply == nil {
			return c.fail(op, protocol.ResultTimeout, "no registration result from engine")
		}

		var result protocol.RegisterResultData
		if err := reply.DecodeData(&result); err != nil {
			return c.fail(op, protocol.ResultMalformedPayload, err.Error())
		}
		if result.Request != msgType {
			c.logger.Debug().
				Str("expected", string(msgType)).
				Str("got", string(result.Request)).
				Msg("Discarding stale registration result")
			continue
		}
		if reply.ResultCode != protocol.ResultOK {
			msg := reply.ResultStr
			if msg == "" {
				msg = protocol.ResultString(reply.ResultCode)
			}
			return c.fail(op, reply.ResultCode, msg)
		}
		c.logger.Debug().Str("op", op).Msg("Engine accepted request")
		return nil
	}
}

func (c *Client) fail(op string, code protocol.ResultCode, msg string) error {
	c.lastErr.Set(code, msg)
	c.logger.Debug().Str("op", op).Str("result", code.String()).Msg(msg)
	return &ResultError{Op: op, Code: code, Message: msg}
}

// local is a Link onto an in-process bus.
type local struct {
	bus *channel.Bus
}

// NewLocal returns a Link that writes directly to an in-process engine bus.
func NewLocal(bus *channel.Bus) Link {
	return &local{bus: bus}
}

func (l *local) Send(env *protocol.Envelope) error {
	return l.bus.ClientToServer.Write(env)
}

func (l *local) Inbox() *channel.Channel {
	return l.bus.ServerToClient
}

func (l *local) Close() error {
	return nil
}
