package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openfroyo/lom/pkg/protocol"
)

// Handler runs one action request and returns its action data.
type Handler interface {
	Handle(ctx context.Context, req *protocol.ActionRequest) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *protocol.ActionRequest) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *protocol.ActionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Mux routes requests to handlers by action name.
type Mux map[string]Handler

// Handle dispatches req to the handler registered for its action.
func (m Mux) Handle(ctx context.Context, req *protocol.ActionRequest) (json.RawMessage, error) {
	h, ok := m[req.ActionName]
	if !ok {
		return nil, &ResultError{Op: "handle", Code: protocol.ResultUnknownAction, Message: req.ActionName}
	}
	return h.Handle(ctx, req)
}

// KeepAlive touches the heartbeat of req at its heartbeat interval until the returned
// function is called or ctx is done.
func (c *Client) KeepAlive(ctx context.Context, req *protocol.ActionRequest) (stop func()) {
	interval := req.HeartbeatInterval.Duration()
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.TouchHeartbeat(req.ActionName, req.InstanceID); err != nil {
					c.logger.Warn().Err(err).Str("action", req.ActionName).Msg("Failed to touch heartbeat")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Serve reads action requests and runs them through h one at a time, keeping each
// request's heartbeat alive and bounding it by its timeout. It returns nil when the
// engine asks the plugin to shut down or ctx is done.
func (c *Client) Serve(ctx context.Context, h Handler) error {
	for {
		req, err := c.ReadActionRequest(ctx, -1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if CodeOf(err) == protocol.ResultMalformedPayload {
				c.logger.Warn().Err(err).Msg("Skipping malformed action request")
				continue
			}
			return err
		}
		if req == nil {
			continue
		}
		if req.RequestType == protocol.RequestTypeShutdown {
			c.logger.Info().Msg("Engine requested shutdown")
			return nil
		}

		resp := c.run(ctx, h, req)
		if err := c.WriteActionResponse(resp); err != nil {
			c.logger.Error().Err(err).
				Str("action", req.ActionName).
				Str("instance_id", req.InstanceID).
				Msg("Failed to write action response")
		}
	}
}

func (c *Client) run(ctx context.Context, h Handler, req *protocol.ActionRequest) *protocol.ActionResponse {
	runCtx := ctx
	if timeout := req.Timeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stop := c.KeepAlive(runCtx, req)
	start := time.Now()
	data, err := h.Handle(runCtx, req)
	stop()

	resp := &protocol.ActionResponse{
		RequestType: protocol.RequestTypeAction,
		ActionName:  req.ActionName,
		InstanceID:  req.InstanceID,
		ActionData:  data,
	}
	log := c.logger.With().
		Str("action", req.ActionName).
		Str("instance_id", req.InstanceID).
		Dur("duration", time.Since(start)).
		Logger()

	if err != nil {
		resp.ResultCode = protocol.ResultActionFailed
		var re *ResultError
		switch {
		case errors.As(err, &re):
			resp.ResultCode = re.Code
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			resp.ResultCode = protocol.ResultTimeout
		}
		resp.ResultStr = err.Error()
		log.Warn().Err(err).Str("result", resp.ResultCode.String()).Msg("Action failed")
		return resp
	}

	log.Info().Msg("Action completed")
	return resp
}
