package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/protocol"
)

// reply describes how a fake plugin answers one invocation. A nil reply means the
// plugin stays silent.
type reply struct {
	data json.RawMessage
	code protocol.ResultCode
	str  string
}

type handlerFunc func(req protocol.ActionRequest) *reply

// fakePlugin serves INVOKE_ACTION requests for one proc_id straight off the bus.
type fakePlugin struct {
	procID   string
	bus      *channel.Bus
	handlers map[string]handlerFunc

	mu       sync.Mutex
	requests []protocol.ActionRequest
	shutdown bool
}

func newFakePlugin(procID string, bus *channel.Bus) *fakePlugin {
	return &fakePlugin{procID: procID, bus: bus, handlers: make(map[string]handlerFunc)}
}

func (p *fakePlugin) on(action string, fn handlerFunc) *fakePlugin {
	p.handlers[action] = fn
	return p
}

func (p *fakePlugin) serve(ctx context.Context) {
	filter := channel.Filter{Type: protocol.MessageTypeInvokeAction, Plugin: p.procID}
	for {
		env, err := p.bus.ServerToClient.Read(ctx, filter, -1)
		if err != nil {
			return
		}
		var req protocol.ActionRequest
		if err := env.DecodeData(&req); err != nil {
			continue
		}

		p.mu.Lock()
		p.requests = append(p.requests, req)
		if req.RequestType == protocol.RequestTypeShutdown {
			p.shutdown = true
		}
		p.mu.Unlock()

		if req.RequestType != protocol.RequestTypeAction {
			continue
		}
		fn, ok := p.handlers[req.ActionName]
		if !ok {
			continue
		}
		r := fn(req)
		if r == nil {
			continue
		}
		out, err := protocol.NewEnvelope(protocol.MessageTypeActionResponse, p.procID, &protocol.ActionResponse{
			RequestType: protocol.RequestTypeAction,
			ActionName:  req.ActionName,
			InstanceID:  req.InstanceID,
			ActionData:  r.data,
			ResultCode:  r.code,
			ResultStr:   r.str,
		})
		if err != nil {
			continue
		}
		_ = p.bus.ClientToServer.Write(out)
	}
}

func (p *fakePlugin) received() []protocol.ActionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ActionRequest(nil), p.requests...)
}

func (p *fakePlugin) gotShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func respond(data string) handlerFunc {
	return func(protocol.ActionRequest) *reply {
		return &reply{data: json.RawMessage(data)}
	}
}

func silent() handlerFunc {
	return func(protocol.ActionRequest) *reply { return nil }
}

// recordingPublisher keeps everything the engine publishes.
type recordingPublisher struct {
	mu        sync.Mutex
	statuses  []ActionStatus
	sequences map[string]SequenceSnapshot
	removed   []string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sequences: make(map[string]SequenceSnapshot)}
}

func (r *recordingPublisher) PublishActionStatus(_ context.Context, status ActionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recordingPublisher) PublishSequence(_ context.Context, snap SequenceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequences[snap.ID] = snap
	return nil
}

func (r *recordingPublisher) RemoveSequence(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sequences, id)
	r.removed = append(r.removed, id)
	return nil
}

func (r *recordingPublisher) published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sequences)
}

// testConfig returns the default provider with a fast heartbeat sweep.
func testConfig() *StaticConfig {
	cfg := NewStaticConfig()
	cfg.Global.SweepInterval = 10 * time.Millisecond
	return cfg
}

func actionCfg(timeout time.Duration, onFailure OnFailure) ActionConfig {
	return ActionConfig{
		Type:      ActionTypeMitigation,
		Timeout:   timeout,
		OnFailure: onFailure,
	}
}

// startServer runs a server on a fresh bus until the test ends.
func startServer(t *testing.T, opts Options) (*Server, *channel.Bus, context.Context) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	bus := channel.NewBus()
	s := NewServer(bus, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
		bus.Close()
	})
	return s, bus, ctx
}
