package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/telemetry"
)

// Options configures a Server. Zero values select defaults.
type Options struct {
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Config      ConfigProvider
	Publisher   StatePublisher
	Policy      FailurePolicy
	Eligibility Eligibility
}

// Server is the orchestration engine. It owns the registry, the instance table, the
// liveness monitors and every running sequence, and dispatches client-to-server
// messages from the bus.
type Server struct {
	bus       *channel.Bus
	registry  *Registry
	instances *InstanceTable
	heartbeat *HeartbeatMonitor
	timeouts  *TimeoutEnforcer

	configMu    sync.RWMutex
	config      ConfigProvider
	publisher   StatePublisher
	policy      FailurePolicy
	eligibility Eligibility

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time

	lastErr protocol.LastError

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	sequences map[string]*Sequence
	active    map[string]*Sequence
	wg        sync.WaitGroup
	stopping  bool

	fatal chan error
}

// NewServer creates an engine bound to bus.
func NewServer(bus *channel.Bus, opts Options) *Server {
	if opts.Config == nil {
		opts.Config = NewStaticConfig()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Policy == nil {
		opts.Policy = configuredPolicy{}
	}
	if opts.Eligibility == nil {
		opts.Eligibility = allEligible{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		bus:         bus,
		instances:   NewInstanceTable(),
		config:      opts.Config,
		publisher:   opts.Publisher,
		policy:      opts.Policy,
		eligibility: opts.Eligibility,
		logger:      opts.Logger.With().Str("component", "server").Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         time.Now,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		sequences:   make(map[string]*Sequence),
		active:      make(map[string]*Sequence),
		fatal:       make(chan error, 1),
	}
	s.registry = NewRegistry(opts.Config, opts.Logger, opts.Metrics)
	s.registry.SetAbortFunc(s.abortInstances)
	s.heartbeat = NewHeartbeatMonitor(s.instances, s.globalConfig, s.onHeartbeatTimeout, opts.Logger, opts.Metrics)
	s.timeouts = NewTimeoutEnforcer(opts.Logger, opts.Metrics)
	return s
}

// Registry returns the action registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Heartbeats returns the heartbeat monitor.
func (s *Server) Heartbeats() *HeartbeatMonitor {
	return s.heartbeat
}

// Instances returns the table of running instances.
func (s *Server) Instances() *InstanceTable {
	return s.instances
}

// ApplyConfig swaps the configuration overlay. Running instances keep the settings they
// were started with.
func (s *Server) ApplyConfig(config ConfigProvider) {
	s.configMu.Lock()
	s.config = config
	s.configMu.Unlock()
	s.registry.SetConfig(config)
	s.logger.Info().Msg("Configuration applied")
}

func (s *Server) globalConfig() GlobalConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.GlobalConfig()
}

// LastError returns the most recent failure recorded by the engine.
func (s *Server) LastError() (protocol.ResultCode, string) {
	return s.lastErr.Code(), s.lastErr.String()
}

// Run starts the heartbeat sweep and the dispatch loop. It returns nil when ctx is done
// and an error when the engine hits an unrecoverable condition.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().Msg("Engine started")
	go s.heartbeat.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.dispatch(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	case err := <-s.fatal:
		return err
	}
}

func (s *Server) dispatch(ctx context.Context) error {
	for {
		env, err := s.bus.ClientToServer.Read(ctx, channel.Filter{}, -1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, channel.ErrClosed) {
				s.mu.Lock()
				stopping := s.stopping
				s.mu.Unlock()
				if stopping {
					return nil
				}
				return NewInternalError("client channel closed", err)
			}
			return err
		}
		s.Handle(env)
	}
}

// Handle processes one client-to-server envelope.
func (s *Server) Handle(env *protocol.Envelope) {
	log := s.logger.With().
		Str("type", string(env.Type)).
		Str("plugin", env.PluginName).
		Logger()

	var err error
	var actionName string

	switch env.Type {
	case protocol.MessageTypeRegisterClient:
		var data protocol.RegisterClientData
		if len(env.Data) > 0 {
			err = env.DecodeData(&data)
		}
		if err == nil {
			actions := make(map[string]int, len(data))
			for name, reg := range data {
				actions[name] = reg.Priority
			}
			err = s.registry.RegisterPluginWithActions(env.PluginName, actions)
		}
		s.reply(env, actionName, err)

	case protocol.MessageTypeDeregisterClient:
		err = s.registry.DeregisterPlugin(env.PluginName)
		s.reply(env, actionName, err)

	case protocol.MessageTypeRegisterAction:
		var data protocol.RegisterActionData
		if err = env.DecodeData(&data); err == nil {
			actionName = data.ActionName
			err = s.registry.RegisterAction(env.PluginName, data.ActionName, data.Priority)
		}
		s.reply(env, actionName, err)

	case protocol.MessageTypeDeregisterAction:
		var data protocol.RegisterActionData
		if err = env.DecodeData(&data); err == nil {
			actionName = data.ActionName
			err = s.registry.DeregisterAction(env.PluginName, data.ActionName)
		}
		s.reply(env, actionName, err)

	case protocol.MessageTypeHeartbeat:
		var data protocol.HeartbeatData
		if err = env.DecodeData(&data); err == nil {
			s.registry.Touch(env.PluginName)
			s.heartbeat.Touch(env.PluginName, data.ActionName, data.InstanceID)
		}

	case protocol.MessageTypeActionResponse:
		var resp protocol.ActionResponse
		if err = env.DecodeData(&resp); err == nil {
			if err = resp.Validate(); err != nil {
				err = NewMalformedError("invalid action response", err)
			}
		}
		if err == nil {
			s.registry.Touch(env.PluginName)
			s.complete(env.PluginName, &resp)
		}

	default:
		err = NewMalformedError(fmt.Sprintf("unexpected message type %s", env.Type), nil)
	}

	if err != nil {
		code := ResultCodeOf(err)
		s.lastErr.Set(code, err.Error())
		log.Warn().Err(err).Str("result", code.String()).Msg("Request rejected")
	}
}

func (s *Server) reply(req *protocol.Envelope, actionName string, err error) {
	env, encErr := protocol.NewEnvelope(protocol.MessageTypeRegisterResult, req.PluginName, &protocol.RegisterResultData{
		Request:    req.Type,
		ActionName: actionName,
	})
	if encErr != nil {
		s.logger.Error().Err(encErr).Msg("Failed to encode registration result")
		return
	}
	env.ResultCode = ResultCodeOf(err)
	if err != nil {
		env.ResultStr = err.Error()
	}
	if werr := s.bus.ServerToClient.Write(env); werr != nil {
		s.lastErr.Set(ResultCodeOf(werr), werr.Error())
		s.logger.Warn().Err(werr).Str("plugin", req.PluginName).Msg("Failed to send registration result")
	}
}

// complete routes an action response to its instance by instance_id.
func (s *Server) complete(procID string, resp *protocol.ActionResponse) {
	inst, ok := s.instances.Get(resp.InstanceID)
	if !ok {
		s.logger.Debug().
			Str("action", resp.ActionName).
			Str("instance_id", resp.InstanceID).
			Msg("Response for unknown instance ignored")
		return
	}
	if inst.ProcID != procID || inst.Action != resp.ActionName {
		s.logger.Warn().
			Str("action", resp.ActionName).
			Str("instance_id", resp.InstanceID).
			Str("plugin", procID).
			Msg("Response does not match the invoked instance, ignored")
		return
	}

	entry := protocol.ContextEntry{
		ActionData: resp.ActionData,
		ResultCode: resp.ResultCode,
		ResultStr:  resp.ResultStr,
	}
	if entry.ResultCode != protocol.ResultOK && entry.ResultStr == "" {
		entry.ResultStr = protocol.ResultString(entry.ResultCode)
	}
	if !inst.finish(InstanceCompleted, entry, s.now()) {
		s.logger.Debug().
			Str("action", resp.ActionName).
			Str("instance_id", resp.InstanceID).
			Str("status", inst.Status().String()).
			Msg("Late response ignored")
	}
}

// abortInstances cancels running instances of the given actions owned by procID that
// were started under generation or earlier.
func (s *Server) abortInstances(procID string, actions []string, generation uint64, reason string) {
	names := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		names[a] = struct{}{}
	}
	now := s.now()
	s.instances.Range(func(inst *Instance) bool {
		if inst.ProcID != procID || inst.Generation > generation {
			return true
		}
		if _, ok := names[inst.Action]; !ok {
			return true
		}
		if inst.finish(InstanceAborted, protocol.ContextEntry{
			ResultCode: protocol.ResultAborted,
			ResultStr:  fmt.Sprintf("%s: %s", reason, procID),
		}, now) {
			s.logger.Info().
				Str("action", inst.Action).
				Str("instance_id", inst.ID).
				Str("reason", reason).
				Msg("Instance aborted")
		}
		return true
	})
}

func (s *Server) onHeartbeatTimeout(inst *Instance) {
	s.registry.MarkStale(inst.ProcID)
}

// PluginDisconnected marks procID dead after its transport connection closed.
func (s *Server) PluginDisconnected(procID string) {
	s.registry.MarkDead(procID)
}

// Trigger starts a sequence for anomaly, or returns the active sequence for the same
// anomaly name and key. The boolean reports whether a new sequence was started.
func (s *Server) Trigger(anomaly Anomaly) (*Sequence, bool, error) {
	if anomaly.Name == "" {
		return nil, false, NewMalformedError("anomaly name is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, false, &EngineError{
			Class:   ErrorClassPermanent,
			Code:    protocol.ResultChannelClosed,
			Message: "engine is shutting down",
		}
	}

	key := anomalyKey(anomaly)
	if existing, ok := s.active[key]; ok {
		s.logger.Debug().
			Str("anomaly", anomaly.Name).
			Str("key", anomaly.Key).
			Str("sequence_id", existing.ID).
			Msg("Anomaly coalesced onto active sequence")
		return existing, false, nil
	}

	id, err := uuid.NewRandom()
	if err != nil {
		err = NewInternalError("failed to allocate sequence id", err)
		s.fail(err)
		return nil, false, err
	}

	seq := newSequence(s, id.String(), anomaly)
	ctx, cancel := context.WithCancel(s.baseCtx)
	seq.cancel = cancel
	s.sequences[seq.ID] = seq
	s.active[key] = seq

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		seq.run(ctx)
	}()

	return seq, true, nil
}

// Mitigate triggers anomaly and waits for its sequence to terminate.
func (s *Server) Mitigate(ctx context.Context, anomaly Anomaly) (SequenceSnapshot, error) {
	seq, _, err := s.Trigger(anomaly)
	if err != nil {
		return SequenceSnapshot{}, err
	}
	return seq.Wait(ctx)
}

// Sequence returns the active sequence with the given id.
func (s *Server) Sequence(id string) (*Sequence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	return seq, ok
}

// Sequences returns snapshots of all active sequences ordered by start time.
func (s *Server) Sequences() []SequenceSnapshot {
	s.mu.Lock()
	seqs := make([]*Sequence, 0, len(s.sequences))
	for _, seq := range s.sequences {
		seqs = append(seqs, seq)
	}
	s.mu.Unlock()

	out := make([]SequenceSnapshot, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, seq.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// forget drops a terminated sequence. Its context is discarded with it.
func (s *Server) forget(seq *Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sequences, seq.ID)
	key := anomalyKey(seq.Anomaly)
	if s.active[key] == seq {
		delete(s.active, key)
	}
}

// Shutdown aborts every running sequence, asks every live plugin to exit and waits for
// the sequences to terminate or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info().Msg("Engine shutting down")
	s.baseCancel()

	for _, p := range s.registry.Plugins() {
		if p.State == PluginDead {
			continue
		}
		env, err := protocol.NewEnvelope(protocol.MessageTypeInvokeAction, p.ProcID, &protocol.ActionRequest{
			RequestType: protocol.RequestTypeShutdown,
		})
		if err == nil {
			err = s.bus.ServerToClient.Write(env)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("plugin", p.ProcID).Msg("Failed to send shutdown request")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail escalates an unrecoverable condition to Run.
func (s *Server) fail(err error) {
	s.lastErr.Set(ResultCodeOf(err), err.Error())
	s.logger.Error().Err(err).Msg("Unrecoverable engine condition")
	select {
	case s.fatal <- err:
	default:
	}
}

func anomalyKey(a Anomaly) string {
	return a.Name + "\x00" + a.Key
}
