package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/telemetry"
)

// Sequence drives one anomaly occurrence through a strictly linear chain of actions.
// Each action receives the full ordered context of everything before it, so at most
// one instance is awaited at a time.
type Sequence struct {
	ID      string
	Anomaly Anomaly

	s      *Server
	logger zerolog.Logger
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     SequenceState
	entries   []protocol.ContextEntry
	ran       map[string]bool
	current   *Instance
	reason    string
	startedAt time.Time
	endedAt   time.Time

	done chan struct{}
}

func newSequence(s *Server, id string, anomaly Anomaly) *Sequence {
	return &Sequence{
		ID:        id,
		Anomaly:   anomaly,
		s:         s,
		logger:    s.logger.With().Str("sequence_id", id).Str("anomaly", anomaly.Name).Logger(),
		state:     SequenceIdle,
		ran:       make(map[string]bool),
		startedAt: s.now(),
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (q *Sequence) State() SequenceState {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state
}

// Done is closed when the sequence reaches a terminal state.
func (q *Sequence) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the sequence terminates or ctx is done.
func (q *Sequence) Wait(ctx context.Context) (SequenceSnapshot, error) {
	select {
	case <-q.done:
		return q.Snapshot(), nil
	case <-ctx.Done():
		return q.Snapshot(), ctx.Err()
	}
}

// Abort cancels the sequence. The awaited instance, if any, is marked aborted.
func (q *Sequence) Abort(reason string) {
	q.mu.Lock()
	if q.reason == "" {
		q.reason = reason
	}
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
}

// Snapshot returns a copy of the sequence state and context.
func (q *Sequence) Snapshot() SequenceSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()

	snap := SequenceSnapshot{
		ID:        q.ID,
		Anomaly:   q.Anomaly,
		State:     q.state,
		Context:   append([]protocol.ContextEntry(nil), q.entries...),
		Reason:    q.reason,
		StartedAt: q.startedAt,
	}
	if q.current != nil {
		snap.Current = q.current.Action
	}
	if !q.endedAt.IsZero() {
		ended := q.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

func (q *Sequence) setState(ctx context.Context, state SequenceState) {
	q.mu.Lock()
	q.state = state
	q.mu.Unlock()

	q.logger.Debug().Str("state", string(state)).Msg("Sequence state changed")
	if err := q.s.publisher.PublishSequence(context.WithoutCancel(ctx), q.Snapshot()); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to publish sequence state")
	}
}

// run executes the state machine until a terminal state is reached.
func (q *Sequence) run(ctx context.Context) {
	ctx, span := q.s.tracer.StartSequenceSpan(ctx, q.ID, q.Anomaly.Name, q.Anomaly.Key)
	defer span.End()

	if id := telemetry.TraceID(ctx); id != "" {
		q.logger = q.logger.With().Str("trace_id", id).Logger()
	}

	q.s.metrics.RecordSequenceStart(q.Anomaly.Name)
	q.logger.Info().Str("key", q.Anomaly.Key).Msg("Sequence started")

	maxSteps := q.s.globalConfig().MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultGlobalConfig().MaxSteps
	}

	for step := 0; ; step++ {
		if ctx.Err() != nil {
			q.terminate(ctx, span, SequenceAborted, "sequence cancelled")
			return
		}

		q.setState(ctx, SequenceSelecting)
		action, ok := q.selectNext(ctx, step)
		if !ok {
			q.terminate(ctx, span, SequenceCompleted, "")
			return
		}
		if step >= maxSteps {
			q.terminate(ctx, span, SequenceFailed, fmt.Sprintf("step limit of %d reached", maxSteps))
			return
		}

		q.setState(ctx, SequenceInvoking)
		inst, err := q.invoke(ctx, action)
		var status InstanceStatus
		var entry protocol.ContextEntry
		if err != nil {
			status = InstanceAborted
			entry = protocol.ContextEntry{
				ActionName: action.Name,
				ResultCode: ResultCodeOf(err),
				ResultStr:  err.Error(),
			}
			if IsPermanent(err) {
				q.s.fail(err)
			}
		} else {
			q.setState(ctx, SequenceAwaiting)
			status, entry = q.await(ctx, action, inst)
		}

		q.setState(ctx, SequenceAppending)
		q.append(action.Name, entry)

		if status == InstanceCompleted && entry.OK() {
			continue
		}

		switch {
		case ctx.Err() != nil:
			q.terminate(ctx, span, SequenceAborted, "sequence cancelled")
			return
		case entry.ResultCode == protocol.ResultChannelClosed || entry.ResultCode == protocol.ResultInternal:
			q.terminate(ctx, span, SequenceFailed, entry.ResultStr)
			return
		}

		decision := q.decide(ctx, FailureInput{
			Anomaly: q.Anomaly,
			Action:  action,
			Status:  status,
			Entry:   entry,
			Step:    step,
		})
		if decision == OnFailureAbort {
			q.terminate(ctx, span, terminalFor(status), fmt.Sprintf("%s: %s", action.Name, entry.ResultStr))
			return
		}
		q.logger.Info().
			Str("action", action.Name).
			Str("result", entry.ResultCode.String()).
			Msg("Action failed, continuing sequence")
	}
}

// selectNext picks the next eligible action: the anomaly's own action first, then the
// enabled mitigation and safety-check actions of active plugins not yet run, by priority
// and then by name.
func (q *Sequence) selectNext(ctx context.Context, step int) (Action, bool) {
	entries := q.Snapshot().Context
	candidates := q.s.registry.Candidates()

	if step == 0 {
		for _, c := range candidates {
			if c.Name == q.Anomaly.Name {
				if q.admissible(ctx, c, entries) {
					return c.Action, true
				}
				break
			}
		}
	}

	for _, c := range candidates {
		if c.Type == ActionTypeAnomaly {
			continue
		}
		if q.admissible(ctx, c, entries) {
			return c.Action, true
		}
	}
	return Action{}, false
}

func (q *Sequence) admissible(ctx context.Context, c Candidate, entries []protocol.ContextEntry) bool {
	if q.hasRun(c.Name) || !c.Enabled || c.OwnerState != PluginActive {
		return false
	}
	if c.EligibleIf == "" {
		return true
	}
	ok, err := q.s.eligibility.Eligible(ctx, c.Action, q.Anomaly, entries)
	if err != nil {
		q.logger.Warn().Err(err).Str("action", c.Name).Msg("Eligibility check failed, skipping action")
		return false
	}
	return ok
}

// invoke allocates an instance, arms its monitors and writes the request to the owner.
func (q *Sequence) invoke(ctx context.Context, action Action) (*Instance, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, NewInternalError("failed to allocate instance id", err).WithAction(action.Name)
	}

	timeout := action.Timeout
	if override, ok := q.Anomaly.Timeouts[action.Name]; ok {
		timeout = override
	}

	inst := newInstance(id.String(), action, q.ID, timeout, q.s.now())
	q.s.instances.Add(inst)
	inst.start()

	// An instance indexed after its registration was replaced would miss the abort.
	if !q.s.registry.Current(action) {
		q.s.instances.Remove(inst.ID)
		err := &EngineError{
			Class:   ErrorClassTransient,
			Code:    protocol.ResultAborted,
			Message: "action registration replaced before invocation",
			Plugin:  action.ProcID,
			Action:  action.Name,
		}
		inst.finish(InstanceAborted, protocol.ContextEntry{ResultCode: err.Code, ResultStr: err.Error()}, q.s.now())
		return nil, err
	}

	q.mu.Lock()
	q.ran[action.Name] = true
	q.current = inst
	entries := append([]protocol.ContextEntry{}, q.entries...)
	q.mu.Unlock()

	req := &protocol.ActionRequest{
		RequestType:       protocol.RequestTypeAction,
		ActionName:        action.Name,
		InstanceID:        inst.ID,
		Context:           entries,
		Timeout:           protocol.SecondsOf(timeout),
		HeartbeatInterval: protocol.SecondsOf(action.HeartbeatInterval),
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeInvokeAction, action.ProcID, req)
	if err != nil {
		q.s.instances.Remove(inst.ID)
		return nil, NewMalformedError("failed to encode action request", err).WithAction(action.Name)
	}
	if err := q.s.bus.ServerToClient.Write(env); err != nil {
		q.s.instances.Remove(inst.ID)
		inst.finish(InstanceAborted, protocol.ContextEntry{ResultCode: ResultCodeOf(err), ResultStr: err.Error()}, q.s.now())
		q.s.lastErr.Set(ResultCodeOf(err), err.Error())
		return nil, err
	}

	q.logger.Info().
		Str("action", action.Name).
		Str("instance_id", inst.ID).
		Str("proc_id", action.ProcID).
		Dur("timeout", timeout).
		Int("context", len(entries)).
		Msg("Action invoked")
	q.publishInstance(ctx, inst, InstanceRunning, protocol.ContextEntry{})
	return inst, nil
}

// await blocks until the instance reaches a terminal status: a response, a heartbeat
// timeout, a deadline, an abort, or cancellation of the sequence.
func (q *Sequence) await(ctx context.Context, action Action, inst *Instance) (InstanceStatus, protocol.ContextEntry) {
	_, span := q.s.tracer.StartInvocationSpan(ctx, action.Name, inst.ID, action.ProcID)
	defer span.End()

	stop := q.s.timeouts.Arm(inst)
	defer stop()

	select {
	case <-inst.Done():
	case <-ctx.Done():
		inst.finish(InstanceAborted, protocol.ContextEntry{
			ResultCode: protocol.ResultAborted,
			ResultStr:  "sequence cancelled",
		}, q.s.now())
	}

	q.s.instances.Remove(inst.ID)
	status := inst.Status()
	entry := inst.Outcome()

	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()

	span.SetAttributes(telemetry.AttrResultCode.Int(int(entry.ResultCode)))
	if entry.OK() {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("%s: %s", entry.ResultCode, entry.ResultStr))
	}
	q.s.metrics.RecordInvocation(action.Name, status.String(), inst.EndedAt().Sub(inst.StartedAt))
	q.publishInstance(ctx, inst, status, entry)

	q.logger.Info().
		Str("action", action.Name).
		Str("instance_id", inst.ID).
		Str("status", status.String()).
		Str("result", entry.ResultCode.String()).
		Msg("Action finished")
	return status, entry
}

// append adds an entry to the context. Entries are never reordered or modified.
func (q *Sequence) append(action string, entry protocol.ContextEntry) {
	entry.ActionName = action
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
}

func (q *Sequence) decide(ctx context.Context, in FailureInput) OnFailure {
	decision, err := q.s.policy.Decide(ctx, in)
	if err != nil || decision.Validate() != nil {
		q.logger.Warn().Err(err).
			Str("action", in.Action.Name).
			Str("decision", string(decision)).
			Msg("Failure policy evaluation failed, using action configuration")
		decision = in.Action.OnFailure
	}
	if decision == "" {
		decision = OnFailureContinue
	}
	return decision
}

func (q *Sequence) hasRun(action string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.ran[action]
}

func (q *Sequence) terminate(ctx context.Context, span trace.Span, state SequenceState, reason string) {
	q.mu.Lock()
	q.state = state
	if reason != "" && q.reason == "" {
		q.reason = reason
	}
	q.endedAt = q.s.now()
	duration := q.endedAt.Sub(q.startedAt)
	steps := len(q.entries)
	q.mu.Unlock()

	span.SetAttributes(telemetry.AttrSequenceState.String(string(state)))
	if state == SequenceCompleted {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("sequence %s: %s", state, reason))
	}

	q.s.metrics.RecordSequenceEnd(string(state), duration)
	q.logger.Info().
		Str("state", string(state)).
		Str("reason", reason).
		Int("steps", steps).
		Dur("duration", duration).
		Msg("Sequence terminated")

	// Published state does not outlive the sequence.
	pubCtx := context.WithoutCancel(ctx)
	if err := q.s.publisher.RemoveSequence(pubCtx, q.ID); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to remove published sequence")
	}

	q.s.forget(q)
	close(q.done)
}

func (q *Sequence) publishInstance(ctx context.Context, inst *Instance, status InstanceStatus, entry protocol.ContextEntry) {
	err := q.s.publisher.PublishActionStatus(context.WithoutCancel(ctx), ActionStatus{
		Action:     inst.Action,
		ProcID:     inst.ProcID,
		InstanceID: inst.ID,
		SequenceID: q.ID,
		Status:     status,
		ResultCode: entry.ResultCode,
		ResultStr:  entry.ResultStr,
		UpdatedAt:  q.s.now(),
	})
	if err != nil {
		q.logger.Warn().Err(err).Str("action", inst.Action).Msg("Failed to publish action status")
	}
}

func terminalFor(status InstanceStatus) SequenceState {
	switch status {
	case InstanceTimedOut:
		return SequenceTimedOut
	case InstanceAborted:
		return SequenceAborted
	default:
		return SequenceFailed
	}
}
