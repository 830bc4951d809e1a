package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/telemetry"
)

// TimeoutEnforcer bounds the execution time of single instances. It detects executors
// that are alive but overrunning; heartbeat loss is handled by HeartbeatMonitor.
type TimeoutEnforcer struct {
	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewTimeoutEnforcer creates an enforcer.
func NewTimeoutEnforcer(logger zerolog.Logger, metrics *telemetry.Metrics) *TimeoutEnforcer {
	return &TimeoutEnforcer{
		now:     time.Now,
		logger:  logger.With().Str("component", "timeout").Logger(),
		metrics: metrics,
	}
}

// Arm schedules expiry of inst at its deadline and returns a function that disarms it.
// Instances without a deadline run without a time limit.
func (t *TimeoutEnforcer) Arm(inst *Instance) (stop func()) {
	if inst.Deadline.IsZero() {
		return func() {}
	}
	timer := time.AfterFunc(time.Until(inst.Deadline), func() {
		t.expire(inst)
	})
	return func() { timer.Stop() }
}

func (t *TimeoutEnforcer) expire(inst *Instance) {
	limit := inst.Deadline.Sub(inst.StartedAt)
	entry := protocol.ContextEntry{
		ResultCode: protocol.ResultTimeout,
		ResultStr:  fmt.Sprintf("action %s exceeded its %s timeout", inst.Action, limit),
	}
	if !inst.finish(InstanceTimedOut, entry, t.now()) {
		return
	}
	t.logger.Warn().
		Str("action", inst.Action).
		Str("instance_id", inst.ID).
		Dur("timeout", limit).
		Msg("Instance exceeded its deadline")
	t.metrics.RecordDeadlineTimeout(inst.Action)
}
