package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/telemetry"
)

// HeartbeatMonitor detects hung or crashed executors. A running instance that has not
// been heard from for HeartbeatInterval × tolerance is timed out. It observes instances
// by id and never owns them.
type HeartbeatMonitor struct {
	instances *InstanceTable
	config    func() GlobalConfig
	now       func() time.Time
	onTimeout func(*Instance)
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// NewHeartbeatMonitor creates a monitor over instances. onTimeout runs for every
// instance the sweep times out, before its waiter wakes.
func NewHeartbeatMonitor(instances *InstanceTable, config func() GlobalConfig, onTimeout func(*Instance), logger zerolog.Logger, metrics *telemetry.Metrics) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		instances: instances,
		config:    config,
		now:       time.Now,
		onTimeout: onTimeout,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
		metrics:   metrics,
	}
}

// Touch updates the last-seen time of a running instance owned by procID. Heartbeats
// for unknown, foreign or finished instances are ignored.
func (h *HeartbeatMonitor) Touch(procID, action, instanceID string) {
	inst, ok := h.instances.Get(instanceID)
	if !ok {
		h.logger.Debug().
			Str("action", action).
			Str("instance_id", instanceID).
			Msg("Heartbeat for unknown instance ignored")
		return
	}
	if inst.ProcID != procID {
		h.logger.Warn().
			Str("action", action).
			Str("instance_id", instanceID).
			Str("plugin", procID).
			Str("owner", inst.ProcID).
			Msg("Heartbeat from a plugin that does not own the instance ignored")
		return
	}
	if inst.Action != action {
		h.logger.Debug().
			Str("action", action).
			Str("instance_id", instanceID).
			Str("expected_action", inst.Action).
			Msg("Heartbeat action mismatch ignored")
		return
	}
	if !inst.touch(h.now()) {
		h.logger.Debug().
			Str("action", action).
			Str("instance_id", instanceID).
			Str("status", inst.Status().String()).
			Msg("Heartbeat for finished instance ignored")
		return
	}
	h.metrics.RecordHeartbeat()
}

// Run sweeps at the configured interval until ctx is done.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	interval := h.config().SweepInterval
	if interval <= 0 {
		interval = DefaultGlobalConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep times out every running instance whose heartbeat is overdue and returns how
// many were timed out.
func (h *HeartbeatMonitor) Sweep() int {
	tolerance := h.config().HeartbeatTolerance
	if tolerance <= 0 {
		tolerance = DefaultGlobalConfig().HeartbeatTolerance
	}
	now := h.now()
	timedOut := 0

	h.instances.Range(func(inst *Instance) bool {
		if inst.HeartbeatInterval <= 0 || inst.Status() != InstanceRunning {
			return true
		}
		limit := inst.HeartbeatInterval * time.Duration(tolerance)
		silent := now.Sub(inst.LastHeartbeat())
		if silent <= limit {
			return true
		}

		entry := protocol.ContextEntry{
			ResultCode: protocol.ResultTimeout,
			ResultStr: fmt.Sprintf("no heartbeat from %s for %s (interval %s, tolerance %d)",
				inst.ProcID, silent.Truncate(time.Millisecond), inst.HeartbeatInterval, tolerance),
		}
		if !inst.settle(InstanceTimedOut, entry, now) {
			return true
		}
		// The owner is flagged before the waiter wakes, so the sequence never selects
		// another action of the silent plugin.
		if h.onTimeout != nil {
			h.onTimeout(inst)
		}
		inst.release()
		timedOut++
		h.logger.Warn().
			Str("action", inst.Action).
			Str("instance_id", inst.ID).
			Str("proc_id", inst.ProcID).
			Dur("silent", silent).
			Msg("Instance timed out on missed heartbeats")
		h.metrics.RecordHeartbeatTimeout(inst.Action)
		return true
	})

	return timedOut
}
