package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/lom/pkg/protocol"
)

// Instance is one in-flight execution of one action. Status and heartbeat time are
// updated atomically; the first terminal transition wins and fixes the outcome.
type Instance struct {
	ID                string
	Action            string
	ProcID            string
	Generation        uint64
	SequenceID        string
	StartedAt         time.Time
	Deadline          time.Time
	HeartbeatInterval time.Duration

	status   atomic.Int32
	lastBeat atomic.Int64

	outcome protocol.ContextEntry
	endedAt time.Time
	done    chan struct{}
	once    sync.Once
}

func newInstance(id string, action Action, sequenceID string, timeout time.Duration, now time.Time) *Instance {
	inst := &Instance{
		ID:                id,
		Action:            action.Name,
		ProcID:            action.ProcID,
		Generation:        action.Generation,
		SequenceID:        sequenceID,
		StartedAt:         now,
		HeartbeatInterval: action.HeartbeatInterval,
		done:              make(chan struct{}),
	}
	if timeout > 0 {
		inst.Deadline = now.Add(timeout)
	}
	inst.lastBeat.Store(now.UnixNano())
	return inst
}

// Status returns the current status.
func (i *Instance) Status() InstanceStatus {
	return InstanceStatus(i.status.Load())
}

// LastHeartbeat returns when the instance was last heard from.
func (i *Instance) LastHeartbeat() time.Time {
	return time.Unix(0, i.lastBeat.Load())
}

// Done is closed when the instance reaches a terminal status.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Outcome returns the context entry fixed by the terminal transition. It is only
// meaningful after Done is closed.
func (i *Instance) Outcome() protocol.ContextEntry {
	<-i.done
	return i.outcome
}

// EndedAt returns when the instance reached its terminal status.
func (i *Instance) EndedAt() time.Time {
	<-i.done
	return i.endedAt
}

func (i *Instance) start() bool {
	return i.status.CompareAndSwap(int32(InstancePending), int32(InstanceRunning))
}

func (i *Instance) touch(now time.Time) bool {
	if i.Status() != InstanceRunning {
		return false
	}
	i.lastBeat.Store(now.UnixNano())
	return true
}

// finish moves a pending or running instance to a terminal status and wakes its waiter.
// It reports false if another transition already won.
func (i *Instance) finish(status InstanceStatus, entry protocol.ContextEntry, now time.Time) bool {
	if !i.settle(status, entry, now) {
		return false
	}
	i.release()
	return true
}

// settle fixes the terminal status and outcome without waking the waiter. The caller
// must call release once it is done reacting to the transition.
func (i *Instance) settle(status InstanceStatus, entry protocol.ContextEntry, now time.Time) bool {
	for {
		cur := InstanceStatus(i.status.Load())
		if cur.IsTerminal() {
			return false
		}
		if i.status.CompareAndSwap(int32(cur), int32(status)) {
			break
		}
	}
	entry.ActionName = i.Action
	entry.InstanceID = i.ID
	i.outcome = entry
	i.endedAt = now
	return true
}

func (i *Instance) release() {
	i.once.Do(func() { close(i.done) })
}

// InstanceTable indexes running instances by instance_id. Lookups and heartbeat updates
// take no lock shared across instances.
type InstanceTable struct {
	m     sync.Map
	count atomic.Int64
}

// NewInstanceTable creates an empty table.
func NewInstanceTable() *InstanceTable {
	return &InstanceTable{}
}

// Add indexes an instance.
func (t *InstanceTable) Add(inst *Instance) {
	if _, loaded := t.m.LoadOrStore(inst.ID, inst); !loaded {
		t.count.Add(1)
	}
}

// Get returns the instance with the given id.
func (t *InstanceTable) Get(id string) (*Instance, bool) {
	v, ok := t.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Instance), true
}

// Remove drops an instance from the index.
func (t *InstanceTable) Remove(id string) {
	if _, loaded := t.m.LoadAndDelete(id); loaded {
		t.count.Add(-1)
	}
}

// Len returns the number of indexed instances.
func (t *InstanceTable) Len() int {
	return int(t.count.Load())
}

// Range calls fn for every indexed instance until fn returns false.
func (t *InstanceTable) Range(fn func(*Instance) bool) {
	t.m.Range(func(_, v any) bool {
		return fn(v.(*Instance))
	})
}
