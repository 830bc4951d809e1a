package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/protocol"
)

func TestTimeoutEnforcerExpires(t *testing.T) {
	te := NewTimeoutEnforcer(zerolog.Nop(), nil)
	inst := newInstance("i", Action{Name: "M1", ProcID: "p"}, "seq", 20*time.Millisecond, time.Now())
	inst.start()

	stop := te.Arm(inst)
	defer stop()

	select {
	case <-inst.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not time out")
	}

	assert.Equal(t, InstanceTimedOut, inst.Status())
	out := inst.Outcome()
	assert.Equal(t, protocol.ResultTimeout, out.ResultCode)
	assert.Contains(t, out.ResultStr, "exceeded its 20ms timeout")
}

func TestTimeoutEnforcerStop(t *testing.T) {
	te := NewTimeoutEnforcer(zerolog.Nop(), nil)
	inst := newInstance("i", Action{Name: "M1"}, "seq", 30*time.Millisecond, time.Now())
	inst.start()

	stop := te.Arm(inst)
	stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, InstanceRunning, inst.Status())
}

func TestTimeoutEnforcerNoLimit(t *testing.T) {
	te := NewTimeoutEnforcer(zerolog.Nop(), nil)
	inst := newInstance("i", Action{Name: "M1"}, "seq", 0, time.Now())
	inst.start()
	assert.True(t, inst.Deadline.IsZero())

	stop := te.Arm(inst)
	defer stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, InstanceRunning, inst.Status())
}

func TestFirstTerminalTransitionWins(t *testing.T) {
	te := NewTimeoutEnforcer(zerolog.Nop(), nil)
	inst := newInstance("i", Action{Name: "M1"}, "seq", 10*time.Millisecond, time.Now())
	inst.start()

	require.True(t, inst.finish(InstanceCompleted, protocol.ContextEntry{ActionData: []byte(`{"ok":true}`)}, time.Now()))
	te.expire(inst)

	assert.Equal(t, InstanceCompleted, inst.Status())
	assert.True(t, inst.Outcome().OK())
	assert.False(t, inst.finish(InstanceAborted, protocol.ContextEntry{ResultCode: protocol.ResultAborted}, time.Now()))
}
