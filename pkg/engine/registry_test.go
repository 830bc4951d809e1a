package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/protocol"
)

type abortCall struct {
	procID     string
	actions    []string
	generation uint64
	reason     string
}

func newTestRegistry() (*Registry, *[]abortCall) {
	r := NewRegistry(nil, zerolog.Nop(), nil)
	var mu sync.Mutex
	calls := &[]abortCall{}
	r.SetAbortFunc(func(procID string, actions []string, generation uint64, reason string) {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, abortCall{procID, actions, generation, reason})
	})
	return r, calls
}

func TestRegisterActionErrors(t *testing.T) {
	r, _ := newTestRegistry()

	err := r.RegisterAction("ghost", "A", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPlugin))
	assert.Equal(t, protocol.ResultUnknownPlugin, ResultCodeOf(err))

	require.NoError(t, r.RegisterPlugin("p1"))
	require.NoError(t, r.RegisterPlugin("p2"))
	require.NoError(t, r.RegisterAction("p1", "A", 1))

	err = r.RegisterAction("p2", "A", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateAction))
	assert.True(t, IsConflict(err))

	// Re-registering an owned action updates its priority.
	require.NoError(t, r.RegisterAction("p1", "A", 7))
	a, ok := r.Action("A")
	require.True(t, ok)
	assert.Equal(t, 7, a.Priority)
	assert.Equal(t, "p1", a.ProcID)

	err = r.RegisterAction("p1", "", 1)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestDeadOwnerActionCanBeTakenOver(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("old", map[string]int{"A": 1}))
	require.NoError(t, r.RegisterPlugin("new"))

	r.MarkStale("old")
	assert.Error(t, r.RegisterAction("new", "A", 1), "stale owners keep their actions")

	r.MarkDead("old")
	require.NoError(t, r.RegisterAction("new", "A", 1))

	a, _ := r.Action("A")
	assert.Equal(t, "new", a.ProcID)
	old, _ := r.Plugin("old")
	assert.Empty(t, old.Actions)

	assert.Error(t, r.RegisterAction("old", "B", 1), "dead plugins must re-register first")
}

func TestRegisterPluginReplacesActions(t *testing.T) {
	r, calls := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1, "B": 2}))
	first, _ := r.Plugin("p")

	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"C": 3}))
	second, _ := r.Plugin("p")

	assert.Equal(t, []string{"C"}, second.Actions)
	assert.Equal(t, first.Generation+1, second.Generation)
	_, ok := r.Action("A")
	assert.False(t, ok)

	require.Len(t, *calls, 1)
	assert.Equal(t, []string{"A", "B"}, (*calls)[0].actions)
	assert.Equal(t, first.Generation, (*calls)[0].generation)
	assert.Equal(t, "plugin re-registered", (*calls)[0].reason)
}

func TestCurrentTracksRegistrationGeneration(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1}))
	old, ok := r.Action("A")
	require.True(t, ok)
	assert.Equal(t, uint64(1), old.Generation)
	assert.True(t, r.Current(old))

	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1}))
	assert.False(t, r.Current(old), "view from the replaced registration")

	fresh, _ := r.Action("A")
	assert.Equal(t, uint64(2), fresh.Generation)
	assert.True(t, r.Current(fresh))

	r.MarkStale("p")
	assert.True(t, r.Current(fresh), "stale owners still own their actions")
	r.MarkDead("p")
	assert.False(t, r.Current(fresh))
}

func TestRegisterPluginConflictChangesNothing(t *testing.T) {
	r, calls := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("owner", map[string]int{"shared": 1}))
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"mine": 1}))

	err := r.RegisterPluginWithActions("p", map[string]int{"shared": 1, "other": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateAction))

	p, _ := r.Plugin("p")
	assert.Equal(t, []string{"mine"}, p.Actions)
	assert.Equal(t, uint64(1), p.Generation)
	assert.Empty(t, *calls)
}

func TestDeregisterPlugin(t *testing.T) {
	r, calls := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1, "B": 2}))

	require.NoError(t, r.DeregisterPlugin("p"))
	_, ok := r.Plugin("p")
	assert.False(t, ok)
	assert.Empty(t, r.Actions())
	require.Len(t, *calls, 1)
	assert.Equal(t, "plugin deregistered", (*calls)[0].reason)

	assert.True(t, errors.Is(r.DeregisterPlugin("p"), ErrUnknownPlugin))
}

func TestDeregisterAction(t *testing.T) {
	r, calls := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1, "B": 2}))
	require.NoError(t, r.RegisterPlugin("q"))

	require.NoError(t, r.DeregisterAction("p", "A"))
	assert.Len(t, r.Actions(), 1)
	assert.Empty(t, *calls)

	assert.True(t, errors.Is(r.DeregisterAction("p", "A"), ErrUnknownAction))
	assert.True(t, errors.Is(r.DeregisterAction("q", "B"), ErrUnknownAction), "only the owner may deregister")
	assert.True(t, errors.Is(r.DeregisterAction("ghost", "B"), ErrUnknownPlugin))
}

func TestLivenessTransitions(t *testing.T) {
	r, calls := newTestRegistry()
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1}))

	r.MarkStale("p")
	p, _ := r.Plugin("p")
	assert.Equal(t, PluginStale, p.State)

	r.Touch("p")
	p, _ = r.Plugin("p")
	assert.Equal(t, PluginActive, p.State)

	r.MarkDead("p")
	p, _ = r.Plugin("p")
	assert.Equal(t, PluginDead, p.State)
	require.Len(t, *calls, 1)
	assert.Equal(t, "plugin connection lost", (*calls)[0].reason)

	r.Touch("p")
	p, _ = r.Plugin("p")
	assert.Equal(t, PluginDead, p.State, "touch does not revive a dead plugin")

	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{"A": 1}))
	p, _ = r.Plugin("p")
	assert.Equal(t, PluginActive, p.State)
}

func TestCandidatesOrderingAndOverlay(t *testing.T) {
	cfg := NewStaticConfig()
	high := 100
	cfg.Actions["late"] = ActionConfig{Priority: &high}
	cfg.Actions["off"] = ActionConfig{Disable: true}
	cfg.Actions["detect"] = ActionConfig{Type: ActionTypeAnomaly}

	r := NewRegistry(cfg, zerolog.Nop(), nil)
	require.NoError(t, r.RegisterPluginWithActions("p", map[string]int{
		"b": 5, "a": 5, "late": 1, "off": 9, "detect": 0,
	}))

	var names []string
	for _, c := range r.Candidates() {
		names = append(names, c.Name)
		assert.Equal(t, PluginActive, c.OwnerState)
	}
	assert.Equal(t, []string{"late", "off", "a", "b", "detect"}, names)

	off, _ := r.Action("off")
	assert.False(t, off.Enabled)
	detect, _ := r.Action("detect")
	assert.Equal(t, OnFailureAbort, detect.OnFailure)
	a, _ := r.Action("a")
	assert.Equal(t, OnFailureContinue, a.OnFailure)
	assert.Equal(t, ActionTypeMitigation, a.Type)
}

func TestReRegistrationIsAtomicForReaders(t *testing.T) {
	r, _ := newTestRegistry()
	setA := map[string]int{"a1": 1, "a2": 2, "a3": 3}
	setB := map[string]int{"b1": 1, "b2": 2, "b3": 3, "b4": 4}
	require.NoError(t, r.RegisterPluginWithActions("p", setA))

	var stop atomic.Bool
	var wg sync.WaitGroup
	var mixed atomic.Int64

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				var names []string
				for _, a := range r.ActionsFor("p") {
					names = append(names, a.Name)
				}
				if !uniform(names) {
					mixed.Add(1)
				}

				names = names[:0]
				for _, c := range r.Candidates() {
					names = append(names, c.Name)
				}
				if !uniform(names) {
					mixed.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		set := setA
		if i%2 == 0 {
			set = setB
		}
		require.NoError(t, r.RegisterPluginWithActions("p", set))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, mixed.Load(), "readers observed a mix of old and new actions")
}

// uniform reports whether names is exactly one complete action set.
func uniform(names []string) bool {
	sort.Strings(names)
	joined := strings.Join(names, ",")
	return joined == "a1,a2,a3" || joined == "b1,b2,b3,b4"
}

func TestConcurrentRegistrationSameProcID(t *testing.T) {
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.RegisterPluginWithActions("p", map[string]int{fmt.Sprintf("act-%d", i): i}))
		}(i)
	}
	wg.Wait()

	p, ok := r.Plugin("p")
	require.True(t, ok)
	assert.Equal(t, uint64(20), p.Generation)
	assert.Len(t, p.Actions, 1, "the latest registration wins")
	assert.Len(t, r.Actions(), 1)
}
