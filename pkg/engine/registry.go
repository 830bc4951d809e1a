package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/telemetry"
)

type pluginRecord struct {
	procID       string
	state        PluginState
	actions      map[string]struct{}
	generation   uint64
	registeredAt time.Time
	lastSeen     time.Time
}

type actionRecord struct {
	name     string
	procID   string
	priority int
}

// AbortFunc is called after a registry mutation invalidates actions of a plugin, so
// that running instances of those actions can be cancelled. Only instances started
// under a registration generation of at most generation are affected.
type AbortFunc func(procID string, actions []string, generation uint64, reason string)

// Registry is the source of truth for plugins and the actions they own.
//
// Mutations for one proc_id are serialized; the plugin and action tables change together
// under a single write lock, so readers observe either the complete old or the complete
// new action set of a plugin.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*pluginRecord
	actions map[string]*actionRecord

	// procLocks serializes whole operations, including abort cascades, per proc_id.
	procLocks sync.Map

	config  ConfigProvider
	onAbort AbortFunc
	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewRegistry creates an empty registry. A nil config uses the defaults.
func NewRegistry(config ConfigProvider, logger zerolog.Logger, metrics *telemetry.Metrics) *Registry {
	if config == nil {
		config = NewStaticConfig()
	}
	return &Registry{
		plugins: make(map[string]*pluginRecord),
		actions: make(map[string]*actionRecord),
		config:  config,
		now:     time.Now,
		logger:  logger.With().Str("component", "registry").Logger(),
		metrics: metrics,
	}
}

// SetAbortFunc installs the cancellation hook.
func (r *Registry) SetAbortFunc(fn AbortFunc) {
	r.onAbort = fn
}

// SetConfig replaces the configuration overlay.
func (r *Registry) SetConfig(config ConfigProvider) {
	r.mu.Lock()
	r.config = config
	r.mu.Unlock()
}

func (r *Registry) lockProc(procID string) func() {
	v, _ := r.procLocks.LoadOrStore(procID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// RegisterPlugin creates or replaces the registration of procID. On replace, every
// action previously owned by procID is removed and its running instances aborted.
func (r *Registry) RegisterPlugin(procID string) error {
	return r.RegisterPluginWithActions(procID, nil)
}

// RegisterPluginWithActions registers procID together with its action set. Either the
// whole registration is applied or, when an action conflicts with another live plugin,
// nothing changes.
func (r *Registry) RegisterPluginWithActions(procID string, actions map[string]int) error {
	if procID == "" {
		return NewMalformedError("proc_id is required", nil)
	}
	unlock := r.lockProc(procID)
	defer unlock()

	r.mu.Lock()
	for name := range actions {
		if name == "" {
			r.mu.Unlock()
			return NewMalformedError("action name is required", nil).WithPlugin(procID)
		}
		if owner, ok := r.ownerLocked(name); ok && owner.procID != procID && owner.state.IsLive() {
			r.mu.Unlock()
			r.metrics.RecordRegistryError("DUPLICATE_ACTION")
			return NewDuplicateActionError(name, owner.procID)
		}
	}

	// Only instances of the old generation are aborted below.
	var invalidated []string
	var generation uint64
	if old, ok := r.plugins[procID]; ok {
		invalidated = sortedKeys(old.actions)
		for name := range old.actions {
			delete(r.actions, name)
		}
		generation = old.generation
	}

	now := r.now()
	rec := &pluginRecord{
		procID:       procID,
		state:        PluginActive,
		actions:      make(map[string]struct{}, len(actions)),
		generation:   generation + 1,
		registeredAt: now,
		lastSeen:     now,
	}
	for name, priority := range actions {
		r.takeOverLocked(name)
		r.actions[name] = &actionRecord{name: name, procID: procID, priority: priority}
		rec.actions[name] = struct{}{}
	}
	r.plugins[procID] = rec
	r.updateGaugesLocked()
	r.mu.Unlock()

	if len(invalidated) > 0 {
		r.logger.Info().
			Str("proc_id", procID).
			Uint64("generation", rec.generation).
			Strs("invalidated", invalidated).
			Msg("Plugin re-registered, previous actions replaced")
		r.abort(procID, invalidated, generation, "plugin re-registered")
	} else {
		r.logger.Info().
			Str("proc_id", procID).
			Int("actions", len(actions)).
			Msg("Plugin registered")
	}
	return nil
}

// RegisterAction adds one action to a registered plugin. Registering an action the
// plugin already owns updates its priority. An action owned by a dead plugin is taken over.
func (r *Registry) RegisterAction(procID, name string, priority int) error {
	if name == "" {
		return NewMalformedError("action name is required", nil).WithPlugin(procID)
	}
	unlock := r.lockProc(procID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[procID]
	if !ok || rec.state == PluginDead {
		r.metrics.RecordRegistryError("UNKNOWN_PLUGIN")
		return NewUnknownPluginError(procID).WithAction(name)
	}
	if owner, ok := r.ownerLocked(name); ok && owner.procID != procID && owner.state.IsLive() {
		r.metrics.RecordRegistryError("DUPLICATE_ACTION")
		return NewDuplicateActionError(name, owner.procID)
	}

	r.takeOverLocked(name)
	r.actions[name] = &actionRecord{name: name, procID: procID, priority: priority}
	rec.actions[name] = struct{}{}
	r.updateGaugesLocked()

	r.logger.Debug().
		Str("proc_id", procID).
		Str("action", name).
		Int("priority", priority).
		Msg("Action registered")
	return nil
}

// DeregisterPlugin removes procID and all of its actions, aborting their running instances.
func (r *Registry) DeregisterPlugin(procID string) error {
	unlock := r.lockProc(procID)
	defer unlock()

	r.mu.Lock()
	rec, ok := r.plugins[procID]
	if !ok {
		r.mu.Unlock()
		r.metrics.RecordRegistryError("UNKNOWN_PLUGIN")
		return NewUnknownPluginError(procID)
	}
	removed := sortedKeys(rec.actions)
	generation := rec.generation
	for _, name := range removed {
		delete(r.actions, name)
	}
	delete(r.plugins, procID)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Info().
		Str("proc_id", procID).
		Strs("actions", removed).
		Msg("Plugin deregistered")
	r.abort(procID, removed, generation, "plugin deregistered")
	return nil
}

// DeregisterAction removes a single action owned by procID.
func (r *Registry) DeregisterAction(procID, name string) error {
	unlock := r.lockProc(procID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[procID]
	if !ok {
		r.metrics.RecordRegistryError("UNKNOWN_PLUGIN")
		return NewUnknownPluginError(procID).WithAction(name)
	}
	if _, owned := rec.actions[name]; !owned {
		r.metrics.RecordRegistryError("UNKNOWN_ACTION")
		return NewUnknownActionError(name).WithPlugin(procID)
	}
	delete(rec.actions, name)
	delete(r.actions, name)
	r.updateGaugesLocked()

	r.logger.Debug().
		Str("proc_id", procID).
		Str("action", name).
		Msg("Action deregistered")
	return nil
}

// Touch records that procID was heard from, reviving a stale plugin.
func (r *Registry) Touch(procID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[procID]
	if !ok {
		return
	}
	rec.lastSeen = r.now()
	if rec.state == PluginStale {
		rec.state = PluginActive
		r.updateGaugesLocked()
		r.logger.Info().Str("proc_id", procID).Msg("Plugin is active again")
	}
}

// MarkStale flags procID after a missed heartbeat. Its actions are not selected until
// the plugin is heard from again.
func (r *Registry) MarkStale(procID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[procID]
	if !ok || rec.state != PluginActive {
		return
	}
	rec.state = PluginStale
	r.updateGaugesLocked()
	r.logger.Warn().Str("proc_id", procID).Msg("Plugin marked stale")
}

// MarkDead flags procID after its connection was lost and aborts its running instances.
// The registration is kept so a restart can replace it, and its actions may be claimed
// by other plugins in the meantime.
func (r *Registry) MarkDead(procID string) {
	unlock := r.lockProc(procID)
	defer unlock()

	r.mu.Lock()
	rec, ok := r.plugins[procID]
	if !ok || rec.state == PluginDead {
		r.mu.Unlock()
		return
	}
	rec.state = PluginDead
	actions := sortedKeys(rec.actions)
	generation := rec.generation
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logger.Warn().Str("proc_id", procID).Msg("Plugin marked dead")
	r.abort(procID, actions, generation, "plugin connection lost")
}

// Plugin returns a snapshot of procID.
func (r *Registry) Plugin(procID string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.plugins[procID]
	if !ok {
		return Plugin{}, false
	}
	return rec.snapshot(), true
}

// Plugins returns snapshots of every plugin sorted by proc_id.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, rec := range r.plugins {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcID < out[j].ProcID })
	return out
}

// Action returns the effective view of the named action.
func (r *Registry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.actions[name]
	if !ok {
		return Action{}, false
	}
	return r.effectiveLocked(rec), true
}

// Actions returns every action ordered by priority, highest first, then by name.
func (r *Registry) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Action, 0, len(r.actions))
	for _, rec := range r.actions {
		out = append(out, r.effectiveLocked(rec))
	}
	sortActions(out)
	return out
}

// ActionsFor returns the actions owned by procID, ordered like Actions.
func (r *Registry) ActionsFor(procID string) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.plugins[procID]
	if !ok {
		return nil
	}
	out := make([]Action, 0, len(rec.actions))
	for name := range rec.actions {
		out = append(out, r.effectiveLocked(r.actions[name]))
	}
	sortActions(out)
	return out
}

// Candidate is an action together with the liveness of its owner.
type Candidate struct {
	Action
	OwnerState PluginState
}

// Candidates returns every action with its owner state, in selection order, from one
// consistent view of the registry.
func (r *Registry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions := make([]Action, 0, len(r.actions))
	for _, rec := range r.actions {
		actions = append(actions, r.effectiveLocked(rec))
	}
	sortActions(actions)

	out := make([]Candidate, len(actions))
	for i, a := range actions {
		out[i] = Candidate{Action: a}
		if p, ok := r.plugins[a.ProcID]; ok {
			out[i].OwnerState = p.state
		} else {
			out[i].OwnerState = PluginDead
		}
	}
	return out
}

func (r *Registry) effectiveLocked(rec *actionRecord) Action {
	var generation uint64
	if p, ok := r.plugins[rec.procID]; ok {
		generation = p.generation
	}
	ac := r.config.ActionConfig(rec.name)
	priority := rec.priority
	if ac.Priority != nil {
		priority = *ac.Priority
	}
	actionType := ac.Type
	if actionType == "" {
		actionType = ActionTypeMitigation
	}
	onFailure := ac.OnFailure
	if onFailure == "" {
		onFailure = OnFailureContinue
		if actionType == ActionTypeAnomaly {
			onFailure = OnFailureAbort
		}
	}
	return Action{
		Name:              rec.name,
		ProcID:            rec.procID,
		Priority:          priority,
		Enabled:           !ac.Disable,
		Type:              actionType,
		Timeout:           ac.Timeout,
		HeartbeatInterval: ac.HeartbeatInterval,
		OnFailure:         onFailure,
		EligibleIf:        ac.EligibleIf,
		Generation:        generation,
	}
}

// ownerLocked returns the plugin owning name.
func (r *Registry) ownerLocked(name string) (*pluginRecord, bool) {
	a, ok := r.actions[name]
	if !ok {
		return nil, false
	}
	p, ok := r.plugins[a.procID]
	return p, ok
}

// takeOverLocked detaches name from a previous owner.
func (r *Registry) takeOverLocked(name string) {
	if a, ok := r.actions[name]; ok {
		if p, ok := r.plugins[a.procID]; ok {
			delete(p.actions, name)
		}
	}
}

func (r *Registry) abort(procID string, actions []string, generation uint64, reason string) {
	if r.onAbort != nil && len(actions) > 0 {
		r.onAbort(procID, actions, generation, reason)
	}
}

// Current reports whether action is still owned by the registration it was taken from.
func (r *Registry) Current(action Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.actions[action.Name]
	if !ok || rec.procID != action.ProcID {
		return false
	}
	p, ok := r.plugins[rec.procID]
	return ok && p.state != PluginDead && p.generation == action.Generation
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	counts := map[PluginState]int{PluginActive: 0, PluginStale: 0, PluginDead: 0}
	for _, p := range r.plugins {
		counts[p.state]++
	}
	for state, n := range counts {
		r.metrics.SetPlugins(string(state), n)
	}
	r.metrics.SetActions(len(r.actions))
}

func (p *pluginRecord) snapshot() Plugin {
	return Plugin{
		ProcID:       p.procID,
		State:        p.state,
		Actions:      sortedKeys(p.actions),
		Generation:   p.generation,
		RegisteredAt: p.registeredAt,
		LastSeen:     p.lastSeen,
	}
}

func sortActions(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority > actions[j].Priority
		}
		return actions[i].Name < actions[j].Name
	})
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
