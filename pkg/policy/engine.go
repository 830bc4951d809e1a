package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/engine"
)

// PackagePath is the package every policy module must declare.
const PackagePath = "data.lom.failure"

const decisionQuery = "decision = data.lom.failure.decision; reasons = data.lom.failure.reasons"

// Engine decides continue-or-abort for failed steps with Rego policies. It implements
// engine.FailurePolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range GetBuiltinPolicies() {
		e.policies[p.Name] = &p
	}
	if err := e.rebuild(context.Background(), e.policies); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	e.logger.Info().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// Decide evaluates the policies for a failed step.
func (e *Engine) Decide(ctx context.Context, in engine.FailureInput) (engine.OnFailure, error) {
	d, err := e.Evaluate(ctx, NewInput(in))
	if err != nil {
		return "", err
	}

	log := e.logger.Debug()
	if d.OnFailure != in.Action.OnFailure {
		log = e.logger.Info()
	}
	log.Str("action", in.Action.Name).
		Str("configured", string(in.Action.OnFailure)).
		Str("decision", string(d.OnFailure)).
		Strs("reasons", d.Reasons).
		Msg("Failure policy decided")

	return d.OnFailure, nil
}

// Evaluate runs the decision query against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(rs) == 0 {
		return Decision{}, fmt.Errorf("policy evaluation returned no decision")
	}

	var d Decision
	switch v := rs[0].Bindings["decision"].(type) {
	case string:
		d.OnFailure = engine.OnFailure(v)
	default:
		return Decision{}, fmt.Errorf("unexpected decision %v", v)
	}
	if err := d.OnFailure.Validate(); err != nil {
		return Decision{}, err
	}

	if reasons, ok := rs[0].Bindings["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			d.Reasons = append(d.Reasons, fmt.Sprint(r))
		}
		sort.Strings(d.Reasons)
	}
	return d, nil
}

// AddPolicy compiles p and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.copyLocked()
	next[p.Name] = &p
	if err := e.rebuild(ctx, next); err != nil {
		return err
	}
	e.logger.Info().Str("policy", p.Name).Bool("enabled", p.Enabled).Msg("Policy added")
	return nil
}

// LoadPolicies loads policy files from paths and adds them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceLoaded(ctx, policies)
}

// ReplaceLoaded swaps every file-loaded policy for policies. Built-in policies keep
// their state. Nothing changes when any policy fails to compile.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*Policy, len(e.policies)+len(policies))
	for name, p := range e.policies {
		if p.Source == "" {
			next[name] = p
		}
	}
	for i := range policies {
		next[policies[i].Name] = &policies[i]
	}
	if err := e.rebuild(ctx, next); err != nil {
		return err
	}
	e.logger.Info().Int("loaded", len(policies)).Int("total", len(next)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	cp := *p
	return &cp, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(ctx context.Context, name string) error {
	return e.setEnabled(ctx, name, false)
}

func (e *Engine) setEnabled(ctx context.Context, name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	next := e.copyLocked()
	updated := *p
	updated.Enabled = enabled
	next[name] = &updated
	if err := e.rebuild(ctx, next); err != nil {
		return err
	}
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) copyLocked() map[string]*Policy {
	out := make(map[string]*Policy, len(e.policies))
	for k, v := range e.policies {
		out[k] = v
	}
	return out
}

// rebuild compiles the enabled policies of set and installs them with set. The caller
// holds e.mu or owns e exclusively.
func (e *Engine) rebuild(ctx context.Context, set map[string]*Policy) error {
	opts := []func(*rego.Rego){
		rego.Query(decisionQuery),
		rego.Module("lom/decision.rego", decisionModule),
	}
	for name, p := range set {
		if !p.Enabled {
			continue
		}
		module, err := ast.ParseModule(name, p.Rego)
		if err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", name, err)
		}
		if got := module.Package.Path.String(); got != PackagePath {
			return fmt.Errorf("policy %s declares package %s, want %s", name, got, PackagePath)
		}
		opts = append(opts, rego.Module("lom/policies/"+name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policies: %w", err)
	}
	e.policies = set
	e.query = query
	return nil
}
