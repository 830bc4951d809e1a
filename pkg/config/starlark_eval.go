package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/protocol"
)

// DefaultEvalTimeout bounds one eligible_if evaluation.
const DefaultEvalTimeout = time.Second

// maxEvalSteps bounds the work of one expression independent of wall time.
const maxEvalSteps = 1_000_000

// EligibilityEvaluator decides eligibility by evaluating an action's eligible_if
// Starlark expression. It implements engine.Eligibility.
//
// The expression sees:
//
//	anomaly   struct(name, key, data)
//	action    struct(name, type, priority, proc_id)
//	context   list of struct(action_name, instance_id, data, ok, result_code, result_str)
//	results   dict of the latest context entry per action name
//
// and the helpers ran(name) and succeeded(name). An empty expression is always eligible.
type EligibilityEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	compiled map[string]*starlark.Program
}

// NewEligibilityEvaluator creates an evaluator. A zero timeout uses DefaultEvalTimeout.
func NewEligibilityEvaluator(timeout time.Duration, logger zerolog.Logger) *EligibilityEvaluator {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	return &EligibilityEvaluator{
		timeout:  timeout,
		logger:   logger.With().Str("component", "eligibility").Logger(),
		compiled: make(map[string]*starlark.Program),
	}
}

// Eligible evaluates action.EligibleIf. The result is the truth value of the expression.
func (e *EligibilityEvaluator) Eligible(ctx context.Context, action engine.Action, anomaly engine.Anomaly, entries []protocol.ContextEntry) (bool, error) {
	if action.EligibleIf == "" {
		return true, nil
	}

	env, err := environment(action, anomaly, entries)
	if err != nil {
		return false, err
	}
	val, err := e.Eval(ctx, action.EligibleIf, env)
	if err != nil {
		return false, fmt.Errorf("eligible_if of %s: %w", action.Name, err)
	}
	return bool(val.Truth()), nil
}

// Check compiles expr without running it.
func (e *EligibilityEvaluator) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval evaluates expr in env, bounded by the evaluator timeout and ctx.
func (e *EligibilityEvaluator) Eval(ctx context.Context, expr string, env starlark.StringDict) (starlark.Value, error) {
	prog, err := e.program(expr)
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{
		Name: "eligible_if",
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug().Str("expr", expr).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxEvalSteps)

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("evaluation exceeded %v", e.timeout))
	})
	defer stop()

	globals, err := prog.Init(thread, env)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation failed: %w", err)
	}
	return globals[resultVar], nil
}

const resultVar = "_eligible"

func (e *EligibilityEvaluator) program(expr string) (*starlark.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.compiled[expr]; ok {
		return prog, nil
	}

	src := resultVar + " = (" + expr + "\n)\n"
	_, prog, err := starlark.SourceProgram("eligible_if", src, isPredeclared)
	if err != nil {
		return nil, fmt.Errorf("invalid eligible_if expression: %w", err)
	}
	e.compiled[expr] = prog
	return prog, nil
}

var predeclaredNames = map[string]bool{
	"anomaly":   true,
	"action":    true,
	"context":   true,
	"results":   true,
	"ran":       true,
	"succeeded": true,
	"struct":    true,
}

func isPredeclared(name string) bool {
	return predeclaredNames[name]
}

func environment(action engine.Action, anomaly engine.Anomaly, entries []protocol.ContextEntry) (starlark.StringDict, error) {
	anomalyData, err := jsonToStarlark(anomaly.Data)
	if err != nil {
		return nil, fmt.Errorf("anomaly data: %w", err)
	}

	list := make([]starlark.Value, 0, len(entries))
	results := starlark.NewDict(len(entries))
	for _, entry := range entries {
		data, err := jsonToStarlark(entry.ActionData)
		if err != nil {
			return nil, fmt.Errorf("data of %s: %w", entry.ActionName, err)
		}
		s := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"action_name": starlark.String(entry.ActionName),
			"instance_id": starlark.String(entry.InstanceID),
			"data":        data,
			"ok":          starlark.Bool(entry.OK()),
			"result_code": starlark.MakeInt(int(entry.ResultCode)),
			"result_str":  starlark.String(entry.ResultStr),
		})
		list = append(list, s)
		if err := results.SetKey(starlark.String(entry.ActionName), s); err != nil {
			return nil, err
		}
	}
	results.Freeze()

	ran := starlark.NewBuiltin("ran", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		_, found, _ := results.Get(starlark.String(name))
		return starlark.Bool(found), nil
	})
	succeeded := starlark.NewBuiltin("succeeded", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		v, found, _ := results.Get(starlark.String(name))
		if !found {
			return starlark.False, nil
		}
		return v.(*starlarkstruct.Struct).Attr("ok")
	})

	contextList := starlark.NewList(list)
	contextList.Freeze()
	return starlark.StringDict{
		"anomaly": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name": starlark.String(anomaly.Name),
			"key":  starlark.String(anomaly.Key),
			"data": anomalyData,
		}),
		"action": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":     starlark.String(action.Name),
			"type":     starlark.String(string(action.Type)),
			"priority": starlark.MakeInt(action.Priority),
			"proc_id":  starlark.String(action.ProcID),
		}),
		"context":   contextList,
		"results":   results,
		"ran":       ran,
		"succeeded": succeeded,
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
	}, nil
}

func jsonToStarlark(raw json.RawMessage) (starlark.Value, error) {
	if len(raw) == 0 {
		return starlark.None, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

// toStarlarkValue converts a decoded JSON value to a frozen Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		l := starlark.NewList(list)
		l.Freeze()
		return l, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		dict.Freeze()
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
