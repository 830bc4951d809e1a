package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSource constrains configuration documents before they are decoded. Every field
// is optional; defaults are applied in Go.
const schemaSource = `
#Duration: string | number & >=0

#Global: {
	heartbeat_tolerance?: int & >=1
	sweep_interval?:      #Duration
	queue_depth?:         int & >=1
	max_steps?:           int & >=1
}

#Action: {
	disable?:            bool
	type?:               "anomaly" | "mitigation" | "safety_check"
	priority?:           int | null
	timeout?:            #Duration
	heartbeat_interval?: #Duration
	on_failure?:         "continue" | "abort"
	eligible_if?:        string
}

#Config: {
	global?: #Global
	actions?: [Name=string]: #Action
}
`

// Schema holds the compiled configuration schema. A cue.Context is not safe for
// concurrent use; mu guards every use of ctx, including the parser's.
type Schema struct {
	mu     sync.Mutex
	ctx    *cue.Context
	config cue.Value
	global cue.Value
	action cue.Value
}

// NewSchema compiles the built-in schema in ctx.
func NewSchema(ctx *cue.Context) (*Schema, error) {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Schema{
		ctx:    ctx,
		config: val.LookupPath(cue.ParsePath("#Config")),
		global: val.LookupPath(cue.ParsePath("#Global")),
		action: val.LookupPath(cue.ParsePath("#Action")),
	}, nil
}

// CheckGlobal validates a partial global document.
func (s *Schema) CheckGlobal(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.checkBytes(s.global, doc, "global")
	return err
}

// CheckActions validates a partial {action: {attr: value}} document.
func (s *Schema) CheckActions(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := s.ctx.CompileBytes(doc, cue.Filename("actions"))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	iter, err := val.Fields()
	if err != nil {
		return convertCUEErrors(err)
	}
	for iter.Next() {
		if _, err := check(s.action, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) checkBytes(schema cue.Value, doc []byte, name string) (cue.Value, error) {
	val := s.ctx.CompileBytes(doc, cue.Filename(name))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return check(schema, val)
}

func check(schema, val cue.Value) (cue.Value, error) {
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}
