package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// Parser loads configuration documents written in CUE or JSON.
type Parser struct {
	ctx       *cue.Context
	schema    *Schema
	validator *validator.Validate
}

// NewParser creates a parser with the built-in schema.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()
	schema, err := NewSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &Parser{
		ctx:       ctx,
		schema:    schema,
		validator: validator.New(),
	}, nil
}

// Load reads a .cue or .json file, or a directory holding one CUE package.
func (p *Parser) Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	if info.IsDir() {
		p.schema.mu.Lock()
		defer p.schema.mu.Unlock()
		val, err := p.loadDirectory(path)
		if err != nil {
			return nil, err
		}
		return p.decode(val)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return p.Parse(content, path)
}

// Parse compiles content, named filename in error positions. JSON is a subset of CUE,
// so both go through the same path.
func (p *Parser) Parse(content []byte, filename string) (*Config, error) {
	p.schema.mu.Lock()
	defer p.schema.mu.Unlock()
	val := p.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return p.decode(val)
}

// Validate checks a decoded configuration against its struct constraints.
func (p *Parser) Validate(cfg *Config) error {
	if err := p.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation failed: %w", err)
		}
		out := make(ValidationErrors, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			})
		}
		return out
	}
	return nil
}

func (p *Parser) loadDirectory(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}
	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// decode checks val against the schema and decodes it over the defaults.
func (p *Parser) decode(val cue.Value) (*Config, error) {
	checked, err := check(p.schema.config, val)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if g := checked.LookupPath(cue.ParsePath("global")); g.Exists() {
		doc, err := g.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to export global: %w", err)
		}
		if err := cfg.mergeGlobal(doc); err != nil {
			return nil, err
		}
	}
	if a := checked.LookupPath(cue.ParsePath("actions")); a.Exists() {
		doc, err := a.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to export actions: %w", err)
		}
		if err := cfg.mergeActions(doc); err != nil {
			return nil, err
		}
	}

	if err := p.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Export renders cfg as indented JSON.
func Export(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

// Load reads a configuration with a fresh parser.
func Load(path string) (*Config, error) {
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	return p.Load(path)
}

// IsConfigFile reports whether path has an extension the parser reads.
func IsConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".cue", ".json":
		return true
	}
	return false
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{Message: fmt.Sprintf(format, args...)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
