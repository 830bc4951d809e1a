package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// DefaultSocket is the engine socket a manifest connects to when it names none.
const DefaultSocket = "/run/lom/lom.sock"

// Manifest declares a plugin process and the shell-command actions it owns.
type Manifest struct {
	// ProcID is the stable identifier the plugin registers under.
	ProcID string `mapstructure:"proc_id" validate:"required" json:"proc_id"`

	// Socket is the engine's unix socket.
	Socket string `mapstructure:"socket" json:"socket"`

	// Actions are the commands the plugin runs, keyed by action name on registration.
	Actions []ActionSpec `mapstructure:"actions" validate:"required,min=1,dive" json:"actions"`

	// Path is the file the manifest was loaded from.
	Path string `mapstructure:"-" json:"-"`
}

// ActionSpec is one action backed by a command.
type ActionSpec struct {
	Name     string `mapstructure:"name" validate:"required" json:"name"`
	Priority int    `mapstructure:"priority" validate:"gte=0" json:"priority"`

	// Command is run through Shell when Args is empty, and executed directly otherwise.
	Command string            `mapstructure:"command" validate:"required" json:"command"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Shell   string            `mapstructure:"shell" json:"shell,omitempty"`
	WorkDir string            `mapstructure:"workdir" json:"workdir,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`

	// Timeout bounds one run in addition to the engine's deadline. Zero leaves only
	// the engine's deadline.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0" json:"timeout,omitempty"`
}

// Priorities returns the registration map of the manifest's actions.
func (m *Manifest) Priorities() map[string]int {
	out := make(map[string]int, len(m.Actions))
	for _, a := range m.Actions {
		out[a.Name] = a.Priority
	}
	return out
}

// LoadManifest reads and validates a YAML manifest. Relative working directories are
// resolved against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path

	baseDir := filepath.Dir(path)
	for i := range m.Actions {
		if wd := m.Actions[i].WorkDir; wd != "" && !filepath.IsAbs(wd) {
			m.Actions[i].WorkDir = filepath.Join(baseDir, wd)
		}
	}
	return m, nil
}

// ParseManifest decodes and validates manifest YAML. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	var m Manifest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &m,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if m.Socket == "" {
		m.Socket = DefaultSocket
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func validateManifest(m *Manifest) error {
	if err := validator.New().Struct(m); err != nil {
		return err
	}

	seen := make(map[string]bool, len(m.Actions))
	for _, a := range m.Actions {
		if seen[a.Name] {
			return fmt.Errorf("duplicate action %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}
