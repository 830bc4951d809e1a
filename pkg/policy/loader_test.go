package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "tolerate-flaps.rego")
	regoContent := "# Keep going on link flaps\n# even when a step hangs\n" + tolerateFlaps

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "tolerate-flaps" {
		t.Errorf("Expected name 'tolerate-flaps', got '%s'", policy.Name)
	}
	if policy.Description != "Keep going on link flaps even when a step hangs" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	tests := []struct {
		name        string
		content     string
		wantErr     bool
		wantEnabled bool
	}{
		{
			name:        "enabled by default",
			content:     `{"name": "flaps", "rego": "package lom.failure"}`,
			wantEnabled: true,
		},
		{
			name:        "explicitly disabled",
			content:     `{"name": "flaps", "rego": "package lom.failure", "enabled": false}`,
			wantEnabled: false,
		},
		{
			name:    "missing name",
			content: `{"rego": "package lom.failure"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			content: `{"name": `,
			wantErr: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, "policy"+string(rune('a'+i))+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test file: %v", err)
			}

			policy, err := loader.loadFromFile(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadFromFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && policy.Enabled != tt.wantEnabled {
				t.Errorf("Expected enabled=%v, got %v", tt.wantEnabled, policy.Enabled)
			}
		})
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	nested := filepath.Join(tmpDir, "site")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	files := map[string]string{
		filepath.Join(tmpDir, "a.rego"):    tolerateFlaps,
		filepath.Join(nested, "b.rego"):    tolerateFlaps,
		filepath.Join(tmpDir, "README.md"): "not a policy",
		filepath.Join(tmpDir, "bad.json"):  "{",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	eng := newEngine(t)
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "tolerate-flaps.rego"), []byte(tolerateFlaps), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("tolerate-flaps")
	if err != nil {
		t.Fatalf("Loaded policy missing: %v", err)
	}
	if p.Source == "" {
		t.Error("Loaded policy has no source")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.delay = 20 * time.Millisecond
	tmpDir := t.TempDir()

	reloaded := make(chan []Policy, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, []string{tmpDir}, func(p []Policy) error {
			reloaded <- p
			return nil
		})
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(tmpDir, "new.rego"), []byte(tolerateFlaps), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	select {
	case p := <-reloaded:
		if len(p) != 1 || p[0].Name != "new" {
			t.Errorf("Unexpected reload result: %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Policies were not reloaded")
	}
}
