package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/client"
	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/transport"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, dir, "good.cue", `
global: { max_steps: 4 }
actions: {
	M1: {priority: 7, on_failure: "abort"}
	M2: {eligible_if: "succeeded('M1')"}
}
`)
		output, err := execute(t, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, output, "OK "+path+": 2 actions")
	})

	t.Run("invalid value", func(t *testing.T) {
		path := writeFile(t, dir, "bad.cue", `actions: M1: on_failure: "retry"`)
		output, err := execute(t, "validate", path)
		require.Error(t, err)
		assert.Contains(t, output, "INVALID")
	})

	t.Run("eligible_if does not compile", func(t *testing.T) {
		path := writeFile(t, dir, "expr.json", `{"actions": {"M1": {"eligible_if": "succeeded("}}}`)
		output, err := execute(t, "validate", path, "--json")
		require.Error(t, err)

		var report validationReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		assert.False(t, report.Valid)
		require.NotEmpty(t, report.Errors)
		assert.Equal(t, "actions.M1.eligible_if", report.Errors[0].Path)
	})

	t.Run("config flag", func(t *testing.T) {
		path := writeFile(t, dir, "flag.json", `{"global": {"max_steps": 3}}`)
		_, err := execute(t, "validate", "--config", path)
		require.NoError(t, err)
	})

	t.Run("no path", func(t *testing.T) {
		_, err := execute(t, "validate")
		require.Error(t, err)
	})
}

func TestTriggerRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "trigger", "link_flap", "--data", "{not json")
	require.Error(t, err)

	_, err = execute(t, "trigger", "link_flap", "--timeout-for", "link_down")
	require.Error(t, err)
}

func startDaemon(t *testing.T, configPath string) (*daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	dir := t.TempDir()

	d, err := newDaemon(context.Background(), serveOptions{
		configPath:    configPath,
		socket:        filepath.Join(dir, "lom.sock"),
		listen:        "127.0.0.1:0",
		dbPath:        filepath.Join(dir, "state.db"),
		logLevel:      "error",
		logFormat:     "json",
		traceExporter: "none",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	return d, cancel, done
}

func TestDaemonEndToEnd(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "lom.json",
		`{"actions": {"link_down": {"timeout": "5s"}}}`)
	d, cancel, done := startDaemon(t, configPath)
	api := d.listener.Addr().String()

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	conn, err := transport.Dial(ctx, d.transport.Addr(), zerolog.Nop())
	require.NoError(t, err)
	plugin, err := client.New("p1", conn)
	require.NoError(t, err)
	defer plugin.Close()
	require.NoError(t, plugin.RegisterClient(ctx, map[string]int{"link_down": 1}))
	go plugin.Serve(ctx, client.Mux{
		"link_down": client.HandlerFunc(func(context.Context, *protocol.ActionRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"shut":true}`), nil
		}),
	})

	output, err := execute(t, "trigger", "link_flap", "--key", "Ethernet0", "--wait", "--json", "--api", api)
	require.NoError(t, err, output)

	var snap engine.SequenceSnapshot
	require.NoError(t, json.Unmarshal([]byte(output), &snap))
	assert.Equal(t, engine.SequenceCompleted, snap.State)
	require.Len(t, snap.Context, 1)
	assert.Equal(t, "link_down", snap.Context[0].ActionName)
	assert.JSONEq(t, `{"shut":true}`, string(snap.Context[0].ActionData))

	output, err = execute(t, "status", "--api", api)
	require.NoError(t, err, output)
	assert.Contains(t, output, "p1")
	assert.Contains(t, output, "link_down")

	output, err = execute(t, "status", "--json", "--api", api)
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(output), &report))
	require.Len(t, report.Plugins, 1)
	assert.Equal(t, engine.PluginActive, report.Plugins[0].State)
	assert.Empty(t, report.Sequences)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
	_, err = os.Stat(d.transport.Addr())
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonReloadKeepsConfigOnError(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "lom.json", `{"global": {"max_steps": 3}}`)
	d, cancel, done := startDaemon(t, configPath)
	defer func() {
		cancel()
		<-done
	}()

	writeFile(t, dir, "lom.json", `{"global": {"max_steps": 0}}`)
	d.reload(context.Background())
	assert.Equal(t, 3, d.store.GlobalConfig().MaxSteps)

	writeFile(t, dir, "lom.json", `{"global": {"max_steps": 6}}`)
	d.reload(context.Background())
	assert.Equal(t, 6, d.store.GlobalConfig().MaxSteps)
}

func TestNewDaemonFailsOnBadConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "lom.json", `{"actions": {"M1": {"on_failure": "retry"}}}`)

	_, err := newDaemon(context.Background(), serveOptions{
		configPath:    configPath,
		socket:        filepath.Join(dir, "lom.sock"),
		listen:        "127.0.0.1:0",
		logLevel:      "error",
		logFormat:     "json",
		traceExporter: "none",
	})
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "lom.sock"))
	assert.True(t, os.IsNotExist(err))
}
