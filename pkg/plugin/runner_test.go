package plugin

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/transport"
)

type engineHarness struct {
	server *engine.Server
	socket *transport.Server
	path   string
	stop   func()
}

func startEngine(t *testing.T, path string) *engineHarness {
	t.Helper()
	bus := channel.NewBus()
	cfg := engine.NewStaticConfig()
	cfg.Actions["check"] = engine.ActionConfig{Timeout: 5 * time.Second}
	cfg.Actions["fix"] = engine.ActionConfig{Timeout: 5 * time.Second}
	s := engine.NewServer(bus, engine.Options{Config: cfg, Logger: zerolog.Nop()})

	sock := transport.NewServer(path, bus, transport.WithDisconnectHandler(s.PluginDisconnected))
	require.NoError(t, sock.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = s.Run(ctx); done <- struct{}{} }()
	go func() { _ = sock.Serve(ctx); done <- struct{}{} }()

	var stopped bool
	h := &engineHarness{server: s, socket: sock, path: path}
	h.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
		<-done
		bus.Close()
	}
	t.Cleanup(h.stop)
	return h
}

func testManifest(socket string) *Manifest {
	return &Manifest{
		ProcID: "tools",
		Socket: socket,
		Actions: []ActionSpec{
			{Name: "check", Priority: 2, Command: `echo '{"flaps":5}'`},
			{Name: "fix", Priority: 1, Command: "cat >/dev/null; echo fixed"},
		},
	}
}

func TestRunnerServesManifestActions(t *testing.T) {
	h := startEngine(t, filepath.Join(t.TempDir(), "lom.sock"))
	runner := NewRunner(testManifest(h.path), WithRetryInterval(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := h.server.Registry().Action("fix")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	waitCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	snap, err := h.server.Mitigate(waitCtx, engine.Anomaly{Name: "link_flap", Key: "Ethernet0"})
	require.NoError(t, err)
	assert.Equal(t, engine.SequenceCompleted, snap.State)
	require.Len(t, snap.Context, 2)
	assert.Equal(t, "check", snap.Context[0].ActionName)

	var check ExecResult
	require.NoError(t, json.Unmarshal(snap.Context[0].ActionData, &check))
	assert.JSONEq(t, `{"flaps":5}`, string(check.Output))

	var fix ExecResult
	require.NoError(t, json.Unmarshal(snap.Context[1].ActionData, &fix))
	assert.Equal(t, "fixed\n", fix.Stdout)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerStopsOnEngineShutdown(t *testing.T) {
	h := startEngine(t, filepath.Join(t.TempDir(), "lom.sock"))
	runner := NewRunner(testManifest(h.path))

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(h.socket.Connected()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerReconnects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lom.sock")
	runner := NewRunner(testManifest(path), WithRetryInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// The engine comes up after the runner starts dialing.
	time.Sleep(50 * time.Millisecond)
	first := startEngine(t, path)
	require.Eventually(t, func() bool {
		return len(first.socket.Connected()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	first.stop()

	second := startEngine(t, path)
	require.Eventually(t, func() bool {
		p, ok := second.server.Registry().Plugin("tools")
		return ok && p.State == engine.PluginActive
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerWithoutRetryReturnsDialError(t *testing.T) {
	runner := NewRunner(testManifest(filepath.Join(t.TempDir(), "missing.sock")), WithRetryInterval(0))
	err := runner.Run(context.Background())
	require.Error(t, err)
}
