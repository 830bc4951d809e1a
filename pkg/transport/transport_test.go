package transport

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
	"github.com/openfroyo/lom/pkg/client"
	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/protocol"
)

type harness struct {
	engine *engine.Server
	socket *Server
	path   string
}

func start(t *testing.T) *harness {
	t.Helper()
	bus := channel.NewBus()
	cfg := engine.NewStaticConfig()
	cfg.Actions["probe"] = engine.ActionConfig{Timeout: 2 * time.Second}
	s := engine.NewServer(bus, engine.Options{Config: cfg, Logger: zerolog.Nop()})

	path := filepath.Join(t.TempDir(), "lom.sock")
	sock := NewServer(path, bus, WithDisconnectHandler(s.PluginDisconnected))
	require.NoError(t, sock.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	sockDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = s.Run(ctx)
	}()
	go func() {
		defer close(sockDone)
		assert.NoError(t, sock.Serve(ctx))
	}()

	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		cancel()
		<-sockDone
		<-engineDone
		bus.Close()
	})
	return &harness{engine: s, socket: sock, path: path}
}

func dial(t *testing.T, h *harness, procID string) (*client.Client, *Conn) {
	t.Helper()
	conn, err := Dial(context.Background(), h.path, zerolog.Nop())
	require.NoError(t, err)
	c, err := client.New(procID, conn, client.WithReplyTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, conn
}

func TestPluginOverSocket(t *testing.T) {
	h := start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _ := dial(t, h, "netprobe")
	require.NoError(t, c.RegisterClient(ctx, map[string]int{"probe": 1}))
	go c.Serve(ctx, client.Mux{
		"probe": client.HandlerFunc(func(context.Context, *protocol.ActionRequest) (json.RawMessage, error) {
			return json.RawMessage(`{"latency_ms":3}`), nil
		}),
	})

	snap, err := h.engine.Mitigate(ctx, engine.Anomaly{Name: "slow-link"})
	require.NoError(t, err)
	assert.Equal(t, engine.SequenceCompleted, snap.State)
	require.Len(t, snap.Context, 1)
	assert.JSONEq(t, `{"latency_ms":3}`, string(snap.Context[0].ActionData))
	assert.Equal(t, []string{"netprobe"}, h.socket.Connected())
}

func TestDisconnectMarksPluginDead(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	c, conn := dial(t, h, "flaky")
	require.NoError(t, c.RegisterClient(ctx, map[string]int{"probe": 1}))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		p, ok := h.engine.Registry().Plugin("flaky")
		return ok && p.State == engine.PluginDead
	}, 2*time.Second, 10*time.Millisecond)

	// A restarted process re-registers under the same proc_id.
	c2, _ := dial(t, h, "flaky")
	require.NoError(t, c2.RegisterClient(ctx, map[string]int{"probe": 1}))
	p, _ := h.engine.Registry().Plugin("flaky")
	assert.Equal(t, engine.PluginActive, p.State)
	assert.Equal(t, uint64(2), p.Generation)
}

func TestReconnectReplacesOlderConnection(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	c1, conn1 := dial(t, h, "dup")
	require.NoError(t, c1.RegisterClient(ctx, nil))

	c2, _ := dial(t, h, "dup")
	require.NoError(t, c2.RegisterClient(ctx, nil))

	select {
	case <-conn1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("older connection was not closed")
	}

	p, _ := h.engine.Registry().Plugin("dup")
	assert.Equal(t, engine.PluginActive, p.State, "replacing a connection is not a disconnect")
}

func TestSendAfterEngineGoneFails(t *testing.T) {
	h := start(t)
	c, conn := dial(t, h, "late")
	require.NoError(t, c.RegisterClient(context.Background(), nil))
	require.NoError(t, conn.Close())

	err := c.TouchHeartbeat("x", "y")
	assert.Equal(t, protocol.ResultChannelClosed, client.CodeOf(err))
}
