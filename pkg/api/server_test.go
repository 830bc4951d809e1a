package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/lom/pkg/channel"
	"github.com/openfroyo/lom/pkg/config"
	"github.com/openfroyo/lom/pkg/engine"
	"github.com/openfroyo/lom/pkg/policy"
	"github.com/openfroyo/lom/pkg/protocol"
	"github.com/openfroyo/lom/pkg/stores"
	"github.com/openfroyo/lom/pkg/telemetry"
)

type fakeEngine struct {
	sequences map[string]engine.SequenceSnapshot
	active    map[string]string
	aborted   map[string]string
	err       error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sequences: map[string]engine.SequenceSnapshot{},
		active:    map[string]string{},
		aborted:   map[string]string{},
	}
}

func (f *fakeEngine) Plugins() []engine.Plugin {
	return []engine.Plugin{{ProcID: "p1", State: engine.PluginActive, Actions: []string{"link_down"}}}
}

func (f *fakeEngine) Actions() []engine.Action {
	return []engine.Action{{Name: "link_down", ProcID: "p1", Priority: 1, Enabled: true, Type: engine.ActionTypeMitigation}}
}

func (f *fakeEngine) Sequences() []engine.SequenceSnapshot {
	out := []engine.SequenceSnapshot{}
	for _, s := range f.sequences {
		out = append(out, s)
	}
	return out
}

func (f *fakeEngine) Sequence(id string) (engine.SequenceSnapshot, bool) {
	s, ok := f.sequences[id]
	return s, ok
}

func (f *fakeEngine) Trigger(_ context.Context, a engine.Anomaly, _ bool) (engine.SequenceSnapshot, bool, error) {
	if f.err != nil {
		return engine.SequenceSnapshot{}, false, f.err
	}
	key := a.Name + "/" + a.Key
	if id, ok := f.active[key]; ok {
		return f.sequences[id], false, nil
	}
	snap := engine.SequenceSnapshot{ID: "seq-" + a.Key, Anomaly: a, State: engine.SequenceSelecting}
	f.sequences[snap.ID] = snap
	f.active[key] = snap.ID
	return snap, true, nil
}

func (f *fakeEngine) Abort(id, reason string) bool {
	if _, ok := f.sequences[id]; !ok {
		return false
	}
	f.aborted[id] = reason
	return true
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	healthy := NewHandler(Options{Engine: newFakeEngine(), Logger: zerolog.Nop()})
	rr := do(t, healthy, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])

	broken := NewHandler(Options{
		Engine: newFakeEngine(),
		Health: map[string]HealthCheck{
			"sqlite": func(context.Context) error { return nil },
			"redis":  func(context.Context) error { return errors.New("connection refused") },
		},
	})
	rr = do(t, broken, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]any](t, rr)
	failed := body["failed"].(map[string]any)
	assert.Equal(t, "connection refused", failed["redis"])
	assert.NotContains(t, failed, "sqlite")
}

func TestListPluginsAndActions(t *testing.T) {
	h := NewHandler(Options{Engine: newFakeEngine()})

	rr := do(t, h, http.MethodGet, "/v1/plugins", "")
	require.Equal(t, http.StatusOK, rr.Code)
	plugins := decode[[]engine.Plugin](t, rr)
	require.Len(t, plugins, 1)
	assert.Equal(t, "p1", plugins[0].ProcID)

	rr = do(t, h, http.MethodGet, "/v1/actions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	actions := decode[[]engine.Action](t, rr)
	require.Len(t, actions, 1)
	assert.Equal(t, "link_down", actions[0].Name)
}

func TestTriggerAnomaly(t *testing.T) {
	eng := newFakeEngine()
	h := NewHandler(Options{Engine: eng})

	body := `{"name":"link_flap","key":"Ethernet0","data":{"flaps":4},"timeouts":{"link_down":"2s"}}`
	rr := do(t, h, http.MethodPost, "/v1/anomalies", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	snap := decode[engine.SequenceSnapshot](t, rr)
	assert.Equal(t, "seq-Ethernet0", snap.ID)
	assert.Equal(t, 2*time.Second, snap.Anomaly.Timeouts["link_down"])
	assert.JSONEq(t, `{"flaps":4}`, string(snap.Anomaly.Data))

	// Same name and key coalesce onto the active sequence.
	rr = do(t, h, http.MethodPost, "/v1/anomalies", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "seq-Ethernet0", decode[engine.SequenceSnapshot](t, rr).ID)

	rr = do(t, h, http.MethodGet, "/v1/sequences/seq-Ethernet0", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/sequences", "")
	assert.Len(t, decode[[]engine.SequenceSnapshot](t, rr), 1)

	rr = do(t, h, http.MethodDelete, "/v1/sequences/seq-Ethernet0?reason=maintenance", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "maintenance", eng.aborted["seq-Ethernet0"])
}

func TestTriggerAnomaly_Errors(t *testing.T) {
	eng := newFakeEngine()
	h := NewHandler(Options{Engine: eng})

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "bad json", body: `{"name":`, status: http.StatusBadRequest},
		{name: "bad timeout", body: `{"name":"x","timeouts":{"a":"soon"}}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{"name":""}`, err: engine.NewMalformedError("anomaly name is required", nil), status: http.StatusBadRequest},
		{name: "shutting down", body: `{"name":"x"}`, err: &engine.EngineError{Code: protocol.ResultChannelClosed, Message: "engine is shutting down"}, status: http.StatusServiceUnavailable},
		{name: "internal", body: `{"name":"x"}`, err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng.err = tt.err
			rr := do(t, h, http.MethodPost, "/v1/anomalies", tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}

	rr := do(t, h, http.MethodGet, "/v1/sequences/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, http.MethodDelete, "/v1/sequences/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConfigRoutes(t *testing.T) {
	parser, err := config.NewParser()
	require.NoError(t, err)
	store := config.NewStore(parser, nil, zerolog.Nop())
	h := NewHandler(Options{Engine: newFakeEngine(), Config: store})

	rr := do(t, h, http.MethodGet, "/v1/config", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 16, decode[config.Config](t, rr).Global.MaxSteps)

	rr = do(t, h, http.MethodPatch, "/v1/config", `{"max_steps": 4}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 4, store.GlobalConfig().MaxSteps)

	rr = do(t, h, http.MethodPatch, "/v1/config/actions", `{"link_down": {"timeout": "10s", "on_failure": "abort"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ac := store.ActionConfig("link_down")
	assert.Equal(t, 10*time.Second, ac.Timeout)
	assert.Equal(t, engine.OnFailureAbort, ac.OnFailure)

	rr = do(t, h, http.MethodPatch, "/v1/config", `{"max_steps": 0}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, 4, store.GlobalConfig().MaxSteps)
}

func TestPolicyRoutes(t *testing.T) {
	policies, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	h := NewHandler(Options{Engine: newFakeEngine(), Policies: policies})

	rr := do(t, h, http.MethodGet, "/v1/policies", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]policy.Policy](t, rr), 2)

	rr = do(t, h, http.MethodPost, "/v1/policies/step-budget/enable", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	p, err := policies.GetPolicy("step-budget")
	require.NoError(t, err)
	assert.True(t, p.Enabled)

	rr = do(t, h, http.MethodPost, "/v1/policies/step-budget/disable", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/policies/nope/enable", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestPublishedStatusRoutes(t *testing.T) {
	ctx := context.Background()
	pub, err := stores.NewSQLitePublisher(stores.Config{Path: stores.MemoryPath}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, pub.Init(ctx))
	require.NoError(t, pub.Migrate(ctx))
	defer pub.Close()

	require.NoError(t, pub.PublishActionStatus(ctx, engine.ActionStatus{
		Action:     "link_down",
		ProcID:     "p1",
		InstanceID: "i-1",
		Status:     engine.InstanceCompleted,
		ResultCode: protocol.ResultOK,
		UpdatedAt:  time.Now(),
	}))

	h := NewHandler(Options{Engine: newFakeEngine(), Published: pub, Health: map[string]HealthCheck{"sqlite": pub.HealthCheck}})

	rr := do(t, h, http.MethodGet, "/v1/status/actions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	statuses := decode[[]engine.ActionStatus](t, rr)
	require.Len(t, statuses, 1)
	assert.Equal(t, engine.InstanceCompleted, statuses[0].Status)

	rr = do(t, h, http.MethodGet, "/v1/status/actions/link_down", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/status/actions/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOptionalRoutesAbsent(t *testing.T) {
	h := NewHandler(Options{Engine: newFakeEngine()})
	for _, path := range []string{"/v1/config", "/v1/policies", "/v1/status/actions", "/metrics"} {
		rr := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "lom"})
	require.NoError(t, err)
	metrics.SetActions(3)

	h := NewHandler(Options{Engine: newFakeEngine(), Metrics: metrics.Handler()})
	rr := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "lom_")
}

func TestServerEngine(t *testing.T) {
	bus := channel.NewBus()
	defer bus.Close()
	srv := engine.NewServer(bus, engine.Options{Logger: zerolog.Nop()})
	require.NoError(t, srv.Registry().RegisterPluginWithActions("p1", map[string]int{"link_down": 1}))
	// Keep link_down out of selection so the sequence ends without invoking it.
	cfg := engine.NewStaticConfig()
	ac := engine.DefaultActionConfig()
	ac.Disable = true
	cfg.Actions["link_down"] = ac
	srv.ApplyConfig(cfg)

	eng := NewServerEngine(srv)
	h := NewHandler(Options{Engine: eng})

	rr := do(t, h, http.MethodGet, "/v1/plugins", "")
	require.Equal(t, http.StatusOK, rr.Code)
	plugins := decode[[]engine.Plugin](t, rr)
	require.Len(t, plugins, 1)
	assert.Equal(t, []string{"link_down"}, plugins[0].Actions)

	rr = do(t, h, http.MethodPost, "/v1/anomalies?wait=true", `{"name":"link_flap","key":"Ethernet0"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	snap := decode[engine.SequenceSnapshot](t, rr)
	assert.Equal(t, engine.SequenceCompleted, snap.State)

	_, ok := eng.Sequence(snap.ID)
	assert.False(t, ok)
	assert.False(t, eng.Abort(snap.ID, "late"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestServeShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ln.Addr().String(), Options{Engine: newFakeEngine(), Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
