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

	"github.com/openfroyo/lom/pkg/client"
	"github.com/openfroyo/lom/pkg/protocol"
)

func request(action string) *protocol.ActionRequest {
	return &protocol.ActionRequest{
		RequestType: protocol.RequestTypeAction,
		ActionName:  action,
		InstanceID:  "inst-1",
		Context: []protocol.ContextEntry{
			{ActionName: "link_flap", InstanceID: "inst-0", ActionData: json.RawMessage(`{"flaps":4}`)},
		},
	}
}

func run(t *testing.T, spec ActionSpec) (ExecResult, error) {
	t.Helper()
	h := &ExecHandler{Spec: spec, ProcID: "p1", Logger: zerolog.Nop()}
	data, err := h.Handle(context.Background(), request(spec.Name))

	var result ExecResult
	if data != nil {
		require.NoError(t, json.Unmarshal(data, &result))
	}
	return result, err
}

func TestExecHandler(t *testing.T) {
	t.Run("shell command", func(t *testing.T) {
		result, err := run(t, ActionSpec{Name: "a", Command: "echo hello; echo oops >&2"})
		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "hello\n", result.Stdout)
		assert.Equal(t, "oops\n", result.Stderr)
		assert.Nil(t, result.Output)
	})

	t.Run("direct exec", func(t *testing.T) {
		result, err := run(t, ActionSpec{Name: "a", Command: "/bin/echo", Args: []string{"-n", "$HOME"}})
		require.NoError(t, err)
		assert.Equal(t, "$HOME", result.Stdout)
	})

	t.Run("environment", func(t *testing.T) {
		result, err := run(t, ActionSpec{
			Name:    "link_down",
			Command: `printf '%s %s %s %s' "$LOM_ACTION" "$LOM_INSTANCE_ID" "$LOM_PROC_ID" "$IFACE"`,
			Env:     map[string]string{"IFACE": "Ethernet0"},
		})
		require.NoError(t, err)
		assert.Equal(t, "link_down inst-1 p1 Ethernet0", result.Stdout)
	})

	t.Run("working directory", func(t *testing.T) {
		dir := t.TempDir()
		result, err := run(t, ActionSpec{Name: "a", Command: "pwd -P", WorkDir: dir})
		require.NoError(t, err)
		assert.Contains(t, result.Stdout, filepath.Base(dir))
	})

	t.Run("request on stdin", func(t *testing.T) {
		result, err := run(t, ActionSpec{Name: "a", Command: "cat"})
		require.NoError(t, err)

		var req protocol.ActionRequest
		require.NoError(t, json.Unmarshal([]byte(result.Stdout), &req))
		assert.Equal(t, "inst-1", req.InstanceID)
		require.Len(t, req.Context, 1)
		assert.JSONEq(t, `{"flaps":4}`, string(req.Context[0].ActionData))
		assert.NotNil(t, result.Output)
	})

	t.Run("json output", func(t *testing.T) {
		result, err := run(t, ActionSpec{Name: "a", Command: `echo '{"down":true}'`})
		require.NoError(t, err)
		assert.JSONEq(t, `{"down":true}`, string(result.Output))
	})

	t.Run("non-zero exit", func(t *testing.T) {
		result, err := run(t, ActionSpec{Name: "a", Command: "echo partial; exit 3"})
		require.Error(t, err)
		assert.Equal(t, protocol.ResultActionFailed, client.CodeOf(err))
		assert.Equal(t, 3, result.ExitCode)
		assert.Equal(t, "partial\n", result.Stdout)
	})

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		_, err := run(t, ActionSpec{Name: "a", Command: "sleep 5", Timeout: 100 * time.Millisecond})
		require.Error(t, err)
		assert.Equal(t, protocol.ResultTimeout, client.CodeOf(err))
		assert.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := run(t, ActionSpec{Name: "a", Command: "/nonexistent/cmd", Args: []string{"x"}})
		require.Error(t, err)
		assert.Equal(t, protocol.ResultActionFailed, client.CodeOf(err))
	})
}
