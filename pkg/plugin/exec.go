package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/lom/pkg/client"
	"github.com/openfroyo/lom/pkg/protocol"
)

const defaultShell = "/bin/sh"

// ExecResult is the action data reported for one command run.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Duration float64 `json:"duration"`

	// Output holds stdout when it is a JSON document, so later actions can read its
	// fields from the sequence context.
	Output json.RawMessage `json:"output,omitempty"`
}

// ExecHandler runs the command of one action.
//
// The action request is written to the command's stdin as JSON. LOM_ACTION,
// LOM_INSTANCE_ID and LOM_PROC_ID are added to its environment.
type ExecHandler struct {
	Spec   ActionSpec
	ProcID string
	Logger zerolog.Logger
}

// Handle runs the command. A non-zero exit fails the action with its result as data.
func (h *ExecHandler) Handle(ctx context.Context, req *protocol.ActionRequest) (json.RawMessage, error) {
	if h.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Spec.Timeout)
		defer cancel()
	}

	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := h.command(ctx)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"LOM_ACTION="+req.ActionName,
		"LOM_INSTANCE_ID="+req.InstanceID,
		"LOM_PROC_ID="+h.ProcID,
	)
	for k, v := range h.Spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if h.Spec.WorkDir != "" {
		cmd.Dir = h.Spec.WorkDir
	}
	// Wait for output pipes only briefly once the process is killed.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 && json.Valid(out) {
		result.Output = json.RawMessage(out)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &client.ResultError{Op: "exec", Code: protocol.ResultActionFailed, Message: runErr.Error()}
		}
		result.ExitCode = exitErr.ExitCode()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	h.Logger.Debug().
		Str("action", req.ActionName).
		Int("exit_code", result.ExitCode).
		Float64("duration", result.Duration).
		Msg("Command finished")

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return data, &client.ResultError{Op: "exec", Code: protocol.ResultTimeout, Message: h.Spec.Command + " timed out"}
	}
	if ctx.Err() != nil {
		return data, ctx.Err()
	}
	if result.ExitCode != 0 {
		return data, &client.ResultError{
			Op:      "exec",
			Code:    protocol.ResultActionFailed,
			Message: fmt.Sprintf("%s exited with code %d", h.Spec.Command, result.ExitCode),
		}
	}
	return data, nil
}

func (h *ExecHandler) command(ctx context.Context) *exec.Cmd {
	if len(h.Spec.Args) > 0 {
		return exec.CommandContext(ctx, h.Spec.Command, h.Spec.Args...)
	}
	shell := h.Spec.Shell
	if shell == "" {
		shell = defaultShell
	}
	return exec.CommandContext(ctx, shell, "-c", h.Spec.Command)
}
