package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/lom/pkg/api"
	"github.com/openfroyo/lom/pkg/engine"
)

func newTriggerCommand(g *globals) *cobra.Command {
	var (
		key      string
		data     string
		timeouts []string
		wait     bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "trigger <anomaly>",
		Short: "Report an anomaly to a running daemon",
		Long: `Report an anomaly and start a mitigation sequence for it.

An anomaly with the same name and key as an active sequence joins that sequence
instead of starting a new one.`,
		Example: `  # Start a sequence and return immediately
  lomd trigger link_flap --key Ethernet0

  # Pass anomaly data, shorten one action's timeout and wait for the outcome
  lomd trigger link_flap --key Ethernet0 --data '{"flaps":4}' --timeout-for link_down=5s --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.AnomalyRequest{Name: args[0], Key: key}
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				req.Data = json.RawMessage(data)
			}
			if len(timeouts) > 0 {
				req.Timeouts = make(map[string]string, len(timeouts))
				for _, t := range timeouts {
					action, d, ok := strings.Cut(t, "=")
					if !ok || action == "" {
						return fmt.Errorf("invalid --timeout-for %q, want action=duration", t)
					}
					req.Timeouts[action] = d
				}
			}

			path := "/v1/anomalies"
			if wait {
				path += "?wait=true"
			}

			var snap engine.SequenceSnapshot
			client := newAPIClient(g.baseURL(), timeout)
			if err := client.post(cmd.Context(), path, req, &snap); err != nil {
				return err
			}

			if g.jsonOutput {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSequence(cmd, snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "occurrence key, such as an interface name")
	cmd.Flags().StringVar(&data, "data", "", "anomaly data as a JSON document")
	cmd.Flags().StringSliceVar(&timeouts, "timeout-for", nil, "per-action timeout override as action=duration")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the sequence to terminate")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")

	return cmd
}

func printSequence(cmd *cobra.Command, snap engine.SequenceSnapshot) {
	w := out(cmd)
	state := string(snap.State)
	switch snap.State {
	case engine.SequenceCompleted:
		state = color.GreenString(state)
	case engine.SequenceAborted, engine.SequenceFailed, engine.SequenceTimedOut:
		state = color.RedString(state)
	}
	fmt.Fprintf(w, "sequence %s: %s\n", snap.ID, state)
	if snap.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", snap.Reason)
	}
	for i, e := range snap.Context {
		fmt.Fprintf(w, "  %d. %s %s", i+1, e.ActionName, e.ResultCode)
		if e.ResultStr != "" {
			fmt.Fprintf(w, " (%s)", e.ResultStr)
		}
		fmt.Fprintln(w)
	}
}
