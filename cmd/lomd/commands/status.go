package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/lom/pkg/engine"
)

type statusReport struct {
	Plugins   []engine.Plugin           `json:"plugins"`
	Actions   []engine.Action           `json:"actions"`
	Sequences []engine.SequenceSnapshot `json:"sequences"`
}

func newStatusCommand(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plugins, actions and active sequences of a running daemon",
		Example: `  lomd status
  lomd status --api 10.0.0.5:9310 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(g.baseURL(), timeout)
			ctx := cmd.Context()

			var report statusReport
			if err := client.get(ctx, "/v1/plugins", &report.Plugins); err != nil {
				return err
			}
			if err := client.get(ctx, "/v1/actions", &report.Actions); err != nil {
				return err
			}
			if err := client.get(ctx, "/v1/sequences", &report.Sequences); err != nil {
				return err
			}

			if g.jsonOutput {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(out(cmd), report)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func printStatus(w io.Writer, report statusReport) {
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintln(w, bold("PLUGINS"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROC_ID\tSTATE\tGEN\tACTIONS\tLAST SEEN")
	for _, p := range report.Plugins {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			p.ProcID, pluginState(p.State), p.Generation, strings.Join(p.Actions, ","), p.LastSeen.Format(time.RFC3339))
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, bold("ACTIONS"))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROC_ID\tTYPE\tPRIORITY\tTIMEOUT\tON_FAILURE\tENABLED")
	for _, a := range report.Actions {
		enabled := color.GreenString("yes")
		if !a.Enabled {
			enabled = color.YellowString("no")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			a.Name, a.ProcID, a.Type, a.Priority, a.Timeout, a.OnFailure, enabled)
	}
	tw.Flush()

	fmt.Fprintln(w)
	fmt.Fprintln(w, bold("SEQUENCES"))
	if len(report.Sequences) == 0 {
		fmt.Fprintln(w, "none active")
		return
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tANOMALY\tKEY\tSTATE\tCURRENT\tSTEPS\tSTARTED")
	for _, s := range report.Sequences {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Anomaly.Name, s.Anomaly.Key, s.State, s.Current, len(s.Context), s.StartedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func pluginState(s engine.PluginState) string {
	switch s {
	case engine.PluginActive:
		return color.GreenString(string(s))
	case engine.PluginStale:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}
