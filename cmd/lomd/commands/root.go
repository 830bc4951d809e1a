package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const defaultAPIAddr = "127.0.0.1:9310"

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	apiAddr    string
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	g := &globals{version: version}

	rootCmd := &cobra.Command{
		Use:   "lomd",
		Short: "Link-health orchestration daemon",
		Long: `lomd runs the orchestration core of a fault detection and mitigation system.

Plugin processes connect over a unix socket, register the actions they own and run
them on request. When an anomaly is reported, lomd runs a mitigation sequence:
it invokes eligible actions one at a time, by priority, feeding each the results
of the ones before it, while enforcing timeouts and heartbeats.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file or directory (CUE or JSON)")
	rootCmd.PersistentFlags().StringVar(&g.apiAddr, "api", defaultAPIAddr, "address of the lomd API")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(g))
	rootCmd.AddCommand(newValidateCommand(g))
	rootCmd.AddCommand(newStatusCommand(g))
	rootCmd.AddCommand(newTriggerCommand(g))

	return rootCmd
}

func (g *globals) baseURL() string {
	return "http://" + g.apiAddr
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
