// Package main implements lom-plugin, a plugin process that runs the shell-command
// actions declared in a manifest.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/lom/pkg/plugin"
)

// Version information (set via ldflags during build)
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		manifestPath string
		socket       string
		logLevel     string
		retry        time.Duration
	)

	root := &cobra.Command{
		Use:           "lom-plugin",
		Short:         "Run shell-command actions for lomd",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "plugin manifest (YAML)")
	_ = root.MarkPersistentFlagRequired("manifest")

	run := &cobra.Command{
		Use:   "run",
		Short: "Connect to lomd and serve the manifest's actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugin.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			if socket != "" {
				m.Socket = socket
			}

			logger, err := newLogger(cmd.ErrOrStderr(), logLevel)
			if err != nil {
				return err
			}

			err = plugin.NewRunner(m,
				plugin.WithLogger(logger),
				plugin.WithRetryInterval(retry),
			).Run(cmd.Context())
			if errors.Is(err, plugin.ErrShutdown) {
				logger.Info().Msg("Stopped by engine")
				return nil
			}
			return err
		},
	}
	run.Flags().StringVar(&socket, "socket", "", "engine socket, overriding the manifest")
	run.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	run.Flags().DurationVar(&retry, "retry", plugin.DefaultRetryInterval, "pause between connection attempts, 0 to exit on disconnect")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugin.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s with %d actions\n",
				color.GreenString("OK"), manifestPath, m.ProcID, len(m.Actions))
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %s", level)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(lvl).With().Timestamp().Logger(), nil
}
