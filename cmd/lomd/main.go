// Command lomd is the link-health orchestration daemon and its operator CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/lom/cmd/lomd/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupCLILogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The first signal starts a graceful shutdown of sequences and plugins; restoring
	// default handling lets a second one kill a daemon stuck in shutdown.
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("lomd failed")
		os.Exit(1)
	}
}

// setupCLILogger configures the global logger used by status, trigger and validate.
// serve builds its own logger from the telemetry section of the config.
func setupCLILogger() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: color.NoColor})

	level := os.Getenv("LOM_LOG_LEVEL")
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("LOM_LOG_LEVEL", level).Msg("Ignoring unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
