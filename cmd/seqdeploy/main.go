package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/seqdeploy/cmd/seqdeploy/commands"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(envLevel("LOG_LEVEL"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err != nil {
		log.Error().Err(err).Msg("Command execution failed")
	}
	os.Exit(commands.ExitCode(err))
}

// handleSignals cancels the run on the first interrupt. Servers already
// started still resume on the load balancer. A second interrupt exits at once.
func handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	sig := <-signals
	log.Warn().Str("signal", sig.String()).Msg("Cancelling run, waiting for started servers to finish")
	cancel()

	<-signals
	log.Error().Msg("Second interrupt, exiting without cleanup")
	os.Exit(130)
}

func envLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(os.Getenv(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
