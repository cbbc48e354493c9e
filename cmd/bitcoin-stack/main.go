// Command bitcoin-stack supervises the node fleet: staged startup with health
// gates, restart policies, network zoning and certificate renewal, driven by a
// TOML manifest.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ooeygg/bitcoin-docker/internal/creds"
	"github.com/ooeygg/bitcoin-docker/internal/manifest"
	"github.com/ooeygg/bitcoin-docker/internal/netpolicy"
	"github.com/ooeygg/bitcoin-docker/internal/sequence"
	"github.com/ooeygg/bitcoin-docker/internal/stack"
)

// Exit codes, stable for scripting.
const (
	exitOK       = 0
	exitConfig   = 1
	exitStartup  = 2
	exitTeardown = 3
)

var (
	flagManifest     string
	flagCreds        string
	flagDataDir      string
	flagHTTPAddr     string
	flagStageTimeout time.Duration
	flagStrictCreds  bool
	flagLogLevel     string

	rootCmd = &cobra.Command{
		Use:           "bitcoin-stack",
		Short:         "Supervisor for the bitcoin node stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagLogLevel)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagManifest, "manifest", "m", envOr("BITCOIN_STACK_MANIFEST", "stack.toml"), "stack manifest path")
	pf.StringVar(&flagCreds, "creds", envOr("BITCOIN_STACK_CREDS", ".env"), "credential file path")
	pf.StringVar(&flagDataDir, "data-dir", envOr("BITCOIN_STACK_DATA_DIR", "data"), "runtime data directory (state, logs, certs)")
	pf.StringVar(&flagHTTPAddr, "http", envOr("BITCOIN_STACK_HTTP", "127.0.0.1:8480"), "control API listen address")
	pf.DurationVar(&flagStageTimeout, "stage-timeout", 2*time.Minute, "collective health budget per startup stage")
	pf.BoolVar(&flagStrictCreds, "strict-creds", false, "treat placeholder credential values as errors")
	pf.StringVar(&flagLogLevel, "log-level", envOr("BITCOIN_STACK_LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error)")
}

// envOr lets operational knobs come from the environment, flags win.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func stackOptions() stack.Options {
	return stack.Options{
		ManifestPath: flagManifest,
		CredsPath:    flagCreds,
		DataDir:      flagDataDir,
		HTTPAddr:     flagHTTPAddr,
		StageTimeout: flagStageTimeout,
		StrictCreds:  flagStrictCreds,
	}
}

// exitCode maps error classes onto the documented exit codes: 1 for anything
// caught before processes start, 2 for a startup stage that missed its health
// budget, 3 for an incomplete teardown.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		stageErr    *stack.StageError
		teardownErr *stack.TeardownError
	)
	switch {
	case errors.As(err, &stageErr):
		return exitStartup
	case errors.As(err, &teardownErr):
		return exitTeardown
	}
	var (
		cfgErr   *manifest.ConfigError
		zoneErr  *netpolicy.ViolationError
		missErr  *creds.MissingKeysError
		placeErr *creds.PlaceholderError
		cycleErr *sequence.CycleError
	)
	switch {
	case errors.As(err, &cfgErr),
		errors.As(err, &zoneErr),
		errors.As(err, &missErr),
		errors.As(err, &placeErr),
		errors.As(err, &cycleErr):
		return exitConfig
	}
	return exitConfig
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
