// netstub CLI - driver-side network interception for test automation
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netstub/netstub/pkg/config"
	"github.com/netstub/netstub/pkg/logging"
	"github.com/netstub/netstub/pkg/netstub"
	"github.com/netstub/netstub/pkg/transport"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var (
	runConfigPath string
	runHostURL    string
	runToken      string
	runLogLevel   string
	runLogFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "netstub",
	Short: "Driver-side network interception for test automation",
	Long: `netstub is the driver side of a test-automation network-interception
protocol. It connects to a privileged host process that proxies the page's
HTTP traffic, tracks intercepted requests against registered routes, and
answers the host with continue, stub, and abort frames.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect a driver instance to the host process",
	Example: `  # Connect with defaults (ws://127.0.0.1:9400/driver)
  netstub run

  # Connect to a specific host
  netstub run --host-url wss://host.internal:9400/driver

  # Load settings from a config file
  netstub run --config netstub.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDriver(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("netstub %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "path to config file")
	runCmd.Flags().StringVar(&runHostURL, "host-url", "", "WebSocket URL of the host process")
	runCmd.Flags().StringVar(&runToken, "token", "", "authentication token for the host")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runLogFormat, "log-format", "", "log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges the config file, defaults, and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if runConfigPath != "" {
		loaded, err := config.Load(runConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if runHostURL != "" {
		cfg.HostURL = runHostURL
	}
	if runToken != "" {
		cfg.Token = runToken
	}
	if runLogLevel != "" {
		cfg.LogLevel = runLogLevel
	}
	if runLogFormat != "" {
		cfg.LogFormat = runLogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDriver(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := transport.Dial(ctx, &transport.Config{
		HostURL:     cfg.HostURL,
		Token:       cfg.Token,
		AckTimeout:  cfg.AckTimeout,
		DialTimeout: cfg.DialTimeout,
		EventBuffer: transport.DefaultEventBuffer,
	}, log)
	if err != nil {
		return err
	}
	defer ch.Close()

	log.Info("connected to host", "url", cfg.HostURL)

	registry := netstub.NewRegistry()
	runner := &sessionRunner{log: log}
	dispatcher := netstub.RegisterEvents(registry, ch, runner, log)
	runner.startSession()

	dispatcher.Run(ctx, ch.Events())

	stats := ch.Stats()
	log.Info("driver stopped",
		"eventsIn", stats.EventsIn, "emissions", stats.Emissions,
		"bytesIn", stats.BytesIn, "bytesOut", stats.BytesOut)
	return nil
}

// sessionRunner is the standalone-daemon stand-in for a real test runner:
// the whole session counts as one test boundary and attributed failures are
// reported on the error log.
type sessionRunner struct {
	log     *slog.Logger
	onStart []func()
}

func (r *sessionRunner) OnTestStart(fn func()) {
	r.onStart = append(r.onStart, fn)
}

func (r *sessionRunner) FailCurrentTest(err error) {
	r.log.Error("interception failure", "error", err)
}

func (r *sessionRunner) startSession() {
	for _, fn := range r.onStart {
		fn()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
