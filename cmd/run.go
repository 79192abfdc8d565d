package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/browsertest/internal/config"
	"github.com/ethpandaops/browsertest/internal/runner"
)

var (
	runBasePath      string
	runBrowsers      []string
	runRemote        []string
	runManifest      string
	runConcurrency   int
	runSoftRetries   int
	runHardRetries   int
	runHeadless      bool
	runDebug         bool
	runVerbose       bool
	runID            string
	runFlags         []string
	runIsolatedFlags []string
	runGridURL       string
	runTunnelCmd     string
	runListen        string
	keepRemoteOpen   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the browser test suite",
	Long: `Run the browser test suite across the requested browsers and drive it
to a single pass/fail verdict.

Each requested browser yields one unit of work per isolated flag plus
one for the shared flag set. Units are admitted up to the concurrency
bound; a failing unit is first soft-retried (page reload), then
hard-retried (fresh session), then recorded as failed.

Browser arguments use the form name[@version][:platform], e.g.
"chromium", "firefox@128:linux". Remote browsers are resolved against
the grid's catalog before any session starts.

Examples:
  browsertest run --base-path http://localhost:8080/suite --browser chromium
  browsertest run --base-path http://localhost:8080/suite \
    --remote firefox:linux --grid-url wss://grid.example.com --concurrency 4`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := &config.Config{
			BasePath:       runBasePath,
			Concurrency:    runConcurrency,
			SoftRetries:    runSoftRetries,
			HardRetries:    runHardRetries,
			Headless:       runHeadless,
			Debug:          runDebug,
			Verbose:        runVerbose,
			RunID:          runID,
			Flags:          runFlags,
			IsolatedFlags:  runIsolatedFlags,
			KeepRemoteOpen: keepRemoteOpen,
			GridURL:        runGridURL,
			TunnelCommand:  runTunnelCmd,
			ListenAddr:     runListen,
		}

		for _, arg := range runBrowsers {
			cfg.Browsers = append(cfg.Browsers, config.ParseBrowser(arg, false))
		}
		for _, arg := range runRemote {
			cfg.Browsers = append(cfg.Browsers, config.ParseBrowser(arg, true))
		}
		if runManifest != "" {
			browsers, err := config.LoadManifest(runManifest)
			if err != nil {
				return err
			}
			cfg.Browsers = append(cfg.Browsers, browsers...)
		}

		cfg.Normalize(time.Now())
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid run configuration: %w", err)
		}

		log := newLogger(cfg.Verbose)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		orch := runner.New(runner.Config{Logger: log, Run: cfg})
		if err := orch.Run(ctx); err != nil {
			return fmt.Errorf("test run failed: %w", err)
		}

		fmt.Printf("\n✅ Test run '%s' passed successfully!\n", cfg.RunID)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runBasePath, "base-path", "", "URL of the served test suite root (required)")
	runCmd.Flags().StringSliceVar(&runBrowsers, "browser", nil, "local browser to run, repeatable (name[@version][:platform])")
	runCmd.Flags().StringSliceVar(&runRemote, "remote", nil, "remote browser to run on the grid, repeatable")
	runCmd.Flags().StringVar(&runManifest, "browser-manifest", "", "YAML manifest of browsers to run")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 1, "maximum simultaneously active browser sessions")
	runCmd.Flags().IntVar(&runSoftRetries, "soft-retries", 1, "page reloads allowed per failing unit")
	runCmd.Flags().IntVar(&runHardRetries, "hard-retries", 1, "session relaunches allowed per failing unit")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "run browsers headless (incompatible with --debug)")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "leave sessions open for inspection when the run fails")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "enable debug logging")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (derived from configuration when omitted)")
	runCmd.Flags().StringSliceVar(&runFlags, "flag", nil, "browser flag applied to every unit, repeatable")
	runCmd.Flags().StringSliceVar(&runIsolatedFlags, "isolated-flag", nil, "browser flag run as its own unit, repeatable")
	runCmd.Flags().StringVar(&runGridURL, "grid-url", "", "websocket endpoint of the remote grid")
	runCmd.Flags().StringVar(&runTunnelCmd, "tunnel-cmd", "", "command establishing the grid tunnel for the run")
	runCmd.Flags().StringVar(&runListen, "listen", "", "report transport listen address (default 127.0.0.1:0)")
	runCmd.Flags().BoolVar(&keepRemoteOpen, "keep-remote-open", false, "leave remote sessions open on failure and print a dashboard hint")

	rootCmd.AddCommand(runCmd)
}
