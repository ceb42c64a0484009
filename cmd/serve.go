package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"localcloud/internal/app"
	"localcloud/internal/config"
	"localcloud/pkg/logging"
)

var (
	serveConfigFile   string
	servePort         int
	serveHost         string
	servePersist      bool
	serveDataDir      string
	serveLogLevel     string
	serveAssemblyDir  string
	serveDelayMS      int
	serveWatchInclude []string
	serveWatchExclude []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the emulator for a synthesized cloud assembly",
	Long: `Loads the cloud assembly, starts one in-process provider per declared
service, wires queue pollers, streams, subscriptions and schedules, and
serves each provider's wire protocol on its own local port. The
management API listens on the primary port under /_mgmt.

The emulator runs until interrupted. State is kept in a temporary
directory and dropped on exit unless --persist is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if serveConfigFile != "" {
		loaded, err := config.Load(serveConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags given explicitly override the file.
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("host") {
		cfg.Host = serveHost
	}
	if flags.Changed("persist") {
		cfg.Persist = servePersist
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = serveDataDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
	if flags.Changed("assembly") {
		cfg.AssemblyDir = serveAssemblyDir
	}
	if flags.Changed("eventual-consistency-delay-ms") {
		cfg.EventualConsistencyDelayMS = serveDelayMS
	}
	if flags.Changed("watch-include") {
		cfg.WatchInclude = serveWatchInclude
	}
	if flags.Changed("watch-exclude") {
		cfg.WatchExclude = serveWatchExclude
	}

	if cfg.AssemblyDir == "" {
		return fmt.Errorf("no assembly directory given: pass --assembly or set assemblyDir in the config file")
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), nil)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return app.Run(ctx, cfg)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigFile, "config", "", "YAML configuration file")
	serveCmd.Flags().IntVar(&servePort, "port", config.Default().Port, "Primary port; service surfaces use the following ports")
	serveCmd.Flags().StringVar(&serveHost, "host", config.Default().Host, "Host to bind every surface to")
	serveCmd.Flags().BoolVar(&servePersist, "persist", false, "Keep state across restarts under --data-dir")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", config.Default().DataDir, "Root directory for persisted state")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log threshold: debug, info, warn or error")
	serveCmd.Flags().StringVar(&serveAssemblyDir, "assembly", "", "Synthesized cloud assembly directory")
	serveCmd.Flags().IntVar(&serveDelayMS, "eventual-consistency-delay-ms", 0, "Delay stream dispatch to emulate eventual consistency")
	serveCmd.Flags().StringSliceVar(&serveWatchInclude, "watch-include", nil, "Globs the external re-synth watcher should include")
	serveCmd.Flags().StringSliceVar(&serveWatchExclude, "watch-exclude", nil, "Globs the external re-synth watcher should exclude")
}
