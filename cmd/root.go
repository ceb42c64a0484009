package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"localcloud/internal/api"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates a clean shutdown.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeStartup indicates the emulator failed to come up: a broken
	// assembly, a dependency cycle, or a provider that could not start.
	ExitCodeStartup = 2
)

// rootCmd is the base command of the localcloud emulator.
var rootCmd = &cobra.Command{
	Use:   "localcloud",
	Short: "Run managed cloud services locally",
	Long: `localcloud emulates the managed services an application declares in its
synthesized cloud assembly: object storage, key-value tables, queues,
topics, event buses, workflows, functions and HTTP gateways. Handlers
run in-process against local state, so a full deploy cycle is not needed
to exercise application code.`,
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "localcloud version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		switch api.KindOf(err) {
		case api.KindConfiguration, api.KindProviderStart:
			os.Exit(ExitCodeStartup)
		default:
			os.Exit(ExitCodeError)
		}
	}
	os.Exit(ExitCodeSuccess)
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
