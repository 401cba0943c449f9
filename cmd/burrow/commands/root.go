package commands

import (
	"fmt"
	"time"

	"github.com/dyluth/burrow/internal/config"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Bus flags shared by the control commands.
var (
	brokerURL   string
	brokerTopic string
	callTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - device server for a slot-based control bus",
	Long: `Burrow hosts device actors in one process and exposes them on a
Redis or NATS message bus.

Run a server with 'burrow run', then start, inspect and stop devices
on it from any machine on the same bus.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	defaults := config.Default()
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", defaults.Broker.URL, "Broker URL (redis://, rediss://, unix:// or nats://)")
	rootCmd.PersistentFlags().StringVar(&brokerTopic, "topic", defaults.Broker.Topic, "Bus topic shared by cooperating processes")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second, "Timeout for requests to servers and devices")
}
