package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/internal/server"
	"github.com/spf13/cobra"
)

var (
	configPath string
)

var runCmd = &cobra.Command{
	Use:   "run [key=value ...]",
	Short: "Run a device server",
	Long: `Run a device server until it is killed over the bus or interrupted.

Configuration is read from --config (YAML or TOML, by extension) and then
overridden by key=value arguments:

  serverId=myServer deviceClasses=Echo,TrainCounter
  init='{"counter1": {"classId": "TrainCounter"}}'
  timeServerId=Timer heartbeatInterval=20 serverFlags=Development
  log.level=debug broker.url=nats://localhost:4222 health.addr=:8080

The --broker and --topic flags apply when neither the file nor an
argument sets the broker.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to server configuration file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd, configPath, args)
	if err != nil {
		return printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{"Check the configuration file and key=value arguments."},
		)
	}

	if err := logging.Init(cfg.Log); err != nil {
		return printer.Error("invalid log configuration", err.Error(), nil)
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Classes: newClassRegistry(),
		Version: version,
	})
	if err != nil {
		return printer.ErrorWithContext(
			"failed to create device server",
			err.Error(),
			map[string]string{"Broker": cfg.Broker.URL},
			nil,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return printer.ErrorWithContext(
			"device server failed",
			err.Error(),
			map[string]string{"Server": srv.ID(), "Broker": cfg.Broker.URL},
			[]string{"Check that the broker is reachable."},
		)
	}
	return nil
}

// loadServerConfig builds the configuration from defaults, the file, the
// bus flags and the key=value overrides, in that order of precedence.
func loadServerConfig(cmd *cobra.Command, path string, overrides []string) (*config.ServerConfig, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("broker") {
		cfg.Broker.URL = brokerURL
	}
	if cmd.Flags().Changed("topic") {
		cfg.Broker.Topic = brokerTopic
	}

	if err := cfg.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
