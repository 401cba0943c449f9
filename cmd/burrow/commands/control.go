package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/internal/server"
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	targetServer string
	startClassID string
	startID      string
	killDevice   string
	logLines     int
)

var startDeviceCmd = &cobra.Command{
	Use:   "start-device [key=value ...]",
	Short: "Start a device on a running server",
	Long: `Ask a server to start a device and wait for the outcome.

Configuration values are given as key=value and parsed as YAML scalars,
so count=3 is a number and enabled=true a boolean.

Examples:
  burrow start-device --server myServer --class Echo --id echo1 prefix=">"
  burrow start-device --server myServer --class TrainCounter`,
	RunE: runStartDevice,
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop a server or a single device",
	Long: `Stop a server with --server (all its devices go down with it) or a
single device with --device.`,
	Args: cobra.NoArgs,
	RunE: runKill,
}

var schemaCmd = &cobra.Command{
	Use:   "schema CLASS",
	Short: "Show the schema of a device class as served by a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchema,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent log records of a server",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

var logLevelCmd = &cobra.Command{
	Use:   "log-level PRIORITY",
	Short: "Change the log priority of a server (DEBUG, INFO, WARN, ERROR)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogLevel,
}

func init() {
	startDeviceCmd.Flags().StringVar(&targetServer, "server", "", "Server to start the device on (required)")
	startDeviceCmd.Flags().StringVar(&startClassID, "class", "", "Device class (required)")
	startDeviceCmd.Flags().StringVar(&startID, "id", "", "Device id (default: generated by the server)")
	startDeviceCmd.MarkFlagRequired("server")
	startDeviceCmd.MarkFlagRequired("class")

	killCmd.Flags().StringVar(&targetServer, "server", "", "Server to stop")
	killCmd.Flags().StringVar(&killDevice, "device", "", "Device to stop")
	killCmd.MarkFlagsMutuallyExclusive("server", "device")
	killCmd.MarkFlagsOneRequired("server", "device")

	schemaCmd.Flags().StringVar(&targetServer, "server", "", "Server to ask (required)")
	schemaCmd.MarkFlagRequired("server")

	logsCmd.Flags().StringVar(&targetServer, "server", "", "Server to ask (required)")
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 10, "Number of records")
	logsCmd.MarkFlagRequired("server")

	logLevelCmd.Flags().StringVar(&targetServer, "server", "", "Server to change (required)")
	logLevelCmd.MarkFlagRequired("server")

	rootCmd.AddCommand(startDeviceCmd, killCmd, schemaCmd, logsCmd, logLevelCmd)
}

// dialBus connects a short-lived client endpoint to the bus.
func dialBus(ctx context.Context) (*bus.Endpoint, func(), error) {
	id := "burrow-cli-" + uuid.New().String()[:8]
	conn, err := bus.Dial(brokerURL, brokerTopic, id)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, nil, err
	}

	ep := bus.NewEndpoint(conn, bus.Options{
		RequestTimeout: callTimeout,
		InstanceInfo:   bus.Hash{"type": "client", "lang": "go"},
	})
	if err := ep.Start(ctx); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ep, func() {
		ep.Stop(context.Background())
		conn.Close()
	}, nil
}

func busError(err error) error {
	return printer.ErrorWithContext(
		"cannot reach the bus",
		err.Error(),
		map[string]string{"Broker": brokerURL, "Topic": brokerTopic},
		[]string{"Check --broker and --topic.", "Check that the broker is running."},
	)
}

func requestError(target string, err error) error {
	explanation := err.Error()
	var remote *bus.RemoteError
	if errors.As(err, &remote) {
		explanation = remote.Message
		if remote.Details != "" {
			explanation += "\n\n" + remote.Details
		}
	}
	return printer.ErrorWithContext(
		fmt.Sprintf("request to '%s' failed", target),
		explanation,
		map[string]string{"Broker": brokerURL, "Topic": brokerTopic},
		nil,
	)
}

// parseAssignments turns key=value arguments into a configuration record.
// Booleans and numbers are parsed as YAML scalars, everything else stays a
// string. Dotted keys build nested records.
func parseAssignments(args []string) (bus.Hash, error) {
	cfg := bus.Hash{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}

		var value any = raw
		var scalar any
		if err := yaml.Unmarshal([]byte(raw), &scalar); err == nil {
			switch scalar.(type) {
			case bool, int, float64:
				value = scalar
			}
		}

		parts := strings.Split(key, ".")
		node := cfg
		for _, part := range parts[:len(parts)-1] {
			sub, ok := node.Sub(part)
			if !ok {
				sub = bus.Hash{}
				node[part] = sub
			}
			node = sub
		}
		node[parts[len(parts)-1]] = value
	}
	return cfg, nil
}

func runStartDevice(cmd *cobra.Command, args []string) error {
	cfg, err := parseAssignments(args)
	if err != nil {
		return printer.Error("invalid device configuration", err.Error(), nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ep, closeBus, err := dialBus(ctx)
	if err != nil {
		return busError(err)
	}
	defer closeBus()

	req := bus.Hash{"classId": startClassID, "configuration": cfg}
	if startID != "" {
		req["deviceId"] = startID
	}

	printer.Step("Starting %s device on %s...\n", startClassID, targetServer)
	reply, err := ep.Request(ctx, targetServer, server.SlotStartDevice, req)
	if err != nil {
		return requestError(targetServer, err)
	}

	deviceID, _ := firstString(reply)
	printer.Success("Device '%s' started on %s\n", deviceID, targetServer)
	fmt.Fprintln(cmd.OutOrStdout(), deviceID)
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ep, closeBus, err := dialBus(ctx)
	if err != nil {
		return busError(err)
	}
	defer closeBus()

	if killDevice != "" {
		if err := ep.Call(ctx, killDevice, device.SlotKillDevice); err != nil {
			return requestError(killDevice, err)
		}
		printer.Success("Kill sent to device '%s'\n", killDevice)
		return nil
	}

	reply, err := ep.Request(ctx, targetServer, server.SlotKillServer)
	if err != nil {
		return requestError(targetServer, err)
	}
	serverID, _ := firstString(reply)
	printer.Success("Server '%s' is shutting down\n", serverID)
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ep, closeBus, err := dialBus(ctx)
	if err != nil {
		return busError(err)
	}
	defer closeBus()

	reply, err := ep.Request(ctx, targetServer, server.SlotGetClassSchema, args[0])
	if err != nil {
		return requestError(targetServer, err)
	}
	if len(reply) == 0 {
		return printer.Error("empty schema reply", fmt.Sprintf("'%s' answered without a schema", targetServer), nil)
	}
	return writeJSON(cmd, reply[0])
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ep, closeBus, err := dialBus(ctx)
	if err != nil {
		return busError(err)
	}
	defer closeBus()

	reply, err := ep.Request(ctx, targetServer, server.SlotLoggerContent, bus.Hash{"logs": logLines})
	if err != nil {
		return requestError(targetServer, err)
	}
	if len(reply) == 0 {
		return nil
	}
	body, _ := bus.AsHash(reply[0])
	content, _ := body["content"].([]any)
	for _, record := range content {
		data, err := json.Marshal(jsonSafe(record))
		if err != nil {
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	}
	return nil
}

func runLogLevel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ep, closeBus, err := dialBus(ctx)
	if err != nil {
		return busError(err)
	}
	defer closeBus()

	if _, err := ep.Request(ctx, targetServer, server.SlotLoggerPriority, strings.ToUpper(args[0])); err != nil {
		return requestError(targetServer, err)
	}
	printer.Success("Log priority of '%s' set to %s\n", targetServer, strings.ToUpper(args[0]))
	return nil
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(jsonSafe(v), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// jsonSafe converts decoded bus values, whose nested maps may have
// non-string keys, into values encoding/json accepts.
func jsonSafe(v any) any {
	switch val := v.(type) {
	case bus.Hash:
		return jsonSafe(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonSafe(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	default:
		return v
	}
}
