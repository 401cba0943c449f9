package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "burrow.yml", `serverId: cam_server
deviceClasses: [Echo, TrainCounter]
timeServerId: timeserver
heartbeatInterval: 20
instantiationTimeout: 30
serverFlags: [Development]
broker:
  url: redis://redis:6379/1
  topic: lab
log:
  level: debug
health:
  addr: ":8080"
init: '{"counter_1": {"classId": "TrainCounter"}}'
`)

	config, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "cam_server", config.ServerID)
	assert.Equal(t, []string{"Echo", "TrainCounter"}, config.DeviceClasses)
	assert.Equal(t, "timeserver", config.TimeServerID)
	assert.Equal(t, 20, config.HeartbeatInterval)
	assert.Equal(t, 30, config.InstantiationTimeout)
	assert.Equal(t, "redis://redis:6379/1", config.Broker.URL)
	assert.Equal(t, "lab", config.Broker.Topic)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, ":8080", config.Health.Addr)

	mask, err := config.ServerFlagsMask()
	require.NoError(t, err)
	assert.Equal(t, 1, mask)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "burrow.toml", `serverId = "cam_server"
deviceClasses = ["Echo"]

[broker]
url = "nats://localhost:4222"
`)

	config, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "cam_server", config.ServerID)
	assert.Equal(t, []string{"Echo"}, config.DeviceClasses)
	assert.Equal(t, "nats://localhost:4222", config.Broker.URL)
	assert.Equal(t, "burrow", config.Broker.Topic, "defaults survive partial files")
	assert.Equal(t, MinHeartbeatInterval, config.HeartbeatInterval)
	assert.Equal(t, DefaultInstantiationTimeout, config.InstantiationTimeout)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		config, err := Load("/nonexistent/burrow.yml")
		assert.Error(t, err)
		assert.Nil(t, config)
		assert.Contains(t, err.Error(), "failed to read config")
	})

	t.Run("invalid YAML", func(t *testing.T) {
		path := writeConfig(t, "burrow.yaml", "serverId: [unclosed\n")
		_, err := Load(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML")
	})

	t.Run("invalid TOML", func(t *testing.T) {
		path := writeConfig(t, "burrow.toml", "serverId = \n")
		_, err := Load(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse TOML")
	})

	t.Run("unknown extension", func(t *testing.T) {
		path := writeConfig(t, "burrow.json", "{}")
		_, err := Load(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported config format")
	})
}

func TestApplyOverrides(t *testing.T) {
	config := Default()
	err := config.ApplyOverrides([]string{
		"serverId=srv",
		"hostName=hostA",
		"deviceClasses=Echo, TrainCounter",
		"heartbeatInterval=30",
		"instantiationTimeout=3",
		"serverFlags=Development",
		`init={"e":{"classId":"Echo"}}`,
		"timeServerId=ts",
		"broker.url=redis://other:6379",
		"broker.topic=beamline",
		"log.level=WARN",
		"health.addr=:9090",
	})
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "srv", config.ServerID)
	assert.Equal(t, "hostA", config.HostName)
	assert.Equal(t, []string{"Echo", "TrainCounter"}, config.DeviceClasses)
	assert.Equal(t, 30, config.HeartbeatInterval)
	assert.Equal(t, 3, config.InstantiationTimeout)
	assert.Equal(t, []string{"Development"}, config.ServerFlags)
	assert.Equal(t, `{"e":{"classId":"Echo"}}`, config.Init)
	assert.Equal(t, "ts", config.TimeServerID)
	assert.Equal(t, "redis://other:6379", config.Broker.URL)
	assert.Equal(t, "beamline", config.Broker.Topic)
	assert.Equal(t, "WARN", config.Log.Level)
	assert.Equal(t, ":9090", config.Health.Addr)

	assert.Error(t, config.ApplyOverrides([]string{"noequals"}))
	assert.Error(t, config.ApplyOverrides([]string{"color=blue"}))
	assert.Error(t, config.ApplyOverrides([]string{"heartbeatInterval=soon"}))
	assert.Error(t, config.ApplyOverrides([]string{"instantiationTimeout=later"}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ServerConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *ServerConfig) {},
		},
		{
			name:    "obsolete autoStart key",
			mutate:  func(c *ServerConfig) { c.AutoStart = []any{} },
			wantErr: "'autoStart' syntax not supported anymore, use 'init'",
		},
		{
			name:    "heartbeat too short",
			mutate:  func(c *ServerConfig) { c.HeartbeatInterval = 5 },
			wantErr: "heartbeatInterval must be >= 10",
		},
		{
			name:    "zero instantiation timeout",
			mutate:  func(c *ServerConfig) { c.InstantiationTimeout = 0 },
			wantErr: "instantiationTimeout must be > 0 seconds, got 0",
		},
		{
			name:    "unknown server flag",
			mutate:  func(c *ServerConfig) { c.ServerFlags = []string{"Development", "Turbo"} },
			wantErr: "unknown server flag 'Turbo'",
		},
		{
			name:    "missing broker url",
			mutate:  func(c *ServerConfig) { c.Broker.URL = "" },
			wantErr: "broker.url is required",
		},
		{
			name:    "missing topic",
			mutate:  func(c *ServerConfig) { c.Broker.Topic = "" },
			wantErr: "broker.topic is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *ServerConfig) { c.Log.Level = "chatty" },
			wantErr: "invalid log priority",
		},
		{
			name:    "malformed init",
			mutate:  func(c *ServerConfig) { c.Init = `{"dev": ` },
			wantErr: "invalid init",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AutoStartFromFile(t *testing.T) {
	path := writeConfig(t, "burrow.yml", `autoStart:
  - Echo: {deviceId: e1}
`)
	config, err := Load(path)
	require.NoError(t, err)

	err = config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use 'init'")
}
