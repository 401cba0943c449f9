package server

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/pkg/bus"
)

// Identity describes the server on the bus. Only the log priority changes
// after construction.
type Identity struct {
	ServerID      string
	HostName      string
	PID           int
	Visibility    device.AccessLevel
	ServerFlags   int
	DeviceClasses []string // allowed classes; empty allows all

	mu          sync.Mutex
	logPriority string
}

// NewIdentity derives the identity from cfg. Unknown server flags are an
// error.
func NewIdentity(cfg *config.ServerConfig, pid int) (*Identity, error) {
	flags, err := cfg.ServerFlagsMask()
	if err != nil {
		return nil, err
	}

	host := cfg.HostName
	if host == "" {
		host = shortHostName()
	}
	serverID := cfg.ServerID
	if serverID == "" {
		serverID = DefaultServerID(host, pid)
	}
	priority := "INFO"
	if cfg.Log.Level != "" {
		priority = strings.ToUpper(cfg.Log.Level)
	}

	return &Identity{
		ServerID:      serverID,
		HostName:      host,
		PID:           pid,
		Visibility:    device.Observer,
		ServerFlags:   flags,
		DeviceClasses: append([]string(nil), cfg.DeviceClasses...),
		logPriority:   priority,
	}, nil
}

// DefaultServerID is the server id used when none is configured.
func DefaultServerID(host string, pid int) string {
	return fmt.Sprintf("%s_Server_%d", host, pid)
}

func shortHostName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	host, _, _ = strings.Cut(host, ".")
	return host
}

// ShortServerID collapses "host_..._<pid>" to "host-<pid>"; other ids are
// returned unchanged.
func (i *Identity) ShortServerID() string {
	tokens := strings.Split(i.ServerID, "_")
	if len(tokens) > 1 && tokens[len(tokens)-1] == strconv.Itoa(i.PID) {
		return tokens[0] + "-" + tokens[len(tokens)-1]
	}
	return i.ServerID
}

// LogPriority returns the announced log priority.
func (i *Identity) LogPriority() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.logPriority
}

// SetLogPriority records a new log priority.
func (i *Identity) SetLogPriority(priority string) {
	i.mu.Lock()
	i.logPriority = priority
	i.mu.Unlock()
}

// InstanceInfo builds the record announced on the bus.
func (i *Identity) InstanceInfo(version string, classes []string, visibilities []int) bus.Hash {
	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}

	classList := make([]any, len(classes))
	for n, c := range classes {
		classList[n] = c
	}
	visList := make([]any, len(visibilities))
	for n, v := range visibilities {
		visList[n] = v
	}

	return bus.Hash{
		"type":          "server",
		"serverId":      i.ServerID,
		"version":       version,
		"host":          i.HostName,
		"user":          userName,
		"lang":          "go",
		"visibility":    int(i.Visibility),
		"log":           i.LogPriority(),
		"serverFlags":   i.ServerFlags,
		"deviceClasses": classList,
		"visibilities":  visList,
	}
}
