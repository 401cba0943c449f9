// Package logging provides JSON structured logging using zerolog.
//
// The process has one global logger. Every record it writes is also kept in
// an in-memory Cache so that recent log content can be served over the bus.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger.
type Config struct {
	Level      string `yaml:"level" toml:"level"`
	Output     string `yaml:"output" toml:"output"`
	TimeFormat string `yaml:"time_format" toml:"time_format"`
}

var (
	mu           sync.RWMutex
	globalLogger zerolog.Logger
	cache        = NewCache(DefaultCacheSize)
)

func init() {
	globalLogger = zerolog.New(zerolog.MultiLevelWriter(os.Stdout, cache)).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Init configures the global logger. Output is "stdout" (default) or
// "stderr".
func Init(config Config) error {
	var output io.Writer = os.Stdout
	switch config.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		return fmt.Errorf("unknown log output %q (expected stdout or stderr)", config.Output)
	}

	level := zerolog.InfoLevel
	if config.Level != "" {
		var err error
		level, err = ParseLevel(config.Level)
		if err != nil {
			return err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	mu.Lock()
	globalLogger = zerolog.New(zerolog.MultiLevelWriter(output, cache)).With().Timestamp().Logger()
	log.Logger = globalLogger
	mu.Unlock()

	zerolog.SetGlobalLevel(level)
	return nil
}

// ParseLevel accepts DEBUG, INFO, WARN (or WARNING), ERROR and FATAL in any
// case, plus every zerolog level name.
func ParseLevel(priority string) (zerolog.Level, error) {
	p := strings.ToLower(strings.TrimSpace(priority))
	if p == "warning" {
		p = "warn"
	}
	level, err := zerolog.ParseLevel(p)
	if err != nil || p == "" {
		return zerolog.NoLevel, fmt.Errorf("invalid log priority %q", priority)
	}
	return level, nil
}

// Priority returns the current level as an upper-case priority name.
func Priority() string {
	return strings.ToUpper(zerolog.GlobalLevel().String())
}

// SetLevel changes the level of every logger in the process and returns the
// previous priority.
func SetLevel(priority string) (string, error) {
	level, err := ParseLevel(priority)
	if err != nil {
		return "", err
	}
	old := Priority()
	zerolog.SetGlobalLevel(level)
	return old, nil
}

// GetLogger returns the global logger.
func GetLogger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return GetLogger().With().Str("component", component).Logger()
}

// GetCache returns the cache fed by the global logger.
func GetCache() *Cache {
	return cache
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}
