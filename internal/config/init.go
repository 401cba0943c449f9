package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyluth/burrow/pkg/bus"
)

// AutoStartEntry is one device the server starts by itself at startup.
type AutoStartEntry struct {
	DeviceID string
	ClassID  string
	Config   bus.Hash
}

// Request returns the start request the entry is replayed as.
func (e AutoStartEntry) Request() bus.Hash {
	return bus.Hash{
		"classId":       e.ClassID,
		"deviceId":      e.DeviceID,
		"configuration": e.Config.Clone(),
	}
}

// ParseInit parses the init JSON object
//
//	{"<deviceId>": {"classId": "<classId>", <configuration>...}, ...}
//
// into auto-start entries in document order. An empty string yields no
// entries.
func ParseInit(init string) ([]AutoStartEntry, error) {
	if strings.TrimSpace(init) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(init))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var entries []AutoStartEntry
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid init: %w", err)
		}
		deviceID := tok.(string)

		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid init entry '%s': %w", deviceID, err)
		}
		if raw == nil {
			return nil, fmt.Errorf("invalid init entry '%s': expected an object", deviceID)
		}
		if seen[deviceID] {
			return nil, fmt.Errorf("invalid init: device '%s' listed twice", deviceID)
		}
		seen[deviceID] = true

		classID, _ := raw["classId"].(string)
		if classID == "" {
			return nil, fmt.Errorf("invalid init entry '%s': missing classId", deviceID)
		}
		delete(raw, "classId")

		entries = append(entries, AutoStartEntry{
			DeviceID: deviceID,
			ClassID:  classID,
			Config:   normalizeJSON(raw).(bus.Hash),
		})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid init: trailing data after object")
	}
	return entries, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("invalid init: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("invalid init: expected '%c', got %v", want, tok)
	}
	return nil
}

// normalizeJSON turns decoded JSON into bus values: objects become Hash and
// integral numbers become int64.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(bus.Hash, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeJSON(item)
		}
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return val
	}
}
