package device

import (
	"fmt"
	"strings"

	"github.com/dyluth/burrow/pkg/bus"
)

// AccessLevel is the minimum user level required to see a class or
// instance.
type AccessLevel int

const (
	Observer AccessLevel = iota
	User
	Operator
	Expert
	Admin
)

var accessLevelNames = []string{"OBSERVER", "USER", "OPERATOR", "EXPERT", "ADMIN"}

func (a AccessLevel) String() string {
	if a < Observer || int(a) >= len(accessLevelNames) {
		return fmt.Sprintf("AccessLevel(%d)", int(a))
	}
	return accessLevelNames[a]
}

// ParseAccessLevel parses a level name in any case.
func ParseAccessLevel(s string) (AccessLevel, error) {
	for i, name := range accessLevelNames {
		if strings.EqualFold(s, name) {
			return AccessLevel(i), nil
		}
	}
	return Observer, fmt.Errorf("unknown access level %q", s)
}

// Parameter describes one configuration key of a device class.
type Parameter struct {
	Key         string
	Type        string
	Description string
	Default     any
	ReadOnly    bool
}

// Schema is the declared description of a device class.
type Schema struct {
	ClassID    string
	Visibility AccessLevel
	Parameters []Parameter
}

// ToHash renders the schema for a bus reply.
func (s *Schema) ToHash() bus.Hash {
	params := make([]any, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		entry := bus.Hash{
			"key":         p.Key,
			"type":        p.Type,
			"description": p.Description,
			"readOnly":    p.ReadOnly,
		}
		if p.Default != nil {
			entry["default"] = p.Default
		}
		params = append(params, entry)
	}
	return bus.Hash{
		"classId":    s.ClassID,
		"visibility": int(s.Visibility),
		"parameters": params,
	}
}
