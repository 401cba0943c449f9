package bus

import (
	"fmt"
	"regexp"
)

// MaxInstanceIDLength is the longest accepted instance id.
const MaxInstanceIDLength = 255

// InstanceIDPattern matches valid instance ids: letters, digits and
// "_-./", not starting with a separator. '|' delimits slotInstanceIds,
// ':' delimits channel names and '*' and '>' are NATS wildcards.
var InstanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_./-]*$`)

// ValidateInstanceID checks that id can be used as a server or device id.
func ValidateInstanceID(id string) error {
	if id == "" {
		return fmt.Errorf("instance id cannot be empty")
	}

	if len(id) > MaxInstanceIDLength {
		return fmt.Errorf("instance id too long: %d characters (max: %d)", len(id), MaxInstanceIDLength)
	}

	if !InstanceIDPattern.MatchString(id) {
		return fmt.Errorf("invalid instance id '%s': must be letters, digits, '_', '-', '.' or '/' and not start with '-', '.' or '/'", id)
	}

	return nil
}
