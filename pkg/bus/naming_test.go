package bus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInstanceID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"default server id", "hostA_Server_123", false},
		{"default device id", "hostA-123_Foo_1", false},
		{"slash separated path", "SA1_XTD2/MOTOR/1", false},
		{"dotted host", "host.example_Server_1", false},
		{"single char", "x", false},
		{"empty", "", true},
		{"pipe", "a|b", true},
		{"colon", "a:b", true},
		{"wildcard", "*", true},
		{"nats wildcard", "a>", true},
		{"space", "a b", true},
		{"leading slash", "/motor", true},
		{"leading dash", "-motor", true},
		{"too long", strings.Repeat("a", MaxInstanceIDLength+1), true},
		{"max length", strings.Repeat("a", MaxInstanceIDLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInstanceID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
