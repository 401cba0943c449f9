package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "burrow:lab:instance:srv", InstanceChannel("lab", "srv"))
	assert.Equal(t, "burrow:lab:broadcast", BroadcastChannel("lab"))
	assert.Equal(t, "burrow:lab:signal:ts:signalTimeTick", SignalChannel("lab", "ts", "signalTimeTick"))
}

func TestInstanceNamespacing(t *testing.T) {
	assert.NotEqual(t, InstanceChannel("a", "x"), InstanceChannel("b", "x"))
	assert.NotEqual(t, BroadcastChannel("a"), BroadcastChannel("b"))
}

func TestAddressedTo(t *testing.T) {
	ids := JoinInstanceIDs("A", "B")
	assert.Equal(t, "|A|B|", ids)

	assert.True(t, AddressedTo(ids, "A"))
	assert.True(t, AddressedTo(ids, "B"))
	assert.False(t, AddressedTo(ids, "C"))
	assert.False(t, AddressedTo(ids, "|"), "separator alone is not an id")
	assert.False(t, AddressedTo("|AB|", "A"), "ids match whole tokens only")
	assert.True(t, AddressedTo(JoinInstanceIDs(Wildcard), Wildcard))
}
