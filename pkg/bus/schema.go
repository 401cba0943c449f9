package bus

import (
	"fmt"
	"strings"
)

// Channel name helpers
//
// All channels are namespaced by topic so that several burrow installations
// can share one broker without interference.
//
// Channel pattern: burrow:{topic}:{kind}[:{instance_id}[:{signal}]]

// InstanceChannel returns the channel an instance listens on for directed
// calls and replies.
// Pattern: burrow:{topic}:instance:{instance_id}
func InstanceChannel(topic, instanceID string) string {
	return fmt.Sprintf("burrow:%s:instance:%s", topic, instanceID)
}

// BroadcastChannel returns the channel every broadcast is published on.
// Pattern: burrow:{topic}:broadcast
func BroadcastChannel(topic string) string {
	return fmt.Sprintf("burrow:%s:broadcast", topic)
}

// SignalChannel returns the channel an instance emits a signal on.
// Pattern: burrow:{topic}:signal:{instance_id}:{signal}
func SignalChannel(topic, instanceID, signal string) string {
	return fmt.Sprintf("burrow:%s:signal:%s:%s", topic, instanceID, signal)
}

// Header keys used by Endpoint.
const (
	HeaderSignalInstanceID = "signalInstanceId"
	HeaderSignalFunction   = "signalFunction"
	HeaderSlotInstanceIDs  = "slotInstanceIds"
	HeaderSlotFunction     = "slotFunction"
	HeaderReplyTo          = "replyTo"
	HeaderReplyID          = "replyId"
	HeaderReplyFrom        = "replyFrom"
	HeaderHostName         = "hostName"
	HeaderUserName         = "userName"
)

// Body keys used by Endpoint.
const (
	BodyArgs    = "args"
	BodyError   = "error"
	BodyDetails = "details"
)

// Wildcard addresses every instance in a slotInstanceIds header.
const Wildcard = "*"

// JoinInstanceIDs builds a slotInstanceIds header value: "|a|b|".
func JoinInstanceIDs(ids ...string) string {
	return "|" + strings.Join(ids, "|") + "|"
}

// AddressedTo reports whether the slotInstanceIds value names id explicitly.
func AddressedTo(slotInstanceIDs, id string) bool {
	return strings.Contains(slotInstanceIDs, "|"+id+"|")
}
