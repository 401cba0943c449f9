// Package device defines the contract between the device server and the
// device actors it hosts, the class registry used to construct them, and a
// Base type that concrete devices embed.
package device

import (
	"context"

	"github.com/dyluth/burrow/pkg/bus"
)

// Config keys the server injects into every device configuration.
const (
	KeyServerID = "_serverId_"
	KeyDeviceID = "_deviceId_"
	KeyHostName = "hostName"
)

// Device is a hosted device actor.
type Device interface {
	ID() string
	ClassID() string

	// FinalizeInitialization brings the device onto the bus using conn and
	// runs its own initialization, which may be slow. consumeBroadcasts is
	// false when the hosting server forwards broadcasts in-process.
	FinalizeInitialization(ctx context.Context, conn bus.Connection, consumeBroadcasts bool, timeServerID string) error

	// OnTimeUpdate is called once per train id, in order, for running
	// devices.
	OnTimeUpdate(id, sec, frac, period uint64)

	// SlotTimeTick receives every external tick directly, bypassing the
	// ordered delivery of OnTimeUpdate.
	SlotTimeTick(id, sec, frac, period uint64)

	// Terminate stops the device and reports it gone to its server.
	Terminate()
}

// Factory constructs a device from its configuration.
type Factory func(cfg bus.Hash) (Device, error)

// DetailedError carries extra detail text, such as a stack trace, that is
// sent alongside the error message in a failure reply.
type DetailedError struct {
	Err    error
	Detail string
}

// WithDetails attaches details to err.
func WithDetails(err error, details string) error {
	if err == nil {
		return nil
	}
	return &DetailedError{Err: err, Detail: details}
}

func (e *DetailedError) Error() string   { return e.Err.Error() }
func (e *DetailedError) Unwrap() error   { return e.Err }
func (e *DetailedError) Details() string { return e.Detail }
