// Package device finds the measurement device the agent uploads from and
// tells the agent when it goes away.
package device

import (
	"context"
	"errors"
)

// Common errors returned by the device package.
var (
	// ErrNotReady is returned when the device metadata is missing or
	// incomplete. Recognition should be retried.
	ErrNotReady = errors.New("device not ready")
	// ErrNotAttached is returned when acting on a device that was removed.
	ErrNotAttached = errors.New("device not attached")
)

// Handle is an attached device.
type Handle interface {
	// Serial returns the device serial number.
	Serial() (string, error)
	// DatasetID returns the id of the recording held on the device.
	DatasetID() (string, error)
	// MeasuredFiles returns every file to upload, in a stable order.
	MeasuredFiles() ([]string, error)
	// ApplyCommand hands a clock or scheduling command to the device.
	ApplyCommand(command string) error
}

// Source discovers devices.
type Source interface {
	// Probe returns the attached device, or nil if there is none.
	Probe() (Handle, error)
	// AwaitInsertion blocks until a device is attached or ctx is done.
	AwaitInsertion(ctx context.Context) (Handle, error)
	// WatchRemoval delivers one event when h is removed. The channel is
	// closed after the event or when ctx is done.
	WatchRemoval(ctx context.Context, h Handle) <-chan struct{}
	// Attached reports whether a device is currently attached.
	Attached() bool
}
