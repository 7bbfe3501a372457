// Package identity provides the per-attach session identity sent in the meta
// block of every message.
package identity

import (
	"github.com/google/uuid"
)

// Identity names one device-attach cycle. It lives as long as the device
// stays attached and is discarded on removal.
type Identity struct {
	// InstanceID is generated fresh for every attach cycle.
	InstanceID string
	// DeviceSerial is read from the device metadata.
	DeviceSerial string
	// DataID identifies the measured dataset on the device.
	DataID string
}

// NewInstanceID generates a new opaque session token.
func NewInstanceID() string {
	return uuid.New().String()
}

// New returns an identity with a fresh instance id.
func New(serial, dataID string) Identity {
	return Identity{
		InstanceID:   NewInstanceID(),
		DeviceSerial: serial,
		DataID:       dataID,
	}
}

// IsZero reports whether no device has been recognized yet.
func (id Identity) IsZero() bool {
	return id.InstanceID == "" && id.DeviceSerial == "" && id.DataID == ""
}
