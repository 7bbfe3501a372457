package agent

import "fmt"

// State is the program state of the agent.
type State int

const (
	// Initialized waits for a device and reads its identity.
	Initialized State = iota
	// DeviceRecognized builds the data package.
	DeviceRecognized
	// DataPacked uploads the package.
	DataPacked
	// DataSent announces the recording initialization.
	DataSent
	// DeviceInitialized listens for parametrization commands.
	DeviceInitialized
	// ConnectionLost reconnects and flushes queued notifications.
	ConnectionLost
	// Reconnected returns to the saved state.
	Reconnected
)

var stateNames = []string{
	"Initialized",
	"DeviceRecognized",
	"DataPacked",
	"DataSent",
	"DeviceInitialized",
	"ConnectionLost",
	"Reconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState returns the state named name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Initialized, fmt.Errorf("unknown state %q", name)
}

// resumable reports whether s is an online phase a reconnect returns to.
func (s State) resumable() bool {
	return s == DataPacked || s == DataSent || s == DeviceInitialized
}
