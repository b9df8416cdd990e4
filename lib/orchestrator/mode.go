package orchestrator

import (
	"fmt"
)

// Mode is the replication state of a context.
type Mode uint8

const (
	// Disabled performs no remote operations
	Disabled Mode = iota
	// ReadOnly pulls from the remote but never pushes
	ReadOnly
	// Progressive pulls and pushes at a reduced rate while the conflict rate is watched
	Progressive
	// Live syncs in both directions at standard rates
	Live
	// Degraded suspends remote operations until the remote breakers close again
	Degraded
)

var modeNames = map[Mode]string{
	Disabled:    "Disabled",
	ReadOnly:    "ReadOnly",
	Progressive: "Progressive",
	Live:        "Live",
	Degraded:    "Degraded",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	for mode, name := range modeNames {
		if name == string(b) {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// CanPull reports whether remote pulls run in this mode.
func (m Mode) CanPull() bool {
	return m == ReadOnly || m == Progressive || m == Live
}

// CanPush reports whether remote pushes run in this mode.
func (m Mode) CanPush() bool {
	return m == Progressive || m == Live
}

// active reports whether the mode may fall back to Degraded.
func (m Mode) active() bool {
	return m.CanPull()
}
