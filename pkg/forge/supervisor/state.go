package supervisor

import "fmt"

// State is the server lifecycle state.
//
//	Stopped --Start--> Starting --ready line--> Running --exit--> Exited
//	Starting --exit--> Exited
//	Exited --Start--> Starting
type State int

// Lifecycle states.
const (
	Stopped State = iota
	Starting
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = Stopped
	case "starting":
		*s = Starting
	case "running":
		*s = Running
	case "exited":
		*s = Exited
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// Alive reports whether a server process exists in this state.
func (s State) Alive() bool {
	return s == Starting || s == Running
}

// canStart reports whether Start is allowed from this state.
func (s State) canStart() bool {
	return s == Stopped || s == Exited
}

// Status payloads published on the bus.
const (
	StatusStarting = "starting"
	StatusUp       = "up"
	StatusDown     = "down"
)
