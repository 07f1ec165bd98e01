package partition

import "fmt"

// RegionState is the lifecycle state of a tree node.
type RegionState int

const (
	StateUnknown RegionState = iota
	StateCreating
	StateActive
	StateSplitting
	StateSplit
	StateMerging
	StateMerged
)

var stateNames = map[RegionState]string{
	StateUnknown:   "unknown",
	StateCreating:  "creating",
	StateActive:    "active",
	StateSplitting: "splitting",
	StateSplit:     "split",
	StateMerging:   "merging",
	StateMerged:    "merged",
}

var transitions = map[RegionState][]RegionState{
	StateCreating:  {StateActive},
	StateActive:    {StateSplitting, StateMerging},
	StateSplitting: {StateSplit, StateActive},
	StateSplit:     {StateActive},
	StateMerging:   {StateMerged, StateActive},
}

func (s RegionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RegionState(%d)", int(s))
}

func (s RegionState) canTransition(to RegionState) bool {
	if s == StateUnknown {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s RegionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RegionState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown region state %q", text)
}
