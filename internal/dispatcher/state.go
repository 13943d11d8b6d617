package dispatcher

import "fmt"

type State int

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IDLE -> POLLING <-> DISPATCHING, any live state -> DRAINING -> STOPPED.
var validTransitions = map[State]map[State]bool{
	StateIdle:        {StatePolling: true, StateDraining: true},
	StatePolling:     {StateDispatching: true, StateDraining: true},
	StateDispatching: {StatePolling: true, StateDraining: true},
	StateDraining:    {StateStopped: true},
}

func ValidateTransition(from, to State) error {
	if !validTransitions[from][to] {
		return fmt.Errorf("invalid dispatcher transition: %s → %s", from, to)
	}
	return nil
}
