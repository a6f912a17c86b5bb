package ledger

import "fmt"

type State string

const (
	StatePendingSubmit   State = "pending_submit"
	StateSubmitted       State = "submitted"
	StateAcknowledged    State = "acknowledged"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StatePendingCancel   State = "pending_cancel"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
	StateUnknown         State = "unknown"
)

var transitions = map[State][]State{
	StatePendingSubmit:   {StateSubmitted, StateRejected, StateUnknown},
	StateSubmitted:       {StateAcknowledged, StateRejected, StateUnknown},
	StateAcknowledged:    {StatePartiallyFilled, StateFilled, StatePendingCancel, StateCancelled, StateExpired},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StatePendingCancel, StateCancelled},
	StatePendingCancel:   {StateCancelled, StateFilled},
	StateUnknown:         {StateAcknowledged, StateFilled, StateCancelled, StateRejected},
}

func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
