package workflow

import (
	"errors"
	"fmt"
)

type State string

const (
	StateLoadContext State = "load_context"
	StatePlan        State = "plan"
	StateRefine      State = "refine"
	StateWrite       State = "write"
	StateReview      State = "review"
	StateRevise      State = "revise"
	StateRepair      State = "repair"
	StateEvolve      State = "evolve"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type Event string

const (
	EventLoaded    Event = "loaded"
	EventPlanned   Event = "planned"
	EventRefined   Event = "refined"
	EventDrafted   Event = "drafted"
	EventAccepted  Event = "accepted"
	EventRejected  Event = "rejected"
	EventRevised   Event = "revised"
	EventRepaired  Event = "repaired"
	EventCommitted Event = "committed"
	EventFailed    Event = "failed"
)

var ErrIllegalTransition = errors.New("illegal transition")

// Machine is the complete control state of one cycle. Retry counts rejected
// drafts and never exceeds Limit.
type Machine struct {
	State State
	Retry int
	Limit int
}

func NewMachine(limit int) Machine {
	return Machine{State: StateLoadContext, Limit: max(limit, 1)}
}

// Transition returns the machine that follows m on ev. It has no side
// effects. A rejection counts against the limit first; reaching the limit
// routes to Repair instead of another revision.
func Transition(m Machine, ev Event) (Machine, error) {
	if m.State.Terminal() {
		return m, fmt.Errorf("%w: %s on terminal state %s", ErrIllegalTransition, ev, m.State)
	}
	if ev == EventFailed {
		m.State = StateFailed
		return m, nil
	}

	next := m
	switch {
	case m.State == StateLoadContext && ev == EventLoaded:
		next.State = StatePlan
	case m.State == StatePlan && ev == EventPlanned:
		next.State = StateRefine
	case m.State == StateRefine && ev == EventRefined:
		next.State = StateWrite
	case m.State == StateWrite && ev == EventDrafted:
		next.State = StateReview
	case m.State == StateReview && ev == EventAccepted:
		next.State = StateEvolve
	case m.State == StateReview && ev == EventRejected:
		next.Retry = min(m.Retry+1, m.Limit)
		if next.Retry >= m.Limit {
			next.State = StateRepair
		} else {
			next.State = StateRevise
		}
	case m.State == StateRevise && ev == EventRevised:
		next.State = StateWrite
	case m.State == StateRepair && ev == EventRepaired:
		next.State = StateEvolve
	case m.State == StateEvolve && ev == EventCommitted:
		next.State = StateDone
	default:
		return m, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, m.State)
	}
	return next, nil
}
