package workflow

import (
	"errors"
	"testing"
)

func TestTransitionHappyPath(t *testing.T) {
	m := NewMachine(3)
	for _, ev := range []Event{EventLoaded, EventPlanned, EventRefined, EventDrafted, EventAccepted, EventCommitted} {
		next, err := Transition(m, ev)
		if err != nil {
			t.Fatalf("%s on %s: %v", ev, m.State, err)
		}
		m = next
	}
	if m.State != StateDone || m.Retry != 0 {
		t.Fatalf("unexpected final machine: %+v", m)
	}
}

func TestTransitionRetryBound(t *testing.T) {
	for limit := 1; limit <= 5; limit++ {
		m := Machine{State: StateReview, Limit: limit}
		revisions := 0
		for m.State != StateRepair {
			next, err := Transition(m, EventRejected)
			if err != nil {
				t.Fatalf("limit %d: %v", limit, err)
			}
			if next.Retry > limit {
				t.Fatalf("limit %d: retry %d exceeds limit", limit, next.Retry)
			}
			m = next
			if m.State == StateRevise {
				revisions++
				m, _ = Transition(m, EventRevised)
				m, _ = Transition(m, EventDrafted)
			}
			if revisions > limit {
				t.Fatalf("limit %d: unbounded revise loop", limit)
			}
		}
		if revisions != limit-1 || m.Retry != limit {
			t.Fatalf("limit %d: %d revisions, retry %d", limit, revisions, m.Retry)
		}
		m, err := Transition(m, EventRepaired)
		if err != nil || m.State != StateEvolve {
			t.Fatalf("limit %d: repair should lead to evolve, got %+v (%v)", limit, m, err)
		}
	}
}

func TestTransitionThreeRejectionsRepair(t *testing.T) {
	m := Machine{State: StateReview, Limit: 3}
	var states []State
	for range 3 {
		m, _ = Transition(m, EventRejected)
		states = append(states, m.State)
		if m.State == StateRevise {
			m, _ = Transition(m, EventRevised)
			m, _ = Transition(m, EventDrafted)
		}
	}
	want := []State{StateRevise, StateRevise, StateRepair}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("rejection %d led to %s, want %s", i+1, states[i], want[i])
		}
	}
}

func TestTransitionIllegal(t *testing.T) {
	tests := []struct {
		name string
		m    Machine
		ev   Event
	}{
		{"accept before review", Machine{State: StateWrite, Limit: 3}, EventAccepted},
		{"commit from review", Machine{State: StateReview, Limit: 3}, EventCommitted},
		{"skip plan", Machine{State: StateLoadContext, Limit: 3}, EventPlanned},
		{"after done", Machine{State: StateDone, Limit: 3}, EventLoaded},
		{"after failure", Machine{State: StateFailed, Limit: 3}, EventFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.m, tt.ev)
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("expected ErrIllegalTransition, got %v", err)
			}
			if got != tt.m {
				t.Fatalf("machine changed on illegal transition: %+v", got)
			}
		})
	}
}

func TestTransitionFailedFromAnyStep(t *testing.T) {
	for _, s := range []State{StateLoadContext, StatePlan, StateWrite, StateReview, StateRepair, StateEvolve} {
		m, err := Transition(Machine{State: s, Retry: 1, Limit: 3}, EventFailed)
		if err != nil || m.State != StateFailed || m.Retry != 1 {
			t.Fatalf("%s: unexpected %+v (%v)", s, m, err)
		}
	}
}
