package workflow

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventKind string

const (
	StepStarted       EventKind = "step_started"
	StepCompleted     EventKind = "step_completed"
	RevisionTriggered EventKind = "revision_triggered"
	RepairTriggered   EventKind = "repair_triggered"
	ChapterCommitted  EventKind = "chapter_committed"
	CycleFailed       EventKind = "cycle_failed"
)

// LifecycleEvent reports progress of one cycle. IDs are ULIDs, so events
// sort by creation time.
type LifecycleEvent struct {
	ID       string
	RunID    string
	Kind     EventKind
	StoryID  string
	BranchID string
	Chapter  int
	Step     State
	Retry    int
	Detail   string
	At       time.Time
}

// Observer receives events in the order they occur within a cycle. Notify
// is called synchronously from the cycle and must not block for long.
type Observer interface {
	Notify(ctx context.Context, ev LifecycleEvent)
}

type ObserverFunc func(ctx context.Context, ev LifecycleEvent)

func (f ObserverFunc) Notify(ctx context.Context, ev LifecycleEvent) {
	f(ctx, ev)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *Recorder) Notify(_ context.Context, ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds, in order, for one run.
func (r *Recorder) Kinds(runID string) []EventKind {
	var out []EventKind
	for _, ev := range r.Events() {
		if runID == "" || ev.RunID == runID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// ChannelObserver relays events to a channel for an external stream. When
// the consumer falls behind, delivery waits until ctx is done.
type ChannelObserver struct {
	C chan LifecycleEvent
}

func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{C: make(chan LifecycleEvent, buffer)}
}

func (o *ChannelObserver) Notify(ctx context.Context, ev LifecycleEvent) {
	select {
	case o.C <- ev:
	case <-ctx.Done():
	}
}

type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)}
}

func (s *idSource) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *idSource) thread() string {
	return "th-" + strings.ToLower(s.next())
}
