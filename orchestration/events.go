package orchestration

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue/v2"
)

// EventType identifies a progress event.
type EventType int

const (
	EventStepStarted EventType = iota
	EventStepCompleted
	EventStepFailed
	EventBranchStatus
	EventDelta
	EventSubstitution
	// EventCompleted and EventFailed are terminal: exactly one of them is
	// delivered per turn, always last.
	EventCompleted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStepStarted:
		return "step_started"
	case EventStepCompleted:
		return "step_completed"
	case EventStepFailed:
		return "step_failed"
	case EventBranchStatus:
		return "branch_status"
	case EventDelta:
		return "delta"
	case EventSubstitution:
		return "substitution"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// BranchState is the lifecycle of one fan-out branch.
type BranchState int

const (
	BranchPending BranchState = iota
	BranchRunning
	BranchComplete
	BranchError
)

func (s BranchState) String() string {
	switch s {
	case BranchPending:
		return "pending"
	case BranchRunning:
		return "running"
	case BranchComplete:
		return "complete"
	case BranchError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is one progress notification of a turn.
type Event struct {
	Type   EventType
	TurnID string
	Time   time.Time

	// Step is the step name, branch id, or "synthesis".
	Step  string
	Index int
	Total int

	State BranchState
	// Text is a delta chunk, or the full output on step completion.
	Text string
	Err  error

	From string
	To   string

	Result *Result
}

// Terminal reports whether e ends the turn.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// eventStream decouples producers from the consumer: push never blocks, and
// events are buffered in an unbounded FIFO until the consumer subscribes.
type eventStream struct {
	mu     sync.Mutex
	buf    *queue.Queue[Event]
	closed bool
	wake   chan struct{}
	out    chan Event
	start  sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		buf:  queue.New[Event](),
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
}

func (s *eventStream) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf.Add(e)
	s.mu.Unlock()
	s.signal()
}

// close delivers everything already pushed and then closes the channel.
func (s *eventStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *eventStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// channel starts the delivery goroutine on first use.
func (s *eventStream) channel() <-chan Event {
	s.start.Do(func() { go s.pump() })
	return s.out
}

func (s *eventStream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for s.buf.Length() > 0 {
			e := s.buf.Remove()
			s.mu.Unlock()
			s.out <- e
			s.mu.Lock()
		}
		done := s.closed
		s.mu.Unlock()
		if done {
			return
		}
		<-s.wake
	}
}
