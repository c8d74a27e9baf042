package call

import (
	"sync"
	"time"
)

// EventType enumerates the lifecycle and conversation events a call emits.
type EventType string

const (
	// EventCallStarted fires when a session is registered for an accepted call.
	EventCallStarted EventType = "call_started"

	// EventCallEnded fires when a session has been torn down and removed.
	EventCallEnded EventType = "call_ended"

	// EventCallerTurn carries the transcript of one caller utterance.
	EventCallerTurn EventType = "caller_turn"

	// EventAssistantTurn carries the reply spoken back to the caller.
	EventAssistantTurn EventType = "assistant_turn"

	// EventTurnFailed fires when a pipeline stage failed and the turn was
	// abandoned. The call itself continues.
	EventTurnFailed EventType = "turn_failed"

	// EventNoteLeft fires when the assistant records a note on the caller's
	// behalf.
	EventNoteLeft EventType = "note_left"

	// EventRegistrationLost fires when the endpoint drops out of its
	// registered state and retries are exhausted.
	EventRegistrationLost EventType = "registration_lost"
)

// Event is a single notification about a call. Fields beyond Type and At are
// populated depending on the event type.
type Event struct {
	Type   EventType
	CallID string
	Caller string

	// Text holds the transcript or reply for turn events and the note body
	// for EventNoteLeft.
	Text string

	// Reason holds the end reason for EventCallEnded.
	Reason string

	// Duration is the total call length, set on EventCallEnded.
	Duration time.Duration

	// Transcript and Reply carry the final caller utterance and assistant
	// reply of the conversation, set on EventCallEnded.
	Transcript string
	Reply      string

	// Err holds the failure description for EventTurnFailed.
	Err string

	At time.Time
}

// Sink receives call events. Publish must not block: sinks that perform I/O
// (Discord messages, webhooks) are expected to queue or drop internally, since
// Publish is invoked from session goroutines on the turn path.
type Sink interface {
	Publish(Event)
}

// Compile-time interface check.
var _ Sink = (*Fanout)(nil)

// Fanout delivers each event to every registered sink in order. It performs
// no buffering of its own; the non-blocking contract of [Sink.Publish] is
// what keeps the turn path responsive.
//
// All methods are safe for concurrent use.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout creates a Fanout over the given sinks. Nil sinks are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink. Events published before Add are not replayed.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Publish forwards the event to every registered sink.
func (f *Fanout) Publish(ev Event) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(ev)
	}
}
