package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/types"
)

const (
	// defaultQueueSize bounds how many events may wait for the worker before
	// Publish starts dropping.
	defaultQueueSize = 256

	// defaultOpTimeout bounds each store write and embedding request.
	defaultOpTimeout = 5 * time.Second
)

// Compile-time interface check.
var _ call.Sink = (*Recorder)(nil)

// Recorder is a [call.Sink] that writes call events to a [Store], embedding
// turn texts when an embeddings provider is available.
//
// Publish never blocks: events are queued to a single worker goroutine and
// dropped (with a warning) when the queue is full. Store or embedding
// failures are logged and never surface to the call.
type Recorder struct {
	store Store
	embed embeddings.Provider // nil → turns saved without embeddings
	log   *slog.Logger

	queue     chan call.Event
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	opTimeout time.Duration

	dropped atomic.Int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger for drop warnings and write failures.
func WithRecorderLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRecorderQueueSize overrides the event queue capacity.
func WithRecorderQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan call.Event, n)
		}
	}
}

// WithRecorderOpTimeout overrides the per-write deadline.
func WithRecorderOpTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// NewRecorder starts a Recorder writing to st. embed may be nil, in which
// case turns are stored without embeddings and stay invisible to similarity
// search. The worker goroutine runs until [Recorder.Close].
func NewRecorder(st Store, embed embeddings.Provider, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     st,
		embed:     embed,
		log:       slog.Default(),
		queue:     make(chan call.Event, defaultQueueSize),
		done:      make(chan struct{}),
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// Publish implements [call.Sink]. It enqueues the event for the worker and
// drops it when the queue is full or the Recorder is closed.
func (r *Recorder) Publish(ev call.Event) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.log.Warn("history recorder: queue full, dropping event",
			"type", string(ev.Type),
			"call_id", ev.CallID,
			"dropped_total", n)
	}
}

// Dropped returns how many events have been discarded due to a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the worker after draining events that were already queued.
// Publish calls made after Close are discarded. Close is idempotent.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			// Drain whatever was queued before the close.
			for {
				select {
				case ev := <-r.queue:
					r.record(ev)
				default:
					return
				}
			}
		case ev := <-r.queue:
			r.record(ev)
		}
	}
}

// record performs the store write for one event. Events the store has no
// column for (turn failures, registration loss) are skipped.
func (r *Recorder) record(ev call.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case call.EventCallStarted:
		err = r.store.StartCall(ctx, ev.CallID, ev.Caller, ev.At)
	case call.EventCallEnded:
		err = r.store.EndCall(ctx, ev.CallID, ev.Reason, ev.At)
	case call.EventCallerTurn:
		err = r.saveTurn(ctx, ev, "caller", false)
	case call.EventAssistantTurn:
		err = r.saveTurn(ctx, ev, "assistant", true)
	case call.EventNoteLeft:
		err = r.saveTurn(ctx, ev, SpeakerNote, true)
	default:
		return
	}

	if err != nil {
		r.log.Error("history recorder: write failed",
			"type", string(ev.Type),
			"call_id", ev.CallID,
			"error", err)
	}
}

func (r *Recorder) saveTurn(ctx context.Context, ev call.Event, speaker string, isAssistant bool) error {
	entry := types.TurnEntry{
		CallID:      ev.CallID,
		Speaker:     speaker,
		Text:        ev.Text,
		IsAssistant: isAssistant,
		Timestamp:   ev.At,
	}

	var vec []float32
	if r.embed != nil && ev.Text != "" {
		v, err := r.embed.Embed(ctx, ev.Text)
		if err != nil {
			// The turn is still worth keeping; it just won't be recallable.
			r.log.Warn("history recorder: embedding failed, saving turn without one",
				"call_id", ev.CallID,
				"error", err)
		} else {
			vec = v
		}
	}

	return r.store.SaveTurn(ctx, entry, vec)
}
