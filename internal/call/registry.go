package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/sip"
)

// ErrDuplicateCall is returned by OnCallStart when a session already exists
// for the call ID. A correct endpoint never produces this; the registry
// enforces it anyway.
var ErrDuplicateCall = errors.New("call: duplicate call id")

// Compile-time check that *Registry satisfies [sip.CallHandler].
var _ sip.CallHandler = (*Registry)(nil)

// SessionFactory builds the session for an accepted call. It is invoked with
// the registry lock held and must not block on I/O.
type SessionFactory func(info sip.CallInfo, media sip.Media) (*Session, error)

// RegistryOption configures a [Registry] during construction.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger. Defaults to slog.Default.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// WithRegistryEvents sets the sink receiving call started and ended events.
func WithRegistryEvents(sink Sink) RegistryOption {
	return func(r *Registry) {
		r.events = sink
	}
}

// Registry tracks the live sessions of an endpoint and owns their lifecycle:
// it creates exactly one session per accepted call, tears it down when the
// call ends, and can shut everything down at once when the endpoint is being
// replaced.
//
// All exported methods are safe for concurrent use.
type Registry struct {
	factory SessionFactory
	events  Sink
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry that builds sessions with factory.
func NewRegistry(factory SessionFactory, opts ...RegistryOption) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("call: factory must not be nil")
	}
	r := &Registry{
		factory:  factory,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// OnCallStart creates, registers and starts a session for the call. Returning
// an error makes the endpoint reject the call.
func (r *Registry) OnCallStart(info sip.CallInfo, media sip.Media) error {
	r.mu.Lock()
	if _, exists := r.sessions[info.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCall, info.ID)
	}
	sess, err := r.factory(info, media)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("call: build session for %s: %w", info.ID, err)
	}
	r.sessions[info.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if err := sess.Start(); err != nil {
		r.remove(info.ID)
		if terr := sess.Teardown(context.Background()); terr != nil {
			r.log.Error("session teardown after failed start", "call_id", info.ID, "err", terr)
		}
		return err
	}

	r.log.Info("call registered", "call_id", info.ID, "caller", info.Caller, "active_calls", count)
	r.publish(Event{Type: EventCallStarted, CallID: info.ID, Caller: info.Caller})
	return nil
}

// OnCallEnd tears down the call's session and removes it. Calling it again
// for the same ID is a no-op.
func (r *Registry) OnCallEnd(callID string, reason string) {
	sess := r.remove(callID)
	if sess == nil {
		r.log.Debug("call already removed", "call_id", callID)
		return
	}
	if err := sess.Teardown(context.Background()); err != nil {
		r.log.Error("session teardown", "call_id", callID, "reason", reason, "err", err)
	}
	r.publish(endedEvent(sess, callID, reason))
}

// ShutdownAll tears down every live session concurrently and empties the
// registry. Used when the whole component set is being replaced. Returns the
// combined teardown errors, if any.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}
	r.log.Info("shutting down all sessions", "count", len(sessions))

	var g errgroup.Group
	for id, sess := range sessions {
		g.Go(func() error {
			err := sess.Teardown(ctx)
			r.publish(endedEvent(sess, id, sip.EndReasonShutdown))
			if err != nil {
				return fmt.Errorf("call %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Calls returns a snapshot of the live calls.
func (r *Registry) Calls() []sip.CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]sip.CallInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// Session returns the live session for a call ID, if any.
func (r *Registry) Session(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

func (r *Registry) remove(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[callID]
	delete(r.sessions, callID)
	return sess
}

// endedEvent assembles the call-ended notification: end reason, total call
// duration, and the conversation's final exchange.
func endedEvent(sess *Session, callID, reason string) Event {
	ev := Event{
		Type:   EventCallEnded,
		CallID: callID,
		Caller: sess.Info().Caller,
		Reason: reason,
	}
	if started := sess.Info().StartedAt; !started.IsZero() {
		ev.Duration = time.Since(started)
	}
	ev.Transcript, ev.Reply = sess.LastExchange()
	return ev
}

func (r *Registry) publish(ev Event) {
	if r.events == nil {
		return
	}
	ev.At = time.Now()
	r.events.Publish(ev)
}
