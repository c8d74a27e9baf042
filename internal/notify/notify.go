// Package notify ships the call-event sinks that face operators: a
// structured-log sink that is always on, and a Discord channel notifier for
// deployments that want call activity pushed to a channel.
//
// Both satisfy [call.Sink]; neither ever blocks the turn path. The Discord
// notifier queues messages to a worker goroutine and drops when the queue
// fills.
package notify

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/call"
)

// Compile-time interface check.
var _ call.Sink = (*LogSink)(nil)

// LogSink writes every call event to the structured log. It is the baseline
// sink registered on every deployment.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to slog.Default.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Publish implements [call.Sink]. Logging is synchronous but cheap; slog
// handlers do not block on I/O the way network sinks do.
func (s *LogSink) Publish(ev call.Event) {
	attrs := []any{"call_id", ev.CallID}
	if ev.Caller != "" {
		attrs = append(attrs, "caller", ev.Caller)
	}

	switch ev.Type {
	case call.EventCallStarted:
		s.log.Info("call started", attrs...)
	case call.EventCallEnded:
		s.log.Info("call ended", append(attrs, "reason", ev.Reason, "duration", ev.Duration.Round(time.Second))...)
	case call.EventCallerTurn:
		s.log.Info("caller turn", append(attrs, "text", ev.Text)...)
	case call.EventAssistantTurn:
		s.log.Info("assistant turn", append(attrs, "text", ev.Text)...)
	case call.EventTurnFailed:
		s.log.Warn("turn failed", append(attrs, "error", ev.Err)...)
	case call.EventNoteLeft:
		s.log.Info("note left", append(attrs, "note", ev.Text)...)
	case call.EventRegistrationLost:
		s.log.Error("sip registration lost", attrs...)
	default:
		s.log.Info("call event", append(attrs, "type", string(ev.Type))...)
	}
}
