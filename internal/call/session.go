// Package call owns the per-call conversation loop and the registry of live
// calls. A Session consumes the caller's decoded audio frames, detects turn
// boundaries with a VAD-driven silence heuristic, and hands each completed
// turn of audio to a TurnRunner (the transcribe, generate, synthesize,
// playback pipeline). The Registry implements [sip.CallHandler] so the SIP
// endpoint can create and tear down sessions as calls come and go.
//
// Concurrency model: inbound frames arrive on the media session's read
// goroutine and are appended to the capture buffer; turns execute one at a
// time on the session's own run goroutine. The capture buffer's locking
// guarantees that audio arriving while a turn is being processed lands in the
// next turn, never lost and never split across two turns.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/sip"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// ErrTeardownTimeout is returned by Teardown when the turn loop does not
// stop within the configured timeout. The session's resources are released
// regardless; only the join is abandoned.
var ErrTeardownTimeout = errors.New("call: teardown timed out joining turn loop")

const (
	defaultSampleRate      = 8000
	defaultFrameDuration   = 20 * time.Millisecond
	defaultTeardownTimeout = 5 * time.Second
)

// Status is the lifecycle state of a session. A live session cycles through
// Listening and the four pipeline stages; Ended is terminal.
type Status int32

const (
	StatusListening Status = iota
	StatusTranscribing
	StatusGenerating
	StatusSynthesizing
	StatusPlaying
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusListening:
		return "listening"
	case StatusTranscribing:
		return "transcribing"
	case StatusGenerating:
		return "generating"
	case StatusSynthesizing:
		return "synthesizing"
	case StatusPlaying:
		return "playing"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// TurnRequest carries one drained turn of caller audio into the pipeline.
type TurnRequest struct {
	CallID string
	Caller string

	// PCM is the drained 16-bit LE mono audio for this turn.
	PCM []byte

	// SampleRate is the rate of PCM in Hz.
	SampleRate int

	// Media is the call's audio channel; the pipeline streams synthesized
	// speech to it during the Playing stage.
	Media sip.Media

	// OnStage, when non-nil, is invoked as the pipeline advances so the
	// session can expose its current stage. May be called from pipeline
	// goroutines.
	OnStage func(Status)
}

// TurnResult is the outcome of one fully processed turn.
type TurnResult struct {
	// Transcript is what the caller said. Empty when transcription produced
	// nothing usable.
	Transcript string

	// Reply is the text spoken back to the caller, if any.
	Reply string

	// EndCall requests a hangup after this turn, typically because the
	// caller said a farewell phrase.
	EndCall bool
}

// TurnRunner executes the pipeline for one turn. Implementations must honor
// ctx cancellation at every stage; a forced teardown cancels the in-flight
// turn rather than waiting for it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// turnTrigger is sent from the frame handler to the run loop when a boundary
// fires.
type turnTrigger struct {
	outcome turnOutcome
}

// SessionConfig holds everything a Session needs. Info, Media, Runner and
// VAD are required.
type SessionConfig struct {
	// Info identifies the call this session serves.
	Info sip.CallInfo

	// Media is the call's audio channel.
	Media sip.Media

	// Runner executes the pipeline for each turn.
	Runner TurnRunner

	// VAD is the per-call voice activity session driving turn detection.
	// The session owns it and closes it during teardown.
	VAD vad.SessionHandle

	// Turn configures the boundary heuristic.
	Turn TurnConfig

	// SampleRate is the rate of the captured audio in Hz. Default: 8000.
	SampleRate int

	// FrameDuration is the duration of each inbound frame. Default: 20ms.
	FrameDuration time.Duration

	// TeardownTimeout bounds how long Teardown waits for the turn loop to
	// stop. Default: 5s.
	TeardownTimeout time.Duration

	// Hangup, when non-nil, is invoked to end the call after a turn whose
	// result requested it.
	Hangup func()

	// Events, when non-nil, receives turn events.
	Events Sink

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Session runs the conversation loop for one call.
//
// All exported methods are safe for concurrent use.
type Session struct {
	info            sip.CallInfo
	media           sip.Media
	runner          TurnRunner
	buffer          *audio.CaptureBuffer
	turn            TurnConfig
	sampleRate      int
	teardownTimeout time.Duration
	hangup          func()
	events          Sink
	log             *slog.Logger

	// frameMu serialises detector access between the frame handler and
	// teardown, which closes the VAD session.
	frameMu  sync.Mutex
	detector *turnDetector

	// frameBytes is the exact PCM frame size the detector accepts. Inbound
	// audio is re-chunked to it through vadCarry, since the peer's RTP
	// packetization is free to use a different ptime than ours.
	frameBytes int
	vadCarry   []byte

	// lastMu guards the final exchange, carried on the call-ended event.
	lastMu         sync.Mutex
	lastTranscript string
	lastReply      string

	status   atomic.Int32
	turnCh   chan turnTrigger
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewSession creates a session in the Listening state. Call Start to begin
// consuming audio.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Info.ID == "" {
		return nil, fmt.Errorf("call: config Info.ID must not be empty")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("call: config Media must not be nil")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("call: config Runner must not be nil")
	}
	if cfg.VAD == nil {
		return nil, fmt.Errorf("call: config VAD must not be nil")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultFrameDuration
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	cfg.Turn.applyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		info:            cfg.Info,
		media:           cfg.Media,
		runner:          cfg.Runner,
		buffer:          audio.NewCaptureBuffer(cfg.SampleRate),
		turn:            cfg.Turn,
		sampleRate:      cfg.SampleRate,
		teardownTimeout: cfg.TeardownTimeout,
		hangup:          cfg.Hangup,
		events:          cfg.Events,
		log:             cfg.Logger.With("call_id", cfg.Info.ID),
		detector:        newTurnDetector(cfg.VAD, cfg.FrameDuration, cfg.Turn),
		frameBytes:      2 * int(int64(cfg.SampleRate)*int64(cfg.FrameDuration)/int64(time.Second)),
		turnCh:          make(chan turnTrigger, 1),
		ctx:             ctx,
		cancel:          cancel,
		loopDone:        make(chan struct{}),
	}
	return s, nil
}

// Info returns the call this session serves.
func (s *Session) Info() sip.CallInfo {
	return s.info
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// LastExchange returns the final caller transcript and assistant reply of the
// conversation so far. Either may be empty when no turn completed.
func (s *Session) LastExchange() (transcript, reply string) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastTranscript, s.lastReply
}

// Start attaches the session to its media stream and begins the turn loop.
func (s *Session) Start() error {
	if s.Status() == StatusEnded {
		return fmt.Errorf("call: session %s already ended", s.info.ID)
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("call: session %s already started", s.info.ID)
	}
	s.media.SetFrameHandler(s.onFrame)
	go s.run()
	s.log.Debug("session started", "caller", s.info.Caller)
	return nil
}

// onFrame receives one decoded audio frame from the media session. Frames are
// always buffered while the session is live so that audio arriving during
// turn processing begins the next turn; the boundary detector only runs while
// Listening.
func (s *Session) onFrame(pcm []byte) {
	st := s.Status()
	if st == StatusEnded {
		return
	}
	s.buffer.Append(pcm)
	if st != StatusListening {
		return
	}

	outcome, err := s.observeFrames(pcm)
	if err != nil {
		s.log.Warn("voice activity detection failed", "err", err)
	}
	if outcome == turnNone {
		return
	}
	// Single winner: only the frame that flips Listening to Transcribing may
	// trigger the run loop.
	if !s.status.CompareAndSwap(int32(StatusListening), int32(StatusTranscribing)) {
		return
	}
	select {
	case s.turnCh <- turnTrigger{outcome: outcome}:
	default:
	}
}

// observeFrames re-chunks inbound audio to the detector's exact frame size
// before classification, absorbing peers that packetize at a different ptime.
// It returns the first boundary outcome reached; audio short of a full frame
// stays in the carry for the next delivery. A detection error does not
// invalidate the outcome.
func (s *Session) observeFrames(pcm []byte) (turnOutcome, error) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.detector == nil {
		return turnNone, nil
	}

	s.vadCarry = append(s.vadCarry, pcm...)
	var firstErr error
	for len(s.vadCarry) >= s.frameBytes {
		frame := s.vadCarry[:s.frameBytes:s.frameBytes]
		s.vadCarry = s.vadCarry[s.frameBytes:]
		outcome, err := s.detector.observe(frame, s.buffer.Duration())
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if outcome != turnNone {
			return outcome, firstErr
		}
	}
	return turnNone, firstErr
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case trig := <-s.turnCh:
			s.executeTurn(trig)
		}
	}
}

// executeTurn drains the capture buffer and pushes the audio through the
// pipeline. A stage failure abandons the turn, not the call.
func (s *Session) executeTurn(trig turnTrigger) {
	defer s.finishTurn()

	pcm, ok := s.buffer.Drain()
	if !ok {
		return
	}
	dur := pcmDuration(len(pcm), s.sampleRate)
	if trig.outcome == turnDiscard || dur < s.turn.MinAudio {
		s.log.Debug("turn discarded", "audio", dur)
		return
	}

	s.log.Debug("turn boundary", "audio", dur, "bytes", len(pcm))
	res, err := s.runner.RunTurn(s.ctx, TurnRequest{
		CallID:     s.info.ID,
		Caller:     s.info.Caller,
		PCM:        pcm,
		SampleRate: s.sampleRate,
		Media:      s.media,
		OnStage:    s.setStatus,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("turn failed", "err", err)
		s.publish(Event{Type: EventTurnFailed, Err: err.Error()})
		return
	}

	s.lastMu.Lock()
	if res.Transcript != "" {
		s.lastTranscript = res.Transcript
	}
	if res.Reply != "" {
		s.lastReply = res.Reply
	}
	s.lastMu.Unlock()

	if res.Transcript != "" {
		s.publish(Event{Type: EventCallerTurn, Text: res.Transcript})
	}
	if res.Reply != "" {
		s.publish(Event{Type: EventAssistantTurn, Text: res.Reply})
	}
	if res.EndCall && s.hangup != nil {
		s.log.Info("caller ended conversation, hanging up")
		// The hangup path re-enters Teardown via the registry; it must not
		// run on the turn loop it would join.
		go s.hangup()
	}
}

// finishTurn returns the session to Listening and clears boundary state so
// the next turn starts fresh.
func (s *Session) finishTurn() {
	s.frameMu.Lock()
	if s.detector != nil {
		s.detector.reset()
	}
	s.frameMu.Unlock()
	s.setStatus(StatusListening)
}

// setStatus transitions to st unless the session has already ended.
func (s *Session) setStatus(st Status) {
	for {
		cur := s.status.Load()
		if Status(cur) == StatusEnded {
			return
		}
		if s.status.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Teardown stops the session: it marks the state Ended, cancels any in-flight
// turn, discards pending playback, joins the turn loop with a bounded timeout
// and releases the capture buffer and VAD session. Safe to call concurrently
// from the hangup path and a forced shutdown; only the first call performs
// the release, later calls return nil immediately.
func (s *Session) Teardown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.status.Store(int32(StatusEnded))
		s.cancel()
		s.media.Flush()

		if s.started.Load() {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(s.teardownTimeout):
				err = fmt.Errorf("%w after %s", ErrTeardownTimeout, s.teardownTimeout)
			}
		}

		s.frameMu.Lock()
		if s.detector != nil {
			if cerr := s.detector.close(); cerr != nil {
				s.log.Warn("closing vad session", "err", cerr)
			}
			s.detector = nil
		}
		s.vadCarry = nil
		s.frameMu.Unlock()
		s.buffer.Release()

		s.log.Info("session ended", "duration", time.Since(s.info.StartedAt).Round(time.Millisecond))
	})
	return err
}

// publish stamps the event with the session's identity and forwards it.
func (s *Session) publish(ev Event) {
	if s.events == nil {
		return
	}
	ev.CallID = s.info.ID
	ev.Caller = s.info.Caller
	ev.At = time.Now()
	s.events.Publish(ev)
}

// pcmDuration converts a byte count of 16-bit mono PCM to playback time.
func pcmDuration(bytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(sampleRate)
}
