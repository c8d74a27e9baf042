package call

import (
	"time"

	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// Turn boundary defaults, tuned for 20 ms G.711 telephone frames.
const (
	defaultHangover = 500 * time.Millisecond
	defaultMaxTurn  = 10 * time.Second
	defaultMinAudio = 300 * time.Millisecond
)

// TurnConfig controls when accumulated caller audio is cut into a turn.
type TurnConfig struct {
	// Hangover is how much continuous silence after detected speech closes
	// the turn. Default: 500ms.
	Hangover time.Duration

	// MaxTurn caps how much audio a single turn may accumulate before it is
	// cut regardless of ongoing speech. Default: 10s.
	MaxTurn time.Duration

	// MinAudio is the minimum drained duration worth transcribing; shorter
	// turns are discarded as noise. Default: 300ms.
	MinAudio time.Duration
}

func (c *TurnConfig) applyDefaults() {
	if c.Hangover <= 0 {
		c.Hangover = defaultHangover
	}
	if c.MaxTurn <= 0 {
		c.MaxTurn = defaultMaxTurn
	}
	if c.MinAudio <= 0 {
		c.MinAudio = defaultMinAudio
	}
}

// turnOutcome is the per-frame decision of the detector.
type turnOutcome int

const (
	// turnNone means keep listening.
	turnNone turnOutcome = iota

	// turnFire means a turn boundary was reached and the buffer should be
	// drained into the pipeline.
	turnFire

	// turnDiscard means the buffer hit its cap without any speech and should
	// be drained and dropped.
	turnDiscard
)

// turnDetector folds per-frame VAD events into turn boundary decisions. It
// tracks whether speech has occurred and how much silence has accumulated
// since; the session resets it after every drain.
//
// Not safe for concurrent use; the session serialises access.
type turnDetector struct {
	vad      vad.SessionHandle
	cfg      TurnConfig
	frameDur time.Duration

	speechSeen bool
	silence    time.Duration
}

func newTurnDetector(session vad.SessionHandle, frameDur time.Duration, cfg TurnConfig) *turnDetector {
	cfg.applyDefaults()
	return &turnDetector{
		vad:      session,
		cfg:      cfg,
		frameDur: frameDur,
	}
}

// observe classifies one captured frame. buffered is the total duration
// currently held in the capture buffer, used for the max-turn cap.
//
// The cap is evaluated even when the VAD rejects the frame: a stream the
// detector cannot classify must still be cut at MaxTurn, or the buffer would
// grow for the whole call. The returned outcome is therefore valid alongside
// a non-nil error.
func (d *turnDetector) observe(frame []byte, buffered time.Duration) (turnOutcome, error) {
	ev, err := d.vad.ProcessFrame(frame)
	if err == nil {
		switch ev.Type {
		case vad.VADSpeechStart, vad.VADSpeechContinue:
			d.speechSeen = true
			d.silence = 0
		case vad.VADSpeechEnd, vad.VADSilence:
			d.silence += d.frameDur
		}
	}

	if d.speechSeen && d.silence >= d.cfg.Hangover {
		return turnFire, err
	}
	if buffered >= d.cfg.MaxTurn {
		if d.speechSeen {
			return turnFire, err
		}
		return turnDiscard, err
	}
	return turnNone, err
}

// reset clears boundary state and the underlying VAD session's smoothing
// history for the next turn.
func (d *turnDetector) reset() {
	d.speechSeen = false
	d.silence = 0
	d.vad.Reset()
}

func (d *turnDetector) close() error {
	return d.vad.Close()
}
