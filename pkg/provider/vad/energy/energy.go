// Package energy implements a vad.Engine based on root-mean-square signal
// energy. It needs no model files and no CGO, which makes it the default
// detector for telephony audio: G.711 call legs carry enough level contrast
// between speech and line silence that a simple RMS gate segments turns
// reliably.
//
// The probability reported in each VADEvent is the frame's RMS normalised to
// [0.0, 1.0] against the 16-bit PCM full scale. Telephone speech typically
// lands between 0.02 and 0.3; line noise stays below 0.01.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/voxline/pkg/provider/vad"
)

const (
	// defaultSpeechThreshold is the normalised RMS above which a frame counts
	// as speech. 0.02 of full scale ≈ 655 in raw 16-bit units.
	defaultSpeechThreshold = 0.02

	// defaultSilenceThreshold is the normalised RMS below which an active
	// speech segment is considered ended.
	defaultSilenceThreshold = 0.015
)

// Engine creates RMS-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an RMS energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// NewSession creates a detector session for a single audio stream.
// cfg.SampleRate and cfg.FrameSizeMs are required; zero thresholds fall back
// to the package defaults (0.02 speech, 0.015 silence).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, speech threshold %v]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	return &session{
		cfg:           cfg,
		expectedBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

// session holds the per-stream detection state. Not safe for concurrent use;
// the caller's intake loop owns it.
type session struct {
	cfg           vad.Config
	expectedBytes int
	inSpeech      bool
	closed        bool
}

// Compile-time assertion that session implements vad.SessionHandle.
var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one frame of 16-bit little-endian mono PCM.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.expectedBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d (%dms at %dHz)",
			len(frame), s.expectedBytes, s.cfg.FrameSizeMs, s.cfg.SampleRate)
	}

	prob := normalizedRMS(frame)
	ev := vad.VADEvent{Probability: prob}

	switch {
	case !s.inSpeech && prob >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = vad.VADSpeechStart
	case s.inSpeech && prob > s.cfg.SilenceThreshold:
		ev.Type = vad.VADSpeechContinue
	case s.inSpeech:
		s.inSpeech = false
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset clears the in-speech flag so the next loud frame reports a fresh
// VADSpeechStart.
func (s *session) Reset() {
	s.inSpeech = false
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// normalizedRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, scaled to [0.0, 1.0] where 1.0 is a full-scale
// square wave. Returns 0 for buffers shorter than one sample.
func normalizedRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		v := float64(sample)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	return math.Min(rms/32768.0, 1.0)
}
