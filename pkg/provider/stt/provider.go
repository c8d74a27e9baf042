// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., a local whisper-server
// or the whisper.cpp bindings) and exposes a uniform batch interface. The call
// pipeline drains one complete caller utterance per conversational turn, so
// the contract is deliberately one-shot: Transcribe receives the full
// utterance audio and blocks until text is available. Turn segmentation —
// deciding where an utterance ends — is the caller's job, driven by a VAD
// engine, not the transcription backend's.
//
// Implementations must be safe for concurrent use. Turns from different calls
// may be transcribed in parallel.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/voxline/pkg/types"
)

// ErrUnavailable indicates the transcription backend cannot be reached or is
// persistently failing. Fallback chains return it once every provider in the
// chain has been exhausted; callers match it with errors.Is.
var ErrUnavailable = errors.New("stt: provider unavailable")

// Request carries one utterance of audio to transcribe.
type Request struct {
	// PCM is raw 16-bit signed little-endian audio covering the whole utterance.
	PCM []byte

	// SampleRate is the audio sample rate in Hz. Zero means the provider's
	// configured default (typically 16000).
	SampleRate int

	// Channels is the number of audio channels. Zero means mono. Providers
	// downmix multi-channel input internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string uses the provider's configured default.
	Language string
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple calls may
// transcribe simultaneously on the shared worker pool.
type Provider interface {
	// Transcribe converts one utterance of audio to text. It blocks until the
	// provider returns a result or ctx is cancelled. A successful result with
	// empty Text means the provider heard nothing intelligible — callers
	// should treat that as a skipped turn, not an error.
	//
	// Returns an error if the provider cannot be reached, rejects the audio,
	// or ctx is cancelled mid-request.
	Transcribe(ctx context.Context, req Request) (*types.Transcript, error)
}
