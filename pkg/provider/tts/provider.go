// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., a local Coqui server
// or ElevenLabs) and presents a uniform streaming interface. The primary entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of raw PCM audio bytes as they become available — enabling
// low-latency pipelining between streaming LLM output and call playback.
//
// Voices are plain provider-specific identifiers (a speaker name, a voice ID).
// Each endpoint answers calls with one configured voice, so there is no voice
// profile management here; ListVoices exists so startup validation can check
// that the configured voice actually exists on the backend.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the synthesis backend cannot be reached or is
// persistently failing. Fallback chains return it once every provider in the
// chain has been exhausted; callers match it with errors.Is.
var ErrUnavailable = errors.New("tts: provider unavailable")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis streams
// may run in parallel, one per active call.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel that emits raw 16-bit little-endian mono PCM byte slices as they
	// are synthesised. This design allows the caller to pipe streaming LLM output
	// directly into synthesis without waiting for the full reply text.
	//
	// The emitted PCM is at the provider's output sample rate; callers that need
	// a specific rate (e.g., the 8 kHz telephony leg) resample downstream.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain the
	// audio channel to avoid blocking the provider's internal goroutines.
	//
	// voice is the provider-specific voice identifier to synthesise with. An
	// empty voice uses the provider's default where one exists; providers that
	// require a voice return an error.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice string) (<-chan []byte, error)

	// ListVoices returns the identifiers of all voices available from this
	// provider. Startup validation uses it to verify the configured voice before
	// any call is accepted.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]string, error)
}
