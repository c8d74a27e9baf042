package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// When every backend fails, the returned error matches [tts.ErrUnavailable].
//
// The voice identifier is passed through unchanged, so a fallback chain should
// only mix providers that resolve the same voice names — or callers must accept
// the fallback's default voice when the configured one does not exist there.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream consumes text fragments and returns a channel of audio bytes,
// trying the first healthy provider. Only the initial stream setup is covered by
// failover; mid-stream errors are the caller's responsibility. This is safe
// because every provider validates its connection and parameters before reading
// from the text channel.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice string) (<-chan []byte, error) {
	ch, err := ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tts.ErrUnavailable, err)
	}
	return ch, nil
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]string, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]string, error) {
		return p.ListVoices(ctx)
	})
}
