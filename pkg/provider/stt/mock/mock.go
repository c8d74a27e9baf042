// Package mock provides a test double for the stt package interfaces.
//
// Use Provider to feed controlled Transcript values to the pipeline and to
// inspect which audio was submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{
//	    Transcripts: []types.Transcript{{Text: "hello there"}},
//	}
//	tr, _ := p.Transcribe(ctx, stt.Request{PCM: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe. Req.PCM is a copy.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcripts are returned by successive Transcribe calls, in order. Once
	// exhausted, the last element is returned again. If empty, Transcribe
	// returns a zero-valued Transcript.
	Transcripts []types.Transcript

	// TranscribeErr, if non-nil, is returned as the error from every
	// Transcribe call (no Transcript is consumed).
	TranscribeErr error

	// TranscribeDelay, if non-zero, makes Transcribe block for that long or
	// until ctx is cancelled — useful for exercising timeout paths.
	TranscribeDelay func() <-chan struct{}

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	next int
}

// Transcribe records the call and returns the next scripted Transcript or
// TranscribeErr.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(req.PCM))
	copy(cp, req.PCM)
	rec := req
	rec.PCM = cp
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: rec})
	delay := p.TranscribeDelay
	err := p.TranscribeErr
	var tr types.Transcript
	if err == nil && len(p.Transcripts) > 0 {
		idx := p.next
		if idx >= len(p.Transcripts) {
			idx = len(p.Transcripts) - 1
		}
		tr = p.Transcripts[idx]
		p.next++
	}
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return &tr, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls and rewinds the scripted transcripts.
// Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.next = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
