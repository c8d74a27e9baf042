package audio

import (
	"sync"
	"time"
)

// CaptureBuffer accumulates raw PCM audio for one call between turn boundaries.
// The recording goroutine appends decoded frames; the pipeline drains the
// accumulated audio when a turn boundary fires.
//
// The buffer has three lifecycle phases. While recording, appends succeed and
// drains hand off whatever has accumulated so far. After [CaptureBuffer.StopRecording],
// appends are rejected but a final drain may still collect the tail. After
// [CaptureBuffer.Release] the buffer is dead: appends and drains both fail and
// the backing storage is freed.
//
// Append and Drain are serialised by a single mutex, so audio appended after a
// drain has begun lands entirely in the next turn's buffer — never split across
// two turns and never lost.
//
// All methods are safe for concurrent use.
type CaptureBuffer struct {
	mu         sync.Mutex
	data       []byte
	chunks     int
	sampleRate int
	recording  bool
	released   bool
}

// NewCaptureBuffer creates a buffer in the recording state. sampleRate is the
// rate of the PCM that will be appended and is used for duration accounting.
func NewCaptureBuffer(sampleRate int) *CaptureBuffer {
	return &CaptureBuffer{
		sampleRate: sampleRate,
		recording:  true,
	}
}

// Append adds a chunk of 16-bit PCM to the buffer. It reports whether the
// chunk was accepted; false means recording has stopped (or the buffer was
// released) and the producer should wind down. The chunk is copied, so the
// caller may reuse its slice.
func (b *CaptureBuffer) Append(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording || b.released {
		return false
	}
	b.data = append(b.data, pcm...)
	b.chunks++
	return true
}

// Drain atomically removes and returns all audio accumulated so far, resetting
// the buffer for the next turn. ok is false once the buffer has been released;
// a drain racing with StopRecording is fine and collects the final tail.
func (b *CaptureBuffer) Drain() (pcm []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil, false
	}
	pcm = b.data
	b.data = nil
	b.chunks = 0
	return pcm, true
}

// StopRecording rejects all future appends. Idempotent. Pending audio remains
// drainable until Release.
func (b *CaptureBuffer) StopRecording() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recording = false
}

// Recording reports whether the buffer still accepts appends.
func (b *CaptureBuffer) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recording && !b.released
}

// Release stops recording, discards any buffered audio and marks the buffer
// dead. Idempotent. After Release, Append and Drain both report failure.
func (b *CaptureBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recording = false
	b.released = true
	b.data = nil
	b.chunks = 0
}

// Duration returns the playback length of the currently buffered audio,
// assuming 16-bit mono PCM at the buffer's sample rate. Used by the turn
// boundary check to cap how long a single turn may grow.
func (b *CaptureBuffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sampleRate <= 0 {
		return 0
	}
	samples := len(b.data) / 2
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Len returns the number of buffered PCM bytes.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Chunks returns how many appends contributed to the current fill. Intended
// for logging and tests.
func (b *CaptureBuffer) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks
}
