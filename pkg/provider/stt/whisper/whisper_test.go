package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

// makeSpeechPCM generates a sine-wave PCM buffer at 440 Hz. The buffer
// contains `samples` 16-bit little-endian signed samples.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_ValidServerURL_ReturnsProvider(t *testing.T) {
	p, err := whisper.New("http://localhost:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithSampleRate(16000),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsServerText(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "  hello there ", &calls)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), stt.Request{
		PCM:        makeSpeechPCM(16000), // one second
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello there" {
		t.Errorf("text: got %q, want %q (trimmed)", tr.Text, "hello there")
	}
	if calls.Load() != 1 {
		t.Errorf("server calls: got %d, want 1", calls.Load())
	}
}

func TestTranscribe_ReportsUtteranceDuration(t *testing.T) {
	srv := newMockServer(t, "ok", nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), stt.Request{
		PCM:        makeSpeechPCM(8000), // half a second at 16 kHz
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got := tr.Duration.Milliseconds(); got != 500 {
		t.Errorf("duration: got %dms, want 500ms", got)
	}
}

func TestTranscribe_EmptyAudio_ReturnsError(t *testing.T) {
	p, _ := whisper.New("http://localhost:8080")
	_, err := p.Transcribe(context.Background(), stt.Request{PCM: nil})
	if err == nil {
		t.Fatal("expected error for empty audio, got nil")
	}
}

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Request{PCM: makeSpeechPCM(1600)})
	if err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "ok", nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(ctx, stt.Request{PCM: makeSpeechPCM(1600)})
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

func TestTranscribe_UploadsValidWAV(t *testing.T) {
	type upload struct {
		sampleRate uint32
		channels   uint16
		dataBytes  int
		language   string
	}
	got := make(chan upload, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		wav, _ := io.ReadAll(f)
		if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
			http.Error(w, "not a wav", http.StatusBadRequest)
			return
		}
		got <- upload{
			sampleRate: binary.LittleEndian.Uint32(wav[24:28]),
			channels:   binary.LittleEndian.Uint16(wav[22:24]),
			dataBytes:  len(wav) - 44,
			language:   r.FormValue("language"),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "ok"})
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithLanguage("de"))
	pcm := makeSpeechPCM(1600)
	if _, err := p.Transcribe(context.Background(), stt.Request{PCM: pcm, SampleRate: 16000}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	up := <-got
	if up.sampleRate != 16000 {
		t.Errorf("wav sample rate: got %d, want 16000", up.sampleRate)
	}
	if up.channels != 1 {
		t.Errorf("wav channels: got %d, want 1", up.channels)
	}
	if up.dataBytes != len(pcm) {
		t.Errorf("wav data bytes: got %d, want %d", up.dataBytes, len(pcm))
	}
	if up.language != "de" {
		t.Errorf("language field: got %q, want %q", up.language, "de")
	}
}

func TestTranscribe_ConcurrentTurns(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "parallel", &calls)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)

	const turns = 8
	errs := make(chan error, turns)
	for range turns {
		go func() {
			_, err := p.Transcribe(context.Background(), stt.Request{PCM: makeSpeechPCM(1600)})
			errs <- err
		}()
	}
	for range turns {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Transcribe: %v", err)
		}
	}
	if calls.Load() != turns {
		t.Errorf("server calls: got %d, want %d", calls.Load(), turns)
	}
}
