package deepgram_test

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/stt/deepgram"
)

// ---- helpers ----------------------------------------------------------------

const resultJSON = `{
	"results": {
		"channels": [{
			"alternatives": [{
				"transcript": " what are your opening hours ",
				"confidence": 0.97,
				"words": [
					{"word": "what", "start": 0.1, "end": 0.4, "confidence": 0.99},
					{"word": "are", "start": 0.45, "end": 0.6, "confidence": 0.95},
					{"word": "your", "start": 0.65, "end": 0.8, "confidence": 0.96},
					{"word": "opening", "start": 0.85, "end": 1.1, "confidence": 0.98},
					{"word": "hours", "start": 1.15, "end": 1.4, "confidence": 0.97}
				]
			}]
		}]
	}
}`

// capturedRequest records what the mock server saw so tests can assert on it.
type capturedRequest struct {
	auth        string
	contentType string
	query       map[string]string
	bodyLen     int
}

// newMockServer serves /v1/listen with the given JSON body and records the
// last request into *captured.
func newMockServer(t *testing.T, response string, status int, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/listen" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if captured != nil {
			body, _ := io.ReadAll(r.Body)
			captured.auth = r.Header.Get("Authorization")
			captured.contentType = r.Header.Get("Content-Type")
			captured.query = map[string]string{}
			for k := range r.URL.Query() {
				captured.query[k] = r.URL.Query().Get(k)
			}
			captured.bodyLen = len(body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
}

// makeSpeechPCM generates a sine-wave PCM buffer at 440 Hz containing
// `samples` 16-bit little-endian signed samples.
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

func TestNew_EmptyAPIKey_ReturnsError(t *testing.T) {
	_, err := deepgram.New("")
	if err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	p, err := deepgram.New("dg-key",
		deepgram.WithModel("base"),
		deepgram.WithLanguage("de"),
		deepgram.WithSampleRate(8000),
		deepgram.WithBaseURL("http://localhost:9999/"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsTopAlternative(t *testing.T) {
	var captured capturedRequest
	srv := newMockServer(t, resultJSON, http.StatusOK, &captured)
	defer srv.Close()

	p, _ := deepgram.New("dg-key", deepgram.WithBaseURL(srv.URL))
	pcm := makeSpeechPCM(16000) // one second
	tr, err := p.Transcribe(context.Background(), stt.Request{
		PCM:        pcm,
		SampleRate: 16000,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if tr.Text != "what are your opening hours" {
		t.Errorf("text: got %q, want %q (trimmed)", tr.Text, "what are your opening hours")
	}
	if tr.Confidence != 0.97 {
		t.Errorf("confidence: got %v, want 0.97", tr.Confidence)
	}
	if len(tr.Words) != 5 {
		t.Fatalf("words: got %d, want 5", len(tr.Words))
	}
	if tr.Words[0].Word != "what" || tr.Words[0].Start != 100*time.Millisecond {
		t.Errorf("first word: got %+v", tr.Words[0])
	}
	if tr.Duration != time.Second {
		t.Errorf("duration: got %v, want 1s", tr.Duration)
	}
}

func TestTranscribe_SendsAuthAndFormat(t *testing.T) {
	var captured capturedRequest
	srv := newMockServer(t, resultJSON, http.StatusOK, &captured)
	defer srv.Close()

	p, _ := deepgram.New("dg-key",
		deepgram.WithBaseURL(srv.URL),
		deepgram.WithModel("nova-3"),
	)
	pcm := makeSpeechPCM(8000)
	_, err := p.Transcribe(context.Background(), stt.Request{
		PCM:        pcm,
		SampleRate: 8000,
		Channels:   1,
		Language:   "de",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if captured.auth != "Token dg-key" {
		t.Errorf("authorization: got %q, want %q", captured.auth, "Token dg-key")
	}
	if captured.contentType != "application/octet-stream" {
		t.Errorf("content type: got %q", captured.contentType)
	}
	if captured.bodyLen != len(pcm) {
		t.Errorf("body length: got %d, want %d", captured.bodyLen, len(pcm))
	}
	want := map[string]string{
		"model":       "nova-3",
		"language":    "de",
		"encoding":    "linear16",
		"sample_rate": "8000",
		"channels":    "1",
		"punctuate":   "true",
	}
	for k, v := range want {
		if captured.query[k] != v {
			t.Errorf("query %s: got %q, want %q", k, captured.query[k], v)
		}
	}
}

func TestTranscribe_AppliesConfiguredDefaults(t *testing.T) {
	var captured capturedRequest
	srv := newMockServer(t, resultJSON, http.StatusOK, &captured)
	defer srv.Close()

	p, _ := deepgram.New("dg-key",
		deepgram.WithBaseURL(srv.URL),
		deepgram.WithLanguage("fr"),
		deepgram.WithSampleRate(44100),
	)
	_, err := p.Transcribe(context.Background(), stt.Request{PCM: makeSpeechPCM(100)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if captured.query["language"] != "fr" {
		t.Errorf("language default: got %q, want %q", captured.query["language"], "fr")
	}
	if captured.query["sample_rate"] != "44100" {
		t.Errorf("sample_rate default: got %q, want %q", captured.query["sample_rate"], "44100")
	}
}

func TestTranscribe_EmptyAudio_ReturnsError(t *testing.T) {
	p, _ := deepgram.New("dg-key")
	_, err := p.Transcribe(context.Background(), stt.Request{})
	if err == nil {
		t.Fatal("expected error for empty audio, got nil")
	}
}

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	srv := newMockServer(t, `{"err_msg":"bad key"}`, http.StatusUnauthorized, nil)
	defer srv.Close()

	p, _ := deepgram.New("dg-key", deepgram.WithBaseURL(srv.URL))
	_, err := p.Transcribe(context.Background(), stt.Request{PCM: makeSpeechPCM(100)})
	if err == nil {
		t.Fatal("expected error for HTTP 401, got nil")
	}
}

func TestTranscribe_NoAlternatives_ReturnsEmptyTranscript(t *testing.T) {
	srv := newMockServer(t, `{"results":{"channels":[]}}`, http.StatusOK, nil)
	defer srv.Close()

	p, _ := deepgram.New("dg-key", deepgram.WithBaseURL(srv.URL))
	tr, err := p.Transcribe(context.Background(), stt.Request{PCM: makeSpeechPCM(100)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "" {
		t.Errorf("text: got %q, want empty", tr.Text)
	}
}

func TestTranscribe_ContextCancelled_ReturnsError(t *testing.T) {
	srv := newMockServer(t, resultJSON, http.StatusOK, nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := deepgram.New("dg-key", deepgram.WithBaseURL(srv.URL))
	_, err := p.Transcribe(ctx, stt.Request{PCM: makeSpeechPCM(100)})
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
