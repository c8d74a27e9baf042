package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/tools"
	embeddingsmock "github.com/MrWong99/voxline/pkg/provider/embeddings/mock"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	"github.com/MrWong99/voxline/pkg/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeMedia is an in-memory sip.Media: writes are recorded, drain returns
// immediately.
type fakeMedia struct {
	mu       sync.Mutex
	writes   [][]byte
	flushes  int
	drains   int
	writeErr error
}

func (m *fakeMedia) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

func (m *fakeMedia) Flush() {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
}

func (m *fakeMedia) WaitDrained(ctx context.Context) error {
	m.mu.Lock()
	m.drains++
	m.mu.Unlock()
	return ctx.Err()
}

func (m *fakeMedia) SetFrameHandler(func(pcm []byte)) {}

func (m *fakeMedia) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *fakeMedia) allWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, w := range m.writes {
		out = append(out, w...)
	}
	return out
}

// scriptedLLM plays a different chunk sequence per StreamCompletion call,
// which the shared mock cannot do. Needed for tool-call round trips.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]llm.Chunk
	calls   []llm.CompletionRequest
	caps    types.ModelCapabilities
}

func (s *scriptedLLM) StreamCompletion(_ context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var chunks []llm.Chunk
	if len(s.scripts) > 0 {
		chunks = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, nil
}

func (s *scriptedLLM) CountTokens([]types.Message) (int, error) { return 0, nil }

func (s *scriptedLLM) Capabilities() types.ModelCapabilities { return s.caps }

func (s *scriptedLLM) requests() []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.CompletionRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// fakeHistory satisfies history.Store with scripted similarity hits.
type fakeHistory struct {
	mu      sync.Mutex
	hits    []history.SimilarTurn
	queries []int
}

func (f *fakeHistory) StartCall(context.Context, string, string, time.Time) error { return nil }
func (f *fakeHistory) EndCall(context.Context, string, string, time.Time) error   { return nil }
func (f *fakeHistory) SaveTurn(context.Context, types.TurnEntry, []float32) error { return nil }
func (f *fakeHistory) Ping(context.Context) error                                 { return nil }
func (f *fakeHistory) Close()                                                     {}

func (f *fakeHistory) SearchSimilar(_ context.Context, _ []float32, k int) ([]history.SimilarTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, k)
	return f.hits, nil
}

// stageRecorder captures the OnStage sequence a turn reports.
type stageRecorder struct {
	mu     sync.Mutex
	stages []call.Status
}

func (r *stageRecorder) record(st call.Status) {
	r.mu.Lock()
	r.stages = append(r.stages, st)
	r.mu.Unlock()
}

func (r *stageRecorder) seen() []call.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]call.Status, len(r.stages))
	copy(out, r.stages)
	return out
}

// turnPCM is 20 ms of silence at 8 kHz: 160 samples, 320 bytes.
func turnPCM() []byte { return make([]byte, 320) }

func newRequest(media *fakeMedia, rec *stageRecorder) call.TurnRequest {
	req := call.TurnRequest{
		CallID:     "call-1",
		Caller:     "sip:alice@example.com",
		PCM:        turnPCM(),
		SampleRate: 8000,
		Media:      media,
	}
	if rec != nil {
		req.OnStage = rec.record
	}
	return req
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		SystemPrompt: "You answer phones.",
		StageTimeout: 2 * time.Second,
		Voice:        "en_0",
	}
}

// ─── TestRunTurn_HappyPath ───────────────────────────────────────────────────

// TestRunTurn_HappyPath verifies the full transcribe → generate → synthesize →
// play flow: the reply streams to TTS sentence by sentence, synthesized audio
// lands on the media leg and the stage callback sees every stage in order.
func TestRunTurn_HappyPath(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "What are your opening hours?"}}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "We open at nine. "},
			{Text: "We close at five.", FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
	media := &fakeMedia{}
	rec := &stageRecorder{}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.RunTurn(context.Background(), newRequest(media, rec))
	if err != nil {
		t.Fatalf("RunTurn: unexpected error: %v", err)
	}

	if res.Transcript != "What are your opening hours?" {
		t.Errorf("Transcript: got %q", res.Transcript)
	}
	if res.Reply != "We open at nine. We close at five." {
		t.Errorf("Reply: got %q", res.Reply)
	}
	if res.EndCall {
		t.Error("EndCall: want false")
	}

	// Sentences were forwarded individually, not as one blob.
	fragments := ttsP.Text()
	if len(fragments) != 2 {
		t.Fatalf("TTS fragments: want 2, got %d (%q)", len(fragments), fragments)
	}
	if fragments[0] != "We open at nine." {
		t.Errorf("first fragment: got %q", fragments[0])
	}
	if fragments[1] != "We close at five." {
		t.Errorf("second fragment: got %q", fragments[1])
	}

	if media.writeCount() != 2 {
		t.Errorf("media writes: want 2, got %d", media.writeCount())
	}
	if media.drains != 1 {
		t.Errorf("WaitDrained calls: want 1, got %d", media.drains)
	}

	want := []call.Status{call.StatusTranscribing, call.StatusGenerating, call.StatusSynthesizing, call.StatusPlaying}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("stages: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage[%d]: want %v, got %v", i, want[i], got[i])
		}
	}
}

// ─── TestRunTurn_ResamplesCaptureAudio ───────────────────────────────────────

// TestRunTurn_ResamplesCaptureAudio verifies that 8 kHz wire audio is
// upsampled to the capture rate before transcription.
func TestRunTurn_ResamplesCaptureAudio(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi!", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if got := sttP.CallCount(); got != 1 {
		t.Fatalf("Transcribe calls: want 1, got %d", got)
	}
	req := sttP.TranscribeCalls[0].Req
	if req.SampleRate != 16000 {
		t.Errorf("stt sample rate: want 16000, got %d", req.SampleRate)
	}
	// 320 bytes at 8 kHz become 640 bytes at 16 kHz.
	if len(req.PCM) != 640 {
		t.Errorf("stt PCM length: want 640, got %d", len(req.PCM))
	}
	if req.Channels != 1 {
		t.Errorf("stt channels: want 1, got %d", req.Channels)
	}
}

// ─── TestRunTurn_EmptyTranscriptDiscards ─────────────────────────────────────

// TestRunTurn_EmptyTranscriptDiscards verifies that a blank transcription
// result skips generation entirely and reports neither an error nor a reply.
func TestRunTurn_EmptyTranscriptDiscards(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "   "}}}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}
	media := &fakeMedia{}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.RunTurn(context.Background(), newRequest(media, nil))
	if err != nil {
		t.Fatalf("RunTurn: unexpected error: %v", err)
	}
	if res.Transcript != "" || res.Reply != "" || res.EndCall {
		t.Errorf("result: want zero value, got %+v", res)
	}
	if len(llmP.StreamCalls) != 0 {
		t.Errorf("llm calls: want 0, got %d", len(llmP.StreamCalls))
	}
	if len(ttsP.SynthesizeStreamCalls) != 0 {
		t.Errorf("tts calls: want 0, got %d", len(ttsP.SynthesizeStreamCalls))
	}
	if media.writeCount() != 0 {
		t.Errorf("media writes: want 0, got %d", media.writeCount())
	}
}

// ─── TestRunTurn_FarewellSkipsModel ──────────────────────────────────────────

// TestRunTurn_FarewellSkipsModel verifies that a transcript matching a
// farewell phrase speaks a fixed goodbye without consulting the model and
// requests hangup.
func TestRunTurn_FarewellSkipsModel(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "okay goodbye"}}}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("bye-audio")}}
	media := &fakeMedia{}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig(),
		pipeline.WithFarewells(call.NewFarewellDetector(nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.RunTurn(context.Background(), newRequest(media, nil))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if !res.EndCall {
		t.Error("EndCall: want true")
	}
	if !strings.Contains(res.Reply, "Goodbye") {
		t.Errorf("Reply: want a goodbye, got %q", res.Reply)
	}
	if len(llmP.StreamCalls) != 0 {
		t.Errorf("llm calls: want 0, got %d", len(llmP.StreamCalls))
	}
	fragments := ttsP.Text()
	if len(fragments) != 1 || fragments[0] != res.Reply {
		t.Errorf("TTS fragments: want [%q], got %q", res.Reply, fragments)
	}
	if media.writeCount() != 1 {
		t.Errorf("media writes: want 1, got %d", media.writeCount())
	}
}

// ─── TestRunTurn_STTFailurePlaysFallbackCue ──────────────────────────────────

// TestRunTurn_STTFailurePlaysFallbackCue verifies that a transcription failure
// fails the turn and queues the configured cue so the caller hears something.
func TestRunTurn_STTFailurePlaysFallbackCue(t *testing.T) {
	t.Parallel()

	cue := []byte("cue-pcm-bytes")
	cuePath := filepath.Join(t.TempDir(), "cue.pcm")
	if err := os.WriteFile(cuePath, cue, 0o600); err != nil {
		t.Fatalf("write cue: %v", err)
	}

	sttP := &sttmock.Provider{TranscribeErr: context.DeadlineExceeded}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}
	media := &fakeMedia{}

	cfg := testConfig()
	cfg.FallbackCue = cuePath
	r, err := pipeline.New(sttP, llmP, ttsP, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.RunTurn(context.Background(), newRequest(media, nil)); err == nil {
		t.Fatal("RunTurn: want error, got nil")
	}
	if media.writeCount() != 1 {
		t.Fatalf("media writes: want 1 cue write, got %d", media.writeCount())
	}
	if got := media.allWritten(); string(got) != string(cue) {
		t.Errorf("cue bytes: want %q, got %q", cue, got)
	}
}

// TestNew_MissingCueFileFails verifies that a configured but unreadable cue
// path fails construction rather than the first bad turn.
func TestNew_MissingCueFileFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FallbackCue = filepath.Join(t.TempDir(), "absent.pcm")
	_, err := pipeline.New(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{}, cfg)
	if err == nil {
		t.Fatal("New: want error for missing cue file, got nil")
	}
}

// ─── TestRunTurn_ToolCallLoop ────────────────────────────────────────────────

// TestRunTurn_ToolCallLoop verifies the tool round trip: the model's tool
// request is executed through the host and the result is fed back as a
// tool-role message for the final reply.
func TestRunTurn_ToolCallLoop(t *testing.T) {
	t.Parallel()

	host := tools.NewHost()
	t.Cleanup(func() { _ = host.Close() })
	err := host.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "lookup_hours",
			Description: "Look up business hours.",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(context.Context, string) (string, error) { return "9-5", nil },
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "when are you open"}}}
	llmP := &scriptedLLM{
		caps: types.ModelCapabilities{SupportsToolCalling: true, SupportsStreaming: true},
		scripts: [][]llm.Chunk{
			{{ToolCalls: []types.ToolCall{{ID: "call_1", Name: "lookup_hours", Arguments: "{}"}}, FinishReason: "tool_calls"}},
			{{Text: "We are open nine to five.", FinishReason: "stop"}},
		},
	}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig(), pipeline.WithTools(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "We are open nine to five." {
		t.Errorf("Reply: got %q", res.Reply)
	}

	reqs := llmP.requests()
	if len(reqs) != 2 {
		t.Fatalf("llm rounds: want 2, got %d", len(reqs))
	}
	// Round one offered the tool definitions.
	var offered bool
	for _, def := range reqs[0].Tools {
		if def.Name == "lookup_hours" {
			offered = true
		}
	}
	if !offered {
		t.Errorf("round 1 tools: lookup_hours not offered (%v)", reqs[0].Tools)
	}
	// Round two carried the assistant's tool request and the tool result.
	msgs := reqs[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("round 2 messages: want 3, got %d (%+v)", len(msgs), msgs)
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("round 2 msg[1]: want assistant with 1 tool call, got %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call_1" || msgs[2].Content != "9-5" {
		t.Errorf("round 2 msg[2]: want tool result 9-5 for call_1, got %+v", msgs[2])
	}
}

// TestRunTurn_EndCallToolRequestsHangup verifies that the end_call builtin
// propagates into the turn result.
func TestRunTurn_EndCallToolRequestsHangup(t *testing.T) {
	t.Parallel()

	host := tools.NewHost()
	t.Cleanup(func() { _ = host.Close() })
	if err := host.RegisterBuiltin(tools.EndCallTool()); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "that is all I needed"}}}
	llmP := &scriptedLLM{
		caps: types.ModelCapabilities{SupportsToolCalling: true},
		scripts: [][]llm.Chunk{
			{{ToolCalls: []types.ToolCall{{ID: "call_9", Name: tools.ToolEndCall, Arguments: "{}"}}, FinishReason: "tool_calls"}},
			{{Text: "Happy to help, goodbye!", FinishReason: "stop"}},
		},
	}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig(), pipeline.WithTools(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !res.EndCall {
		t.Error("EndCall: want true after end_call tool")
	}
	if res.Reply != "Happy to help, goodbye!" {
		t.Errorf("Reply: got %q", res.Reply)
	}
}

// TestRunTurn_UnknownToolFailsTurn verifies that a tool the host cannot route
// fails the turn, not the call.
func TestRunTurn_UnknownToolFailsTurn(t *testing.T) {
	t.Parallel()

	host := tools.NewHost()
	t.Cleanup(func() { _ = host.Close() })

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "do something"}}}
	llmP := &scriptedLLM{
		caps: types.ModelCapabilities{SupportsToolCalling: true},
		scripts: [][]llm.Chunk{
			{{ToolCalls: []types.ToolCall{{ID: "x", Name: "no_such_tool", Arguments: "{}"}}, FinishReason: "tool_calls"}},
		},
	}
	ttsP := &ttsmock.Provider{}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig(), pipeline.WithTools(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil)); err == nil {
		t.Fatal("RunTurn: want error for unknown tool, got nil")
	}
}

// ─── TestRunTurn_EmptyReplyFails ─────────────────────────────────────────────

// TestRunTurn_EmptyReplyFails verifies that a model round producing no text is
// a turn failure rather than silent success.
func TestRunTurn_EmptyReplyFails(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil)); err == nil {
		t.Fatal("RunTurn: want error for empty reply, got nil")
	}
}

// ─── TestRunTurn_GenerationTimeout ───────────────────────────────────────────

// TestRunTurn_GenerationTimeout verifies that a model that never produces a
// chunk is cut off by the stage timeout.
func TestRunTurn_GenerationTimeout(t *testing.T) {
	t.Parallel()

	never := make(chan struct{})
	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}}}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "too late.", FinishReason: "stop"}},
		StreamDelay:  func() <-chan struct{} { return never },
	}
	ttsP := &ttsmock.Provider{}

	cfg := testConfig()
	cfg.StageTimeout = 50 * time.Millisecond
	r, err := pipeline.New(sttP, llmP, ttsP, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil))
	if err == nil {
		t.Fatal("RunTurn: want timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("RunTurn took %v, timeout did not bite", elapsed)
	}
}

// ─── Conversation window ─────────────────────────────────────────────────────

// TestRunTurn_WindowCarriesContext verifies that a second turn on the same
// call sees the first exchange as conversation context.
func TestRunTurn_WindowCarriesContext(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{
		{Text: "first question"},
		{Text: "second question"},
	}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "An answer.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	media := &fakeMedia{}
	if _, err := r.RunTurn(context.Background(), newRequest(media, nil)); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := r.RunTurn(context.Background(), newRequest(media, nil)); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	if len(llmP.StreamCalls) != 2 {
		t.Fatalf("llm calls: want 2, got %d", len(llmP.StreamCalls))
	}
	msgs := llmP.StreamCalls[1].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("turn 2 messages: want 3, got %d (%+v)", len(msgs), msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Caller says: first question" {
		t.Errorf("msg[0]: got %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "An answer." {
		t.Errorf("msg[1]: got %+v", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Content != "Caller says: second question" {
		t.Errorf("msg[2]: got %+v", msgs[2])
	}
}

// TestRunTurn_WindowTrimmed verifies the per-call window is bounded by the
// configured number of exchanges.
func TestRunTurn_WindowTrimmed(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{
		{Text: "one"}, {Text: "two"}, {Text: "three"}, {Text: "four"},
	}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Reply.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	cfg := testConfig()
	cfg.ContextWindow = 1
	r, err := pipeline.New(sttP, llmP, ttsP, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	media := &fakeMedia{}
	for i := 0; i < 4; i++ {
		if _, err := r.RunTurn(context.Background(), newRequest(media, nil)); err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
	}

	// With one exchange kept, every request carries at most 2 prior messages
	// plus the current utterance.
	last := llmP.StreamCalls[3].Req.Messages
	if len(last) != 3 {
		t.Fatalf("turn 4 messages: want 3, got %d", len(last))
	}
	if last[0].Content != "Caller says: three" {
		t.Errorf("oldest kept message: got %q", last[0].Content)
	}
	if last[2].Content != "Caller says: four" {
		t.Errorf("current message: got %q", last[2].Content)
	}
}

// TestForgetCall verifies that dropping a call's window resets its context.
func TestForgetCall(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}, {Text: "again"}}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	media := &fakeMedia{}
	if _, err := r.RunTurn(context.Background(), newRequest(media, nil)); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	r.ForgetCall("call-1")
	if _, err := r.RunTurn(context.Background(), newRequest(media, nil)); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	msgs := llmP.StreamCalls[1].Req.Messages
	if len(msgs) != 1 {
		t.Errorf("messages after ForgetCall: want 1, got %d (%+v)", len(msgs), msgs)
	}
}

// ─── Semantic recall ─────────────────────────────────────────────────────────

// TestRunTurn_RecallEnrichesSystemPrompt verifies that similar past exchanges
// are appended to the system prompt when recall is wired.
func TestRunTurn_RecallEnrichesSystemPrompt(t *testing.T) {
	t.Parallel()

	store := &fakeHistory{hits: []history.SimilarTurn{
		{Entry: types.TurnEntry{Speaker: "caller", Text: "do you deliver on weekends"}, Distance: 0.1},
		{Entry: types.TurnEntry{Speaker: "assistant", Text: "We deliver Saturdays only."}, Distance: 0.2},
	}}
	embed := &embeddingsmock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "what about delivery"}}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Saturdays only.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	cfg := testConfig()
	cfg.RecallK = 2
	r, err := pipeline.New(sttP, llmP, ttsP, cfg, pipeline.WithRecall(store, embed))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil)); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	prompt := llmP.StreamCalls[0].Req.SystemPrompt
	if !strings.HasPrefix(prompt, "You answer phones.") {
		t.Errorf("system prompt lost its base: %q", prompt)
	}
	if !strings.Contains(prompt, "Relevant exchanges from earlier calls:") {
		t.Errorf("system prompt missing recall block: %q", prompt)
	}
	if !strings.Contains(prompt, "caller: do you deliver on weekends") {
		t.Errorf("system prompt missing recall hit: %q", prompt)
	}
	if len(store.queries) != 1 || store.queries[0] != 2 {
		t.Errorf("SearchSimilar k: want [2], got %v", store.queries)
	}
}

// TestRunTurn_RecallFailureDegrades verifies that a failing embeddings
// provider costs the recall block, not the turn.
func TestRunTurn_RecallFailureDegrades(t *testing.T) {
	t.Parallel()

	store := &fakeHistory{}
	embed := &embeddingsmock.Provider{EmbedErr: context.DeadlineExceeded}

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi there.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig(), pipeline.WithRecall(store, embed))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil))
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Reply != "Hi there." {
		t.Errorf("Reply: got %q", res.Reply)
	}
	if got := llmP.StreamCalls[0].Req.SystemPrompt; got != "You answer phones." {
		t.Errorf("system prompt: want base only, got %q", got)
	}
}

// ─── TestRunTurn_SynthesisStartFailure ───────────────────────────────────────

// TestRunTurn_SynthesisStartFailure verifies that a synthesis chain that
// cannot start fails the turn.
func TestRunTurn_SynthesisStartFailure(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcripts: []types.Transcript{{Text: "hello"}}}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeErr: context.DeadlineExceeded}

	r, err := pipeline.New(sttP, llmP, ttsP, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.RunTurn(context.Background(), newRequest(&fakeMedia{}, nil)); err == nil {
		t.Fatal("RunTurn: want error when synthesis cannot start, got nil")
	}
}

// ─── TestRunTurn_BoundedConcurrency ──────────────────────────────────────────

// TestRunTurn_BoundedConcurrency verifies that turns beyond MaxConcurrentTurns
// queue at the pipeline: with a budget of one, the second caller's turn does
// not reach the inference stages until the first turn finishes.
func TestRunTurn_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sttP := &sttmock.Provider{
		Transcripts:     []types.Transcript{{Text: "hello"}},
		TranscribeDelay: func() <-chan struct{} { return gate },
	}
	llmP := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi.", FinishReason: "stop"}}}
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}}

	cfg := testConfig()
	cfg.MaxConcurrentTurns = 1
	r, err := pipeline.New(sttP, llmP, ttsP, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 2)
	for _, id := range []string{"call-1", "call-2"} {
		go func() {
			req := newRequest(&fakeMedia{}, nil)
			req.CallID = id
			_, err := r.RunTurn(context.Background(), req)
			done <- err
		}()
	}

	// The first turn is parked inside transcription; the second must be
	// waiting for the slot, not transcribing alongside it.
	deadline := time.Now().Add(2 * time.Second)
	for sttP.CallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := sttP.CallCount(); got != 1 {
		t.Fatalf("Transcribe calls while slot held: want 1, got %d", got)
	}

	close(gate)
	for range 2 {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("RunTurn: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("turns did not finish after the slot freed")
		}
	}
	if got := sttP.CallCount(); got != 2 {
		t.Errorf("Transcribe calls after both turns: want 2, got %d", got)
	}
}
