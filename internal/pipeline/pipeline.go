// Package pipeline implements the per-turn AI pipeline behind
// [call.TurnRunner]: transcribe the caller's utterance, generate a reply,
// synthesize it, and play it back over the call's media leg.
//
// Generation streams. Complete sentences are forwarded to synthesis while the
// model is still producing, and synthesized audio starts playing before the
// full reply exists. Each stage is bounded by a timeout; a stage failure fails
// the turn, never the call — the session returns to listening and the caller
// can simply speak again.
//
// The pipeline is a collaborator hub: tool execution goes through an optional
// [tools.Host], semantic recall through an optional [history.Store] plus
// embeddings provider, and farewell detection through an optional
// [call.FarewellDetector]. All optional collaborators degrade silently when
// absent.
//
// A single Runner serves every concurrent call; per-call conversation windows
// are kept internally and released via [Runner.ForgetCall] when a call ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/sip"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/types"
)

const (
	defaultContextWindow = 8
	defaultStageTimeout  = 30 * time.Second
	defaultCaptureRate   = 16000
	defaultWireRate      = 8000
	defaultRecallK       = 3

	// defaultMaxConcurrentTurns bounds turns in flight across all calls, so a
	// burst of simultaneous callers queues at the pipeline instead of piling
	// onto the inference backends.
	defaultMaxConcurrentTurns = 8

	defaultTemperature = 0.7
	defaultMaxTokens   = 200

	// sentenceBuf is the buffer depth of the text channel feeding TTS. Sized
	// to absorb several sentences without blocking the generation loop.
	sentenceBuf = 16

	// maxToolRounds bounds how many times one turn may loop back to the model
	// with tool results before the turn is declared failed.
	maxToolRounds = 4

	// farewellReply is spoken when the caller's transcript matches a farewell
	// phrase; the model is skipped for that turn.
	farewellReply = "Goodbye, and thanks for calling!"
)

// Config tunes the pipeline. The zero value is usable: every field falls back
// to its documented default.
type Config struct {
	// SystemPrompt is injected into every generation request. Empty means no
	// system prompt; callers normally pass the configured default.
	SystemPrompt string

	// ContextWindow is the number of prior exchanges (caller + assistant
	// pairs) kept as model context per call. Default: 8.
	ContextWindow int

	// StageTimeout bounds each pipeline stage. Default: 30s.
	StageTimeout time.Duration

	// FallbackCue is an optional path to raw 16-bit LE mono PCM at the wire
	// rate, played to the caller when a turn fails mid-pipeline. Empty means
	// failed turns end silently.
	FallbackCue string

	// Voice is the TTS voice identifier passed to the synthesis chain.
	Voice string

	// Language is the expected caller language passed to transcription.
	Language string

	// CaptureRate is the sample rate transcription expects, in Hz.
	// Caller audio is resampled from the wire rate to this. Default: 16000.
	CaptureRate int

	// WireRate is the sample rate of the call's media leg, in Hz.
	// Default: 8000.
	WireRate int

	// SynthesisRate is the sample rate of PCM arriving from the TTS chain,
	// in Hz. When it differs from WireRate the pipeline resamples before
	// playback. Default: the wire rate.
	SynthesisRate int

	// RecallK is the number of similar past exchanges retrieved per turn
	// when recall is wired. Default: 3.
	RecallK int

	// MaxConcurrentTurns caps how many turns may run the inference stages at
	// once across all calls. Turns beyond the cap wait their turn-taking
	// context out. Default: 8.
	MaxConcurrentTurns int
}

func (c *Config) applyDefaults() {
	if c.ContextWindow <= 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.CaptureRate <= 0 {
		c.CaptureRate = defaultCaptureRate
	}
	if c.WireRate <= 0 {
		c.WireRate = defaultWireRate
	}
	if c.SynthesisRate <= 0 {
		c.SynthesisRate = c.WireRate
	}
	if c.RecallK <= 0 {
		c.RecallK = defaultRecallK
	}
	if c.MaxConcurrentTurns <= 0 {
		c.MaxConcurrentTurns = defaultMaxConcurrentTurns
	}
}

// Option is a functional option for configuring a Runner during construction.
type Option func(*Runner)

// WithTools wires an MCP tool host. Tool definitions are offered to models
// that support tool calling; requested calls are executed through the host
// and their results fed back for the final reply.
func WithTools(h *tools.Host) Option {
	return func(r *Runner) { r.toolHost = h }
}

// WithRecall wires semantic recall: before generation the caller's transcript
// is embedded and the most similar past exchanges are appended to the system
// prompt. Both arguments must be non-nil for recall to activate.
func WithRecall(store history.Store, embed embeddings.Provider) Option {
	return func(r *Runner) {
		r.store = store
		r.embed = embed
	}
}

// WithFarewells wires a farewell detector. A matching transcript skips
// generation, speaks a fixed goodbye and requests hangup after playback.
func WithFarewells(d *call.FarewellDetector) Option {
	return func(r *Runner) { r.farewell = d }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// Runner executes the pipeline for one caller turn at a time per call. It is
// stateless across calls except for the bounded per-call conversation window.
//
// All methods are safe for concurrent use; turns from different calls run in
// parallel, bounded by Config.MaxConcurrentTurns.
type Runner struct {
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider
	cfg  Config

	farewell *call.FarewellDetector
	toolHost *tools.Host
	store    history.Store
	embed    embeddings.Provider
	metrics  *observe.Metrics
	log      *slog.Logger

	// cue is the preloaded fallback PCM, nil when not configured.
	cue []byte

	// sem bounds concurrent turns across all calls.
	sem *semaphore.Weighted

	mu      sync.Mutex
	windows map[string][]types.Message
}

var _ call.TurnRunner = (*Runner)(nil)

// New constructs a Runner over the given provider chains. All three providers
// are required; collaborators are wired through options. The fallback cue
// file, when configured, is loaded once here so a missing file fails startup
// rather than the first bad turn.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, cfg Config, opts ...Option) (*Runner, error) {
	if sttP == nil {
		return nil, errors.New("pipeline: stt provider is required")
	}
	if llmP == nil {
		return nil, errors.New("pipeline: llm provider is required")
	}
	if ttsP == nil {
		return nil, errors.New("pipeline: tts provider is required")
	}
	cfg.applyDefaults()

	r := &Runner{
		sttP:    sttP,
		llmP:    llmP,
		ttsP:    ttsP,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentTurns)),
		windows: make(map[string][]types.Message),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if cfg.FallbackCue != "" {
		cue, err := os.ReadFile(cfg.FallbackCue)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load fallback cue: %w", err)
		}
		r.cue = cue
	}
	return r, nil
}

// RunTurn implements [call.TurnRunner]. It carries one drained caller
// utterance through every stage and blocks until the reply has fully played
// out (or the turn fails). An empty result with a nil error means the turn
// produced nothing usable and was discarded.
func (r *Runner) RunTurn(ctx context.Context, req call.TurnRequest) (call.TurnResult, error) {
	turnStart := time.Now()
	ctx, span := observe.StartSpan(ctx, "turn")
	defer span.End()

	log := r.log.With("call_id", req.CallID)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return call.TurnResult{}, fmt.Errorf("pipeline: waiting for turn slot: %w", err)
	}
	defer r.sem.Release(1)

	transcript, err := r.transcribe(ctx, req)
	if err != nil {
		r.failTurn(ctx, req, log, err)
		return call.TurnResult{}, err
	}
	text := strings.TrimSpace(transcript)
	if text == "" {
		log.Debug("transcription empty, discarding turn")
		r.metrics.RecordTurn(ctx, "discarded")
		return call.TurnResult{}, nil
	}
	log.Debug("caller transcribed", "text", text)

	var res call.TurnResult
	if phrase, confidence, ok := r.matchFarewell(text); ok {
		log.Info("farewell detected", "phrase", phrase, "confidence", confidence)
		res, err = r.sayGoodbye(ctx, req, text)
	} else {
		res, err = r.respond(ctx, req, text)
	}
	if err != nil {
		r.failTurn(ctx, req, log, err)
		return call.TurnResult{}, err
	}

	r.metrics.RecordTurn(ctx, "completed")
	r.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	return res, nil
}

// ForgetCall releases the conversation window kept for callID. The session
// owner must call it when the call ends or windows accumulate forever.
func (r *Runner) ForgetCall(callID string) {
	r.mu.Lock()
	delete(r.windows, callID)
	r.mu.Unlock()
}

// ─── Transcription ───────────────────────────────────────────────────────────

// transcribe upsamples the drained utterance to the capture rate and runs it
// through the transcription chain under the stage timeout.
func (r *Runner) transcribe(ctx context.Context, req call.TurnRequest) (string, error) {
	r.stage(req, call.StatusTranscribing)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "turn.transcribe")
	defer span.End()

	pcm := req.PCM
	if req.SampleRate != r.cfg.CaptureRate {
		pcm = audio.Resample(pcm, req.SampleRate, r.cfg.CaptureRate)
	}

	start := time.Now()
	result, err := r.sttP.Transcribe(ctx, stt.Request{
		PCM:        pcm,
		SampleRate: r.cfg.CaptureRate,
		Channels:   1,
		Language:   r.cfg.Language,
	})
	r.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("pipeline: transcription failed: %w", err)
	}
	return result.Text, nil
}

func (r *Runner) matchFarewell(transcript string) (string, float64, bool) {
	if r.farewell == nil {
		return "", 0, false
	}
	return r.farewell.Match(transcript)
}

// ─── Generation and playback ─────────────────────────────────────────────────

// respond runs the streaming generation path: TTS is started first so the
// generation loop can forward complete sentences the moment they exist, and
// playback pumps concurrently with both.
func (r *Runner) respond(ctx context.Context, req call.TurnRequest, transcript string) (call.TurnResult, error) {
	r.stage(req, call.StatusGenerating)

	genCtx, cancelGen := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancelGen()
	// Synthesis runs concurrently with generation and finishes after it, so
	// its window covers both stages.
	synthCtx, cancelSynth := context.WithTimeout(ctx, 2*r.cfg.StageTimeout)
	defer cancelSynth()

	textCh := make(chan string, sentenceBuf)
	synthStart := time.Now()
	audioCh, err := r.ttsP.SynthesizeStream(synthCtx, textCh, r.cfg.Voice)
	if err != nil {
		close(textCh)
		return call.TurnResult{}, fmt.Errorf("pipeline: synthesis start failed: %w", err)
	}

	playDone := make(chan error, 1)
	go func() {
		playDone <- r.pump(synthCtx, req.Media, audioCh)
	}()

	genStart := time.Now()
	reply, endCall, genErr := r.generate(genCtx, req.CallID, transcript, textCh)
	r.metrics.LLMDuration.Record(ctx, time.Since(genStart).Seconds())
	if genErr != nil {
		cancelSynth()
		<-playDone
		return call.TurnResult{}, genErr
	}

	// Generation is done; the synthesis tail is what remains.
	r.stage(req, call.StatusSynthesizing)
	if err := <-playDone; err != nil {
		return call.TurnResult{}, fmt.Errorf("pipeline: playback failed: %w", err)
	}
	r.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())

	r.stage(req, call.StatusPlaying)
	if err := r.waitPlayed(ctx, req.Media); err != nil {
		return call.TurnResult{}, err
	}

	r.remember(req.CallID, transcript, reply)
	return call.TurnResult{Transcript: transcript, Reply: reply, EndCall: endCall}, nil
}

// sayGoodbye speaks the fixed farewell reply without consulting the model and
// requests hangup once playback drains.
func (r *Runner) sayGoodbye(ctx context.Context, req call.TurnRequest, transcript string) (call.TurnResult, error) {
	r.stage(req, call.StatusSynthesizing)

	synthCtx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	textCh := make(chan string, 1)
	textCh <- farewellReply
	close(textCh)

	start := time.Now()
	audioCh, err := r.ttsP.SynthesizeStream(synthCtx, textCh, r.cfg.Voice)
	if err != nil {
		return call.TurnResult{}, fmt.Errorf("pipeline: synthesis start failed: %w", err)
	}
	if err := r.pump(synthCtx, req.Media, audioCh); err != nil {
		return call.TurnResult{}, fmt.Errorf("pipeline: playback failed: %w", err)
	}
	r.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	r.stage(req, call.StatusPlaying)
	if err := r.waitPlayed(ctx, req.Media); err != nil {
		return call.TurnResult{}, err
	}

	return call.TurnResult{Transcript: transcript, Reply: farewellReply, EndCall: true}, nil
}

// generate streams the model's reply, forwarding complete sentences to textCh
// as they form and executing any requested tool calls between rounds. It
// always closes textCh so the synthesis stream can finish.
func (r *Runner) generate(ctx context.Context, callID, transcript string, textCh chan<- string) (reply string, endCall bool, err error) {
	defer close(textCh)
	ctx, span := observe.StartSpan(ctx, "turn.generate")
	defer span.End()

	systemPrompt := r.cfg.SystemPrompt
	if block := r.recallBlock(ctx, transcript); block != "" {
		systemPrompt = systemPrompt + "\n\n" + block
	}

	var defs []types.ToolDefinition
	if r.toolHost != nil && r.llmP.Capabilities().SupportsToolCalling {
		defs = r.toolHost.Definitions()
	}

	msgs := r.messagesFor(callID, transcript)
	toolCtx := tools.WithCallID(ctx, callID)

	var replyBuf strings.Builder
	for round := 0; ; round++ {
		if round > maxToolRounds {
			return "", false, fmt.Errorf("pipeline: tool-call loop exceeded %d rounds", maxToolRounds)
		}

		ch, err := r.llmP.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     msgs,
			Tools:        defs,
			Temperature:  defaultTemperature,
			MaxTokens:    defaultMaxTokens,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			return "", false, fmt.Errorf("pipeline: generation stream failed: %w", err)
		}

		text, calls, err := r.forwardSentences(ctx, ch, textCh)
		if err != nil {
			return "", false, err
		}
		replyBuf.WriteString(text)

		if len(calls) == 0 {
			break
		}
		if r.toolHost == nil {
			r.log.Warn("model requested tools but no tool host is wired", "call_id", callID)
			break
		}

		msgs = append(msgs, types.Message{Role: "assistant", Content: text, ToolCalls: calls})
		for _, tc := range calls {
			if tc.Name == tools.ToolEndCall {
				endCall = true
			}
			result, err := r.executeTool(toolCtx, tc)
			if err != nil {
				return "", false, err
			}
			msgs = append(msgs, types.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	reply = strings.TrimSpace(replyBuf.String())
	if reply == "" {
		return "", false, errors.New("pipeline: model produced an empty reply")
	}
	return reply, endCall, nil
}

// executeTool runs one requested tool call through the host. Application-level
// tool errors are fed back to the model as the result text; transport and
// protocol failures fail the turn.
func (r *Runner) executeTool(ctx context.Context, tc types.ToolCall) (string, error) {
	start := time.Now()
	result, err := r.toolHost.ExecuteTool(ctx, tc.Name, tc.Arguments)
	r.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		r.metrics.RecordToolCall(ctx, tc.Name, "error")
		return "", fmt.Errorf("pipeline: tool %q failed: %w", tc.Name, err)
	}
	status := "ok"
	if result.IsError {
		status = "error"
	}
	r.metrics.RecordToolCall(ctx, tc.Name, status)
	return result.Content, nil
}

// forwardSentences reads token chunks from ch, accumulates them into complete
// sentences, and writes each sentence to textCh the moment it closes. Any text
// remaining when the stream ends is flushed as a final fragment. Tool calls
// are collected across chunks and returned alongside the accumulated text.
func (r *Runner) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string) (string, []types.ToolCall, error) {
	var (
		full  strings.Builder
		buf   strings.Builder
		calls []types.ToolCall
	)
	flush := func(s string) error {
		select {
		case textCh <- s:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(ch)
			return "", nil, fmt.Errorf("pipeline: generation cancelled: %w", ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				// Channel closed: flush remaining text.
				if buf.Len() > 0 {
					if err := flush(buf.String()); err != nil {
						return "", nil, err
					}
				}
				return full.String(), calls, nil
			}

			if chunk.FinishReason == "error" {
				go audio.Drain(ch)
				return "", nil, errors.New("pipeline: generation stream failed mid-reply")
			}

			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
			}
			calls = append(calls, chunk.ToolCalls...)

			// Flush complete sentences eagerly for lower synthesis latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				if err := flush(sentence); err != nil {
					go audio.Drain(ch)
					return "", nil, err
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 {
					if err := flush(buf.String()); err != nil {
						return "", nil, err
					}
				}
				return full.String(), calls, nil
			}
		}
	}
}

// pump consumes synthesized PCM chunks, resamples them to the wire rate and
// queues them on the media leg. Returns when audioCh closes.
func (r *Runner) pump(ctx context.Context, media sip.Media, audioCh <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(audioCh)
			return fmt.Errorf("pipeline: playback cancelled: %w", ctx.Err())
		case chunk, ok := <-audioCh:
			if !ok {
				return nil
			}
			if len(chunk) == 0 {
				continue
			}
			pcm := chunk
			if r.cfg.SynthesisRate != r.cfg.WireRate {
				pcm = audio.Resample(pcm, r.cfg.SynthesisRate, r.cfg.WireRate)
			}
			if _, err := media.Write(pcm); err != nil {
				go audio.Drain(audioCh)
				return fmt.Errorf("pipeline: media write: %w", err)
			}
		}
	}
}

// waitPlayed blocks until the media leg has paced out all queued playback,
// bounded by the stage timeout.
func (r *Runner) waitPlayed(ctx context.Context, media sip.Media) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()
	if err := media.WaitDrained(ctx); err != nil {
		return fmt.Errorf("pipeline: playback drain: %w", err)
	}
	return nil
}

// failTurn records the failure and plays the fallback cue so the caller hears
// something other than dead air.
func (r *Runner) failTurn(ctx context.Context, req call.TurnRequest, log *slog.Logger, err error) {
	r.metrics.RecordTurn(ctx, "failed")
	log.Warn("turn failed", "err", err)
	if len(r.cue) == 0 || ctx.Err() != nil {
		return
	}
	if _, werr := req.Media.Write(r.cue); werr != nil {
		log.Warn("fallback cue write failed", "err", werr)
	}
}

// ─── Conversation window ─────────────────────────────────────────────────────

// messagesFor returns a copy of the call's conversation window with the
// current caller utterance appended as the driving user message.
func (r *Runner) messagesFor(callID, transcript string) []types.Message {
	r.mu.Lock()
	window := r.windows[callID]
	msgs := make([]types.Message, len(window), len(window)+1)
	copy(msgs, window)
	r.mu.Unlock()

	return append(msgs, types.Message{
		Role:    "user",
		Content: "Caller says: " + transcript,
	})
}

// remember appends the completed exchange to the call's window, trimming it to
// the configured number of exchanges.
func (r *Runner) remember(callID, transcript, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := append(r.windows[callID],
		types.Message{Role: "user", Content: "Caller says: " + transcript},
		types.Message{Role: "assistant", Content: reply},
	)
	if max := 2 * r.cfg.ContextWindow; len(window) > max {
		window = window[len(window)-max:]
	}
	r.windows[callID] = window
}

// ─── Semantic recall ─────────────────────────────────────────────────────────

// recallBlock embeds the transcript and retrieves the most similar past
// exchanges from the history store, rendered as a context block for the
// system prompt. Any failure degrades to no recall.
func (r *Runner) recallBlock(ctx context.Context, transcript string) string {
	if r.store == nil || r.embed == nil {
		return ""
	}
	vec, err := r.embed.Embed(ctx, transcript)
	if err != nil {
		r.log.Debug("recall embedding failed", "err", err)
		return ""
	}
	hits, err := r.store.SearchSimilar(ctx, vec, r.cfg.RecallK)
	if err != nil {
		r.log.Debug("recall search failed", "err", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Relevant exchanges from earlier calls:")
	for _, hit := range hits {
		sb.WriteString("\n- ")
		sb.WriteString(hit.Entry.Speaker)
		sb.WriteString(": ")
		sb.WriteString(hit.Entry.Text)
	}
	return sb.String()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (r *Runner) stage(req call.TurnRequest, st call.Status) {
	if req.OnStage != nil {
		req.OnStage(st)
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns
// -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

