package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/history/postgres"
	"github.com/MrWong99/voxline/internal/notify"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/pipeline"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/internal/sip"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/vad"
)

// ErrReconfigurationFailed wraps any error that aborted a component rebuild.
// When Reconfigure returns it, the previously active generation is still in
// service and untouched.
var ErrReconfigurationFailed = errors.New("app: reconfiguration failed")

const (
	// buildTeardownTimeout bounds cleanup of a partially built component set.
	buildTeardownTimeout = 15 * time.Second

	// hangupTimeout bounds a bot-initiated hangup request.
	hangupTimeout = 5 * time.Second

	// defaultEmbeddingDims sizes history vectors when no embeddings provider
	// is configured to report the true dimensionality.
	defaultEmbeddingDims = 1536
)

// Endpoint is the slice of [sip.Endpoint] the supervisor manages. Tests
// substitute a fake to drive calls without a registrar.
type Endpoint interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	State() sip.State
	LocalPort() int
	Hangup(ctx context.Context, callID string) error
}

// EndpointFactory constructs the SIP endpoint of one component generation.
// onRegistrationLost fires when the endpoint permanently loses its
// registration after Start succeeded.
type EndpointFactory func(cfg sip.EndpointConfig, handler sip.CallHandler, onRegistrationLost func(error), log *slog.Logger) (Endpoint, error)

func defaultEndpointFactory(cfg sip.EndpointConfig, handler sip.CallHandler, onRegistrationLost func(error), log *slog.Logger) (Endpoint, error) {
	ep, err := sip.NewEndpoint(cfg, handler,
		sip.WithLogger(log),
		sip.WithRegistrationLostHandler(onRegistrationLost),
	)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// SupervisorConfig wires a [Supervisor]. Registry is required; everything
// else has a production default.
type SupervisorConfig struct {
	// Registry resolves provider names from the configuration into live
	// provider instances.
	Registry *config.Registry

	// Endpoints constructs the SIP endpoint of each generation. Defaults to
	// the real UDP endpoint.
	Endpoints EndpointFactory

	// Sinks are additional event sinks attached to every generation,
	// alongside the built-in log, history, and notification sinks.
	Sinks []call.Sink

	// Metrics receives supervisor and call telemetry. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Supervisor owns the rebuildable half of the daemon: the SIP endpoint, the
// provider chains, the turn pipeline, and every per-call collaborator,
// grouped into numbered generations. A configuration change builds a complete
// replacement generation before the running one is torn down, so the daemon
// is never caught between two half-wired states.
type Supervisor struct {
	registry  *config.Registry
	endpoints EndpointFactory
	sinks     []call.Sink
	metrics   *observe.Metrics
	log       *slog.Logger

	// mu serialises Start, Reconfigure, and Shutdown. Readers go through the
	// atomic pointer and never block a rebuild.
	mu      sync.Mutex
	gen     atomic.Int64
	current atomic.Pointer[ComponentSet]
}

// NewSupervisor returns an idle supervisor. Nothing is built until Start.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("app: supervisor requires a provider registry")
	}
	s := &Supervisor{
		registry:  cfg.Registry,
		endpoints: cfg.Endpoints,
		sinks:     cfg.Sinks,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
	if s.endpoints == nil {
		s.endpoints = defaultEndpointFactory
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Start builds the first component generation from cfg and begins serving
// calls. It fails when any component cannot be constructed or the endpoint
// cannot register, and releases everything built up to that point.
func (s *Supervisor) Start(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Load() != nil {
		return errors.New("app: supervisor already started")
	}

	set, err := s.buildSet(ctx, cfg, s.gen.Add(1))
	if err != nil {
		return err
	}
	s.current.Store(set)
	s.log.Info("components started",
		"generation", set.generation,
		"sip_state", set.endpoint.State(),
		"sip_port", set.endpoint.LocalPort())
	return nil
}

// Reconfigure replaces the active generation with one built from cfg. The
// replacement is fully constructed — endpoint registered, pools connected,
// tool servers attached — before the old generation is shut down. When the
// build fails, every partially constructed resource is released, the old
// generation stays in service, and the error wraps
// [ErrReconfigurationFailed].
//
// Calls in flight belong to the generation they started on and are ended
// when that generation is torn down.
func (s *Supervisor) Reconfigure(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if old == nil {
		return errors.New("app: supervisor not started")
	}

	set, err := s.buildSet(ctx, cfg, s.gen.Add(1))
	if err != nil {
		s.metrics.RecordReconfiguration(ctx, "rolled_back")
		s.log.Error("reconfiguration failed, previous components stay active",
			"active_generation", old.generation, "error", err)
		return fmt.Errorf("%w: %w", ErrReconfigurationFailed, err)
	}

	s.current.Store(set)
	s.metrics.RecordReconfiguration(ctx, "applied")

	if err := old.teardown(ctx); err != nil {
		s.log.Warn("retiring previous generation", "generation", old.generation, "error", err)
	}
	s.log.Info("reconfiguration applied",
		"generation", set.generation,
		"retired_generation", old.generation)
	return nil
}

// Shutdown tears down the active generation. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.current.Swap(nil)
	if set == nil {
		return nil
	}
	return set.teardown(ctx)
}

// Current returns the active component set, or nil before Start and after
// Shutdown. A set never mutates after construction, so the caller may hold
// it across a reconfiguration; it just stops being current.
func (s *Supervisor) Current() *ComponentSet {
	return s.current.Load()
}

// Generation returns the active generation number, 0 when none is active.
func (s *Supervisor) Generation() int64 {
	if set := s.current.Load(); set != nil {
		return set.generation
	}
	return 0
}

// Calls snapshots the calls in flight on the active generation.
func (s *Supervisor) Calls() []sip.CallInfo {
	set := s.current.Load()
	if set == nil {
		return nil
	}
	return set.sessions.Calls()
}

// CheckRegistered reports whether the active endpoint holds a registration.
// Wired into the readiness probe.
func (s *Supervisor) CheckRegistered(context.Context) error {
	set := s.current.Load()
	if set == nil {
		return errors.New("no active components")
	}
	if state := set.endpoint.State(); state != sip.StateRegistered {
		return fmt.Errorf("sip endpoint %s", state)
	}
	return nil
}

// CheckHistory pings the history store. Healthy when persistence is not
// configured.
func (s *Supervisor) CheckHistory(ctx context.Context) error {
	set := s.current.Load()
	if set == nil {
		return errors.New("no active components")
	}
	if set.store == nil {
		return nil
	}
	return set.store.Ping(ctx)
}

// ComponentSet is one complete generation of rebuildable components. Fields
// are immutable once built; a configuration change produces a replacement
// set instead of mutating this one.
type ComponentSet struct {
	generation int64
	cfg        *config.Config
	log        *slog.Logger

	events   *call.Fanout
	vad      vad.Engine
	store    history.Store
	recorder *history.Recorder
	notifier *notify.DiscordNotifier
	toolHost *tools.Host
	runner   *pipeline.Runner
	sessions *call.Registry
	endpoint Endpoint
}

// Generation returns the generation number this set was built as.
func (cs *ComponentSet) Generation() int64 { return cs.generation }

// Endpoint returns the set's SIP endpoint.
func (cs *ComponentSet) Endpoint() Endpoint { return cs.endpoint }

// buildSet constructs a complete generation from cfg. The endpoint is built
// and started last: registration only succeeds once everything behind it is
// ready to take a call. On failure every resource built so far is released
// before the error returns.
func (s *Supervisor) buildSet(ctx context.Context, cfg *config.Config, generation int64) (*ComponentSet, error) {
	log := s.log.With("generation", generation)
	set := &ComponentSet{generation: generation, cfg: cfg, log: log}

	ok := false
	defer func() {
		if ok {
			return
		}
		tctx, cancel := context.WithTimeout(context.Background(), buildTeardownTimeout)
		defer cancel()
		if err := set.teardown(tctx); err != nil {
			log.Warn("cleanup after failed build", "error", err)
		}
	}()

	// ── 1. event fan-out ──
	sinks := append([]call.Sink{notify.NewLogSink(log)}, s.sinks...)
	set.events = call.NewFanout(sinks...)

	// ── 2. voice activity detection ──
	engine, err := s.registry.CreateVAD(cfg.Turn.VAD)
	if err != nil {
		return nil, fmt.Errorf("vad engine: %w", err)
	}
	set.vad = engine

	// ── 3. provider chains ──
	sttChain, err := s.buildSTTChain(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("stt chain: %w", err)
	}
	llmChain, err := s.buildLLMChain(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm chain: %w", err)
	}
	ttsChain, err := s.buildTTSChain(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts chain: %w", err)
	}

	// ── 4. conversation history ──
	var embed embeddings.Provider
	if cfg.Providers.Embeddings.Name != "" {
		embed, err = s.registry.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("embeddings provider: %w", err)
		}
	}
	if cfg.History.DSN != "" {
		dims := defaultEmbeddingDims
		if embed != nil {
			dims = embed.Dimensions()
		}
		store, err := postgres.NewStore(ctx, cfg.History.DSN, dims)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		set.store = store
		set.recorder = history.NewRecorder(store, embed, history.WithRecorderLogger(log))
		set.events.Add(set.recorder)
	}

	// ── 5. notifications ──
	if cfg.Notify.Discord != nil {
		notifier, err := notify.NewDiscordNotifier(cfg.Notify.Discord.Token, cfg.Notify.Discord.ChannelID,
			notify.WithDiscordLogger(log))
		if err != nil {
			return nil, fmt.Errorf("discord notifier: %w", err)
		}
		set.notifier = notifier
		set.events.Add(notifier)
	}

	// ── 6. tool host ──
	set.toolHost = tools.NewHost(tools.WithHostLogger(log))
	if err := set.toolHost.RegisterBuiltin(tools.EndCallTool()); err != nil {
		return nil, fmt.Errorf("end_call tool: %w", err)
	}
	leaveNote := tools.LeaveNoteTool(func(ctx context.Context, note string) {
		set.events.Publish(call.Event{
			Type:   call.EventNoteLeft,
			CallID: tools.CallIDFromContext(ctx),
			Text:   note,
			At:     time.Now(),
		})
	})
	if err := set.toolHost.RegisterBuiltin(leaveNote); err != nil {
		return nil, fmt.Errorf("leave_note tool: %w", err)
	}
	for _, server := range cfg.Tools.Servers {
		err := set.toolHost.RegisterServer(ctx, tools.ServerConfig{
			Name:      server.Name,
			Transport: server.Transport,
			Command:   server.Command,
			URL:       server.URL,
			Env:       server.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("tool server %q: %w", server.Name, err)
		}
	}

	// ── 7. turn pipeline ──
	pipeCfg := pipeline.Config{
		SystemPrompt:       cfg.Pipeline.SystemPrompt,
		ContextWindow:      cfg.Pipeline.ContextWindow,
		StageTimeout:       cfg.Pipeline.StageTimeout,
		MaxConcurrentTurns: cfg.Pipeline.MaxConcurrentTurns,
		FallbackCue:        cfg.Pipeline.FallbackCue,
		Voice:              primaryVoice(cfg.Providers.TTS),
		Language:           primaryLanguage(cfg.Providers.STT),
		CaptureRate:        cfg.Audio.CaptureRate,
		WireRate:           cfg.Audio.WireRate,
		RecallK:            cfg.History.RecallK,
	}
	pipeOpts := []pipeline.Option{
		pipeline.WithTools(set.toolHost),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithLogger(log),
	}
	if len(cfg.Pipeline.FarewellPhrases) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithFarewells(call.NewFarewellDetector(cfg.Pipeline.FarewellPhrases)))
	}
	if set.store != nil && embed != nil {
		pipeOpts = append(pipeOpts, pipeline.WithRecall(set.store, embed))
	}
	set.runner, err = pipeline.New(sttChain, llmChain, ttsChain, pipeCfg, pipeOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	set.events.Add(&metricsSink{metrics: s.metrics, runner: set.runner})

	// ── 8. session registry ──
	set.sessions, err = call.NewRegistry(s.sessionFactory(set),
		call.WithRegistryLogger(log),
		call.WithRegistryEvents(set.events))
	if err != nil {
		return nil, fmt.Errorf("session registry: %w", err)
	}

	// ── 9. SIP endpoint ──
	set.endpoint, err = s.endpoints(endpointConfig(cfg.SIP), set.sessions, set.onRegistrationLost, log)
	if err != nil {
		return nil, fmt.Errorf("sip endpoint: %w", err)
	}
	if err := set.endpoint.Start(ctx); err != nil {
		return nil, fmt.Errorf("sip endpoint: %w", err)
	}

	ok = true
	return set, nil
}

// sessionFactory builds the per-call session constructor for one set. Each
// call gets its own VAD session and turn detector; the heavy collaborators
// (pipeline, events) are shared across calls.
func (s *Supervisor) sessionFactory(set *ComponentSet) call.SessionFactory {
	return func(info sip.CallInfo, media sip.Media) (*call.Session, error) {
		cfg := set.cfg
		vadSession, err := set.vad.NewSession(vad.Config{
			SampleRate:       cfg.Audio.WireRate,
			FrameSizeMs:      int(cfg.Turn.VAD.Frame / time.Millisecond),
			SpeechThreshold:  cfg.Turn.VAD.SpeechThreshold,
			SilenceThreshold: cfg.Turn.VAD.SilenceThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("vad session: %w", err)
		}
		return call.NewSession(call.SessionConfig{
			Info:   info,
			Media:  media,
			Runner: set.runner,
			VAD:    vadSession,
			Turn: call.TurnConfig{
				Hangover: cfg.Turn.VAD.Hangover,
				MaxTurn:  cfg.Audio.MaxTurn,
				MinAudio: cfg.Audio.MinTurnAudio,
			},
			SampleRate:    cfg.Audio.WireRate,
			FrameDuration: cfg.Turn.VAD.Frame,
			Hangup:        func() { set.hangupCall(info.ID) },
			Events:        set.events,
			Logger:        set.log,
		})
	}
}

// teardown releases everything a set owns, in dependency order: signaling
// first so no new call arrives, then live sessions, then the sinks and pools
// behind them. Nil fields are skipped, which makes it safe on a partially
// built set.
func (cs *ComponentSet) teardown(ctx context.Context) error {
	var errs []error
	if cs.endpoint != nil {
		if err := cs.endpoint.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("endpoint: %w", err))
		}
	}
	if cs.sessions != nil {
		if err := cs.sessions.ShutdownAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
	}
	if cs.recorder != nil {
		cs.recorder.Close()
	}
	if cs.store != nil {
		cs.store.Close()
	}
	if cs.toolHost != nil {
		if err := cs.toolHost.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tool host: %w", err))
		}
	}
	if cs.notifier != nil {
		if err := cs.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}
	return errors.Join(errs...)
}

// hangupCall ends one call on the endpoint, detached from the session's run
// loop. Unknown-call errors are ignored: the remote BYE may have crossed
// with this request.
func (cs *ComponentSet) hangupCall(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := cs.endpoint.Hangup(ctx, callID); err != nil && !errors.Is(err, sip.ErrUnknownCall) {
		cs.log.Warn("hangup failed", "call_id", callID, "error", err)
	}
}

// onRegistrationLost surfaces a dead registration as an event. Established
// calls keep running on their dialogs; only new inbound calls are lost until
// an operator or a reconfiguration brings registration back.
func (cs *ComponentSet) onRegistrationLost(err error) {
	cs.log.Error("sip registration lost", "error", err)
	cs.events.Publish(call.Event{Type: call.EventRegistrationLost, Err: err.Error(), At: time.Now()})
}

func (s *Supervisor) buildSTTChain(entries []config.ProviderEntry) (stt.Provider, error) {
	if len(entries) == 0 {
		return nil, errors.New("no stt providers configured")
	}
	primary, err := s.registry.CreateSTT(entries[0])
	if err != nil {
		return nil, err
	}
	chain := resilience.NewSTTFallback(primary, providerLabel(entries[0]), s.fallbackConfig("stt"))
	for _, entry := range entries[1:] {
		p, err := s.registry.CreateSTT(entry)
		if err != nil {
			return nil, err
		}
		chain.AddFallback(providerLabel(entry), p)
	}
	return chain, nil
}

func (s *Supervisor) buildLLMChain(entries []config.ProviderEntry) (llm.Provider, error) {
	if len(entries) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	primary, err := s.registry.CreateLLM(entries[0])
	if err != nil {
		return nil, err
	}
	chain := resilience.NewLLMFallback(primary, providerLabel(entries[0]), s.fallbackConfig("llm"))
	for _, entry := range entries[1:] {
		p, err := s.registry.CreateLLM(entry)
		if err != nil {
			return nil, err
		}
		chain.AddFallback(providerLabel(entry), p)
	}
	return chain, nil
}

func (s *Supervisor) buildTTSChain(entries []config.ProviderEntry) (tts.Provider, error) {
	if len(entries) == 0 {
		return nil, errors.New("no tts providers configured")
	}
	primary, err := s.registry.CreateTTS(entries[0])
	if err != nil {
		return nil, err
	}
	chain := resilience.NewTTSFallback(primary, providerLabel(entries[0]), s.fallbackConfig("tts"))
	for _, entry := range entries[1:] {
		p, err := s.registry.CreateTTS(entry)
		if err != nil {
			return nil, err
		}
		chain.AddFallback(providerLabel(entry), p)
	}
	return chain, nil
}

// fallbackConfig is the breaker configuration shared by every provider chain:
// state changes land in the breaker-transition counter under the chain's kind.
func (s *Supervisor) fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, to resilience.State) {
				s.metrics.RecordBreakerTransition(context.Background(), name, kind, to.String())
			},
			Logger: s.log,
		},
		Logger: s.log,
	}
}

// providerLabel names a provider entry in logs and metrics: "whisper/native",
// "anyllm/ollama", or just the name when no sub-mode is set.
func providerLabel(entry config.ProviderEntry) string {
	switch {
	case entry.Engine != "":
		return entry.Name + "/" + entry.Engine
	case entry.Backend != "":
		return entry.Name + "/" + entry.Backend
	default:
		return entry.Name
	}
}

// primaryVoice is the TTS voice of the primary provider; fallback providers
// receive the same identifier.
func primaryVoice(entries []config.ProviderEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Voice
}

// primaryLanguage is the transcription language of the primary STT provider.
func primaryLanguage(entries []config.ProviderEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Language
}

func endpointConfig(cfg config.SIPConfig) sip.EndpointConfig {
	return sip.EndpointConfig{
		Domain:             cfg.Domain,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		LocalPortStart:     cfg.LocalPortStart,
		LocalPortRange:     cfg.LocalPortRange,
		RegisterExpiry:     cfg.RegisterExpiry,
		RegisterMaxRetries: cfg.RegisterMaxRetries,
		RegisterBackoff:    cfg.RegisterBackoff,
	}
}

// metricsSink keeps the live-call gauge current and releases per-call
// pipeline state once a call ends.
type metricsSink struct {
	metrics *observe.Metrics
	runner  *pipeline.Runner
}

var _ call.Sink = (*metricsSink)(nil)

func (s *metricsSink) Publish(ev call.Event) {
	ctx := context.Background()
	switch ev.Type {
	case call.EventCallStarted:
		s.metrics.ActiveCalls.Add(ctx, 1)
	case call.EventCallEnded:
		s.metrics.ActiveCalls.Add(ctx, -1)
		s.metrics.RecordCallEnd(ctx, ev.Reason)
		s.runner.ForgetCall(ev.CallID)
	}
}
