package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "deepgram"},
	"llm":        {"anyllm", "openai"},
	"tts":        {"coqui", "elevenlabs"},
	"vad":        {"energy"},
	"embeddings": {"ollama", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// fills defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${NAME} references with the value of the environment
// variable NAME. Unlike os.ExpandEnv it leaves bare $NAME and unmatched
// braces untouched, so YAML values containing literal dollar signs survive.
func expandEnv(data []byte) []byte {
	var out strings.Builder
	out.Grow(len(data))
	s := string(data)
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			out.WriteString(s)
			break
		}
		j := strings.Index(s[i:], "}")
		if j < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:i])
		name := s[i+2 : i+j]
		out.WriteString(os.Getenv(name))
		s = s[i+j+1:]
	}
	return []byte(out.String())
}

// applyDefaults fills zero-valued fields with their documented defaults.
// Called before [Validate], so defaults never trip validation.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = LogText
	}

	if cfg.SIP.Port == 0 {
		cfg.SIP.Port = 5060
	}
	if cfg.SIP.LocalPortStart == 0 {
		cfg.SIP.LocalPortStart = 5070
	}
	if cfg.SIP.LocalPortRange == 0 {
		cfg.SIP.LocalPortRange = 20
	}
	if cfg.SIP.RegisterExpiry == 0 {
		cfg.SIP.RegisterExpiry = 5 * time.Minute
	}
	if cfg.SIP.RegisterMaxRetries == 0 {
		cfg.SIP.RegisterMaxRetries = 5
	}
	if cfg.SIP.RegisterBackoff == 0 {
		cfg.SIP.RegisterBackoff = 2 * time.Second
	}

	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = 16000
	}
	if cfg.Audio.WireRate == 0 {
		cfg.Audio.WireRate = 8000
	}
	if cfg.Audio.MaxTurn == 0 {
		cfg.Audio.MaxTurn = 10 * time.Second
	}
	if cfg.Audio.MinTurnAudio == 0 {
		cfg.Audio.MinTurnAudio = 300 * time.Millisecond
	}

	if cfg.Turn.VAD.Engine == "" {
		cfg.Turn.VAD.Engine = "energy"
	}
	if cfg.Turn.VAD.SpeechThreshold == 0 {
		cfg.Turn.VAD.SpeechThreshold = 0.02
	}
	if cfg.Turn.VAD.SilenceThreshold == 0 {
		cfg.Turn.VAD.SilenceThreshold = 0.015
	}
	if cfg.Turn.VAD.Hangover == 0 {
		cfg.Turn.VAD.Hangover = 500 * time.Millisecond
	}
	if cfg.Turn.VAD.Frame == 0 {
		cfg.Turn.VAD.Frame = 20 * time.Millisecond
	}

	if cfg.Pipeline.SystemPrompt == "" {
		cfg.Pipeline.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Pipeline.ContextWindow == 0 {
		cfg.Pipeline.ContextWindow = 8
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = 30 * time.Second
	}
	if cfg.Pipeline.MaxConcurrentTurns == 0 {
		cfg.Pipeline.MaxConcurrentTurns = 8
	}
	if len(cfg.Pipeline.FarewellPhrases) == 0 {
		cfg.Pipeline.FarewellPhrases = []string{"goodbye", "bye bye", "hang up"}
	}

	if cfg.History.RecallK == 0 {
		cfg.History.RecallK = 3
	}

	if cfg.Observability.Listen == "" {
		cfg.Observability.Listen = ":9090"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// SIP account
	if cfg.SIP.Domain == "" {
		errs = append(errs, errors.New("sip.domain is required"))
	}
	if cfg.SIP.Username == "" {
		errs = append(errs, errors.New("sip.username is required"))
	}
	if cfg.SIP.Port < 1 || cfg.SIP.Port > 65535 {
		errs = append(errs, fmt.Errorf("sip.port %d is out of range [1, 65535]", cfg.SIP.Port))
	}
	if cfg.SIP.LocalPortStart < 1 || cfg.SIP.LocalPortStart > 65535 {
		errs = append(errs, fmt.Errorf("sip.local_port_start %d is out of range [1, 65535]", cfg.SIP.LocalPortStart))
	}
	if cfg.SIP.LocalPortRange < 1 {
		errs = append(errs, fmt.Errorf("sip.local_port_range %d must be at least 1", cfg.SIP.LocalPortRange))
	}
	if cfg.SIP.LocalPortStart == cfg.SIP.Port {
		errs = append(errs, fmt.Errorf("sip.local_port_start %d collides with sip.port; the PBX port must never be a local candidate", cfg.SIP.LocalPortStart))
	}
	if cfg.SIP.RegisterExpiry <= 0 {
		errs = append(errs, fmt.Errorf("sip.register_expiry %v must be positive", cfg.SIP.RegisterExpiry))
	}
	if cfg.SIP.RegisterMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("sip.register_max_retries %d must not be negative", cfg.SIP.RegisterMaxRetries))
	}
	if cfg.SIP.RegisterBackoff <= 0 {
		errs = append(errs, fmt.Errorf("sip.register_backoff %v must be positive", cfg.SIP.RegisterBackoff))
	}

	// Audio
	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.WireRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.wire_rate %d must be positive", cfg.Audio.WireRate))
	}
	if cfg.Audio.MaxTurn <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_turn %v must be positive", cfg.Audio.MaxTurn))
	}
	if cfg.Audio.MinTurnAudio <= 0 {
		errs = append(errs, fmt.Errorf("audio.min_turn_audio %v must be positive", cfg.Audio.MinTurnAudio))
	}
	if cfg.Audio.MinTurnAudio >= cfg.Audio.MaxTurn {
		errs = append(errs, fmt.Errorf("audio.min_turn_audio %v must be shorter than audio.max_turn %v", cfg.Audio.MinTurnAudio, cfg.Audio.MaxTurn))
	}

	// Turn detection
	validateProviderName("vad", cfg.Turn.VAD.Engine)
	if cfg.Turn.VAD.SpeechThreshold <= 0 {
		errs = append(errs, fmt.Errorf("turn.vad.speech_threshold %v must be positive", cfg.Turn.VAD.SpeechThreshold))
	}
	if cfg.Turn.VAD.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("turn.vad.silence_threshold %v must not be negative", cfg.Turn.VAD.SilenceThreshold))
	}
	if cfg.Turn.VAD.SilenceThreshold > cfg.Turn.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("turn.vad.silence_threshold %v must not exceed turn.vad.speech_threshold %v", cfg.Turn.VAD.SilenceThreshold, cfg.Turn.VAD.SpeechThreshold))
	}
	if cfg.Turn.VAD.Hangover <= 0 {
		errs = append(errs, fmt.Errorf("turn.vad.hangover %v must be positive", cfg.Turn.VAD.Hangover))
	}
	if cfg.Turn.VAD.Frame <= 0 {
		errs = append(errs, fmt.Errorf("turn.vad.frame %v must be positive", cfg.Turn.VAD.Frame))
	}

	// Pipeline
	if cfg.Pipeline.ContextWindow < 1 {
		errs = append(errs, fmt.Errorf("pipeline.context_window %d must be at least 1", cfg.Pipeline.ContextWindow))
	}
	if cfg.Pipeline.MaxConcurrentTurns < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_turns %d must be at least 1", cfg.Pipeline.MaxConcurrentTurns))
	}
	if cfg.Pipeline.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_timeout %v must be positive", cfg.Pipeline.StageTimeout))
	}

	// Provider chains — each stage needs at least a primary.
	errs = append(errs, validateProviderChain("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProviderChain("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProviderChain("tts", cfg.Providers.TTS)...)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// History
	if cfg.History.RecallK < 0 {
		errs = append(errs, fmt.Errorf("history.recall_k %d must not be negative", cfg.History.RecallK))
	}
	if cfg.History.DSN == "" && cfg.Providers.Embeddings.Name != "" {
		slog.Warn("providers.embeddings is configured but history.dsn is empty; semantic recall needs the history store and will be disabled")
	}
	if cfg.History.DSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("history.dsn is configured without providers.embeddings; transcripts will be stored but semantic recall is disabled")
	}

	// Tool servers
	toolNamesSeen := make(map[string]int, len(cfg.Tools.Servers))
	for i, srv := range cfg.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := toolNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.servers[%d]", prefix, srv.Name, prev))
			}
			toolNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == "stdio" && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == "streamable-http" && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Notification sinks
	if d := cfg.Notify.Discord; d != nil {
		if d.Token == "" {
			errs = append(errs, errors.New("notify.discord.token is required when the discord block is present"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("notify.discord.channel_id is required when the discord block is present"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderChain checks one stage's ordered provider list. Every entry
// needs a name; the list itself must not be empty.
func validateProviderChain(kind string, chain []ProviderEntry) []error {
	var errs []error
	if len(chain) == 0 {
		errs = append(errs, fmt.Errorf("providers.%s must list at least one provider", kind))
		return errs
	}
	for i, entry := range chain {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, entry.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
