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

	"github.com/vocalix/vocalix/pkg/knowledge/mcpkb"
)

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

var validDays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Load reads the YAML configuration file at path, expands ${VAR} environment
// references, and returns a validated [Config] merged over [Default].
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		slog.Warn("config references unset environment variable", "name", name)
		return ""
	})
	cfg, err := LoadFromReader(strings.NewReader(expanded))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Useful in tests where configs are constructed from string
// literals. No environment expansion is performed.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; calls, jobs, and transcripts will not be persisted")
	}

	// Telephony
	if cfg.Telephony.BaseURL == "" {
		errs = append(errs, errors.New("telephony.base_url is required"))
	}
	if cfg.Telephony.FromNumber == "" {
		slog.Warn("telephony.from_number is empty; outbound initiation will require a per-request from number")
	}
	if cfg.Telephony.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("telephony.requests_per_second %v must be positive", cfg.Telephony.RequestsPerSecond))
	}
	if cfg.Telephony.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("telephony.max_in_flight %d must be positive", cfg.Telephony.MaxInFlight))
	}
	if cfg.Telephony.BreakerFailures <= 0 {
		errs = append(errs, fmt.Errorf("telephony.breaker_failures %d must be positive", cfg.Telephony.BreakerFailures))
	}

	// Providers
	validateProviderName("stt", cfg.STT.Provider)
	validateProviderName("tts", cfg.TTS.Provider)
	if cfg.TTS.FallbackProvider != "" {
		validateProviderName("tts", cfg.TTS.FallbackProvider)
		if cfg.TTS.FallbackProvider == cfg.TTS.Provider {
			errs = append(errs, fmt.Errorf("tts.fallback_provider %q must differ from tts.provider", cfg.TTS.FallbackProvider))
		}
	}
	validateProviderName("llm", cfg.LLM.Provider)

	// STT pool
	if cfg.STT.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("stt.pool_size %d must be positive", cfg.STT.PoolSize))
	}
	if cfg.STT.MaxQueueLen < 0 {
		errs = append(errs, fmt.Errorf("stt.max_queue_len %d must not be negative", cfg.STT.MaxQueueLen))
	}

	// TTS caps
	for provider, limit := range cfg.TTS.Caps {
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("tts.caps[%q] = %d must be positive", provider, limit))
		}
	}
	if _, ok := cfg.TTS.Caps[cfg.TTS.Provider]; cfg.TTS.Provider != "" && !ok {
		errs = append(errs, fmt.Errorf("tts.caps has no entry for tts.provider %q", cfg.TTS.Provider))
	}

	// LLM
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("llm.timeout %v must be positive", cfg.LLM.Timeout))
	}

	// Knowledge
	if cfg.Knowledge.Enabled {
		switch cfg.Knowledge.Transport {
		case mcpkb.TransportStdio:
			if cfg.Knowledge.Command == "" {
				errs = append(errs, errors.New("knowledge.command is required when transport is stdio"))
			}
		case mcpkb.TransportHTTP:
			if cfg.Knowledge.URL == "" {
				errs = append(errs, errors.New("knowledge.url is required when transport is http"))
			}
		default:
			errs = append(errs, fmt.Errorf("knowledge.transport %q is invalid; valid values: stdio, http", cfg.Knowledge.Transport))
		}
	}

	// Session
	if cfg.Session.SpeculationThreshold < 1 {
		errs = append(errs, fmt.Errorf("session.speculation_threshold %d must be at least 1", cfg.Session.SpeculationThreshold))
	}
	if cfg.Session.MaxCallDuration <= 0 {
		errs = append(errs, fmt.Errorf("session.max_call_duration %v must be positive", cfg.Session.MaxCallDuration))
	}

	// Dialer
	if cfg.Dialer.MaxConcurrentOutbound <= 0 {
		errs = append(errs, fmt.Errorf("dialer.max_concurrent_outbound %d must be positive", cfg.Dialer.MaxConcurrentOutbound))
	}

	// Scheduler
	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval %v must be positive", cfg.Scheduler.PollInterval))
	}
	if cfg.Scheduler.WorkerMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.worker_max_attempts %d must be positive", cfg.Scheduler.WorkerMaxAttempts))
	}

	// Retry business hours
	errs = append(errs, validateBusinessHours(cfg.Retry.BusinessHours)...)

	// Transcript
	if cfg.Transcript.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("transcript.batch_size %d must be positive", cfg.Transcript.BatchSize))
	}
	if cfg.Transcript.BatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("transcript.batch_interval %v must be positive", cfg.Transcript.BatchInterval))
	}

	return errors.Join(errs...)
}

// validateBusinessHours checks the HH:MM window, day names, and timezone.
func validateBusinessHours(bh BusinessHoursConfig) []error {
	var errs []error

	start, err := time.Parse("15:04", bh.Start)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry.business_hours.start %q is not HH:MM", bh.Start))
	}
	end, err := time.Parse("15:04", bh.End)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry.business_hours.end %q is not HH:MM", bh.End))
	}
	if len(errs) == 0 && !end.After(start) {
		errs = append(errs, fmt.Errorf("retry.business_hours window %s-%s is empty", bh.Start, bh.End))
	}
	for _, day := range bh.Days {
		if !slices.Contains(validDays, strings.ToLower(day)) {
			errs = append(errs, fmt.Errorf("retry.business_hours.days contains unknown day %q", day))
		}
	}
	if bh.Timezone != "" {
		if _, err := time.LoadLocation(bh.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("retry.business_hours.timezone %q is invalid: %v", bh.Timezone, err))
		}
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
