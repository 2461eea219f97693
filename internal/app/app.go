// Package app wires all Vocalix subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems from config, Run serves until the context is cancelled, and
// Shutdown tears everything down in order, draining live calls first.
//
// For testing, inject fakes via functional options (WithStore,
// WithTelephony, WithSTT, etc.). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vocalix/vocalix/pkg/knowledge"
	"github.com/vocalix/vocalix/pkg/knowledge/mcpkb"
	"github.com/vocalix/vocalix/pkg/provider/llm"
	"github.com/vocalix/vocalix/pkg/provider/llm/anyllm"
	openaillm "github.com/vocalix/vocalix/pkg/provider/llm/openai"
	"github.com/vocalix/vocalix/pkg/provider/stt"
	"github.com/vocalix/vocalix/pkg/provider/stt/deepgram"
	"github.com/vocalix/vocalix/pkg/provider/stt/whisper"
	"github.com/vocalix/vocalix/pkg/provider/tts"
	"github.com/vocalix/vocalix/pkg/provider/tts/coqui"
	"github.com/vocalix/vocalix/pkg/provider/tts/elevenlabs"
	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/store/postgres"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/agent"
	"github.com/vocalix/vocalix/internal/amd"
	"github.com/vocalix/vocalix/internal/config"
	"github.com/vocalix/vocalix/internal/dialer"
	"github.com/vocalix/vocalix/internal/health"
	"github.com/vocalix/vocalix/internal/httpapi"
	"github.com/vocalix/vocalix/internal/media"
	"github.com/vocalix/vocalix/internal/observe"
	"github.com/vocalix/vocalix/internal/prompt"
	"github.com/vocalix/vocalix/internal/retry"
	"github.com/vocalix/vocalix/internal/scheduler"
	"github.com/vocalix/vocalix/internal/session"
	"github.com/vocalix/vocalix/internal/sttpool"
	"github.com/vocalix/vocalix/internal/synth"
	"github.com/vocalix/vocalix/internal/telco"
	"github.com/vocalix/vocalix/internal/transcript"
	"github.com/vocalix/vocalix/internal/ttsqueue"
	"github.com/vocalix/vocalix/internal/webhook"
)

// shutdownTimeout bounds the HTTP server shutdown, separate from the call
// drain window.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	store        store.Store
	agents       *agent.Registry
	telco        telephony.Provider
	sttProv      stt.Provider
	ttsProviders []tts.Provider
	pool         *sttpool.Pool
	queue        *ttsqueue.Queue
	speaker      *synth.Synthesizer
	llm          llm.Provider
	retriever    knowledge.Retriever

	transcripts *transcript.Writer
	engine      *session.Engine
	sessions    *SessionRegistry
	mediaSrv    *media.Handler

	dialer   *dialer.Dialer
	sched    *scheduler.Scheduler
	calls    *scheduler.CallScheduler
	retries  *retry.Engine
	webhooks *webhook.Dispatcher

	httpSrv *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option injects a test double or an alternative implementation into New.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL.
func WithStore(st store.Store) Option {
	return func(a *App) { a.store = st }
}

// WithTelephony injects a telephony provider instead of building the REST
// client from config.
func WithTelephony(p telephony.Provider) Option {
	return func(a *App) { a.telco = p }
}

// WithSTT injects a speech-to-text provider.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.sttProv = p }
}

// WithLLM injects a language-model provider.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithRetriever injects a knowledge retriever instead of connecting to the
// configured MCP server.
func WithRetriever(r knowledge.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithMetrics injects the metrics bundle. Defaults to the package-level
// no-op-safe bundle; main wires the real OTel-backed one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTTS injects synthesis providers, keyed by their Name().
func WithTTS(providers ...tts.Provider) Option {
	return func(a *App) { a.ttsProviders = providers }
}

// New wires all subsystems together. Initialisation is synchronous:
// persistence, agent seeding, providers, the session engine, and the
// orchestration tier are all connected before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, log: logger}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initAgents(ctx); err != nil {
		return nil, fmt.Errorf("app: init agents: %w", err)
	}
	if err := a.initTelephony(); err != nil {
		return nil, fmt.Errorf("app: init telephony: %w", err)
	}
	if err := a.initSpeech(); err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}
	if err := a.initConversation(ctx); err != nil {
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}
	if err := a.initOrchestration(); err != nil {
		return nil, fmt.Errorf("app: init orchestration: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// initStore connects the PostgreSQL store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("database.postgres_dsn is required when no store is injected")
	}
	st, err := postgres.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initAgents builds the agent registry and seeds definitions from file.
func (a *App) initAgents(ctx context.Context) error {
	a.agents = agent.NewRegistry(a.store, a.cfg.Agents.CacheTTL, a.log)
	if path := a.cfg.Agents.SeedFile; path != "" {
		n, err := agent.Seed(ctx, a.store, path, a.log)
		if err != nil {
			return fmt.Errorf("seed agents from %q: %w", path, err)
		}
		a.log.Info("agents seeded", "path", path, "count", n)
	}
	return nil
}

// initTelephony builds the provider REST client unless one was injected.
func (a *App) initTelephony() error {
	if a.telco != nil {
		return nil
	}
	tc := a.cfg.Telephony
	client, err := telco.New(telco.Config{
		BaseURL:           tc.BaseURL,
		APIKey:            tc.APIKey,
		APISecret:         tc.APISecret,
		RequestsPerSecond: tc.RequestsPerSecond,
		Burst:             tc.Burst,
		MinRequestGap:     tc.MinRequestGap,
		MaxInFlight:       tc.MaxInFlight,
		BreakerFailures:   tc.BreakerFailures,
		BreakerCooldown:   tc.BreakerCooldown,
		RequestTimeout:    tc.RequestTimeout,
	}, a.metrics, a.log)
	if err != nil {
		return err
	}
	a.telco = client
	return nil
}

// initSpeech builds the STT provider and pool, the TTS queue, and the
// synthesizer with its provider set.
func (a *App) initSpeech() error {
	if a.sttProv == nil {
		p, err := buildSTT(a.cfg.STT, a.log)
		if err != nil {
			return err
		}
		a.sttProv = p
		if closer, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, closer.Close)
		}
	}

	pool, err := sttpool.New(a.sttProv, sttpool.Config{
		Capacity:     a.cfg.STT.PoolSize,
		QueueTimeout: a.cfg.STT.QueueTimeout,
		MaxQueueLen:  a.cfg.STT.MaxQueueLen,
	}, a.metrics)
	if err != nil {
		return fmt.Errorf("stt pool: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	queue, err := ttsqueue.New(a.cfg.TTS.Caps, a.metrics)
	if err != nil {
		return fmt.Errorf("tts queue: %w", err)
	}
	a.queue = queue

	providers := a.ttsProviders
	if len(providers) == 0 {
		providers, err = buildTTSProviders(a.cfg.TTS)
		if err != nil {
			return err
		}
	}

	speaker, err := synth.New(queue, providers, synth.Config{
		Primary:        a.cfg.TTS.Provider,
		Fallback:       a.cfg.TTS.FallbackProvider,
		QueueThreshold: a.cfg.TTS.FallbackQueueThreshold,
	}, a.log)
	if err != nil {
		return fmt.Errorf("synthesizer: %w", err)
	}
	a.speaker = speaker
	return nil
}

// initConversation builds the LLM, knowledge retriever, prompt assembler,
// transcript writer, session engine, and the media handler that feeds it.
func (a *App) initConversation(ctx context.Context) error {
	if a.llm == nil {
		p, err := buildLLM(a.cfg.LLM)
		if err != nil {
			return err
		}
		a.llm = p
	}

	if a.retriever == nil && a.cfg.Knowledge.Enabled {
		kc := a.cfg.Knowledge
		client, err := mcpkb.Connect(ctx, mcpkb.Config{
			Transport:     kc.Transport,
			Command:       kc.Command,
			URL:           kc.URL,
			RelevanceTool: kc.RelevanceTool,
			QueryTool:     kc.QueryTool,
		})
		if err != nil {
			return fmt.Errorf("knowledge base: %w", err)
		}
		a.retriever = client
		a.closers = append(a.closers, client.Close)
	}

	prompts := prompt.New(a.retriever, prompt.Config{
		HistoryWindow: a.cfg.Session.HistoryWindow,
		LookupTimeout: a.cfg.Knowledge.LookupTimeout,
	}, a.log)

	a.transcripts = transcript.New(a.store, transcript.Config{
		BatchSize:     a.cfg.Transcript.BatchSize,
		FlushInterval: a.cfg.Transcript.BatchInterval,
	}, a.log)

	var detector *amd.Detector
	if a.cfg.AMD.Enabled {
		detector = amd.New()
	}

	a.engine = session.NewEngine(session.Deps{
		Store:       a.store,
		Agents:      a.agents,
		Pool:        a.pool,
		Speaker:     a.speaker,
		LLM:         a.llm,
		Prompts:     prompts,
		Transcripts: a.transcripts,
		Detector:    detector,
		Greetings:   session.NewGreetingCache(0),
		Metrics:     a.metrics,
		Logger:      a.log,
	}, session.Config{
		SpeculationThreshold: a.cfg.Session.SpeculationThreshold,
		SilenceBackstop:      a.cfg.Session.SilenceBackstop,
		MaxIdle:              a.cfg.Session.MaxIdle,
		MaxCallDuration:      a.cfg.Session.MaxCallDuration,
		LLMTimeout:           a.cfg.LLM.Timeout,
		EndpointingMS:        a.cfg.STT.EndpointingMs,
		AMDEnabled:           a.cfg.AMD.Enabled,
	})

	a.sessions = NewSessionRegistry(a.log)
	a.mediaSrv = media.NewHandler(a.sessions.Bind(a.engine), media.Config{}, a.log)
	return nil
}

// initOrchestration builds the dialer, scheduler, retry engine, and webhook
// dispatcher, and registers the job handlers.
func (a *App) initOrchestration() error {
	a.dialer = dialer.New(a.store, a.agents, a.telco, dialer.Config{
		MaxConcurrentOutbound: a.cfg.Dialer.MaxConcurrentOutbound,
		BulkGap:               a.cfg.Dialer.BulkGap,
		FromNumber:            a.cfg.Telephony.FromNumber,
		AppID:                 a.cfg.Telephony.AppID,
	}, a.metrics, a.log)

	a.sched = scheduler.New(a.store, scheduler.Config{
		PollInterval: a.cfg.Scheduler.PollInterval,
		MaxAttempts:  a.cfg.Scheduler.WorkerMaxAttempts,
	}, a.metrics, a.log)
	a.calls = scheduler.NewCallScheduler(a.sched, a.store, a.agents)

	hours, err := businessHoursPolicy(a.cfg.Retry.BusinessHours)
	if err != nil {
		return fmt.Errorf("retry business hours: %w", err)
	}
	a.retries = retry.New(a.store, a.store, a.sched, a.dialer, retry.Config{
		RetryVoicemail:      a.cfg.Retry.RetryVoicemail,
		AutoRetryForRetries: a.cfg.Retry.AutoRetryForRetries,
		BusinessHours:       hours,
	}, a.metrics, a.log)

	a.sched.RegisterHandler(types.JobScheduledCall, scheduler.NewCallHandler(a.store, a.dialer))
	a.sched.RegisterHandler(types.JobRetryCall, a.retries.Handler())

	a.webhooks = webhook.New(a.store, a.retries, a.dialer, webhook.Config{
		AutoRetry:      a.cfg.Retry.AutoRetry,
		InboundAgentID: a.cfg.Agents.InboundAgentID,
	}, a.metrics, a.log)
	return nil
}

// initHTTP assembles the health checks, the REST surface, and the listener.
func (a *App) initHTTP() {
	checkers := []health.Checker{}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: p.Ping})
	}
	if client, ok := a.telco.(*telco.Client); ok {
		checkers = append(checkers, health.Checker{
			Name: "telephony",
			Check: func(context.Context) error {
				if client.State() == gobreaker.StateOpen {
					return errors.New("circuit breaker open")
				}
				return nil
			},
		})
	}
	checkers = append(checkers, health.Checker{
		Name: "stt_pool",
		Check: func(context.Context) error {
			if s := a.pool.Stats(); s.Status == sttpool.StatusCritical {
				return fmt.Errorf("pool saturated: %d/%d streams, %d queued", s.Active, s.Capacity, s.Queued)
			}
			return nil
		},
	})

	api := httpapi.New(httpapi.Deps{
		Calls:      a.store,
		Dialer:     a.dialer,
		Scheduling: a.calls,
		Jobs:       a.sched,
		Retries:    a.retries,
		Webhooks:   a.webhooks,
		Media:      a.mediaSrv,
		Health:     health.New(checkers...),
		Metrics:    a.metrics,
		Logger:     a.log,
	})
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run starts the scheduler, the dialer capacity sweeper, and the HTTP
// server, then blocks until ctx is cancelled or the server fails. A
// cancelled context is the normal way down and returns nil; call Shutdown
// afterwards.
func (a *App) Run(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("app: start scheduler: %w", err)
	}
	go a.dialer.RunSweeper(ctx, 0)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown tears the application down: stop accepting requests, drain live
// calls for the configured window, stop the scheduler, flush transcripts,
// and finally run the closers in reverse order.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "live_sessions", a.sessions.Count())

		srvCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if sErr := a.httpSrv.Shutdown(srvCtx); sErr != nil {
			a.log.Warn("http shutdown", "error", sErr)
		}
		cancel()

		drain := a.cfg.Session.DrainWindow
		if drain <= 0 {
			drain = 5 * time.Minute
		}
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
		if forced := a.sessions.Drain(drainCtx); forced > 0 {
			a.log.Warn("sessions force-closed at shutdown", "count", forced)
		}
		cancel()

		a.sched.Stop()
		a.transcripts.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if cErr := a.closers[i](); cErr != nil {
				a.log.Warn("closer failed", "index", i, "error", cErr)
			}
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		default:
		}
		a.log.Info("shutdown complete")
	})
	return err
}

// buildSTT constructs the configured speech-to-text provider.
func buildSTT(cfg config.STTConfig, log *slog.Logger) (stt.Provider, error) {
	switch cfg.Provider {
	case "", "deepgram":
		opts := []deepgram.Option{deepgram.WithLogger(log)}
		if cfg.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Language))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(cfg.BaseURL))
		}
		return deepgram.New(cfg.APIKey, opts...)

	case "whisper":
		opts := []whisper.Option{whisper.WithLogger(log)}
		if cfg.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		return whisper.New(cfg.BaseURL, opts...)

	case "whisper-native":
		// In-process whisper.cpp inference. Model holds the ggml file path.
		opts := []whisper.NativeOption{whisper.WithNativeLogger(log)}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.Language))
		}
		return whisper.NewNative(cfg.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

// buildTTSProviders constructs the primary and, when configured, fallback
// synthesis providers.
func buildTTSProviders(cfg config.TTSConfig) ([]tts.Provider, error) {
	names := []string{cfg.Provider}
	if cfg.FallbackProvider != "" && cfg.FallbackProvider != cfg.Provider {
		names = append(names, cfg.FallbackProvider)
	}

	var providers []tts.Provider
	for _, name := range names {
		switch name {
		case "", "elevenlabs":
			p, err := elevenlabs.New(cfg.APIKey)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: %w", err)
			}
			providers = append(providers, p)
		case "coqui":
			p, err := coqui.New(cfg.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("coqui: %w", err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("unknown tts provider %q", name)
		}
	}
	return providers, nil
}

// buildLLM constructs the configured language-model provider. Providers
// beyond OpenAI go through the any-llm adapter.
func buildLLM(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		var opts []openaillm.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, openaillm.WithTimeout(cfg.Timeout))
		}
		return openaillm.New(cfg.APIKey, cfg.Model, opts...)
	case "anthropic":
		return anyllm.NewAnthropic(cfg.Model)
	case "gemini":
		return anyllm.NewGemini(cfg.Model)
	case "ollama":
		return anyllm.NewOllama(cfg.Model)
	case "mistral":
		return anyllm.NewMistral(cfg.Model)
	case "groq":
		return anyllm.NewGroq(cfg.Model)
	default:
		return anyllm.New(cfg.Provider, cfg.Model)
	}
}

// businessHoursPolicy converts the config window to the domain policy.
// Empty Days means Mon-Fri.
func businessHoursPolicy(cfg config.BusinessHoursConfig) (*types.BusinessHoursPolicy, error) {
	if cfg.Start == "" || cfg.End == "" {
		return nil, nil
	}
	days, err := parseDays(cfg.Days)
	if err != nil {
		return nil, err
	}
	p := &types.BusinessHoursPolicy{
		Start:       cfg.Start,
		End:         cfg.End,
		Timezone:    cfg.Timezone,
		AllowedDays: days,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseDays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		}, nil
	}
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		d, ok := weekdayNames[n]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, d)
	}
	return days, nil
}
