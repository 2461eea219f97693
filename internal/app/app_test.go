package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	llmmock "github.com/vocalix/vocalix/pkg/provider/llm/mock"
	sttmock "github.com/vocalix/vocalix/pkg/provider/stt/mock"
	ttsmock "github.com/vocalix/vocalix/pkg/provider/tts/mock"
	storemock "github.com/vocalix/vocalix/pkg/store/mock"
	telcomock "github.com/vocalix/vocalix/pkg/telephony/mock"

	"github.com/vocalix/vocalix/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.TTS.Provider = "mock"
	cfg.TTS.Caps = map[string]int{"mock": 2}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, logger,
		WithStore(storemock.New()),
		WithTelephony(&telcomock.Provider{}),
		WithSTT(&sttmock.Provider{}),
		WithTTS(&ttsmock.Provider{NameValue: "mock"}),
		WithLLM(&llmmock.Provider{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_WiresSubsystems(t *testing.T) {
	a := newTestApp(t, testConfig())

	if a.dialer == nil || a.sched == nil || a.retries == nil || a.webhooks == nil {
		t.Fatal("orchestration tier not wired")
	}
	if a.engine == nil || a.mediaSrv == nil || a.transcripts == nil {
		t.Fatal("conversation tier not wired")
	}
	if a.httpSrv == nil || a.httpSrv.Handler == nil {
		t.Fatal("http server not wired")
	}
	a.transcripts.Close()
}

func TestNew_HTTPSurface(t *testing.T) {
	a := newTestApp(t, testConfig())
	defer a.transcripts.Close()

	for path, want := range map[string]int{
		"/healthz":      http.StatusOK,
		"/readyz":       http.StatusOK,
		"/metrics":      http.StatusOK,
		"/v1/scheduled": http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		a.httpSrv.Handler.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}

func TestNew_SeedsAgents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	seed := `agents:
  - id: agent_reception
    name: Reception
    persona: You answer calls for the clinic.
    active: true
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Agents.SeedFile = path
	a := newTestApp(t, cfg)
	defer a.transcripts.Close()

	ag, err := a.agents.Get(context.Background(), "agent_reception")
	if err != nil {
		t.Fatalf("seeded agent not readable: %v", err)
	}
	if ag.Name != "Reception" {
		t.Errorf("name = %q", ag.Name)
	}
}

func TestRun_LifecycleShutdown(t *testing.T) {
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestBusinessHoursPolicy(t *testing.T) {
	p, err := businessHoursPolicy(config.BusinessHoursConfig{
		Start: "09:00", End: "17:00", Timezone: "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.AllowedDays) != 5 {
		t.Errorf("default days = %v, want Mon-Fri", p.AllowedDays)
	}

	p, err = businessHoursPolicy(config.BusinessHoursConfig{
		Start: "09:00", End: "17:00", Timezone: "UTC", Days: []string{"sat", "sun"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.AllowedDays) != 2 || p.AllowedDays[0] != time.Saturday {
		t.Errorf("days = %v", p.AllowedDays)
	}

	if _, err := businessHoursPolicy(config.BusinessHoursConfig{
		Start: "09:00", End: "17:00", Timezone: "UTC", Days: []string{"monday"},
	}); err == nil {
		t.Error("expected error for unknown weekday name")
	}

	p, err = businessHoursPolicy(config.BusinessHoursConfig{})
	if err != nil || p != nil {
		t.Errorf("empty window = %v, %v, want nil policy", p, err)
	}
}

func TestBuildSTT_UnknownProvider(t *testing.T) {
	cfg := config.STTConfig{Provider: "morse"}
	if _, err := buildSTT(cfg, slog.Default()); err == nil {
		t.Error("expected error for unknown stt provider")
	}
}

func TestBuildTTSProviders_UnknownProvider(t *testing.T) {
	if _, err := buildTTSProviders(config.TTSConfig{Provider: "shortwave"}); err == nil {
		t.Error("expected error for unknown tts provider")
	}
}
