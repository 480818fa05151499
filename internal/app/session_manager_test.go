package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxnote/internal/config"
	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxnote/internal/voicecmd"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxnote/pkg/provider/llm/mock"
	"github.com/MrWong99/voxnote/pkg/store"
	storemock "github.com/MrWong99/voxnote/pkg/store/mock"
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func activeSessions(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxnote.sessions.active" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				return 0
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

// fakeClock is advanced by tests; SessionManager reads it under its own lock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestManager(t *testing.T, cfg SessionManagerConfig) (*SessionManager, *fakeClock) {
	t.Helper()
	if cfg.Oracle == nil {
		cfg.Oracle = llmcorrect.New(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = testMetrics(t)
	}
	sm := NewSessionManager(cfg)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sm.now = clock.now
	t.Cleanup(sm.Close)
	return sm, clock
}

func TestSessionManager_GetCreatesOnce(t *testing.T) {
	t.Parallel()

	sm, _ := newTestManager(t, SessionManagerConfig{})
	a, err := sm.Get("meeting-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := sm.Get("meeting-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("second Get returned a different session")
	}
	if n := sm.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
	if _, ok := sm.Lookup("other"); ok {
		t.Error("Lookup created a session")
	}
}

func TestSessionManager_SessionIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id    string
		valid bool
	}{
		{"abc", true},
		{"Meeting_2026-03-01.v2", true},
		{strings.Repeat("x", 128), true},
		{"", false},
		{strings.Repeat("x", 129), false},
		{"a/b", false},
		{"has space", false},
		{"ümlaut", false},
	}
	sm, _ := newTestManager(t, SessionManagerConfig{})
	for _, tt := range tests {
		_, err := sm.Get(tt.id)
		if tt.valid && err != nil {
			t.Errorf("Get(%q) = %v, want success", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Get(%q) = %v, want ErrInvalidSessionID", tt.id, err)
		}
	}
}

func TestSessionManager_EvictsIdleUnpinned(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	sm, clock := newTestManager(t, SessionManagerConfig{TTL: time.Minute, Metrics: m})

	if _, err := sm.Get("idle"); err != nil {
		t.Fatal(err)
	}
	pinned, release, err := sm.Acquire("pinned")
	if err != nil {
		t.Fatal(err)
	}
	if got := activeSessions(t, reader); got != 2 {
		t.Errorf("active sessions = %d, want 2", got)
	}

	clock.t = clock.t.Add(30 * time.Second)
	if n := sm.Evict(); n != 0 {
		t.Fatalf("Evict before TTL = %d, want 0", n)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if n := sm.Evict(); n != 1 {
		t.Fatalf("Evict = %d, want 1", n)
	}
	if _, ok := sm.Lookup("idle"); ok {
		t.Error("idle session survived eviction")
	}
	if s, ok := sm.Lookup("pinned"); !ok || s != pinned {
		t.Error("pinned session was evicted")
	}

	// Releasing touches the session; it stays until it is idle again.
	release()
	release()
	if n := sm.Evict(); n != 0 {
		t.Errorf("Evict right after release = %d, want 0", n)
	}
	clock.t = clock.t.Add(2 * time.Minute)
	if n := sm.Evict(); n != 1 {
		t.Errorf("Evict after release = %d, want 1", n)
	}
	if got := activeSessions(t, reader); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestSessionManager_ApplyAffectsNewSessionsOnly(t *testing.T) {
	t.Parallel()

	sm, _ := newTestManager(t, SessionManagerConfig{})
	old, _ := sm.Get("old")

	disabled := false
	sm.Apply(Settings{Assembler: config.AssemblerConfig{Enabled: &disabled}})
	fresh, _ := sm.Get("fresh")

	if !old.Assembler.Enabled() {
		t.Error("existing session was reconfigured")
	}
	if fresh.Assembler.Enabled() {
		t.Error("new session ignored the applied settings")
	}
}

func TestSessionManager_RecordsUsage(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: "Hello there.",
		Usage:   llm.Usage{PromptTokens: 40, CompletionTokens: 4, TotalTokens: 44},
	}}
	rec := &storemock.Store{}
	sm, _ := newTestManager(t, SessionManagerConfig{Oracle: llmcorrect.New(prov), Usage: rec})

	s, err := sm.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Assembler.Add("hello there", true); !ok {
		t.Fatal("Add rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Assembler.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := rec.Usages()
	want := store.Usage{SessionID: "s1", Kind: store.KindCorrection, Calls: 1, PromptTokens: 40, CompletionTokens: 4}
	if len(got) != 1 || got[0] != want {
		t.Errorf("usage = %+v, want [%+v]", got, want)
	}
}

func TestSessionManager_DegradedCorrectionsAreNotCounted(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{CompleteErr: errors.New("boom")}
	rec := &storemock.Store{}
	sm, _ := newTestManager(t, SessionManagerConfig{Oracle: llmcorrect.New(prov), Usage: rec})

	s, _ := sm.Get("s1")
	s.Assembler.Add("hello there", true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Assembler.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := rec.Usages(); len(got) != 0 {
		t.Errorf("usage = %+v, want none", got)
	}
}

func TestSession_Command(t *testing.T) {
	t.Parallel()

	sm, _ := newTestManager(t, SessionManagerConfig{})
	s, _ := sm.Get("doc")

	acted, content := s.Command(context.Background(), "make this bold", 0.5, "Hello world", voicecmd.Selection{Start: 0, End: 5})
	if !acted {
		t.Fatal("acted = false, want true")
	}
	if content != "<strong>Hello</strong> world" {
		t.Errorf("content = %q", content)
	}

	// The document is reloaded from the request every time.
	acted, content = s.Command(context.Background(), "hmm", 0.1, "Other text", voicecmd.Selection{})
	if acted || content != "Other text" {
		t.Errorf("second command = (%v, %q), want (false, %q)", acted, content, "Other text")
	}
}

func TestSessionManager_KeepWordsSetting(t *testing.T) {
	t.Parallel()

	zero := 0
	tests := []struct {
		name     string
		commands config.CommandsConfig
		want     string
	}{
		{"default keeps three words", config.CommandsConfig{History: 5}, "make this bold"},
		{"zero keeps nothing", config.CommandsConfig{KeepWords: &zero}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sm, _ := newTestManager(t, SessionManagerConfig{Settings: Settings{Commands: tt.commands}})
			s, err := sm.Get("doc")
			if err != nil {
				t.Fatal(err)
			}
			if acted, _ := s.Command(context.Background(), "please make this bold", 0.5, "Hello world", voicecmd.Selection{Start: 0, End: 5}); !acted {
				t.Fatal("acted = false, want true")
			}
			if got := s.commands.Buffer(); got != tt.want {
				t.Errorf("Buffer = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionManager_CloseRejectsGet(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	sm, _ := newTestManager(t, SessionManagerConfig{Metrics: m})
	sm.Get("a")
	sm.Close()
	sm.Close()

	if _, err := sm.Get("b"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if got := activeSessions(t, reader); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestSessionManager_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	sm, _ := newTestManager(t, SessionManagerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
