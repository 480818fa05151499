// Package app wires the voxnote subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New opens the store and builds the
// corrector and session manager, Run serves the HTTP API until its context
// is done, and Shutdown tears everything down in order.
//
// For testing, inject doubles via [Providers] and functional options
// ([WithStore], [WithMetrics]). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxnote/internal/config"
	"github.com/MrWong99/voxnote/internal/health"
	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	"github.com/MrWong99/voxnote/pkg/provider/stt"
	"github.com/MrWong99/voxnote/pkg/store"
	"github.com/MrWong99/voxnote/pkg/store/file"
	kafkastore "github.com/MrWong99/voxnote/pkg/store/kafka"
	"github.com/MrWong99/voxnote/pkg/store/postgres"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Oracle corrects transcripts. Nil puts every session in permanent
	// degraded mode.
	Oracle llm.Provider

	// Commands rewrites documents for the command interpreter. Nil uses
	// Oracle.
	Commands llm.Provider

	// STT backs the audio route.
	STT stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          store.Backend
	metrics        *observe.Metrics
	metricsHandler http.Handler

	corrector *llmcorrect.Corrector
	sessions  *SessionManager
	health    *health.Handler
	handler   http.Handler

	originPatterns []string

	// done is closed when shutdown begins so long-lived connections end.
	done     chan struct{}
	doneOnce sync.Once

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence backend instead of opening one from
// config. The caller keeps ownership and closes it.
func WithStore(s store.Backend) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:            cfg,
		providers:      providers,
		originPatterns: cfg.Server.AllowedOrigins,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initCorrector()

	commands := providers.Commands
	if commands == nil {
		commands = providers.Oracle
	}
	smCfg := SessionManagerConfig{
		Oracle:   a.corrector,
		Commands: commands,
		Metrics:  a.metrics,
		TTL:      cfg.Server.SessionTTL,
		Settings: Settings{Assembler: cfg.Assembler, Commands: cfg.Commands},
	}
	if a.store != nil {
		smCfg.Usage = a.store
	}
	a.sessions = NewSessionManager(smCfg)
	a.closers = append([]func() error{func() error { a.sessions.Close(); return nil }}, a.closers...)

	checkers := []health.Checker{health.AvailabilityChecker("oracle", a.corrector.Available)}
	if a.store != nil {
		checkers = append(checkers, health.PingChecker("store", a.store))
	}
	a.health = health.New(checkers...)
	a.handler = observe.Middleware(a.metrics)(a.routes())

	slog.Info("app: ready",
		"oracle", cfg.Oracle.Name,
		"speech", cfg.Speech.Name,
		"store", cfg.Store.Kind,
	)
	return a, nil
}

// initStore opens the configured backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	var (
		s   store.Backend
		err error
	)
	switch sc := a.cfg.Store; sc.Kind {
	case config.StoreFile:
		s, err = file.Open(sc.Path)
	case config.StorePostgres:
		s, err = postgres.New(ctx, sc.PostgresDSN)
	case config.StoreKafka:
		s, err = kafkastore.New(kafkastore.Config{
			Brokers:    sc.Kafka.Brokers,
			Topic:      sc.Kafka.Topic,
			UsageTopic: sc.Kafka.UsageTopic,
		})
	default:
		return nil
	}
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return nil
}

// healthReporter is implemented by providers that know whether a call could
// currently succeed, such as the resilience fallback group.
type healthReporter interface {
	Healthy() bool
}

func (a *App) initCorrector() {
	oc := a.cfg.Oracle
	opts := []llmcorrect.Option{
		llmcorrect.WithTemperature(oc.Temperature),
		llmcorrect.WithMaxTokens(oc.MaxTokens),
		llmcorrect.WithMetrics(a.metrics),
	}
	if h, ok := a.providers.Oracle.(healthReporter); ok {
		opts = append(opts, llmcorrect.WithHealthProbe(func(context.Context) bool { return h.Healthy() }))
	}
	a.corrector = llmcorrect.New(a.providers.Oracle, opts...)
}

// Handler returns the instrumented HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ApplyConfig applies the hot-reloadable parts of cfg. It is the callback
// of a [config.Watcher].
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if d.AssemblerChanged || d.CommandsChanged {
		a.sessions.Apply(Settings{Assembler: cfg.Assembler, Commands: cfg.Commands})
		slog.Info("app: session settings reloaded; applies to new sessions")
	}
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the API on ln and evicts idle sessions until ctx is done,
// then shuts the HTTP server down gracefully. It does not run the closers;
// call [App.Shutdown] for that.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tls := a.cfg.Server.TLS
		slog.Info("app: listening", "addr", ln.Addr().String(), "tls", tls != nil)
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error { return a.sessions.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		a.signalDone()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: shutdown server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (a *App) signalDone() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Shutdown tears down all subsystems in order: sessions first, then the
// store. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.signalDone()
		slog.Info("app: shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
