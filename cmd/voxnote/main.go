// Command voxnote serves the realtime transcript correction API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxnote/internal/app"
	"github.com/MrWong99/voxnote/internal/config"
	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	"github.com/MrWong99/voxnote/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxnote/pkg/provider/llm/openai"
	"github.com/MrWong99/voxnote/pkg/provider/stt"
	"github.com/MrWong99/voxnote/pkg/provider/stt/deepgram"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errNoCredentials marks a provider that cannot be built without an API key.
var errNoCredentials = errors.New("no api key configured")

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "voxnote.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables reloading")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxnote: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxnote: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxnote starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, tel.Metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, func(next *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(next, d)
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config reloading disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.APIKey == "" {
			return nil, errNoCredentials
		}
		var opts []openai.Option
		if entry.Route != "" {
			opts = append(opts, openai.WithRoute(openai.Route(entry.Route)))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Route == config.RouteGateway {
			opts = append(opts, openai.WithAttribution(entry.Referer, entry.Title))
		}
		if entry.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(entry.Timeout))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Hosted backends reached through any-llm-go need a key; local servers
	// only an address.
	for _, name := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			if entry.APIKey == "" {
				return nil, errNoCredentials
			}
			return anyllm.New(name, entry.Model, anyllmOptions(entry)...)
		})
	}
	for _, name := range []string{"ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(name, entry.Model, anyllmOptions(entry)...)
		})
	}

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		if entry.APIKey == "" {
			return nil, errNoCredentials
		}
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if v, ok := entry.Options["smart_format"].(bool); ok {
			opts = append(opts, deepgram.WithSmartFormat(v))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	slog.Debug("registered providers", "llm", reg.Names("llm"), "stt", reg.Names("stt"))
}

func anyllmOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// buildProviders instantiates the providers named in cfg. A provider that
// lacks credentials is left out with a warning so the service still starts:
// without an oracle transcripts stay uncorrected, without speech the audio
// route answers 503.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	oracle, err := app.BuildOracle(cfg.Oracle, reg, m)
	switch {
	case errors.Is(err, errNoCredentials):
		slog.Warn("oracle has no credentials; transcripts will not be corrected", "name", cfg.Oracle.Name)
	case err != nil:
		return nil, err
	case oracle != nil:
		ps.Oracle = oracle
		slog.Info("provider created", "kind", "llm", "name", cfg.Oracle.Name, "fallbacks", len(cfg.Oracle.Fallbacks))
	}

	speech, err := app.BuildSpeech(cfg.Speech, reg)
	switch {
	case errors.Is(err, errNoCredentials):
		slog.Warn("speech provider has no credentials; the audio route is disabled", "name", cfg.Speech.Name)
	case err != nil:
		return nil, err
	case speech != nil:
		ps.STT = speech
		slog.Info("provider created", "kind", "stt", "name", cfg.Speech.Name)
	}

	return ps, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return v
}
