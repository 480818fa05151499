package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxnote/internal/config"
	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/resilience"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	"github.com/MrWong99/voxnote/pkg/provider/stt"
)

// BuildOracle creates the oracle backend described by oc. The primary and
// every fallback are each guarded by a circuit breaker whose transitions are
// counted in m. It returns nil, nil when no oracle is configured.
func BuildOracle(oc config.OracleConfig, reg *config.Registry, m *observe.Metrics) (llm.Provider, error) {
	if oc.Name == "" {
		return nil, nil
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	primary, err := reg.CreateLLM(oc.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("app: create oracle %q: %w", oc.Name, err)
	}

	labels := map[string]bool{}
	label := func(e config.ProviderEntry) string {
		name := e.Name
		if e.Model != "" {
			name += "/" + e.Model
		}
		for base, i := name, 2; labels[name]; i++ {
			name = fmt.Sprintf("%s#%d", base, i)
		}
		labels[name] = true
		return name
	}

	fb := resilience.NewLLMFallback(label(oc.ProviderEntry), primary, resilience.BreakerConfig{
		FailureThreshold: oc.Breaker.FailureThreshold,
		Cooldown:         oc.Breaker.Cooldown,
		Probes:           oc.Breaker.Probes,
		OnStateChange: func(name string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	for i, e := range oc.Fallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: create oracle fallback %d %q: %w", i, e.Name, err)
		}
		fb.AddFallback(label(e), p)
	}
	return fb, nil
}

// BuildSpeech creates the speech provider described by e. It returns nil,
// nil when none is configured.
func BuildSpeech(e config.ProviderEntry, reg *config.Registry) (stt.Provider, error) {
	if e.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateSTT(e)
	if err != nil {
		return nil, fmt.Errorf("app: create speech provider %q: %w", e.Name, err)
	}
	return p, nil
}
