package resilience

import (
	"context"

	"github.com/MrWong99/voxnote/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] over a [Chain] of backends. Each
// backend has its own breaker; a failing primary is bypassed in favour of the
// next healthy fallback.
type LLMFallback struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primaryName string, primary llm.Provider, cfg BreakerConfig) *LLMFallback {
	return &LLMFallback{chain: NewChain(primaryName, primary, cfg)}
}

// AddFallback registers another backend. Call before first use.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.chain.Add(name, p)
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Run(ctx, f.chain, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend. Only opening
// the stream is covered by failover; errors after that arrive on the channel.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Run(ctx, f.chain, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Capabilities returns the primary backend's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.chain.Primary().Capabilities()
}

// Healthy reports whether any backend would currently accept a call.
func (f *LLMFallback) Healthy() bool { return f.chain.Healthy() }

// Backends returns the backend names in try order.
func (f *LLMFallback) Backends() []string { return f.chain.Names() }

// States returns every backend's breaker state keyed by name.
func (f *LLMFallback) States() map[string]State { return f.chain.States() }
