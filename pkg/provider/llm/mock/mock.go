// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled oracle responses without a
// live backend and to inspect the CompletionRequests that were sent. The
// CompleteFunc and StreamFunc hooks take precedence over the canned fields and
// let a test block, reorder or fail individual calls.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxnote/pkg/provider/llm"
)

// Call records a single invocation of Complete or StreamCompletion.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, when set, handles Complete instead of the canned fields.
	// It is called without the mock's lock held so it may block.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// StreamFunc, when set, handles StreamCompletion instead of the canned
	// fields. It is called without the mock's lock held.
	StreamFunc func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error)

	// StreamChunks is emitted in order on the channel returned by
	// StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a
	// channel.
	StreamErr error

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []Call

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and returns a channel that emits
// StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	fn := p.StreamFunc
	err := p.StreamErr
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Completes returns a snapshot of the recorded Complete calls.
func (p *Provider) Completes() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Streams returns a snapshot of the recorded StreamCompletion calls.
func (p *Provider) Streams() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// SetComplete replaces the canned Complete result. Thread-safe.
func (p *Provider) SetComplete(resp *llm.CompletionResponse, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteResponse = resp
	p.CompleteErr = err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}
