// Package llm defines the Provider interface for the hosted language models
// that voxnote uses as its Correction Oracle.
//
// A provider wraps a remote chat-completion API (an OpenAI-compatible endpoint
// such as xAI directly or through a gateway, or any backend reachable through
// any-llm-go) and exposes one blocking call and one streaming call. The
// transcript pipeline only needs [Provider.Complete]; the voice command
// interpreter streams its rewrites through [Provider.StreamCompletion].
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError is the FinishReason carried by the last [Chunk] of a
// stream that failed after it was opened. The chunk's Text holds the error
// message.
const FinishReasonError = "error"

// Message is a single message in a chat-completion conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction injected before Messages as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness. Providers always forward it, so
	// the zero value requests greedy decoding rather than the backend default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk. Common values are "stop",
	// "length" and [FinishReasonError].
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes static properties of the configured model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate at once.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// Provider is the abstraction over any chat-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled.
	//
	// Errors after the stream has opened are delivered as a final Chunk with
	// FinishReason [FinishReasonError]. The error return is non-nil only when
	// the stream could not be started. The returned channel is never nil when
	// error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata for the configured model.
	Capabilities() ModelCapabilities
}
