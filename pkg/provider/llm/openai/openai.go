// Package openai provides an LLM provider for OpenAI-compatible chat
// completion endpoints, built on github.com/openai/openai-go.
//
// The Correction Oracle is reached either directly (xAI's own API) or through
// a gateway (OpenRouter), which differ in base URL, model naming and the
// attribution headers the gateway requires. The [Route] is always explicit
// configuration and never guessed from the shape of the API key.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxnote/pkg/provider/llm"
)

// Route selects how requests reach the model.
type Route string

const (
	// RouteDirect talks to the model vendor's own endpoint.
	RouteDirect Route = "direct"

	// RouteGateway talks to a multi-vendor gateway that needs attribution
	// headers on every request.
	RouteGateway Route = "gateway"
)

// IsValid reports whether r is a recognised route.
func (r Route) IsValid() bool {
	return r == RouteDirect || r == RouteGateway
}

const (
	DirectBaseURL  = "https://api.x.ai/v1"
	GatewayBaseURL = "https://openrouter.ai/api/v1"

	DefaultDirectModel  = "grok-3-mini"
	DefaultGatewayModel = "x-ai/grok-3-mini"
)

// Provider implements llm.Provider using an OpenAI-compatible API.
type Provider struct {
	client oai.Client
	model  string
	route  Route
}

// config holds optional configuration for the provider.
type config struct {
	route   Route
	baseURL string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithRoute selects the direct or gateway route. Default: [RouteDirect].
func WithRoute(r Route) Option {
	return func(c *config) {
		c.route = r
	}
}

// WithBaseURL overrides the base URL implied by the route.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithHeader adds an extra header to every request.
func WithHeader(key, value string) Option {
	return func(c *config) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}

// WithAttribution sets the HTTP-Referer and X-Title headers a gateway uses to
// attribute traffic. Empty values are skipped. Only sent on [RouteGateway].
func WithAttribution(referer, title string) Option {
	return func(c *config) {
		if referer != "" {
			WithHeader("HTTP-Referer", referer)(c)
		}
		if title != "" {
			WithHeader("X-Title", title)(c)
		}
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Mostly useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.client = hc
	}
}

// New constructs a new Provider. When model is empty the route's default
// model is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{route: RouteDirect}
	for _, o := range opts {
		o(cfg)
	}
	if !cfg.route.IsValid() {
		return nil, fmt.Errorf("openai: invalid route %q; valid values: direct, gateway", cfg.route)
	}

	baseURL, defModel := DirectBaseURL, DefaultDirectModel
	if cfg.route == RouteGateway {
		baseURL, defModel = GatewayBaseURL, DefaultGatewayModel
	}
	if cfg.baseURL != "" {
		baseURL = cfg.baseURL
	}
	if model == "" {
		model = defModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	}
	if cfg.route == RouteGateway {
		for k, v := range cfg.headers {
			reqOpts = append(reqOpts, option.WithHeader(k, v))
		}
	}
	switch {
	case cfg.client != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.client))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		route:  cfg.route,
	}, nil
}

// Model returns the model identifier sent with every request.
func (p *Provider) Model() string { return p.model }

// Route returns the configured route.
func (p *Provider) Route() Route { return p.route }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", describeError(err))
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: describeError(err).Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", describeError(err))
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known model names.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	// Gateway model ids carry a vendor prefix ("x-ai/grok-3").
	lower := strings.ToLower(model)
	if _, after, ok := strings.Cut(lower, "/"); ok {
		lower = after
	}
	switch {
	case strings.HasPrefix(lower, "grok-4"):
		caps.ContextWindow = 256_000
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "grok-3"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	}
	return caps
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: param.NewOpt(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// describeError surfaces the human-readable message of a non-2xx API
// response. Other errors pass through unchanged.
func describeError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("status %d: %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("status %d", apiErr.StatusCode)
	}
	return err
}
