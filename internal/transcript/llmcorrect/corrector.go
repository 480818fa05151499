// Package llmcorrect is the client side of the Correction Oracle: it asks a
// hosted language model to turn a noisy speech-recognition fragment, plus the
// transcript that preceded it, into one clean cumulative transcript.
//
// The [Corrector] never fails the caller. A missing provider, a transport
// error or an empty answer all produce a degraded [Result] that carries the
// raw text unchanged with zero confidence, so the transcript pipeline keeps
// flowing without the oracle. The only error it returns is the caller's own
// context error.
package llmcorrect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
)

const (
	defaultTemperature = 0.0
	defaultMaxTokens   = 1000

	// minConfidence is the floor for any non-identical oracle answer.
	minConfidence = 0.3
)

// KindCorrection is the only [Change] kind the oracle produces today.
const KindCorrection = "correction"

const systemPrompt = `You are a transcript correction assistant for live speech-to-text dictation.

You receive the transcript so far and a new piece of recognised speech. Return the complete corrected transcript covering both the previous context and the new text.

Rules:
- Self-corrections: when the speaker says "X sorry Y", "X make that Y" or "X no wait Y", Y replaces X. Never keep both.
- Fix obvious transcription errors (misheard words, broken word boundaries, repeated fragments).
- Normalize verbal punctuation ("comma", "period", "new line"), spoken email addresses, numbers and dates into their written form.
- Do not add content the speaker did not say and do not summarise.
- Return ONLY the corrected transcript as plain text. No markdown, no quotes, no commentary.`

// Change describes one difference between the oracle's input and output.
type Change struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Kind      string `json:"kind"`
}

// Result is the outcome of one [Corrector.Correct] call.
type Result struct {
	// CorrectedText is the cumulative corrected transcript, or the raw text
	// when Degraded.
	CorrectedText string

	// Confidence is in [0.3, 1] for oracle answers and 0 when Degraded.
	Confidence float64

	// Changes is non-empty when the oracle changed anything.
	Changes []Change

	// Degraded is true when CorrectedText is the raw-text fallback.
	Degraded bool

	// Usage is the token accounting reported by the backend.
	Usage llm.Usage
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the sampling temperature. Default: 0.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// WithMaxTokens sets the completion token ceiling. Default: 1000.
func WithMaxTokens(n int) Option {
	return func(c *Corrector) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Corrector) {
		c.metrics = m
	}
}

// WithHealthProbe installs a cheap availability check, typically a circuit
// breaker state lookup. It must not perform network I/O.
func WithHealthProbe(probe func(context.Context) bool) Option {
	return func(c *Corrector) {
		c.probe = probe
	}
}

// Corrector calls the Correction Oracle. It holds no per-call state and is
// safe for concurrent use.
type Corrector struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
	probe       func(context.Context) bool
}

// New returns a [Corrector]. A nil provider yields a permanently degraded
// corrector that never performs network I/O.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Available reports whether a correction request could currently reach the
// oracle.
func (c *Corrector) Available(ctx context.Context) bool {
	if c.llm == nil {
		return false
	}
	if c.probe == nil {
		return true
	}
	return c.probe(ctx)
}

// Correct asks the oracle to correct text in the light of prior, the
// corrected-or-raw texts of the preceding chunks in order.
//
// A Result is always returned. The error is non-nil only when ctx ended
// before the oracle answered, in which case the Result is degraded.
func (c *Corrector) Correct(ctx context.Context, text string, prior []string) (Result, error) {
	if c.llm == nil {
		slog.Warn("llmcorrect: no oracle configured, using raw text")
		return degraded(text), nil
	}

	ctx, span := observe.StartSpan(ctx, "llmcorrect.Correct", trace.WithAttributes(
		attribute.Int("transcript.text_len", len(text)),
		attribute.Int("transcript.prior_chunks", len(prior)),
	))
	defer span.End()

	c.metrics.ActiveCorrections.Add(ctx, 1)
	defer c.metrics.ActiveCorrections.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: userMessage(text, prior)}},
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.RecordCorrection(context.WithoutCancel(ctx), observe.StatusCancelled, elapsed)
			return degraded(text), ctxErr
		}
		observe.FailSpan(span, err)
		observe.Logger(ctx).Warn("llmcorrect: oracle request failed, using raw text", "err", err, "duration", elapsed)
		c.metrics.RecordCorrection(ctx, observe.StatusDegraded, elapsed)
		return degraded(text), nil
	}

	out := cleanOutput(resp.Content)
	if out == "" {
		observe.Logger(ctx).Warn("llmcorrect: oracle returned empty output, using raw text", "duration", elapsed)
		c.metrics.RecordCorrection(ctx, observe.StatusDegraded, elapsed)
		return degraded(text), nil
	}

	input := promptText(text, prior)
	res := Result{
		CorrectedText: out,
		Confidence:    confidence(input, out),
		Changes:       []Change{},
		Usage:         resp.Usage,
	}
	if out != input {
		res.Changes = append(res.Changes, Change{Original: input, Corrected: out, Kind: KindCorrection})
	}

	span.SetAttributes(
		attribute.Float64("transcript.confidence", res.Confidence),
		attribute.Int("llm.total_tokens", resp.Usage.TotalTokens),
	)
	c.metrics.RecordCorrection(ctx, observe.StatusOK, elapsed)
	return res, nil
}

func degraded(text string) Result {
	return Result{CorrectedText: text, Confidence: 0, Changes: []Change{}, Degraded: true}
}

// userMessage embeds the prior context verbatim, most recent last, followed
// by the new fragment.
func userMessage(text string, prior []string) string {
	var sb strings.Builder
	if len(prior) > 0 {
		sb.WriteString("Previous context:\n")
		sb.WriteString(strings.Join(prior, " "))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "New text:\n%s\n\n", text)
	sb.WriteString("Return the complete corrected transcript.")
	return sb.String()
}

// promptText is the text the oracle was asked to rewrite. Its answer is
// cumulative, so confidence is measured against all of it.
func promptText(text string, prior []string) string {
	if len(prior) == 0 {
		return text
	}
	return strings.Join(append(append([]string(nil), prior...), text), " ")
}

// confidence is 1 for an unchanged answer and otherwise the share of
// case-insensitive tokens the answer has in common with the input, relative
// to the longer of the two, floored at minConfidence.
func confidence(input, output string) float64 {
	if input == output {
		return 1
	}
	in := strings.Fields(strings.ToLower(input))
	out := strings.Fields(strings.ToLower(output))

	longest := max(len(in), len(out))
	if longest == 0 {
		return minConfidence
	}

	remaining := make(map[string]int, len(in))
	for _, w := range in {
		remaining[w]++
	}
	shared := 0
	for _, w := range out {
		if remaining[w] > 0 {
			remaining[w]--
			shared++
		}
	}
	return max(float64(shared)/float64(longest), minConfidence)
}
