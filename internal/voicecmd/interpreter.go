// Package voicecmd turns spoken editing commands into document changes.
//
// An [Interpreter] buffers recognised speech until it looks like a complete
// command. It then tries the fixed formatting [Patterns] against the
// document selection and otherwise asks the language model to rewrite the
// document, applying partial output as it streams in. At most one flush runs
// per interpreter; speech arriving meanwhile is merged into the buffer and
// evaluated by the running flush before it gives up the slot.
package voicecmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript/llmcorrect"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
)

const (
	defaultKeepWords     = 3
	defaultBufferCeiling = 300
	defaultSnapshotChars = 2000
	defaultHistory       = 10
	defaultMaxTokens     = 2048

	// minSpeculativeLen is the length partial output needs before it is shown.
	minSpeculativeLen = 20

	confidenceTrigger = 0.7
)

// Flush outcomes recorded on observe.Metrics.Commands.
const (
	PathPattern = "pattern"
	PathRewrite = "rewrite"
	PathNone    = "none"
	PathBusy    = "busy"
	PathError   = "error"
)

const rewritePrompt = `You apply spoken editing commands to a rich-text document.
You receive the command and the current document as HTML markup.
Reply with the complete updated document as HTML markup and nothing else.
Do not describe the change, do not explain and do not wrap the answer in code fences.
If the command is unclear, return the document unchanged.`

// Fragment is one piece of recognised speech.
type Fragment struct {
	Text       string
	Timestamp  time.Time
	Confidence float64
}

// Option is a functional option for [New].
type Option func(*Interpreter)

// WithKeepWords sets how many trailing words survive a successful flush as
// context for the next command. Default: 3.
func WithKeepWords(n int) Option {
	return func(in *Interpreter) {
		if n >= 0 {
			in.keepWords = n
		}
	}
}

// WithBufferCeiling sets the buffer size in characters above which an
// unsuccessful flush clears the buffer. Default: 300.
func WithBufferCeiling(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.ceiling = n
		}
	}
}

// WithSnapshotChars caps how much of the document is sent for a rewrite.
// Content past the cap is kept as is and appended to the rewritten part.
// Default: 2000.
func WithSnapshotChars(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.snapshotChars = n
		}
	}
}

// WithHistory sets how many recent fragments are retained. Default: 10.
func WithHistory(n int) Option {
	return func(in *Interpreter) {
		if n > 0 {
			in.history = n
		}
	}
}

// WithMaxTokens sets the output token ceiling of a rewrite. Default: 2048.
func WithMaxTokens(n int) Option {
	return func(in *Interpreter) {
		in.maxTokens = n
	}
}

// WithKeywordThreshold sets the Jaro-Winkler score a misheard word needs to
// count as a command keyword. Default: 0.85.
func WithKeywordThreshold(t float64) Option {
	return func(in *Interpreter) {
		in.threshold = t
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(in *Interpreter) {
		in.metrics = m
	}
}

// Interpreter executes voice commands against a [Document]. It is safe for
// concurrent use.
type Interpreter struct {
	doc      Document
	provider llm.Provider
	matcher  *keywordMatcher
	patterns []Pattern
	metrics  *observe.Metrics

	keepWords     int
	ceiling       int
	snapshotChars int
	history       int
	maxTokens     int
	threshold     float64

	// slot holds a token while a flush runs.
	slot chan struct{}

	mu sync.Mutex
	// carry is the tail of the last acted-upon command. It is context for a
	// rewrite but does not count towards triggers or pattern matches.
	carry   string
	pending string
	last    Fragment
	recent  []Fragment
	dirty   bool
}

// New returns an Interpreter editing doc. A nil provider disables the
// rewrite path; only local patterns are applied.
func New(doc Document, provider llm.Provider, opts ...Option) *Interpreter {
	in := &Interpreter{
		doc:           doc,
		provider:      provider,
		keepWords:     defaultKeepWords,
		ceiling:       defaultBufferCeiling,
		snapshotChars: defaultSnapshotChars,
		history:       defaultHistory,
		maxTokens:     defaultMaxTokens,
		threshold:     defaultKeywordThreshold,
		slot:          make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(in)
	}
	if in.metrics == nil {
		in.metrics = observe.DefaultMetrics()
	}
	in.matcher = newKeywordMatcher(commandKeywords, in.threshold)
	in.patterns = compilePatterns(in.matcher, Patterns)
	return in
}

// Submit adds f to the buffer and flushes if a trigger fires. It reports
// whether the document was changed. While another flush runs Submit only
// merges the text and returns false; the running flush picks it up.
func (in *Interpreter) Submit(ctx context.Context, f Fragment) bool {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return false
	}
	f.Text = text

	in.mu.Lock()
	in.pending = joinWords(in.pending, text)
	in.last = f
	in.recent = append(in.recent, f)
	if len(in.recent) > in.history {
		in.recent = in.recent[len(in.recent)-in.history:]
	}
	select {
	case in.slot <- struct{}{}:
	default:
		in.dirty = true
		in.mu.Unlock()
		in.metrics.RecordCommand(ctx, PathBusy)
		return false
	}
	in.mu.Unlock()

	return in.run(ctx)
}

// run flushes until no new text arrived during the last pass, then releases
// the slot. The slot is taken and released under in.mu so merged text is
// never left unevaluated.
func (in *Interpreter) run(ctx context.Context) bool {
	acted := false
	for {
		in.mu.Lock()
		carry, pending, last := in.carry, in.pending, in.last
		in.dirty = false
		in.mu.Unlock()

		if words, hasKeyword := in.matcher.normalize(pending); in.shouldFlush(words, hasKeyword, last) {
			ok := in.flush(ctx, carry, pending, words)
			in.settle(pending, ok)
			acted = acted || ok
		}

		in.mu.Lock()
		if !in.dirty || ctx.Err() != nil {
			<-in.slot
			in.mu.Unlock()
			return acted
		}
		in.mu.Unlock()
	}
}

func (in *Interpreter) shouldFlush(words []string, hasKeyword bool, last Fragment) bool {
	switch {
	case len(words) >= 3:
		return true
	case len(words) >= 2 && hasKeyword:
		return true
	case strings.HasSuffix(last.Text, ".") || strings.HasSuffix(last.Text, "!") || strings.HasSuffix(last.Text, "?"):
		return true
	default:
		return last.Confidence > confidenceTrigger
	}
}

// settle applies the retention policy after flushing pending. Text merged
// while the flush ran is kept.
func (in *Interpreter) settle(flushed string, acted bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	extra := strings.TrimSpace(strings.TrimPrefix(in.pending, flushed))
	if acted {
		in.carry = lastWords(joinWords(in.carry, flushed), in.keepWords)
		in.pending = extra
		return
	}
	if utf8.RuneCountInString(joinWords(in.carry, in.pending)) > in.ceiling {
		in.carry, in.pending = "", ""
	}
}

func (in *Interpreter) flush(ctx context.Context, carry, pending string, words []string) bool {
	ctx, span := observe.StartSpan(ctx, "voicecmd.flush")
	defer span.End()

	if p, ok := matchPattern(in.patterns, words, in.doc.HasSelection()); ok {
		in.doc.ApplyFormat(p.Action)
		in.metrics.RecordCommand(ctx, PathPattern)
		observe.Logger(ctx).Debug("voicecmd: pattern applied", "action", p.Action)
		return true
	}
	if in.provider == nil {
		in.metrics.RecordCommand(ctx, PathNone)
		return false
	}

	acted, err := in.rewrite(ctx, joinWords(carry, pending))
	switch {
	case err != nil:
		observe.FailSpan(span, err)
		observe.Logger(ctx).Warn("voicecmd: rewrite failed", "err", err)
		in.metrics.RecordCommand(ctx, PathError)
	case acted:
		in.metrics.RecordCommand(ctx, PathRewrite)
	default:
		in.metrics.RecordCommand(ctx, PathNone)
	}
	return acted
}

// rewrite streams a model rewrite of the document and applies it. Partial
// output is shown once it is long enough and differs from the original. An
// error chunk or cancellation restores the original content.
func (in *Interpreter) rewrite(ctx context.Context, command string) (bool, error) {
	original := in.doc.Content()
	head, tail := splitRunes(original, in.snapshotChars)

	req := llm.CompletionRequest{
		SystemPrompt: rewritePrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Command: %s\n\nDocument:\n%s", command, head),
		}},
		Temperature: 0,
		MaxTokens:   in.maxTokens,
	}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := in.provider.StreamCompletion(streamCtx, req)
	if err != nil {
		return false, fmt.Errorf("voicecmd: start rewrite: %w", err)
	}

	var buf strings.Builder
	shown := original
	restore := func() {
		if shown != original {
			in.doc.SetContent(original)
		}
	}
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			restore()
			return false, fmt.Errorf("voicecmd: rewrite stream: %s", chunkError(chunk))
		}
		buf.WriteString(chunk.Text)

		partial := llmcorrect.StripFences(buf.String())
		if utf8.RuneCountInString(partial) > minSpeculativeLen && partial+tail != original && partial+tail != shown {
			shown = partial + tail
			in.doc.SetContent(shown)
		}
	}
	if err := ctx.Err(); err != nil {
		restore()
		return false, fmt.Errorf("voicecmd: rewrite: %w", err)
	}

	final := llmcorrect.StripFences(buf.String())
	if final == "" {
		restore()
		slog.Debug("voicecmd: empty rewrite")
		return false, nil
	}
	updated := final + tail
	if updated != in.doc.Content() {
		in.doc.SetContent(updated)
	}
	return updated != original, nil
}

func chunkError(c llm.Chunk) string {
	if c.Text != "" {
		return c.Text
	}
	return "provider reported an error"
}

// Buffer returns the retained context followed by the unprocessed text.
func (in *Interpreter) Buffer() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return joinWords(in.carry, in.pending)
}

// Recent returns the most recent fragments, oldest first.
func (in *Interpreter) Recent() []Fragment {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Fragment, len(in.recent))
	copy(out, in.recent)
	return out
}

// Reset empties the buffer and history.
func (in *Interpreter) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.carry, in.pending = "", ""
	in.recent = nil
	in.last = Fragment{}
}

func joinWords(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

func lastWords(s string, n int) string {
	if n == 0 {
		return ""
	}
	f := strings.Fields(s)
	if len(f) > n {
		f = f[len(f)-n:]
	}
	return strings.Join(f, " ")
}

// splitRunes splits s after its first n runes.
func splitRunes(s string, n int) (string, string) {
	if utf8.RuneCountInString(s) <= n {
		return s, ""
	}
	r := []rune(s)
	return string(r[:n]), string(r[n:])
}
