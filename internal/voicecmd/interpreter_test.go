package voicecmd_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxnote/internal/voicecmd"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	"github.com/MrWong99/voxnote/pkg/provider/llm/mock"
)

func submit(in *voicecmd.Interpreter, text string) bool {
	return in.Submit(context.Background(), voicecmd.Fragment{Text: text, Timestamp: time.Now(), Confidence: 0.5})
}

func TestInterpreter_PatternWithSelection(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("Hello world", voicecmd.Selection{Start: 0, End: 5})
	prov := &mock.Provider{}
	in := voicecmd.New(doc, prov)

	if !submit(in, "make this bold") {
		t.Fatal("Submit = false, want true")
	}
	if got := doc.Applied(); !slices.Equal(got, []voicecmd.Action{voicecmd.ActionBold}) {
		t.Errorf("Applied = %v, want [bold]", got)
	}
	if got := doc.Content(); got != "<strong>Hello</strong> world" {
		t.Errorf("Content = %q", got)
	}
	if n := len(prov.Streams()); n != 0 {
		t.Errorf("stream calls = %d, want 0", n)
	}
}

func TestInterpreter_FuzzyKeyword(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("Hello world", voicecmd.Selection{Start: 6, End: 11})
	in := voicecmd.New(doc, nil)

	if !submit(in, "Make this bolt!") {
		t.Fatal("Submit = false, want true")
	}
	if got := doc.Content(); got != "Hello <strong>world</strong>" {
		t.Errorf("Content = %q", got)
	}
}

func TestInterpreter_FuzzedPhrasesApplyLocally(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"strike through this", "<s>Hello</s> world"},
		{"format as code", "<code>Hello</code> world"},
		{"format this as code", "<code>Hello</code> world"},
		{"make this underlined", "<u>Hello</u> world"},
		{"cross this out", "<s>Hello</s> world"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			doc := voicecmd.NewSnapshot("Hello world", voicecmd.Selection{Start: 0, End: 5})
			in := voicecmd.New(doc, nil)
			if !submit(in, tt.text) {
				t.Fatalf("Submit(%q) = false, want true", tt.text)
			}
			if got := doc.Content(); got != tt.want {
				t.Errorf("Content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInterpreter_NoSelectionFallsThroughToRewrite(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("<p>Hello world</p>", voicecmd.Selection{})
	prov := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "<p><strong>Hello"},
		{Text: " world</strong></p>"},
		{FinishReason: "stop"},
	}}
	in := voicecmd.New(doc, prov)

	if !submit(in, "make this bold") {
		t.Fatal("Submit = false, want true")
	}
	if len(doc.Applied()) != 0 {
		t.Errorf("pattern applied without a selection: %v", doc.Applied())
	}
	if got := doc.Content(); got != "<p><strong>Hello world</strong></p>" {
		t.Errorf("Content = %q", got)
	}

	calls := prov.Streams()
	if len(calls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, "HTML") {
		t.Errorf("system prompt does not ask for markup: %q", req.SystemPrompt)
	}
	if req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", req.Temperature)
	}
	msg := req.Messages[0].Content
	if !strings.Contains(msg, "make this bold") || !strings.Contains(msg, "<p>Hello world</p>") {
		t.Errorf("user message = %q", msg)
	}
}

func TestInterpreter_NoSelectionNoProvider(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("Hello world", voicecmd.Selection{})
	in := voicecmd.New(doc, nil)

	if submit(in, "make this bold") {
		t.Error("Submit = true, want false")
	}
	if got := doc.Content(); got != "Hello world" {
		t.Errorf("Content = %q, want unchanged", got)
	}
	if got := in.Buffer(); got != "make this bold" {
		t.Errorf("Buffer = %q, want the unmatched command kept", got)
	}
}

func TestInterpreter_Triggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		confidence float64
		flush      bool
	}{
		{"one word", "hello", 0.5, false},
		{"two plain words", "hello there", 0.5, false},
		{"two words with keyword", "bold please", 0.5, true},
		{"three words", "one two three", 0.5, true},
		{"terminal period", "done.", 0.5, true},
		{"terminal question", "really?", 0.5, true},
		{"high confidence", "hi", 0.9, true},
		{"confidence at threshold", "hi", 0.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prov := &mock.Provider{}
			in := voicecmd.New(voicecmd.NewSnapshot("doc", voicecmd.Selection{}), prov)
			in.Submit(context.Background(), voicecmd.Fragment{Text: tt.text, Confidence: tt.confidence})
			if got := len(prov.Streams()) == 1; got != tt.flush {
				t.Errorf("flushed = %v, want %v", got, tt.flush)
			}
		})
	}
}

func TestInterpreter_EmptyFragmentIgnored(t *testing.T) {
	t.Parallel()

	in := voicecmd.New(voicecmd.NewSnapshot("", voicecmd.Selection{}), nil)
	if submit(in, "   ") {
		t.Error("Submit(blank) = true")
	}
	if len(in.Recent()) != 0 || in.Buffer() != "" {
		t.Error("blank fragment was recorded")
	}
}

func TestInterpreter_BusySlotMergesText(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	prov := &mock.Provider{StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk)
		go func() {
			defer close(ch)
			select {
			case started <- struct{}{}:
			default:
			}
			<-gate
		}()
		return ch, nil
	}}
	doc := voicecmd.NewSnapshot("Hello world", voicecmd.Selection{Start: 0, End: 5})
	in := voicecmd.New(doc, prov)

	result := make(chan bool, 1)
	go func() { result <- submit(in, "rewrite this paragraph") }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("rewrite never started")
	}
	if submit(in, "make this bold") {
		t.Error("Submit while busy = true, want false")
	}
	close(gate)

	select {
	case acted := <-result:
		if !acted {
			t.Error("follow-up pass should apply the merged command")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first Submit never returned")
	}
	if got := doc.Applied(); !slices.Equal(got, []voicecmd.Action{voicecmd.ActionBold}) {
		t.Errorf("Applied = %v, want [bold]", got)
	}
	if n := len(prov.Streams()); n != 1 {
		t.Errorf("stream calls = %d, want 1", n)
	}
}

func TestInterpreter_RetainsTrailingWords(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("Hello world", voicecmd.Selection{Start: 0, End: 5})
	in := voicecmd.New(doc, nil)

	if !submit(in, "please make this bold") {
		t.Fatal("Submit = false, want true")
	}
	if got := in.Buffer(); got != "make this bold" {
		t.Errorf("Buffer = %q, want trailing three words", got)
	}

	// Retained words are context only; one new word does not trigger.
	if submit(in, "now") {
		t.Error("Submit(now) = true")
	}
	if got := in.Buffer(); got != "make this bold now" {
		t.Errorf("Buffer = %q", got)
	}
	if n := len(doc.Applied()); n != 1 {
		t.Errorf("Applied %d actions, want 1", n)
	}
}

func TestInterpreter_BufferCeiling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"over ceiling clears", "one two three four five six seven eight nine ten", ""},
		{"under ceiling keeps", "one two three", "one two three"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := voicecmd.New(voicecmd.NewSnapshot("", voicecmd.Selection{}), nil, voicecmd.WithBufferCeiling(30))
			submit(in, tt.text)
			if got := in.Buffer(); got != tt.want {
				t.Errorf("Buffer = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInterpreter_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	in := voicecmd.New(voicecmd.NewSnapshot("", voicecmd.Selection{}), nil, voicecmd.WithHistory(2))
	for _, w := range []string{"a", "b", "c"} {
		submit(in, w)
	}
	var got []string
	for _, f := range in.Recent() {
		got = append(got, f.Text)
	}
	if want := []string{"b", "c"}; !slices.Equal(got, want) {
		t.Errorf("Recent = %v, want %v", got, want)
	}
}

func TestInterpreter_SpeculativeApply(t *testing.T) {
	t.Parallel()

	ch := make(chan llm.Chunk)
	prov := &mock.Provider{StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
		return ch, nil
	}}
	doc := voicecmd.NewSnapshot("<p>hello world</p>", voicecmd.Selection{})
	in := voicecmd.New(doc, prov)

	result := make(chan bool, 1)
	go func() { result <- submit(in, "turn the first line into a title") }()

	ch <- llm.Chunk{Text: "<h1>hello world</h1"}
	ch <- llm.Chunk{Text: ">\n<p>more"}

	partial := "<h1>hello world</h1>\n<p>more"
	deadline := time.Now().Add(5 * time.Second)
	for doc.Content() != partial {
		if time.Now().After(deadline) {
			t.Fatalf("partial output never applied, content = %q", doc.Content())
		}
		time.Sleep(time.Millisecond)
	}

	ch <- llm.Chunk{Text: "</p>"}
	close(ch)
	if !<-result {
		t.Error("Submit = false, want true")
	}
	if got := doc.Content(); got != "<h1>hello world</h1>\n<p>more</p>" {
		t.Errorf("Content = %q", got)
	}
}

func TestInterpreter_ErrorChunkRestoresOriginal(t *testing.T) {
	t.Parallel()

	const original = "<p>keep me exactly as I am</p>"
	doc := voicecmd.NewSnapshot(original, voicecmd.Selection{})
	prov := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "<p>a completely different and long rewrite</p>"},
		{Text: "upstream 500", FinishReason: llm.FinishReasonError},
	}}
	in := voicecmd.New(doc, prov)

	if submit(in, "rewrite everything now") {
		t.Error("Submit = true, want false")
	}
	if got := doc.Content(); got != original {
		t.Errorf("Content = %q, want original restored", got)
	}
}

func TestInterpreter_StreamStartError(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("<p>x</p>", voicecmd.Selection{})
	prov := &mock.Provider{StreamErr: errors.New("dial tcp: refused")}
	in := voicecmd.New(doc, prov)

	if submit(in, "rewrite everything now") {
		t.Error("Submit = true, want false")
	}
	if got := doc.Content(); got != "<p>x</p>" {
		t.Errorf("Content = %q", got)
	}
}

func TestInterpreter_UnchangedRewriteIsNotAnAction(t *testing.T) {
	t.Parallel()

	const original = "<p>already perfect content here</p>"
	doc := voicecmd.NewSnapshot(original, voicecmd.Selection{})
	prov := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "```html\n" + original + "\n```"}}}
	in := voicecmd.New(doc, prov)

	if submit(in, "fix the typos please") {
		t.Error("Submit = true for an identical rewrite")
	}
	if got := doc.Content(); got != original {
		t.Errorf("Content = %q", got)
	}
}

func TestInterpreter_SnapshotTruncation(t *testing.T) {
	t.Parallel()

	doc := voicecmd.NewSnapshot("0123456789ABCDEF", voicecmd.Selection{})
	prov := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "```html\nREWRITTEN\n```"}}}
	in := voicecmd.New(doc, prov, voicecmd.WithSnapshotChars(10))

	if !submit(in, "rewrite the whole thing") {
		t.Fatal("Submit = false, want true")
	}
	msg := prov.Streams()[0].Req.Messages[0].Content
	if !strings.Contains(msg, "Document:\n0123456789") || strings.Contains(msg, "ABCDEF") {
		t.Errorf("user message = %q, want only the first 10 characters", msg)
	}
	if got := doc.Content(); got != "REWRITTENABCDEF" {
		t.Errorf("Content = %q, want rewritten head plus untouched tail", got)
	}
}
