package voicecmd

import (
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Document is the rich-text target of an [Interpreter]. Content is HTML-like
// markup.
type Document interface {
	Content() string
	SetContent(markup string)
	HasSelection() bool
	ApplyFormat(action Action)
}

// Selection is a half-open range of rune offsets into a document's content.
// Start == End is a cursor without a selection.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

var inlineTags = map[Action]string{
	ActionBold:          "strong",
	ActionItalic:        "em",
	ActionUnderline:     "u",
	ActionStrikethrough: "s",
	ActionHighlight:     "mark",
	ActionCode:          "code",
}

var headingTags = map[Action]string{
	ActionHeading1: "h1",
	ActionHeading2: "h2",
	ActionHeading3: "h3",
}

var listTags = map[Action]string{
	ActionBulletList:   "ul",
	ActionNumberedList: "ol",
}

var tagRe = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*[^>]*>`)

// Snapshot is an in-memory [Document]. The HTTP command route loads the
// editor's content and selection into one per request.
type Snapshot struct {
	mu      sync.Mutex
	content []rune
	sel     Selection
	applied []Action
}

var _ Document = (*Snapshot)(nil)

// NewSnapshot returns a document holding content with the given selection.
func NewSnapshot(content string, sel Selection) *Snapshot {
	d := &Snapshot{}
	d.Load(content, sel)
	return d
}

// Load replaces the content and selection and forgets applied actions.
func (d *Snapshot) Load(content string, sel Selection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = []rune(content)
	d.sel = clampSelection(sel, len(d.content))
	d.applied = nil
}

func (d *Snapshot) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.content)
}

func (d *Snapshot) SetContent(markup string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = []rune(markup)
	d.sel = clampSelection(d.sel, len(d.content))
}

func (d *Snapshot) HasSelection() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sel.End > d.sel.Start
}

// Selection returns the current selection.
func (d *Snapshot) Selection() Selection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sel
}

// Applied returns the actions applied since the last Load, oldest first.
func (d *Snapshot) Applied() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.applied)
}

// ApplyFormat applies action to the selection. Inline formats wrap the
// selected text; block formats rewrite every line the selection or cursor
// touches. The selection grows to cover the result.
func (d *Snapshot) ApplyFormat(action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.content
	s, e := d.sel.Start, d.sel.End
	var repl string
	switch {
	case inlineTags[action] != "":
		tag := inlineTags[action]
		repl = "<" + tag + ">" + string(r[s:e]) + "</" + tag + ">"
	case action == ActionClearFormatting:
		repl = tagRe.ReplaceAllString(string(r[s:e]), "")
	case headingTags[action] != "" || listTags[action] != "":
		s, e = lineBounds(r, s, e)
		repl = formatBlock(action, string(r[s:e]))
	default:
		return
	}

	out := make([]rune, 0, len(r)+len(repl))
	out = append(out, r[:s]...)
	out = append(out, []rune(repl)...)
	out = append(out, r[e:]...)
	d.content = out
	d.sel = Selection{Start: s, End: s + len([]rune(repl))}
	d.applied = append(d.applied, action)
}

// lineBounds widens [s, e) to whole lines.
func lineBounds(r []rune, s, e int) (int, int) {
	for s > 0 && r[s-1] != '\n' {
		s--
	}
	if e > s && r[e-1] == '\n' {
		e--
	}
	for e < len(r) && r[e] != '\n' {
		e++
	}
	return s, e
}

func formatBlock(action Action, block string) string {
	lines := strings.Split(block, "\n")
	if tag := headingTags[action]; tag != "" {
		for i, l := range lines {
			lines[i] = "<" + tag + ">" + strings.TrimSpace(stripTags(l)) + "</" + tag + ">"
		}
		return strings.Join(lines, "\n")
	}

	tag := listTags[action]
	var b strings.Builder
	b.WriteString("<" + tag + ">")
	for _, l := range lines {
		b.WriteString("<li>" + strings.TrimSpace(stripTags(l)) + "</li>")
	}
	b.WriteString("</" + tag + ">")
	return b.String()
}

func stripTags(s string) string { return tagRe.ReplaceAllString(s, "") }

func clampSelection(sel Selection, n int) Selection {
	sel.Start = min(max(sel.Start, 0), n)
	sel.End = min(max(sel.End, 0), n)
	if sel.End < sel.Start {
		sel.Start, sel.End = sel.End, sel.Start
	}
	return sel
}
