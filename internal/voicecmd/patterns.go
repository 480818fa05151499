package voicecmd

import "strings"

// Action is a formatting operation a [Document] can apply.
type Action string

const (
	ActionBold            Action = "bold"
	ActionItalic          Action = "italic"
	ActionUnderline       Action = "underline"
	ActionStrikethrough   Action = "strikethrough"
	ActionHighlight       Action = "highlight"
	ActionHeading1        Action = "heading1"
	ActionHeading2        Action = "heading2"
	ActionHeading3        Action = "heading3"
	ActionBulletList      Action = "bullet_list"
	ActionNumberedList    Action = "numbered_list"
	ActionCode            Action = "code"
	ActionClearFormatting Action = "clear_formatting"
)

// Pattern maps spoken phrases to an [Action].
type Pattern struct {
	Action  Action
	Phrases []string

	// RequiresSelection marks inline formats that need selected text. Block
	// formats apply to the lines under the cursor.
	RequiresSelection bool
}

var targets = []string{"this", "it", "that", "the selection", "the text"}

// makeForms returns "make <target> <adj>" for every target.
func makeForms(adj string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, "make "+t+" "+adj)
	}
	return out
}

// verbForms returns "<verb> <target>" for every target.
func verbForms(verb string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, verb+" "+t)
	}
	return out
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// Patterns is the fixed phrase table, written as plain lowercase speech.
// [New] runs every phrase through the same keyword matcher as the incoming
// text, so "strike through this" still matches once "strike" has resolved
// to "strikethrough".
var Patterns = []Pattern{
	{
		Action:            ActionClearFormatting,
		Phrases:           []string{"clear formatting", "clear the formatting", "remove formatting", "remove the formatting", "plain text"},
		RequiresSelection: true,
	},
	{
		Action:            ActionBold,
		Phrases:           concat(makeForms("bold"), verbForms("bold")),
		RequiresSelection: true,
	},
	{
		Action:            ActionItalic,
		Phrases:           concat(makeForms("italic"), verbForms("italicize"), verbForms("italicise")),
		RequiresSelection: true,
	},
	{
		Action:            ActionUnderline,
		Phrases:           concat(makeForms("underlined"), makeForms("underline"), verbForms("underline")),
		RequiresSelection: true,
	},
	{
		Action:            ActionStrikethrough,
		Phrases:           concat(verbForms("strikethrough"), verbForms("strike through"), []string{"cross it out", "cross this out", "cross that out"}),
		RequiresSelection: true,
	},
	{
		Action:            ActionHighlight,
		Phrases:           verbForms("highlight"),
		RequiresSelection: true,
	},
	{
		Action:            ActionCode,
		Phrases:           concat(makeForms("code"), []string{"format as code", "format this as code", "inline code"}),
		RequiresSelection: true,
	},
	{
		Action:  ActionHeading1,
		Phrases: []string{"heading one", "heading 1", "make this a heading", "make it a heading"},
	},
	{
		Action:  ActionHeading2,
		Phrases: []string{"heading two", "heading 2", "make this a subheading"},
	},
	{
		Action:  ActionHeading3,
		Phrases: []string{"heading three", "heading 3"},
	},
	{
		Action:  ActionBulletList,
		Phrases: []string{"bullet list", "bullet points", "bulleted list", "make this a list"},
	},
	{
		Action:  ActionNumberedList,
		Phrases: []string{"numbered list", "ordered list", "make this a numbered list"},
	},
}

// compilePatterns normalises every phrase with m and drops the duplicates
// that normalisation produces.
func compilePatterns(m *keywordMatcher, patterns []Pattern) []Pattern {
	out := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		seen := make(map[string]struct{}, len(p.Phrases))
		phrases := make([]string, 0, len(p.Phrases))
		for _, ph := range p.Phrases {
			words, _ := m.normalize(ph)
			n := strings.Join(words, " ")
			if _, dup := seen[n]; dup || n == "" {
				continue
			}
			seen[n] = struct{}{}
			phrases = append(phrases, n)
		}
		p.Phrases = phrases
		out = append(out, p)
	}
	return out
}

// matchPattern finds the pattern whose phrase ends latest in words. Ties go
// to the longer phrase, so "make this a numbered list" beats "numbered list".
// Patterns requiring a selection are skipped when
// hasSelection is false.
func matchPattern(patterns []Pattern, words []string, hasSelection bool) (Pattern, bool) {
	if len(words) == 0 {
		return Pattern{}, false
	}
	text := " " + strings.Join(words, " ") + " "

	var (
		best    Pattern
		bestEnd = -1
		bestLen int
	)
	for _, p := range patterns {
		if p.RequiresSelection && !hasSelection {
			continue
		}
		for _, ph := range p.Phrases {
			i := strings.LastIndex(text, " "+ph+" ")
			if i < 0 {
				continue
			}
			end := i + len(ph)
			if end > bestEnd || (end == bestEnd && len(ph) > bestLen) {
				best, bestEnd, bestLen = p, end, len(ph)
			}
		}
	}
	return best, bestEnd >= 0
}
