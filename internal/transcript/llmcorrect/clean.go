package llmcorrect

import "strings"

// quotePairs are the wrappers models like to put around a plain-text answer.
var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"“", "”"},
	{"`", "`"},
}

// cleanOutput strips markdown code fences and one layer of wrapping quotes
// from a model answer. Quotes are only stripped when they do not occur
// inside the text, so dictated speech like `"Hi," she said. "Bye."` stays whole.
func cleanOutput(s string) string {
	s = StripFences(s)
	for _, q := range quotePairs {
		if len(s) < len(q[0])+len(q[1]) || !strings.HasPrefix(s, q[0]) || !strings.HasSuffix(s, q[1]) {
			continue
		}
		inner := s[len(q[0]) : len(s)-len(q[1])]
		if !strings.Contains(inner, q[0]) && !strings.Contains(inner, q[1]) {
			s = strings.TrimSpace(inner)
		}
		break
	}
	return s
}

// StripFences removes a leading ``` or ```lang fence line and a trailing ```
// fence. Text without fences is only trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```"); ok {
		// Drop the info string ("```markdown", "```text") up to the newline.
		if nl := strings.IndexByte(after, '\n'); nl >= 0 && !strings.ContainsAny(after[:nl], " \t") {
			after = after[nl+1:]
		}
		s = after
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
