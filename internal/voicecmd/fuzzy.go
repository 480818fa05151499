package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultKeywordThreshold = 0.85

	// minFuzzyLen is the shortest word that is matched fuzzily. Shorter words
	// carry too little signal for Double Metaphone.
	minFuzzyLen = 3
)

// commandKeywords are the canonical spellings recognised in speech.
var commandKeywords = []string{
	"bold", "italic", "underline", "strikethrough", "highlight",
	"heading", "bullet", "numbered", "list", "code", "formatting",
}

// keywordMatcher resolves misheard words to command keywords.
//
// A word matches a keyword exactly, or when their Double Metaphone codes
// overlap and the Jaro-Winkler similarity reaches the threshold. "bolt"
// resolves to "bold"; "old" does not.
type keywordMatcher struct {
	keywords  []string
	codes     []map[string]struct{}
	threshold float64
}

func newKeywordMatcher(keywords []string, threshold float64) *keywordMatcher {
	m := &keywordMatcher{keywords: keywords, threshold: threshold}
	m.codes = make([]map[string]struct{}, len(keywords))
	for i, k := range keywords {
		m.codes[i] = codesFor(k)
	}
	return m
}

// canonical returns the keyword word stands for.
func (m *keywordMatcher) canonical(word string) (string, bool) {
	w := normalizeWord(word)
	if w == "" {
		return "", false
	}
	for _, k := range m.keywords {
		if w == k {
			return k, true
		}
	}
	if len([]rune(w)) < minFuzzyLen {
		return "", false
	}

	wc := codesFor(w)
	best, bestScore := "", 0.0
	for i, k := range m.keywords {
		if !codesOverlap(wc, m.codes[i]) {
			continue
		}
		if s := matchr.JaroWinkler(w, k, false); s >= m.threshold && s > bestScore {
			best, bestScore = k, s
		}
	}
	return best, best != ""
}

// normalize lowercases text, strips punctuation and replaces every word that
// resolves to a keyword by its canonical spelling. found reports whether any
// keyword was seen.
func (m *keywordMatcher) normalize(text string) (out []string, found bool) {
	for _, f := range strings.Fields(text) {
		w := normalizeWord(f)
		if w == "" {
			continue
		}
		if k, ok := m.canonical(w); ok {
			w = k
			found = true
		}
		out = append(out, w)
	}
	return out, found
}

func normalizeWord(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}

func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
