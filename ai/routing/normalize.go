package routing

import (
	"strings"
	"unicode"
)

var contractions = map[string]string{
	"it'll":   "it will",
	"it's":    "it is",
	"that's":  "that is",
	"what's":  "what is",
	"there's": "there is",
	"here's":  "here is",
	"let's":   "let us",
	"won't":   "will not",
	"can't":   "can not",
	"i'm":     "i am",
	"i'd":     "i would",
}

var contractionSuffixes = []struct{ suffix, expansion string }{
	{"n't", " not"},
	{"'ll", " will"},
	{"'re", " are"},
	{"'ve", " have"},
	{"'d", " would"},
	{"'m", " am"},
	{"'s", ""},
}

// Normalize lowercases text, expands common contractions and strips
// punctuation. Tokens are separated by single spaces.
func Normalize(text string) string {
	return strings.Join(Tokenize(text), " ")
}

// Tokenize splits text into normalized tokens. Separators inside numbers and
// dates (17:30, 2026-01-02, 3.5) are kept.
func Tokenize(text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	text = strings.NewReplacer("’", "'", "‘", "'").Replace(text)

	var tokens []string
	for _, word := range strings.Fields(text) {
		for _, w := range strings.Fields(expandContraction(word)) {
			if tok := cleanToken(w); tok != "" {
				tokens = append(tokens, strings.Fields(tok)...)
			}
		}
	}
	return tokens
}

func expandContraction(word string) string {
	trimmed := strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	if exp, ok := contractions[trimmed]; ok {
		return exp
	}
	if !strings.Contains(trimmed, "'") {
		return word
	}
	for _, c := range contractionSuffixes {
		if strings.HasSuffix(trimmed, c.suffix) && len(trimmed) > len(c.suffix) {
			return strings.TrimSuffix(trimmed, c.suffix) + c.expansion
		}
	}
	return strings.ReplaceAll(trimmed, "'", "")
}

// cleanToken drops punctuation, keeping ':' '.' '-' '+' when they join
// alphanumerics.
func cleanToken(w string) string {
	rs := []rune(w)
	var b strings.Builder
	for i, r := range rs {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ':' || r == '.' || r == '-' || r == '+':
			if i > 0 && i < len(rs)-1 && isAlnum(rs[i-1]) && isAlnum(rs[i+1]) {
				b.WriteRune(r)
			} else {
				b.WriteRune(' ')
			}
		default:
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// referenceWords are replaced by session entities during Tier 2 resolution.
var referenceWords = map[string]bool{
	"it":    true,
	"that":  true,
	"this":  true,
	"them":  true,
	"there": true,
}

// repeatPhrases re-run the last resolved intent.
var repeatPhrases = map[string]bool{
	"again":             true,
	"do that again":     true,
	"do it again":       true,
	"repeat that":       true,
	"repeat":            true,
	"same again":        true,
	"one more time":     true,
	"do the same again": true,
}
