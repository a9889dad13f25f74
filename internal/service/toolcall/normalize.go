package toolcall

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldAccents strips combining marks: "Débordement" becomes "Debordement".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// normalizeText lowercases, folds accents and reduces punctuation to single
// spaces so keywords match on word boundaries.
func normalizeText(s string) string {
	folded := strings.ToLower(foldAccents(s))
	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// normalizeService turns "Débouchage " or "drain-francais" into the
// snake_case catalogue form.
func normalizeService(s string) string {
	return strings.ReplaceAll(normalizeText(s), " ", "_")
}

// containsKeyword reports whether keyword starts a word run in text. Both
// must already be normalized.
func containsKeyword(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+keyword)
}
