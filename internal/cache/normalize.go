package cache

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const keySep = "::"

// Normalize lower-cases s, strips accents and punctuation and collapses
// whitespace, so "Log-in!" and "login" share a key.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	out := fold(s)
	// Case mapping can expose a new decomposition; settle on a fixed point.
	for i := 0; i < 3; i++ {
		next := fold(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func fold(s string) string {
	s = strings.ToLower(s)
	if stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.M))), s); err == nil {
		s = stripped
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsMark(r):
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// PagePattern is the path of rawURL, "/" when empty. Host, query and fragment
// are ignored.
func PagePattern(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		p := rawURL
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
		if p == "" {
			return "/"
		}
		return p
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// Key builds the exact cache key for a page and instruction.
func Key(pageURL, instruction string) string {
	return PagePattern(pageURL) + keySep + Normalize(instruction)
}

// Similarity is the Dice coefficient over the sets of words longer than two
// characters in the normalized forms of a and b.
func Similarity(a, b string) float64 {
	wa, wb := wordSet(Normalize(a)), wordSet(Normalize(b))
	if len(wa) == 0 && len(wb) == 0 {
		if Normalize(a) == Normalize(b) {
			return 1
		}
		return 0
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(wa)+len(wb))
}

func wordSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		if len([]rune(w)) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}
