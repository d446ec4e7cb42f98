package validators

import (
	"strings"
	"unicode"
)

// CleanText trims input, folds whitespace runs (newlines included) into a
// single space and drops other control characters. maxLen counts runes; zero
// means unbounded.
func CleanText(input string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(input))
	pendingSpace := false
	written := 0
	for _, r := range strings.TrimSpace(input) {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case unicode.IsControl(r):
			continue
		}
		if maxLen > 0 && written >= maxLen {
			break
		}
		if pendingSpace && written > 0 {
			if maxLen > 0 && written+1 >= maxLen {
				break
			}
			b.WriteByte(' ')
			written++
		}
		pendingSpace = false
		b.WriteRune(r)
		written++
	}
	return b.String()
}
