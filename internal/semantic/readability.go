package semantic

import (
	"math"
	"strings"
	"unicode"
)

// Readability band for technical prose. The Coleman-Liau index is rescaled
// so typical documentation lands mid-band instead of at grade-level
// extremes.
const (
	ReadabilityMin     = 40
	ReadabilityMax     = 60
	ReadabilityNeutral = 50
)

// Readability computes the calibrated Coleman-Liau score of text.
// Degenerate input (empty, single word, no sentences) scores neutral.
func Readability(text string) int {
	letters, words, sentences := textCounts(text)
	if words < 2 || sentences == 0 {
		return ReadabilityNeutral
	}

	l := float64(letters) / float64(words) * 100 // letters per 100 words
	s := float64(sentences) / float64(words) * 100

	raw := 0.0588*l - 0.296*s - 15.8
	score := int(math.Round(40 + raw*0.5))

	if score < ReadabilityMin {
		return ReadabilityMin
	}
	if score > ReadabilityMax {
		return ReadabilityMax
	}
	return score
}

func textCounts(text string) (letters, words, sentences int) {
	for _, field := range strings.Fields(text) {
		hasLetter := false
		for _, r := range field {
			if unicode.IsLetter(r) {
				letters++
				hasLetter = true
			}
			if r == '.' || r == '!' || r == '?' {
				sentences++
			}
		}
		if hasLetter {
			words++
		}
	}
	return letters, words, sentences
}
