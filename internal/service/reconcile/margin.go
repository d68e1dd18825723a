package reconcile

import (
	"strings"
	"unicode"
)

// Margin is the trailing part of an open hypothesis withheld from early commit.
// Chars, when set, selects the character mode and Words is ignored.
type Margin struct {
	Words int
	Chars int
}

// DefaultMargin withholds the last two words of an open hypothesis.
var DefaultMargin = Margin{Words: 2}

// stableWords returns the number of leading words of text that may be committed
// before the utterance is finished.
func (m Margin) stableWords(text string) int {
	if m.Chars > 0 {
		return stableWordsByChars(text, m.Chars)
	}
	n := len(strings.Fields(text)) - m.Words
	if n < 0 {
		return 0
	}
	return n
}

// stableWordsByChars cuts n characters off the end of text and counts the words
// left whole. A word split by the cut is withheld entirely.
func stableWordsByChars(text string, n int) int {
	runes := []rune(text)
	cut := len(runes) - n
	if cut <= 0 {
		return 0
	}
	words := len(strings.Fields(string(runes[:cut])))
	if words > 0 && !unicode.IsSpace(runes[cut-1]) && !unicode.IsSpace(runes[cut]) {
		words--
	}
	return words
}

// delta renders words as text continuing previously committed output: a single
// leading space and single spaces between words.
func delta(words []string) string {
	if len(words) == 0 {
		return ""
	}
	return " " + strings.Join(words, " ")
}

// Cursor tracks how much of the open utterance has been committed downstream.
type Cursor struct {
	CommittedWords int
	CommittedText  string
}

// Reset starts a new utterance.
func (c *Cursor) Reset() {
	c.CommittedWords = 0
	c.CommittedText = ""
}

// advance marks words[:n] as committed.
func (c *Cursor) advance(words []string, n int) {
	c.CommittedWords = n
	c.CommittedText = strings.Join(words[:n], " ")
}

// clamp pulls the cursor back when the latest hypothesis has fewer words than
// were committed, so the cursor never points past text that exists.
func (c *Cursor) clamp(words []string) {
	if c.CommittedWords > len(words) {
		c.advance(words, len(words))
	}
}
