// Package chunk splits outbound text into transport-sized segments.
package chunk

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultMaxLen is the WhatsApp message limit the agent respects.
const DefaultMaxLen = 4000

// Chunk splits text into segments of at most maxLen runes, preferring
// paragraph, line, sentence and word boundaries in that order. When more
// than one segment results each one is labelled "[i/N]". The result is never
// empty.
func Chunk(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	remaining := []rune(text)
	if len(remaining) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = appendTrimmed(chunks, remaining)
			break
		}
		cut := splitPoint(remaining, maxLen)
		chunks = appendTrimmed(chunks, remaining[:cut])
		remaining = []rune(strings.TrimSpace(string(remaining[cut:])))
	}

	switch len(chunks) {
	case 0:
		return []string{strings.TrimSpace(text)}
	case 1:
		return chunks
	}
	for i := range chunks {
		chunks[i] = Prefix(i+1, len(chunks)) + chunks[i]
	}
	return chunks
}

// Prefix is the part indicator placed before segment i of n.
func Prefix(i, n int) string {
	return fmt.Sprintf("[%d/%d]\n", i, n)
}

// Head returns the first n runes of s.
func Head(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func appendTrimmed(chunks []string, seg []rune) []string {
	if s := strings.TrimSpace(string(seg)); s != "" {
		return append(chunks, s)
	}
	return chunks
}

// splitPoint returns the index to cut text at; text is longer than maxLen.
func splitPoint(text []rune, maxLen int) int {
	window := text[:maxLen]
	half := func(i int) bool { return i*2 > maxLen }

	if i := lastIndex(window, "\n\n"); i >= 0 && half(i) {
		return i + 2
	}
	if i := lastIndex(window, "\n"); i >= 0 && half(i) {
		return i + 1
	}
	if i := lastSentenceEnd(window); i >= 0 && half(i) {
		return i
	}
	if i := lastIndex(window, " "); i >= 0 && i*10 > maxLen*3 {
		return i + 1
	}
	return maxLen
}

func lastIndex(s []rune, sub string) int {
	needle := []rune(sub)
	for i := len(s) - len(needle); i >= 0; i-- {
		match := true
		for j, r := range needle {
			if s[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// lastSentenceEnd returns the index just past the last '.', '!' or '?' that
// is followed by whitespace, or -1.
func lastSentenceEnd(s []rune) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if unicode.IsSpace(s[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}
