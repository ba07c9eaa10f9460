// Package tokenizer provides dual-mode text tokenisation for mixed
// Chinese/English corpora. Ideographic characters become one token each,
// Latin letters are grouped into lower-cased word tokens, and everything
// else (digits, punctuation, whitespace) is discarded. This avoids a
// dependency on a language-specific segmenter while still giving BM25
// usable terms for both scripts.
package tokenizer

import "strings"

// cjkStart and cjkEnd bound the CJK Unified Ideographs block.
const (
	cjkStart = 0x4E00
	cjkEnd   = 0x9FFF
)

// Tokenize splits text into tokens: one per CJK ideograph, one per maximal
// run of Latin letters (lower-cased). CJK tokens come first in order of
// occurrence, followed by Latin tokens in order of occurrence, matching the
// scoring pipeline's expected term layout.
func Tokenize(text string) []string {
	var cjk []string
	var latin []string
	var word strings.Builder

	flush := func() {
		if word.Len() > 0 {
			latin = append(latin, word.String())
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case r >= cjkStart && r <= cjkEnd:
			flush()
			cjk = append(cjk, string(r))
		case r >= 'a' && r <= 'z':
			word.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			word.WriteRune(r + ('a' - 'A'))
		default:
			flush()
		}
	}
	flush()

	tokens := make([]string, 0, len(cjk)+len(latin))
	tokens = append(tokens, cjk...)
	tokens = append(tokens, latin...)
	return tokens
}
