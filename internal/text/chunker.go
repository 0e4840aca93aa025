package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkLength is the chunk bound used when Split is given a
// non-positive maxLength.
const DefaultMaxChunkLength = 180

// Chunk is one synthesis unit. Ordinal is its zero-based position in the
// narration; chunks must be synthesized and concatenated in ordinal order.
type Chunk struct {
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
}

// piece is an indivisible run of text. Solo pieces are full-length
// force-split fragments and always form a chunk of their own.
type piece struct {
	text string
	solo bool
}

// Split divides text into chunks of at most maxLength characters.
//
// Sentences (terminated by '.', '!' or '?' followed by whitespace) are packed
// greedily into chunks. A sentence longer than maxLength is broken after
// commas; a comma-delimited part that is still too long is cut at fixed
// maxLength boundaries regardless of words. The remainder of such a cut
// packs with the text that follows it.
func Split(text string, maxLength int) []Chunk {
	if maxLength <= 0 {
		maxLength = DefaultMaxChunkLength
	}

	var pieces []piece
	for _, sentence := range splitSentences(text) {
		if runeLen(sentence) <= maxLength {
			pieces = append(pieces, piece{text: sentence})
			continue
		}
		for _, part := range splitClauses(sentence) {
			if runeLen(part) <= maxLength {
				pieces = append(pieces, piece{text: part})
				continue
			}
			frags := forceSplit(part, maxLength)
			for i, frag := range frags {
				pieces = append(pieces, piece{text: frag, solo: i < len(frags)-1})
			}
		}
	}

	var chunks []Chunk
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if bufLen == 0 {
			return
		}
		chunks = append(chunks, Chunk{Text: buf.String(), Ordinal: len(chunks)})
		buf.Reset()
		bufLen = 0
	}

	for _, p := range pieces {
		n := runeLen(p.text)
		if p.solo {
			flush()
			chunks = append(chunks, Chunk{Text: p.text, Ordinal: len(chunks)})
			continue
		}
		if bufLen > 0 && bufLen+1+n > maxLength {
			flush()
		}
		if bufLen > 0 {
			buf.WriteByte(' ')
			bufLen++
		}
		buf.WriteString(p.text)
		bufLen += n
	}
	flush()

	return chunks
}

// splitSentences cuts s after every '.', '!' or '?' that is followed by
// whitespace. Terminators stay attached to their sentence.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(s) && isSpaceByte(s[i+1]) {
			if sentence := strings.TrimSpace(s[start : i+1]); sentence != "" {
				out = append(out, sentence)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// splitClauses cuts s after every comma followed by whitespace. Commas stay
// attached to the clause they end.
func splitClauses(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' && i+1 < len(s) && isSpaceByte(s[i+1]) {
			if part := strings.TrimSpace(s[start : i+1]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// forceSplit cuts s into runs of exactly maxLength characters; the last run
// may be shorter.
func forceSplit(s string, maxLength int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		end := min(maxLength, len(runes))
		out = append(out, string(runes[:end]))
		runes = runes[end:]
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func isSpaceByte(c byte) bool {
	return unicode.IsSpace(rune(c))
}
