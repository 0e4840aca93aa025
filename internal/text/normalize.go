// Package text prepares narration text for speech synthesis: it canonicalizes
// raw input to ASCII-safe prose, splits it into inference-sized chunks, and
// validates each chunk before it is sent to the inference backend.
package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Chunk validation bounds.
const (
	// MinChunkLength is the shortest text accepted by Validate.
	MinChunkLength = 5
	// MaxValidLength is the longest text accepted by Validate.
	MaxValidLength = 400
)

// ErrInvalidText is the sentinel wrapped by every ValidationError.
var ErrInvalidText = errors.New("invalid narration text")

// ValidationError describes why a piece of text was rejected.
type ValidationError struct {
	// Chunk is the ordinal of the offending chunk, or -1 for the whole document.
	Chunk  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("%s: %s", ErrInvalidText, e.Reason)
	}
	return fmt.Sprintf("%s: chunk %d: %s", ErrInvalidText, e.Chunk, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidText).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidText
}

// replacer maps typographic punctuation that survives NFKD onto ASCII.
var replacer = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"‚", "'", // single low-9 quote
	"‛", "'", // single high-reversed-9 quote
	"′", "'", // prime
	"´", "'", // acute accent
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"„", `"`, // double low-9 quote
	"″", `"`, // double prime
	"«", `"`, // left guillemet
	"»", `"`, // right guillemet
	"‐", "-", // hyphen
	"‑", "-", // non-breaking hyphen
	"‒", "-", // figure dash
	"–", "-", // en dash
	"—", "-", // em dash
	"―", "-", // horizontal bar
	"−", "-", // minus sign
	"…", "...",
)

// Normalize canonicalizes raw narration: typographic quotes and dashes mapped
// to ASCII, NFKD decomposition, every remaining non-ASCII code point and
// control character removed, whitespace runs collapsed to one space, trimmed.
func Normalize(raw string) string {
	s := replacer.Replace(raw)
	s = norm.NFKD.String(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case r > unicode.MaxASCII:
			continue
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case unicode.IsControl(r):
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Validate reports whether text is safe to send to the inference backend.
// It returns a *ValidationError when the text is shorter than MinChunkLength,
// longer than MaxValidLength, contains a non-ASCII byte, or has no letter or
// digit at all.
func Validate(text string) error {
	reason := check(text)
	if reason == "" {
		return nil
	}
	return &ValidationError{Chunk: -1, Reason: reason}
}

// IsValid is the boolean form of Validate.
func IsValid(text string) bool {
	return check(text) == ""
}

// ValidateChunks validates every chunk, tagging failures with the chunk
// ordinal. All failures are joined into the returned error.
func ValidateChunks(chunks []Chunk) error {
	var errs []error
	for _, c := range chunks {
		if reason := check(c.Text); reason != "" {
			errs = append(errs, &ValidationError{Chunk: c.Ordinal, Reason: reason})
		}
	}
	return errors.Join(errs...)
}

func check(text string) string {
	if text == "" {
		return "text is empty"
	}
	if len(text) < MinChunkLength {
		return fmt.Sprintf("text is shorter than %d characters", MinChunkLength)
	}
	if len(text) > MaxValidLength {
		return fmt.Sprintf("text exceeds %d characters", MaxValidLength)
	}

	hasAlnum := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c > unicode.MaxASCII {
			return "text contains non-ASCII characters"
		}
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			hasAlnum = true
		}
	}
	if !hasAlnum {
		return "text contains no alphanumeric characters"
	}
	return ""
}
