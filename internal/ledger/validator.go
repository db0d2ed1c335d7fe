package ledger

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max frame payload
	MaxContentChars = 2000 // max character count
)

var (
	// ErrEmptyContent is returned for content that is empty after trimming.
	ErrEmptyContent = errors.New("ledger: message content is empty")

	// ErrContentTooLong is returned when content exceeds the byte or
	// character limit.
	ErrContentTooLong = errors.New("ledger: message content too long")

	// ErrInvalidUTF8 is returned for content that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("ledger: message content contains invalid UTF-8")
)

// NormalizeContent trims surrounding whitespace and checks that the result
// is sendable. It returns the trimmed content.
func NormalizeContent(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", ErrEmptyContent
	}
	if !utf8.ValidString(text) {
		return "", ErrInvalidUTF8
	}
	if len(text) > MaxContentBytes {
		return "", fmt.Errorf("%w: exceeds %d byte limit", ErrContentTooLong, MaxContentBytes)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return "", fmt.Errorf("%w: exceeds %d character limit", ErrContentTooLong, MaxContentChars)
	}
	return text, nil
}
