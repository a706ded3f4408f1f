package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max payload
	MaxTextChars    = 2000 // max character count
)

// ValidateContent trims text and checks that it meets content requirements.
// It returns the trimmed text, or an error wrapping ErrInvalidContent.
func ValidateContent(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", fmt.Errorf("%w: message text is empty", ErrInvalidContent)
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidContent, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidContent, MaxTextChars)
	}
	return text, nil
}
