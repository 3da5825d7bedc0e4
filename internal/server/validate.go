package server

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max payload size
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that a chat message body meets content
// requirements before it is persisted or fanned out.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message content is empty")
	}
	if len(text) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
