// Package validation checks and normalizes chat exports before they are
// chunked and embedded.
package validation

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/juanpark/slough-ai/internal/chunking"
)

// ErrorType names why a batch was rejected.
type ErrorType string

const (
	ErrorTooManyMessages  ErrorType = "Too many messages"
	ErrorTextTooLarge     ErrorType = "Message text exceeds maximum"
	ErrorFileTooLarge     ErrorType = "File size exceeds maximum"
	ErrorInvalidExtension ErrorType = "File extension not allowed"
	ErrorMagicMismatch    ErrorType = "File content is not a JSON array"
	ErrorEmptyFile        ErrorType = "File is empty"
)

// Error is returned for rejected input. Index is the offending message, or -1.
type Error struct {
	Type    ErrorType
	Message string
	Index   int
}

func (e *Error) Error() string {
	return e.Message
}

// MessageValidator bounds ingestion input.
type MessageValidator struct {
	maxMessages  int
	maxTextBytes int
	maxFileBytes int
}

// DefaultMessageValidator allows 50k messages of up to 64KiB each, read from
// files of up to 32MiB.
func DefaultMessageValidator() *MessageValidator {
	return New(50_000, 64<<10, 32<<20)
}

// New creates a validator. Non-positive limits are unbounded.
func New(maxMessages, maxTextBytes, maxFileBytes int) *MessageValidator {
	return &MessageValidator{
		maxMessages:  maxMessages,
		maxTextBytes: maxTextBytes,
		maxFileBytes: maxFileBytes,
	}
}

// Clean validates msgs and returns a normalized copy: text is made valid
// UTF-8, control characters other than newline and tab are removed, and
// messages left blank are dropped. The input is not modified.
func (v *MessageValidator) Clean(msgs []chunking.Message) ([]chunking.Message, error) {
	if v.maxMessages > 0 && len(msgs) > v.maxMessages {
		return nil, &Error{
			Type:    ErrorTooManyMessages,
			Message: fmt.Sprintf("%d messages exceed the maximum of %d", len(msgs), v.maxMessages),
			Index:   -1,
		}
	}

	out := make([]chunking.Message, 0, len(msgs))
	for i, m := range msgs {
		if v.maxTextBytes > 0 && len(m.Text) > v.maxTextBytes {
			return nil, &Error{
				Type:    ErrorTextTooLarge,
				Message: fmt.Sprintf("message %d is %d bytes, maximum is %d", i, len(m.Text), v.maxTextBytes),
				Index:   i,
			}
		}
		m.Text = removeControlChars(strings.ToValidUTF8(m.Text, "�"))
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// CheckFile verifies that an export file looks like a JSON array of messages
// before it is parsed.
func (v *MessageValidator) CheckFile(path string, content []byte) error {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		return &Error{Type: ErrorInvalidExtension, Message: fmt.Sprintf("file extension %q is not allowed", ext), Index: -1}
	}
	if v.maxFileBytes > 0 && len(content) > v.maxFileBytes {
		return &Error{
			Type:    ErrorFileTooLarge,
			Message: fmt.Sprintf("file size (%d bytes) exceeds maximum (%d)", len(content), v.maxFileBytes),
			Index:   -1,
		}
	}
	trimmed := bytes.TrimLeftFunc(content, unicode.IsSpace)
	if len(trimmed) == 0 {
		return &Error{Type: ErrorEmptyFile, Message: "file is empty", Index: -1}
	}
	if trimmed[0] != '[' {
		return &Error{Type: ErrorMagicMismatch, Message: "file does not start with a JSON array", Index: -1}
	}
	return nil
}

func removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
}
