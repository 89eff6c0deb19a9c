package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	MaxMessageBytes = 4096            // stored text size limit
	MaxTextChars    = 2000            // max character count
	MaxImageBytes   = 5 * 1024 * 1024 // attachment size limit
)

var (
	// ErrEmptyMessage is returned when a draft has neither text nor image.
	// No remote call is made.
	ErrEmptyMessage = errors.New("chat: message is empty")

	// ErrInvalidMessage is returned for drafts that fail content checks.
	ErrInvalidMessage = errors.New("chat: invalid message")

	// ErrUpload wraps attachment upload failures. The draft is kept.
	ErrUpload = errors.New("chat: image upload failed")

	// ErrAppend wraps message write failures. The draft is kept.
	ErrAppend = errors.New("chat: send failed")
)

// ValidateText checks message text content. Empty text is accepted here;
// whether a draft is empty as a whole is decided by Draft.Empty.
func ValidateText(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// ValidateImage sniffs an attachment and returns its MIME type. Only image
// types within MaxImageBytes are accepted.
func ValidateImage(data []byte) (string, error) {
	if len(data) > MaxImageBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidMessage, MaxImageBytes)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: attachment is %s, not an image", ErrInvalidMessage, mt.String())
	}
	return mt.String(), nil
}
