// Package limits provides centralized payload size limits for meshledger.
// This ensures consistent validation across the link and the send API.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxTextPayload is the largest plaintext message body accepted for sending.
	MaxTextPayload = 4096

	// MaxFilePayload is the largest raw file or image accepted for sending.
	// File content travels base64 encoded inside the record envelope.
	MaxFilePayload = 1024 * 1024

	// EnvelopeOverhead bounds the record fields other than data and file_data,
	// including a wrapped RSA-2048 key and a PEM public key in a handshake.
	EnvelopeOverhead = 8 * 1024

	// MaxWirePayload is the absolute maximum for one inbound notification.
	// Anything larger is dropped before it is parsed.
	MaxWirePayload = (MaxFilePayload+2)/3*4 + (MaxTextPayload+SealOverhead+2)/3*4 + EnvelopeOverhead

	// SealOverhead is the IV plus GCM tag added by hybrid sealing.
	SealOverhead = 12 + 16
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// EncodedLen is the standard base64 length of n bytes.
func EncodedLen(n int) int {
	return (n + 2) / 3 * 4
}

// SealedLen is the length of n plaintext bytes after sealing, before base64.
func SealedLen(n int) int {
	return n + SealOverhead
}

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateText checks a message body before it is sealed or chained.
func ValidateText(text string) error {
	if len(text) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxTextPayload {
		return fmt.Errorf("%w: text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxTextPayload)
	}
	return nil
}

// ValidateFile checks raw file content before it is encoded into a record.
func ValidateFile(content []byte) error {
	if len(content) == 0 {
		return ErrMessageEmpty
	}
	if len(content) > MaxFilePayload {
		return fmt.Errorf("%w: file size %d exceeds limit %d", ErrMessageTooLarge, len(content), MaxFilePayload)
	}
	return nil
}

// ValidateWirePayload checks an inbound notification against MaxWirePayload.
// This limit prevents memory exhaustion from untrusted peers and must be
// applied before any parsing.
func ValidateWirePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxWirePayload {
		return fmt.Errorf("%w: wire size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxWirePayload)
	}
	return nil
}
