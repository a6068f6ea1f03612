// Package limits provides centralized payload size constants and validation
// functions for meshledger.
//
// # Size Hierarchy
//
//   - MaxTextPayload (4 KiB): the largest message body a user may send.
//   - MaxFilePayload (1 MiB): the largest raw file or image a user may send.
//   - MaxWirePayload: the largest single notification accepted from a peer,
//     sized to hold a base64 file plus a sealed text body and envelope fields.
//
// # Validation Functions
//
// Each validation function checks for empty input and size limit violations:
//
//	if err := limits.ValidateWirePayload(payload); err != nil {
//	    // drop before parsing
//	}
//
// For custom limits, use ValidateMessageSize:
//
//	err := limits.ValidateMessageSize(data, 512)
//
// # Error Types
//
//   - ErrMessageEmpty: an empty or nil input
//   - ErrMessageTooLarge: input over the limit; the wrapped message carries
//     the actual and maximum sizes
package limits
