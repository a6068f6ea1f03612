package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/meshledger/limits"
)

// frameKind tags each frame on a QUIC link stream.
type frameKind byte

const (
	// frameProbe asks for, and answers with, the advertised name.
	frameProbe frameKind = 'N'
	// frameAttach opens a session link; its payload is the dialer's address.
	frameAttach frameKind = 'H'
	// frameData carries one application message.
	frameData frameKind = 'D'
)

const frameHeaderSize = 5

var errFrameTooLarge = errors.New("frame too large")

// writeFrame writes kind, a 4-byte big-endian length, then payload.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	if len(payload) > limits.MaxWirePayload {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame, rejecting lengths over the wire limit before
// allocating.
func readFrame(r io.Reader) (frameKind, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > uint32(limits.MaxWirePayload) {
		return 0, nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return frameKind(header[0]), payload, nil
}
