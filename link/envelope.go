package link

import (
	"encoding/json"
	"errors"

	"github.com/opd-ai/meshledger/ledger"
)

// HandshakeType is the discriminator of a key exchange message.
const HandshakeType = "key_exchange"

var errMalformedHandshake = errors.New("malformed handshake")

// Handshake announces a device id and its public key.
type Handshake struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

// NewHandshake builds the handshake for deviceID.
func NewHandshake(deviceID, publicKeyPEM string) Handshake {
	return Handshake{Type: HandshakeType, DeviceID: deviceID, PublicKey: publicKeyPEM}
}

// Encode returns the wire form.
func (h Handshake) Encode() ([]byte, error) {
	return json.Marshal(h)
}

type payloadKind int

const (
	payloadMalformed payloadKind = iota
	payloadHandshake
	payloadRecord
	payloadUnknownType
)

// classified is an inbound payload after classification.
type classified struct {
	kind      payloadKind
	handshake Handshake
	record    *ledger.Record
	err       error
}

// classify decides what an inbound payload is. A payload carrying a "type"
// field is a typed envelope and is never read as a record; only
// "key_exchange" is understood. Everything else must decode as a record.
func classify(payload []byte) classified {
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return classified{kind: payloadMalformed, err: err}
	}

	if probe.Type != nil {
		if *probe.Type != HandshakeType {
			return classified{kind: payloadUnknownType}
		}
		var hs Handshake
		if err := json.Unmarshal(payload, &hs); err != nil {
			return classified{kind: payloadMalformed, err: err}
		}
		if hs.DeviceID == "" || hs.PublicKey == "" {
			return classified{kind: payloadMalformed, err: errMalformedHandshake}
		}
		return classified{kind: payloadHandshake, handshake: hs}
	}

	r, err := ledger.Decode(payload)
	if err != nil {
		return classified{kind: payloadMalformed, err: err}
	}
	return classified{kind: payloadRecord, record: r}
}
