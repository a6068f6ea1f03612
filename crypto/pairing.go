package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPairing indicates a pairing payload without an id or key.
var ErrInvalidPairing = errors.New("invalid pairing payload")

// Pairing is the out-of-band identity card shown as a QR code.
type Pairing struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

// PairingPayload returns the JSON text that a UI renders as this device's
// pairing QR code.
func (m *Manager) PairingPayload() (string, error) {
	b, err := json.Marshal(Pairing{DeviceID: m.DeviceID(), PublicKey: m.PublicKeyPEM()})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParsePairingPayload decodes and checks a scanned pairing payload.
func ParsePairingPayload(text string) (Pairing, error) {
	var p Pairing
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Pairing{}, fmt.Errorf("%w: %v", ErrInvalidPairing, err)
	}
	if p.DeviceID == "" || p.PublicKey == "" {
		return Pairing{}, ErrInvalidPairing
	}
	if _, err := ParsePublicKeyPEM(p.PublicKey); err != nil {
		return Pairing{}, fmt.Errorf("%w: %v", ErrInvalidPairing, err)
	}
	return p, nil
}
