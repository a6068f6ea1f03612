package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// KeyBits is the RSA modulus size of device identities.
const KeyBits = 2048

var (
	// ErrInvalidPublicKey indicates PEM text that is not an RSA public key.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidPrivateKey indicates PEM text that is not an RSA private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// Identity is a device's id and RSA key pair. The private key never leaves
// the device except encrypted through a KeyStore.
type Identity struct {
	DeviceID   string
	PrivateKey *rsa.PrivateKey
}

// NewDeviceID returns a random device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}

// GenerateIdentity creates a fresh key pair. An empty deviceID gets a random one.
func GenerateIdentity(deviceID string) (*Identity, error) {
	logger := NewLogger("GenerateIdentity").WithField("key_bits", KeyBits)
	logger.Entry("generating device identity")

	if deviceID == "" {
		deviceID = NewDeviceID()
	}
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		logger.WithError(err, "key_generation", "rsa.GenerateKey").Error("Failed to generate RSA key")
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	logger.WithField("device_id", deviceID).Info("Device identity generated")
	return &Identity{DeviceID: deviceID, PrivateKey: priv}, nil
}

// PublicKey returns the identity's public key.
func (id *Identity) PublicKey() *rsa.PublicKey {
	return &id.PrivateKey.PublicKey
}

// EncodePublicKeyPEM renders pub as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM parses PKIX PEM text into an RSA public key.
func ParsePublicKeyPEM(text string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// EncodePrivateKeyPEM renders priv as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses PKCS#8 PEM text into an RSA private key.
func ParsePrivateKeyPEM(text []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(text)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPrivateKey)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPrivateKey)
	}
	return priv, nil
}
