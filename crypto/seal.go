package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// SymmetricKeySize is the per-message AES-256 key length.
	SymmetricKeySize = 32
	// IVSize is the AES-GCM nonce length prepended to the ciphertext.
	IVSize = 12
)

var (
	// ErrUnknownRecipient indicates a seal request for an id with no stored key.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrDecryptionFailed covers every failure to open a sealed payload.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Sealed is a hybrid-encrypted payload in text-safe form.
type Sealed struct {
	// Ciphertext is base64(iv || AES-GCM ciphertext and tag).
	Ciphertext string
	// WrappedKey is base64 of the symmetric key under RSA-OAEP(SHA-256).
	WrappedKey string
}

// Seal encrypts plaintext for recipientID. A fresh symmetric key and IV are
// drawn for every call, so sealing the same input twice yields different
// output.
func (m *Manager) Seal(plaintext []byte, recipientID string) (Sealed, error) {
	logger := NewLogger("Manager.Seal").WithField("recipient_id", recipientID)

	pub, ok := m.contactKey(recipientID)
	if !ok {
		logger.Warn("No key stored for recipient")
		return Sealed{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}

	key := make([]byte, SymmetricKeySize)
	defer ZeroBytes(key)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate symmetric key: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate iv: %w", err)
	}
	out := gcm.Seal(iv, iv, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		logger.WithError(err, "wrap", "rsa.EncryptOAEP").Error("Failed to wrap symmetric key")
		return Sealed{}, fmt.Errorf("failed to wrap key: %w", err)
	}

	logger.WithFields(PreviewFields(out, "ciphertext")).Debug("Payload sealed")
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(out),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// Open unwraps the symmetric key with this device's private key and
// decrypts. Any format or integrity error is reported as ErrDecryptionFailed
// and no plaintext is returned.
func (m *Manager) Open(ciphertext, wrappedKey string) ([]byte, error) {
	logger := NewLogger("Manager.Open")

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding: %v", ErrDecryptionFailed, err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key encoding: %v", ErrDecryptionFailed, err)
	}
	if len(data) < IVSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, m.identity.PrivateKey, wrapped, nil)
	if err != nil {
		logger.WithError(err, "unwrap", "rsa.DecryptOAEP").Debug("Key unwrap failed")
		return nil, fmt.Errorf("%w: key unwrap", ErrDecryptionFailed)
	}
	defer ZeroBytes(key)
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: key length %d", ErrDecryptionFailed, len(key))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := gcm.Open(nil, data[:IVSize], data[IVSize:], nil)
	if err != nil {
		logger.WithError(err, "integrity", "gcm.Open").Debug("Payload authentication failed")
		return nil, fmt.Errorf("%w: authentication", ErrDecryptionFailed)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
