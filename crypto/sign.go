package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Sign returns a base64 RSA PKCS#1 v1.5 signature over SHA-256(data).
// The scheme is deterministic: the same data always yields the same signature.
func (m *Manager) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.identity.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		NewLogger("Manager.Sign").WithError(err, "sign", "rsa.SignPKCS1v15").Error("Signing failed")
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is contactID's signature over data.
// Unknown contacts, bad encodings and mismatches all yield false.
func (m *Manager) Verify(data []byte, signature, contactID string) bool {
	pub, ok := m.contactKey(contactID)
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}
