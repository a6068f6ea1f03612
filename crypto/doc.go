// Package crypto implements device identity, the contact trust store, and
// message confidentiality and authenticity for meshledger.
//
// # Core Types
//
//   - [Identity]: device id plus RSA-2048 key pair, generated once per device
//   - [Manager]: owns the identity and the contact directory; seals, opens,
//     signs and verifies
//   - [KeyStore]: passphrase-protected identity at rest (PBKDF2 + AES-256-GCM)
//
// # Hybrid encryption
//
// [Manager.Seal] draws a fresh AES-256 key and 12-byte IV for every message,
// encrypts the payload with AES-GCM and wraps the key for the recipient with
// RSA-OAEP over SHA-256. Both halves travel as base64 text:
//
//	sealed, err := mgr.Seal([]byte("secret"), peerID)
//	if errors.Is(err, crypto.ErrUnknownRecipient) {
//	    // no key yet: send in the clear or wait for a handshake
//	}
//	plaintext, err := peerMgr.Open(sealed.Ciphertext, sealed.WrappedKey)
//
// [Manager.Open] never returns partial plaintext; every failure wraps
// [ErrDecryptionFailed].
//
// # Signatures
//
// [Manager.Sign] uses deterministic RSA PKCS#1 v1.5 over SHA-256.
// [Manager.Verify] reports mismatches and unknown contacts as false rather
// than as errors.
//
// # Trust model
//
// [Manager.AddContact] accepts whatever key a peer presents and overwrites
// any previous key for that id. Out-of-band pairing goes through
// [ParsePairingPayload].
package crypto
