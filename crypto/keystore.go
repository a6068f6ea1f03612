package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// KeyStoreVersion is the current file format version.
	KeyStoreVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	identityFile = "identity.key"
	saltFile     = ".salt"
)

// ErrNoIdentity is returned by LoadIdentity before the first SaveIdentity.
var ErrNoIdentity = errors.New("no stored identity")

// KeyStore keeps the device identity on disk, encrypted with AES-256-GCM
// under a key derived from a passphrase.
type KeyStore struct {
	encryptionKey [32]byte
	dir           string
}

type storedIdentity struct {
	DeviceID   string `json:"device_id"`
	PrivateKey string `json:"private_key"`
}

// NewKeyStore opens (or initialises) the key store in dir.
func NewKeyStore(dir string, passphrase []byte) (*KeyStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	ks := &KeyStore{dir: dir}
	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derived)
	ZeroBytes(derived)

	return ks, nil
}

func (ks *KeyStore) loadOrGenerateSalt() ([]byte, error) {
	path := filepath.Join(ks.dir, saltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// HasIdentity reports whether an identity file exists.
func (ks *KeyStore) HasIdentity() bool {
	_, err := os.Stat(filepath.Join(ks.dir, identityFile))
	return err == nil
}

// SaveIdentity encrypts id and writes it atomically.
func (ks *KeyStore) SaveIdentity(id *Identity) error {
	if id == nil || id.PrivateKey == nil {
		return ErrNilIdentity
	}
	keyPEM, err := EncodePrivateKeyPEM(id.PrivateKey)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(storedIdentity{DeviceID: id.DeviceID, PrivateKey: string(keyPEM)})
	ZeroBytes(keyPEM)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	defer ZeroBytes(plaintext)

	if err := ks.writeEncrypted(identityFile, plaintext); err != nil {
		return err
	}
	NewLogger("KeyStore.SaveIdentity").WithField("device_id", id.DeviceID).Info("Identity saved")
	return nil
}

// LoadIdentity reads and decrypts the stored identity. A wrong passphrase
// surfaces as an authentication error.
func (ks *KeyStore) LoadIdentity() (*Identity, error) {
	plaintext, err := ks.readEncrypted(identityFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoIdentity
		}
		return nil, err
	}
	defer ZeroBytes(plaintext)

	var stored storedIdentity
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}
	priv, err := ParsePrivateKeyPEM([]byte(stored.PrivateKey))
	if err != nil {
		return nil, err
	}
	return &Identity{DeviceID: stored.DeviceID, PrivateKey: priv}, nil
}

// LoadOrCreateIdentity returns the stored identity, generating and saving
// one on first run.
func (ks *KeyStore) LoadOrCreateIdentity() (*Identity, error) {
	id, err := ks.LoadIdentity()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}
	id, err = GenerateIdentity("")
	if err != nil {
		return nil, err
	}
	if err := ks.SaveIdentity(id); err != nil {
		return nil, err
	}
	return id, nil
}

// writeEncrypted writes [version:2][nonce:12][ciphertext+tag] via a
// temporary file and rename.
func (ks *KeyStore) writeEncrypted(filename string, plaintext []byte) error {
	gcm, err := newGCM(ks.encryptionKey[:])
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], KeyStoreVersion)
	copy(output[2:], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmp := filepath.Join(ks.dir, filename+".tmp")
	final := filepath.Join(ks.dir, filename)
	if err := os.WriteFile(tmp, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (ks *KeyStore) readEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) < 2+IVSize+16 {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != KeyStoreVersion {
		return nil, fmt.Errorf("unsupported key store version: %d (expected %d)", v, KeyStoreVersion)
	}

	gcm, err := newGCM(ks.encryptionKey[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, data[2:2+IVSize], data[2+IVSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted data): %w", err)
	}
	return plaintext, nil
}

// Close wipes the derived key from memory.
func (ks *KeyStore) Close() error {
	ZeroBytes(ks.encryptionKey[:])
	return nil
}
