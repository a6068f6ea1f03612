package crypto

import (
	"crypto/rsa"
	"errors"
	"sort"
	"sync"
)

// ErrNilIdentity is returned when a manager is built without an identity.
var ErrNilIdentity = errors.New("identity is nil")

type contact struct {
	key *rsa.PublicKey
	pem string
}

// Manager owns the device identity and the directory of known contacts'
// public keys. It seals and opens message payloads and signs and verifies
// authorship. Manager is safe for concurrent use.
type Manager struct {
	identity  *Identity
	publicPEM string

	mu       sync.RWMutex
	contacts map[string]contact
}

// NewManager creates a manager for id.
func NewManager(id *Identity) (*Manager, error) {
	if id == nil || id.PrivateKey == nil {
		return nil, ErrNilIdentity
	}
	pubPEM, err := EncodePublicKeyPEM(id.PublicKey())
	if err != nil {
		return nil, err
	}
	return &Manager{
		identity:  id,
		publicPEM: pubPEM,
		contacts:  make(map[string]contact),
	}, nil
}

// DeviceID returns this device's identifier.
func (m *Manager) DeviceID() string {
	return m.identity.DeviceID
}

// PublicKeyPEM returns this device's public key in PEM form.
func (m *Manager) PublicKeyPEM() string {
	return m.publicPEM
}

// AddContact parses publicKeyPEM and stores it under id, replacing any
// previous key for the same id. No verification of the claimed identity is
// performed here.
func (m *Manager) AddContact(id, publicKeyPEM string) error {
	logger := NewLogger("Manager.AddContact").WithField("contact_id", id)

	if id == "" {
		return errors.New("contact id cannot be empty")
	}
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		logger.WithError(err, "parse", "ParsePublicKeyPEM").Warn("Rejected contact key")
		return err
	}

	m.mu.Lock()
	_, replaced := m.contacts[id]
	m.contacts[id] = contact{key: pub, pem: publicKeyPEM}
	m.mu.Unlock()

	logger.WithField("replaced", replaced).Info("Contact key stored")
	return nil
}

// HasContact reports whether a key is stored for id.
func (m *Manager) HasContact(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.contacts[id]
	return ok
}

// Contacts returns a snapshot of the directory as id -> public key PEM.
func (m *Manager) Contacts() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.contacts))
	for id, c := range m.contacts {
		out[id] = c.pem
	}
	return out
}

// ContactIDs returns the known contact ids in sorted order.
func (m *Manager) ContactIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.contacts))
	for id := range m.contacts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) contactKey(id string) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	return c.key, ok
}
