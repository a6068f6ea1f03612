package link

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/transport"
)

// DefaultNamePrefix marks compatible devices in scan results.
const DefaultNamePrefix = "MeshLedger"

const (
	defaultQueueSize      = 256
	defaultEventBuffer    = 256
	defaultStopTimeout    = 2 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

var (
	// ErrMissingDependency is returned by NewManager when Radio, Ledger or
	// Crypto is nil.
	ErrMissingDependency = errors.New("link: missing dependency")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("link: already started")
	// ErrNotRunning is returned for requests submitted before Start or
	// after Stop.
	ErrNotRunning = errors.New("link: not running")
	// ErrQueueFull is returned when the worker queue cannot take a
	// foreground request without blocking.
	ErrQueueFull = errors.New("link: worker queue full")
	// ErrStopTimeout is returned by Stop when the worker did not finish
	// within Config.StopTimeout. State is discarded anyway.
	ErrStopTimeout = errors.New("link: stop timed out")
	// ErrNoSession is returned when a request names a peer that has no
	// open session.
	ErrNoSession = errors.New("link: no session")
	// ErrUnknownRecord is returned by MarkStatus for a hash not in the chain.
	ErrUnknownRecord = errors.New("link: no record with that hash")
)

// ContactStore persists the contact directory. The whole map is rewritten
// after every change.
type ContactStore interface {
	SaveContacts(ctx context.Context, contacts map[string]string) error
}

// Config wires a Manager to its collaborators.
type Config struct {
	Radio  transport.Radio
	Ledger *ledger.Ledger
	Crypto *crypto.Manager

	// Contacts is optional; without it contacts live only in memory.
	Contacts ContactStore

	// NamePrefix filters scan results. Defaults to DefaultNamePrefix.
	NamePrefix string
	// DeviceName is advertised in the peripheral role. Defaults to
	// NamePrefix followed by the start of the device id.
	DeviceName string

	QueueSize      int
	EventBuffer    int
	StopTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// RequirePairing trusts only handshakes from contacts that were added
	// out of band, and only with the paired key.
	RequirePairing bool
}

func (c *Config) applyDefaults() {
	if c.NamePrefix == "" {
		c.NamePrefix = DefaultNamePrefix
	}
	if c.DeviceName == "" {
		id := c.Crypto.DeviceID()
		if len(id) > 8 {
			id = id[:8]
		}
		c.DeviceName = c.NamePrefix + "-" + id
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}
