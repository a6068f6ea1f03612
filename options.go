package meshledger

import (
	"time"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/link"
	"github.com/opd-ai/meshledger/store"
	"github.com/opd-ai/meshledger/transport"
)

// Options contains configuration for creating a Node.
type Options struct {
	// Radio is the link layer. Required.
	Radio transport.Radio
	// Identity is the device key pair. A fresh one is generated when nil.
	Identity *crypto.Identity
	// Store persists contacts and groups. Defaults to an in-memory store.
	Store store.Store

	// Difficulty is the number of leading zero hex digits a record hash
	// needs before it is broadcast.
	Difficulty int
	// TimeProvider stamps authored records. Defaults to the wall clock.
	TimeProvider ledger.TimeProvider

	NamePrefix     string
	DeviceName     string
	RequirePairing bool

	QueueSize      int
	EventBuffer    int
	StopTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// LoadTimeout bounds reading the store in New.
	LoadTimeout time.Duration
}

// NewOptions creates a new default Options. Radio must still be set.
func NewOptions() *Options {
	return &Options{
		Difficulty:     ledger.DefaultDifficulty,
		TimeProvider:   ledger.DefaultTimeProvider{},
		NamePrefix:     link.DefaultNamePrefix,
		QueueSize:      256,
		EventBuffer:    256,
		StopTimeout:    2 * time.Second,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		LoadTimeout:    10 * time.Second,
	}
}
