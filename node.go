package meshledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/link"
	"github.com/opd-ai/meshledger/store"
)

var (
	// ErrNoRadio is returned by New when Options.Radio is nil.
	ErrNoRadio = errors.New("meshledger: radio is required")
	// ErrUnknownRecord is returned by MarkRead for a hash not in the chain.
	ErrUnknownRecord = link.ErrUnknownRecord
	// ErrInvalidGroup is returned by CreateGroup for an empty name or a
	// negative member count.
	ErrInvalidGroup = errors.New("meshledger: invalid group")
	// ErrSelfContact is returned when a pairing payload carries this
	// device's own id.
	ErrSelfContact = errors.New("meshledger: cannot pair with self")
)

// Node is one device: its ledger, identity, contacts and link manager.
type Node struct {
	options *Options
	ledger  *ledger.Ledger
	crypto  *crypto.Manager
	link    *link.Manager
	store   store.Store

	// saveMu orders group saves so the last save holds every group.
	saveMu   sync.Mutex
	groupsMu sync.RWMutex
	groups   map[string]store.Group
}

// New builds a stopped Node and loads persisted contacts and groups.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.Radio == nil {
		return nil, ErrNoRadio
	}

	id := options.Identity
	if id == nil {
		var err error
		id, err = crypto.GenerateIdentity("")
		if err != nil {
			return nil, err
		}
	}
	cm, err := crypto.NewManager(id)
	if err != nil {
		return nil, err
	}

	st := options.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	n := &Node{
		options: options,
		ledger: ledger.New(
			ledger.WithDifficulty(options.Difficulty),
			ledger.WithTimeProvider(options.TimeProvider),
		),
		crypto: cm,
		store:  st,
		groups: make(map[string]store.Group),
	}
	if err := n.load(); err != nil {
		return nil, err
	}

	n.link, err = link.NewManager(link.Config{
		Radio:          options.Radio,
		Ledger:         n.ledger,
		Crypto:         cm,
		Contacts:       st,
		NamePrefix:     options.NamePrefix,
		DeviceName:     options.DeviceName,
		QueueSize:      options.QueueSize,
		EventBuffer:    options.EventBuffer,
		StopTimeout:    options.StopTimeout,
		ConnectTimeout: options.ConnectTimeout,
		WriteTimeout:   options.WriteTimeout,
		RequirePairing: options.RequirePairing,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) loadContext() (context.Context, context.CancelFunc) {
	timeout := n.options.LoadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// load restores contacts and groups. Unusable contact keys are skipped.
func (n *Node) load() error {
	ctx, cancel := n.loadContext()
	defer cancel()

	contacts, err := n.store.LoadContacts(ctx)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	skipped := 0
	for id, pem := range contacts {
		if id == n.crypto.DeviceID() {
			skipped++
			continue
		}
		if err := n.crypto.AddContact(id, pem); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "load",
				"contact_id": id,
				"error":      err.Error(),
			}).Warn("Skipping stored contact with unusable key")
			skipped++
		}
	}

	groups, err := n.store.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for name, g := range groups {
		n.groups[name] = g
	}

	logrus.WithFields(logrus.Fields{
		"function":  "load",
		"device_id": n.crypto.DeviceID(),
		"contacts":  len(contacts) - skipped,
		"skipped":   skipped,
		"groups":    len(groups),
	}).Info("Node state loaded")
	return nil
}

// Start launches the link manager.
func (n *Node) Start(ctx context.Context) error {
	return n.link.Start(ctx)
}

// Stop shuts the link manager down. The store stays open; see Close.
func (n *Node) Stop() error {
	return n.link.Stop()
}

// Close stops the node and releases the store.
func (n *Node) Close() error {
	stopErr := n.Stop()
	if err := n.store.Close(); err != nil {
		return err
	}
	return stopErr
}

// DeviceID returns this device's id.
func (n *Node) DeviceID() string {
	return n.crypto.DeviceID()
}

// DeviceName returns the advertised name.
func (n *Node) DeviceName() string {
	return n.link.DeviceName()
}

// PairingPayload returns the identity card other devices scan to pair.
func (n *Node) PairingPayload() (string, error) {
	return n.crypto.PairingPayload()
}

// Link exposes the underlying manager for scan, connect and disconnect.
func (n *Node) Link() *link.Manager {
	return n.link
}

// Events returns the link manager's event stream.
func (n *Node) Events() <-chan link.Event {
	return n.link.Events()
}

// Sessions returns a snapshot of the link sessions.
func (n *Node) Sessions() []link.SessionInfo {
	return n.link.Sessions()
}

// Contacts returns a copy of the contact directory.
func (n *Node) Contacts() map[string]string {
	return n.crypto.Contacts()
}

// AddPairedContact registers the device described by a scanned pairing
// payload. It is applied on the link worker and persisted.
func (n *Node) AddPairedContact(payload string) <-chan error {
	out := make(chan error, 1)
	p, err := crypto.ParsePairingPayload(payload)
	if err != nil {
		out <- err
		return out
	}
	if p.DeviceID == n.DeviceID() {
		out <- ErrSelfContact
		return out
	}
	return n.link.AddContact(p.DeviceID, p.PublicKey)
}

// SendText authors a text record. An empty recipientID addresses everyone in
// range; a known recipient gets a sealed body.
func (n *Node) SendText(text, recipientID string) <-chan link.SendResult {
	return n.link.Send(link.SendRequest{Text: text, RecipientID: recipientID, Kind: ledger.KindText})
}

// FileMessage describes a file or image send.
type FileMessage struct {
	RecipientID string
	// Kind must be ledger.KindFile or ledger.KindImage.
	Kind    ledger.Kind
	Name    string
	Data    []byte
	Caption string
	// ExpiresIn hides the record from VisibleMessages after it passes.
	ExpiresIn time.Duration
}

// SendFile authors a file or image record. Only the caption is sealed; the
// file body travels base64 encoded in the clear.
func (n *Node) SendFile(msg FileMessage) <-chan link.SendResult {
	kind := msg.Kind
	if kind == "" {
		kind = ledger.KindFile
	}
	if kind == ledger.KindText {
		out := make(chan link.SendResult, 1)
		out <- link.SendResult{Err: fmt.Errorf("%w: file send needs file or image kind", ledger.ErrUnknownKind)}
		return out
	}
	return n.link.Send(link.SendRequest{
		Text:        msg.Caption,
		RecipientID: msg.RecipientID,
		Kind:        kind,
		File:        msg.Data,
		FileName:    msg.Name,
		ExpiresIn:   msg.ExpiresIn,
	})
}

// CreateGroup records group metadata and persists the group list.
func (n *Node) CreateGroup(ctx context.Context, name string, members int) error {
	if name == "" || members < 0 {
		return ErrInvalidGroup
	}
	n.saveMu.Lock()
	defer n.saveMu.Unlock()

	n.groupsMu.Lock()
	n.groups[name] = store.Group{Members: members}
	snapshot := make(map[string]store.Group, len(n.groups))
	for k, v := range n.groups {
		snapshot[k] = v
	}
	n.groupsMu.Unlock()

	if err := n.store.SaveGroups(ctx, snapshot); err != nil {
		return fmt.Errorf("save groups: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group":    name,
		"members":  members,
	}).Info("Group created")
	return nil
}

// Groups returns a copy of the group list.
func (n *Node) Groups() map[string]store.Group {
	n.groupsMu.RLock()
	defer n.groupsMu.RUnlock()
	out := make(map[string]store.Group, len(n.groups))
	for k, v := range n.groups {
		out[k] = v
	}
	return out
}

// GroupNames returns the group names in sorted order.
func (n *Node) GroupNames() []string {
	groups := n.Groups()
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chain returns a copy of every record, genesis first.
func (n *Node) Chain() []*ledger.Record {
	return n.ledger.Records()
}

// VisibleMessages returns the non-genesis records that have not expired.
func (n *Node) VisibleMessages() []*ledger.Record {
	return n.ledger.Visible(n.ledger.Now())
}

// IsChainValid recomputes every hash and link.
func (n *Node) IsChainValid() bool {
	return n.ledger.IsValid()
}

// Audit is IsChainValid with the first failure reported.
func (n *Node) Audit() error {
	return n.ledger.Audit()
}

// PendingCount is the number of records parked for store-and-forward.
func (n *Node) PendingCount() int {
	return n.ledger.PendingCount()
}

// MarkRead sets the status of a received record to read. It is applied on
// the link worker, like every other ledger change.
func (n *Node) MarkRead(hash string) <-chan error {
	return n.link.MarkStatus(hash, ledger.StatusRead)
}
