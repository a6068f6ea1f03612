package link

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/limits"
)

// Validate reports whether r is the exact successor of the local tip.
func (m *Manager) Validate(r *ledger.Record) ValidationOutcome {
	return outcomeOf(m.ledger.Validate(r))
}

// handleNotify processes one inbound payload from s.
func (m *Manager) handleNotify(ctx context.Context, s *session, payload []byte) {
	if !m.current(s) {
		return
	}
	if err := limits.ValidateWirePayload(payload); err != nil {
		outcome := DroppedMalformed
		if errors.Is(err, limits.ErrMessageTooLarge) {
			outcome = DroppedOversize
		}
		m.drop(s, nil, outcome, err)
		return
	}

	c := classify(payload)
	switch c.kind {
	case payloadHandshake:
		m.handleHandshake(ctx, s, c.handshake)
	case payloadRecord:
		m.handleRecord(ctx, s, c.record)
	case payloadUnknownType:
		m.drop(s, nil, DroppedUnknownType, nil)
	default:
		m.drop(s, nil, DroppedMalformed, c.err)
	}
}

func (m *Manager) drop(s *session, r *ledger.Record, outcome ValidationOutcome, err error) {
	fields := logrus.Fields{
		"function": "handleNotify",
		"peer":     s.address,
		"outcome":  outcome.String(),
	}
	if r != nil {
		fields["index"] = r.Index
		fields["sender_id"] = r.SenderID
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Inbound payload dropped")

	e := Event{Type: EventRecordDropped, Outcome: outcome, Peer: s.address}
	if r != nil {
		e.Record = r.Clone()
	}
	m.publish(e)
}

// handleHandshake registers the peer's key and trusts the session.
func (m *Manager) handleHandshake(ctx context.Context, s *session, hs Handshake) {
	log := logrus.WithFields(logrus.Fields{
		"function": "handleHandshake",
		"peer":     s.address,
		"peer_id":  hs.DeviceID,
	})

	if hs.DeviceID == m.DeviceID() {
		log.Warn("Ignoring handshake carrying our own device id")
		return
	}

	known, hadContact := m.crypto.Contacts()[hs.DeviceID]
	if m.cfg.RequirePairing {
		if !hadContact {
			log.Warn("Ignoring handshake from unpaired device")
			return
		}
		if !samePublicKey(known, hs.PublicKey) {
			log.Warn("Ignoring handshake whose key differs from the paired key")
			return
		}
	}

	changed := !hadContact || !samePublicKey(known, hs.PublicKey)
	if changed {
		if err := m.crypto.AddContact(hs.DeviceID, hs.PublicKey); err != nil {
			log.WithError(err).Warn("Rejected handshake with unusable key")
			m.drop(s, nil, DroppedMalformed, err)
			return
		}
		m.persistContacts(ctx)
		m.publish(Event{Type: EventContactAdded, Peer: s.address, PeerID: hs.DeviceID})
	}

	s.peerID = hs.DeviceID
	s.state = StateTrusted
	log.Info("Peer trusted")
	m.sessionsChanged()

	m.relay(ctx, hs.DeviceID, s)
}

func samePublicKey(a, b string) bool {
	pa, err := crypto.ParsePublicKeyPEM(a)
	if err != nil {
		return false
	}
	pb, err := crypto.ParsePublicKeyPEM(b)
	if err != nil {
		return false
	}
	return pa.Equal(pb)
}

// handleRecord validates r against the tip, appends it, and runs the relay
// and carrier logic.
func (m *Manager) handleRecord(ctx context.Context, s *session, r *ledger.Record) {
	if outcome := m.Validate(r); outcome != Accepted {
		m.drop(s, r, outcome, nil)
		return
	}

	var (
		plaintext  []byte
		decryptErr error
	)
	if m.sealedForUs(r) {
		plaintext, decryptErr = m.crypto.Open(r.Data, r.EncryptionKey)
		if decryptErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "handleRecord",
				"peer":      s.address,
				"sender_id": r.SenderID,
				"index":     r.Index,
				"error":     decryptErr.Error(),
			}).Warn("Could not open sealed record; keeping ciphertext")
		}
	}

	r.Status = ledger.StatusDelivered
	if err := m.ledger.AppendValidated(r); err != nil {
		m.drop(s, r, outcomeOf(err), err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleRecord",
		"peer":      s.address,
		"sender_id": r.SenderID,
		"index":     r.Index,
		"sealed":    r.Encrypted(),
	}).Debug("Inbound record appended")

	m.publish(Event{
		Type:       EventRecordAppended,
		Record:     r.Clone(),
		Plaintext:  plaintext,
		DecryptErr: decryptErr,
		Peer:       s.address,
		PeerID:     r.SenderID,
	})

	if r.SenderID != "" && r.SenderID != m.DeviceID() {
		m.relay(ctx, r.SenderID, s)
	}
	m.carry(ctx, r)
}

// sealedForUs reports whether opening r is worth trying: it carries a
// wrapped key, comes from a contact, and is addressed to us or to everyone.
func (m *Manager) sealedForUs(r *ledger.Record) bool {
	if !r.Encrypted() || !m.crypto.HasContact(r.SenderID) {
		return false
	}
	return r.RecipientID == "" || r.RecipientID == m.DeviceID()
}

// carry handles a record addressed to a third party: it is forwarded at once
// when the recipient is connected and parked for one-hop relay otherwise.
func (m *Manager) carry(ctx context.Context, r *ledger.Record) {
	to := r.RecipientID
	if to == "" || to == m.DeviceID() || to == r.SenderID {
		return
	}
	if s := m.sessionFor(to); s != nil && s.state == StateTrusted {
		if err := m.writeRecord(ctx, s, r); err == nil {
			m.publish(Event{Type: EventRecordRelayed, Record: r.Clone(), Peer: s.address, PeerID: to})
			return
		}
	}
	m.ledger.EnqueuePending(r.Clone())
}

// relay pushes every record parked for peerID to that peer's open session,
// or to via, the session the peer was just heard on, when the peer has not
// identified itself yet. Records whose write succeeds are dequeued; the rest
// stay parked.
func (m *Manager) relay(ctx context.Context, peerID string, via *session) {
	pending := m.ledger.PendingFor(peerID)
	if len(pending) == 0 {
		return
	}
	s := m.sessionFor(peerID)
	if s == nil && via != nil && via.peerID == "" && via.open() && m.current(via) {
		s = via
	}
	if s == nil {
		return
	}

	var sent []*ledger.Record
	for _, r := range pending {
		if err := m.writeRecord(ctx, s, r); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "relay",
				"peer":     s.address,
				"peer_id":  peerID,
				"index":    r.Index,
				"error":    err.Error(),
			}).Warn("Relay write failed; record stays pending")
			continue
		}
		sent = append(sent, r)
		m.publish(Event{Type: EventRecordRelayed, Record: r.Clone(), Peer: s.address, PeerID: peerID})
	}
	m.ledger.Dequeue(sent)

	logrus.WithFields(logrus.Fields{
		"function": "relay",
		"peer_id":  peerID,
		"relayed":  len(sent),
		"pending":  len(pending) - len(sent),
	}).Info("Store-and-forward relay")
}

// AddContact registers a contact on the worker, typically from an out-of-band
// pairing payload, and persists the directory.
func (m *Manager) AddContact(deviceID, publicKeyPEM string) <-chan error {
	out := make(chan error, 1)
	m.request(func(ctx context.Context) {
		if err := m.crypto.AddContact(deviceID, publicKeyPEM); err != nil {
			out <- err
			return
		}
		m.persistContacts(ctx)
		m.publish(Event{Type: EventContactAdded, PeerID: deviceID})
		out <- nil
	}, func(err error) { out <- err })
	return out
}

func (m *Manager) persistContacts(ctx context.Context) {
	if m.cfg.Contacts == nil {
		return
	}
	if err := m.cfg.Contacts.SaveContacts(ctx, m.crypto.Contacts()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistContacts",
			"error":    err.Error(),
		}).Error("Failed to persist contacts")
	}
}
