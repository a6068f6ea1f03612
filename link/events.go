package link

import (
	"github.com/opd-ai/meshledger/ledger"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventRecordAppended: a record joined the local chain.
	EventRecordAppended EventType = iota + 1
	// EventRecordDropped: an inbound payload was discarded; see Outcome.
	EventRecordDropped
	// EventSessionsChanged: the session list changed; see Sessions.
	EventSessionsChanged
	// EventContactAdded: a handshake added or replaced a contact key.
	EventContactAdded
	// EventRecordRelayed: a parked record was pushed to its recipient.
	EventRecordRelayed
)

func (t EventType) String() string {
	switch t {
	case EventRecordAppended:
		return "record_appended"
	case EventRecordDropped:
		return "record_dropped"
	case EventSessionsChanged:
		return "sessions_changed"
	case EventContactAdded:
		return "contact_added"
	case EventRecordRelayed:
		return "record_relayed"
	default:
		return "unknown"
	}
}

// Event is published by the worker. Records are copies.
type Event struct {
	Type EventType

	// Record is set for appended, dropped and relayed records.
	Record *ledger.Record
	// Plaintext is the opened payload of a sealed record addressed to this
	// device, or the text of a locally authored record. Nil when the record
	// was not sealed for us or could not be opened.
	Plaintext []byte
	// DecryptErr is set when opening a sealed record failed. The record is
	// still appended with its ciphertext intact.
	DecryptErr error
	// Local marks records authored on this device.
	Local bool

	// Outcome explains a drop.
	Outcome ValidationOutcome

	// Peer is the session address the event concerns.
	Peer string
	// PeerID is the device id of a contact or relay target.
	PeerID string

	// Sessions is the session list after the change.
	Sessions []SessionInfo
}
