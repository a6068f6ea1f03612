package link

import (
	"github.com/opd-ai/meshledger/transport"
)

// SessionState is the lifecycle position of one peer link.
type SessionState int

const (
	// StateDiscovered means the peer was seen in a scan but not dialled.
	StateDiscovered SessionState = iota
	// StateConnecting means a connect is in flight.
	StateConnecting
	// StateHandshakePending means the link is up and our handshake is sent,
	// but the peer's has not been accepted yet.
	StateHandshakePending
	// StateTrusted means the peer's key is a contact; sealed sends work.
	StateTrusted
	// StateDisconnected is terminal; the session is about to be discarded.
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateTrusted:
		return "trusted"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	Address string
	Name    string
	PeerID  string
	State   SessionState
	Inbound bool
}

// session is owned by the worker goroutine.
type session struct {
	address string
	name    string
	peerID  string
	state   SessionState
	inbound bool
	conn    transport.Conn
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Address: s.address,
		Name:    s.name,
		PeerID:  s.peerID,
		State:   s.state,
		Inbound: s.inbound,
	}
}

func (s *session) open() bool {
	return s.conn != nil && (s.state == StateHandshakePending || s.state == StateTrusted)
}
