package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/transport"
)

const waitFor = 3 * time.Second

var (
	idsOnce sync.Once
	ids     map[string]*crypto.Identity
	idsErr  error
)

// identity returns a shared RSA identity; generating keys per test is slow.
func identity(t *testing.T, name string) *crypto.Identity {
	t.Helper()
	idsOnce.Do(func() {
		ids = make(map[string]*crypto.Identity)
		for _, n := range []string{"alice", "bob", "carol"} {
			id, err := crypto.GenerateIdentity(n)
			if err != nil {
				idsErr = err
				return
			}
			ids[n] = id
		}
	})
	require.NoError(t, idsErr)
	id, ok := ids[name]
	require.True(t, ok, "unknown fixture identity %s", name)
	return id
}

type testNode struct {
	mgr    *Manager
	ledger *ledger.Ledger
	crypto *crypto.Manager
	radio  *transport.MemoryRadio
	saved  *savedContacts
}

type savedContacts struct {
	mu    sync.Mutex
	last  map[string]string
	saves int
}

func (s *savedContacts) SaveContacts(_ context.Context, contacts map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = contacts
	s.saves++
	return nil
}

func (s *savedContacts) get() (map[string]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.saves
}

func newNode(t *testing.T, air *transport.Air, address, name string, tweak ...func(*Config)) *testNode {
	t.Helper()
	cm, err := crypto.NewManager(identity(t, name))
	require.NoError(t, err)

	n := &testNode{
		ledger: ledger.New(ledger.WithDifficulty(1)),
		crypto: cm,
		radio:  air.Radio(address),
		saved:  &savedContacts{},
	}
	cfg := Config{
		Radio:       n.radio,
		Ledger:      n.ledger,
		Crypto:      cm,
		Contacts:    n.saved,
		StopTimeout: time.Second,
		EventBuffer: 1024,
	}
	for _, f := range tweak {
		f(&cfg)
	}
	n.mgr, err = NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, n.mgr.Start(context.Background()))
	t.Cleanup(func() { _ = n.mgr.Stop() })
	return n
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
		var zero T
		return zero
	}
}

// waitEvent drains events until one matches.
func waitEvent(t *testing.T, n *testNode, typ EventType, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-n.mgr.Events():
			if e.Type == typ && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

func trusted(n *testNode, peerID string) bool {
	for _, s := range n.mgr.Sessions() {
		if s.PeerID == peerID && s.State == StateTrusted {
			return true
		}
	}
	return false
}

// connectPair connects a to b and waits until each trusts the other.
func connectPair(t *testing.T, a, b *testNode) {
	t.Helper()
	res := await(t, a.mgr.Connect(b.radio.Address()))
	require.NoError(t, res.Err)
	require.Eventually(t, func() bool {
		return trusted(a, b.crypto.DeviceID()) && trusted(b, a.crypto.DeviceID())
	}, waitFor, 5*time.Millisecond)
}

// rawPeer is a bare radio used to put arbitrary bytes on the air.
type rawPeer struct {
	radio *transport.MemoryRadio
	conn  transport.Conn
}

func newRawPeer(t *testing.T, air *transport.Air, address string, target *testNode) *rawPeer {
	t.Helper()
	r := air.Radio(address)
	conn, err := r.Connect(context.Background(), target.radio.Address())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, s := range target.mgr.Sessions() {
			if s.Address == address && s.State == StateHandshakePending {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return &rawPeer{radio: r, conn: conn}
}

func (p *rawPeer) write(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, p.radio.Write(context.Background(), p.conn, transport.ChannelWrite, payload))
}

func (p *rawPeer) handshake(t *testing.T, id *crypto.Identity) {
	t.Helper()
	pem, err := crypto.EncodePublicKeyPEM(id.PublicKey())
	require.NoError(t, err)
	payload, err := NewHandshake(id.DeviceID, pem).Encode()
	require.NoError(t, err)
	p.write(t, payload)
}

func encode(t *testing.T, r *ledger.Record) []byte {
	t.Helper()
	b, err := r.Encode()
	require.NoError(t, err)
	return b
}

// flush waits until every task queued on n's worker so far has run.
func flush(t *testing.T, n *testNode) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, n.mgr.submit(func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("worker did not drain")
	}
}
