package link

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/transport"
)

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(Config{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestDefaults(t *testing.T) {
	air := transport.NewAir()
	n := newNode(t, air, "aa", "alice")
	assert.Equal(t, "MeshLedger-alice", n.mgr.DeviceName())
	assert.Equal(t, DefaultNamePrefix, n.mgr.cfg.NamePrefix)
	assert.Equal(t, defaultWriteTimeout, n.mgr.cfg.WriteTimeout)
	assert.Equal(t, defaultQueueSize, n.mgr.cfg.QueueSize)
}

func TestHandshakeThenPlaintextBroadcast(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")

	connectPair(t, a, b)
	assert.True(t, a.crypto.HasContact("bob"))
	assert.True(t, b.crypto.HasContact("alice"))

	res := await(t, a.mgr.Send(SendRequest{Text: "hi"}))
	require.NoError(t, res.Err)
	assert.False(t, res.Sealed)
	assert.False(t, res.Pending)
	assert.Equal(t, []string{"bb"}, res.Broadcast.Delivered)

	e := waitEvent(t, b, EventRecordAppended, nil)
	assert.Equal(t, "hi", e.Record.Data)
	assert.Equal(t, "alice", e.PeerID)
	assert.Equal(t, ledger.StatusDelivered, e.Record.Status)

	assert.Equal(t, a.ledger.Len(), b.ledger.Len())
	assert.Equal(t, a.ledger.Tip().Hash, b.ledger.Tip().Hash)
	assert.Equal(t, "hi", b.ledger.Tip().Data)
	assert.True(t, b.ledger.IsValid())
	assert.True(t, strings.HasPrefix(b.ledger.Tip().Hash, "0"), "mined at difficulty 1")
}

func TestSealedSendIsOpaqueOnTheWire(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")
	connectPair(t, a, b)

	air.Record()
	res := await(t, a.mgr.Send(SendRequest{Text: "secret", RecipientID: "bob"}))
	require.NoError(t, res.Err)
	assert.True(t, res.Sealed)
	assert.NoError(t, res.SealErr)

	e := waitEvent(t, b, EventRecordAppended, nil)
	assert.Equal(t, "secret", string(e.Plaintext))
	assert.NoError(t, e.DecryptErr)

	var sawRecord bool
	for _, f := range air.Captured() {
		if f.From != "aa" {
			continue
		}
		assert.NotContains(t, string(f.Payload), "secret")
		var wire map[string]any
		require.NoError(t, json.Unmarshal(f.Payload, &wire))
		if _, ok := wire["encryption_key"]; ok {
			sawRecord = true
			assert.NotEqual(t, "secret", wire["data"])
		}
	}
	assert.True(t, sawRecord)

	tip := b.ledger.Tip()
	assert.NotEqual(t, "secret", tip.Data, "chain keeps ciphertext")
	plain, err := b.crypto.Open(tip.Data, tip.EncryptionKey)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))
	assert.True(t, b.ledger.IsValid())
}

func TestSendToUnknownRecipientFallsBackToPlaintext(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")

	res := await(t, a.mgr.Send(SendRequest{Text: "hello?", RecipientID: "stranger"}))
	require.NoError(t, res.Err)
	assert.False(t, res.Sealed)
	assert.ErrorIs(t, res.SealErr, crypto.ErrUnknownRecipient)
	assert.True(t, res.Pending)
	assert.Equal(t, "hello?", res.Record.Data)
	assert.Len(t, a.ledger.PendingFor("stranger"), 1)
}

func TestSendRejectsInvalidRequests(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")

	cases := []SendRequest{
		{Text: ""},
		{Text: strings.Repeat("x", 5000)},
		{Kind: ledger.KindFile, FileName: "empty.bin"},
		{Kind: "voice", Text: "x"},
	}
	for _, req := range cases {
		res := await(t, a.mgr.Send(req))
		assert.Error(t, res.Err)
		assert.Nil(t, res.Record)
	}
	assert.Equal(t, 1, a.ledger.Len())
}

func TestSendFile(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")
	connectPair(t, a, b)

	res := await(t, a.mgr.Send(SendRequest{
		Kind:      ledger.KindImage,
		File:      []byte{0x89, 'P', 'N', 'G'},
		FileName:  "dot.png",
		ExpiresIn: time.Hour,
	}))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Record.ExpirationTime)

	e := waitEvent(t, b, EventRecordAppended, nil)
	assert.Equal(t, ledger.KindImage, e.Record.Kind)
	assert.Equal(t, "iVBORw==", e.Record.FileData)
	assert.Equal(t, "dot.png", e.Record.FileName)
}

func TestRecordTwoAheadIsDropped(t *testing.T) {
	air := transport.NewAir()
	b := newNode(t, air, "bb", "bob")
	raw := newRawPeer(t, air, "xx", b)

	other := ledger.New()
	r1 := other.Append(other.NewRecord(ledger.Draft{Data: "one", SenderID: "mallory"}))
	r2 := other.Append(other.NewRecord(ledger.Draft{Data: "two", SenderID: "mallory"}))

	raw.write(t, encode(t, r2))
	e := waitEvent(t, b, EventRecordDropped, nil)
	assert.Equal(t, DroppedIndex, e.Outcome)
	assert.Equal(t, 1, b.ledger.Len())

	raw.write(t, encode(t, r1))
	waitEvent(t, b, EventRecordAppended, nil)
	assert.Equal(t, 2, b.ledger.Len())

	// The same record again is a duplicate.
	raw.write(t, encode(t, r1))
	e = waitEvent(t, b, EventRecordDropped, nil)
	assert.Equal(t, DroppedIndex, e.Outcome)

	// Right index, wrong content.
	forged := r2.Clone()
	forged.Data = "forged"
	raw.write(t, encode(t, forged))
	e = waitEvent(t, b, EventRecordDropped, nil)
	assert.Equal(t, DroppedHash, e.Outcome)
	assert.Equal(t, 2, b.ledger.Len())
}

func TestInboundWithoutHandshakeIsProcessed(t *testing.T) {
	air := transport.NewAir()
	b := newNode(t, air, "bb", "bob")
	raw := newRawPeer(t, air, "xx", b)

	other := ledger.New()
	r := other.Append(other.NewRecord(ledger.Draft{Data: "early", SenderID: "nobody"}))
	raw.write(t, encode(t, r))

	e := waitEvent(t, b, EventRecordAppended, nil)
	assert.Equal(t, "early", e.Record.Data)
	assert.Nil(t, e.Plaintext)
}

func TestDroppedPayloads(t *testing.T) {
	air := transport.NewAir()
	b := newNode(t, air, "bb", "bob")
	raw := newRawPeer(t, air, "xx", b)

	tests := []struct {
		name    string
		payload []byte
		want    ValidationOutcome
	}{
		{"unknown type", []byte(`{"type":"ping","device_id":"x"}`), DroppedUnknownType},
		{"not json", []byte("hello there"), DroppedMalformed},
		{"record missing hash", []byte(`{"index":1,"previous_hash":"0","timestamp":1,"data":"x","nonce":0}`), DroppedMalformed},
		{"handshake without key", []byte(`{"type":"key_exchange","device_id":"eve"}`), DroppedMalformed},
		{"handshake with junk key", []byte(`{"type":"key_exchange","device_id":"eve","public_key":"junk"}`), DroppedMalformed},
		{"oversize", []byte(`{"data":"` + strings.Repeat("A", 3*1024*1024) + `"}`), DroppedOversize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw.write(t, tt.payload)
			e := waitEvent(t, b, EventRecordDropped, nil)
			assert.Equal(t, tt.want, e.Outcome)
		})
	}

	assert.Equal(t, 1, b.ledger.Len())
	assert.Empty(t, b.crypto.ContactIDs())
}

func TestDecryptFailureKeepsCiphertext(t *testing.T) {
	air := transport.NewAir()
	b := newNode(t, air, "bb", "bob")
	raw := newRawPeer(t, air, "xx", b)

	raw.handshake(t, identity(t, "carol"))
	waitEvent(t, b, EventContactAdded, nil)

	other := ledger.New()
	r := other.Append(other.NewRecord(ledger.Draft{
		Data:        "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0",
		SenderID:    "carol",
		RecipientID: "bob",
	}))
	r.EncryptionKey = "Ym9ndXM="
	r.Rehash()
	raw.write(t, encode(t, r))

	e := waitEvent(t, b, EventRecordAppended, nil)
	assert.ErrorIs(t, e.DecryptErr, crypto.ErrDecryptionFailed)
	assert.Nil(t, e.Plaintext)
	assert.Equal(t, r.Data, b.ledger.Tip().Data)
	assert.Equal(t, 2, b.ledger.Len())
}

func TestHandshakePersistsContacts(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")
	connectPair(t, a, b)

	e := waitEvent(t, b, EventContactAdded, nil)
	assert.Equal(t, "alice", e.PeerID)

	saved, count := b.saved.get()
	assert.Equal(t, 1, count)
	assert.Equal(t, a.crypto.PublicKeyPEM(), saved["alice"])
}

func TestPendingRelayOnHandshake(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	c := newNode(t, air, "cc", "carol")

	require.NoError(t, await(t, a.mgr.AddContact("carol", c.crypto.PublicKeyPEM())))

	res := await(t, a.mgr.Send(SendRequest{Text: "later", RecipientID: "carol"}))
	require.NoError(t, res.Err)
	assert.True(t, res.Sealed)
	assert.True(t, res.Pending)
	require.Len(t, a.ledger.PendingFor("carol"), 1)

	connectPair(t, c, a)

	e := waitEvent(t, a, EventRecordRelayed, nil)
	assert.Equal(t, "carol", e.PeerID)
	assert.Equal(t, res.Record.Hash, e.Record.Hash)
	assert.Empty(t, a.ledger.PendingFor("carol"))

	got := waitEvent(t, c, EventRecordAppended, func(e Event) bool { return e.Record.Hash == res.Record.Hash })
	assert.Equal(t, "later", string(got.Plaintext))
}

func TestPendingRelayOnInboundRecord(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	c := newNode(t, air, "cc", "carol")
	connectPair(t, a, c)
	flush(t, a)

	parked := &ledger.Record{Index: 99, Data: "parked", RecipientID: "carol"}
	parked.Rehash()
	a.ledger.EnqueuePending(parked)
	require.Len(t, a.ledger.PendingFor("carol"), 1)

	res := await(t, c.mgr.Send(SendRequest{Text: "ping"}))
	require.NoError(t, res.Err)

	waitEvent(t, a, EventRecordAppended, func(e Event) bool { return e.Record.Data == "ping" })
	e := waitEvent(t, a, EventRecordRelayed, nil)
	assert.Equal(t, "parked", e.Record.Data)
	assert.Empty(t, a.ledger.PendingFor("carol"))
}

func TestPendingRelayBeforeHandshake(t *testing.T) {
	air := transport.NewAir()
	b := newNode(t, air, "bb", "bob")

	parked := &ledger.Record{Index: 42, Data: "waiting", RecipientID: "mallory"}
	parked.Rehash()
	b.ledger.EnqueuePending(parked)

	raw := newRawPeer(t, air, "mm", b)
	var got [][]byte
	var mu sync.Mutex
	require.NoError(t, raw.radio.Subscribe(raw.conn, transport.ChannelNotify, func(p []byte) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}))

	other := ledger.New()
	r := other.Append(other.NewRecord(ledger.Draft{Data: "hello", SenderID: "mallory"}))
	raw.write(t, encode(t, r))

	e := waitEvent(t, b, EventRecordRelayed, nil)
	assert.Equal(t, "mm", e.Peer)
	assert.Equal(t, "waiting", e.Record.Data)
	assert.Empty(t, b.ledger.PendingFor("mallory"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range got {
			if rec, err := ledger.Decode(p); err == nil && rec.Hash == parked.Hash {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

func TestCarrierParksRecordForAbsentRecipient(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")
	connectPair(t, a, b)

	res := await(t, a.mgr.Send(SendRequest{Text: "for carol", RecipientID: "carol"}))
	require.NoError(t, res.Err)

	waitEvent(t, b, EventRecordAppended, nil)
	parked := b.ledger.PendingFor("carol")
	require.Len(t, parked, 1)
	assert.Equal(t, res.Record.Hash, parked[0].Hash)

	// Carol turns up at the carrier.
	c := newNode(t, air, "cc", "carol")
	connectPair(t, c, b)
	waitEvent(t, b, EventRecordRelayed, func(e Event) bool { return e.PeerID == "carol" })
	assert.Empty(t, b.ledger.PendingFor("carol"))
}

func TestBroadcastPartialFailure(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")
	c := newNode(t, air, "cc", "carol")
	connectPair(t, a, b)
	connectPair(t, a, c)

	boom := errors.New("out of range")
	a.radio.FailWrites("bb", boom)

	res := await(t, a.mgr.Send(SendRequest{Text: "to all"}))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"cc"}, res.Broadcast.Delivered)
	assert.ErrorIs(t, res.Broadcast.Failed["bb"], boom)

	e := waitEvent(t, c, EventRecordAppended, nil)
	assert.Equal(t, "to all", e.Record.Data)

	again := await(t, a.mgr.Broadcast(a.ledger.Tip()))
	assert.Equal(t, []string{"cc"}, again.Delivered)
	assert.Len(t, again.Failed, 1)
}

func TestScanFiltersByPrefix(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	newNode(t, air, "bb", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, air.Radio("zz").Advertise(ctx, "Headphones", func(transport.Conn) {}))

	res := await(t, a.mgr.Scan())
	require.NoError(t, res.Err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "bb", res.Devices[0].Address)
	assert.Equal(t, "MeshLedger-bob", res.Devices[0].Name)

	sessions := a.mgr.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateDiscovered, sessions[0].State)

	conn := await(t, a.mgr.Connect("bb"))
	require.NoError(t, conn.Err)
	assert.Equal(t, StateHandshakePending, conn.Session.State)
}

func TestConnectFailure(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")

	res := await(t, a.mgr.Connect("nowhere"))
	var ce *transport.ConnectError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, StateDisconnected, res.Session.State)
	assert.Empty(t, a.mgr.Sessions())
}

func TestPeerDisconnectDropsSession(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob")
	connectPair(t, a, b)

	require.NoError(t, await(t, a.mgr.Disconnect("bb")))
	assert.Eventually(t, func() bool { return len(b.mgr.Sessions()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, a.mgr.Sessions())
	assert.ErrorIs(t, await(t, a.mgr.Disconnect("bb")), ErrNoSession)
}

func TestRequirePairing(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")
	b := newNode(t, air, "bb", "bob", func(c *Config) { c.RequirePairing = true })

	res := await(t, a.mgr.Connect("bb"))
	require.NoError(t, res.Err)
	require.Eventually(t, func() bool { return trusted(a, "bob") }, waitFor, 5*time.Millisecond)

	// Bob never trusts an unpaired alice.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, trusted(b, "alice"))
	assert.False(t, b.crypto.HasContact("alice"))

	require.NoError(t, await(t, a.mgr.Disconnect("bb")))
	require.Eventually(t, func() bool { return len(b.mgr.Sessions()) == 0 }, waitFor, 5*time.Millisecond)

	// A paired key with a different id's key is still refused.
	carolPEM, err := crypto.EncodePublicKeyPEM(identity(t, "carol").PublicKey())
	require.NoError(t, err)
	require.NoError(t, await(t, b.mgr.AddContact("alice", carolPEM)))
	require.NoError(t, await(t, a.mgr.Connect("bb")).Err)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, trusted(b, "alice"))
	require.NoError(t, await(t, a.mgr.Disconnect("bb")))
	require.Eventually(t, func() bool { return len(b.mgr.Sessions()) == 0 }, waitFor, 5*time.Millisecond)

	// Out-of-band pairing with the real key.
	require.NoError(t, await(t, b.mgr.AddContact("alice", a.crypto.PublicKeyPEM())))
	require.NoError(t, await(t, a.mgr.Connect("bb")).Err)
	assert.Eventually(t, func() bool { return trusted(b, "alice") }, waitFor, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	air := transport.NewAir()

	t.Run("before start", func(t *testing.T) {
		cm, err := crypto.NewManager(identity(t, "alice"))
		require.NoError(t, err)
		m, err := NewManager(Config{Radio: air.Radio("s1"), Ledger: ledger.New(), Crypto: cm})
		require.NoError(t, err)
		assert.NoError(t, m.Stop())
		assert.ErrorIs(t, m.Start(context.Background()), ErrNotRunning)
	})

	t.Run("no sessions, twice", func(t *testing.T) {
		n := newNode(t, air, "s2", "alice")
		assert.NoError(t, n.mgr.Stop())
		assert.NoError(t, n.mgr.Stop())
		res := await(t, n.mgr.Send(SendRequest{Text: "late"}))
		assert.ErrorIs(t, res.Err, ErrNotRunning)
	})

	t.Run("with sessions", func(t *testing.T) {
		a := newNode(t, air, "s3", "alice")
		b := newNode(t, air, "s4", "bob")
		connectPair(t, a, b)

		require.NoError(t, a.mgr.Stop())
		assert.Empty(t, a.mgr.Sessions())
		assert.Equal(t, 0, a.radio.Open())
		assert.Eventually(t, func() bool { return len(b.mgr.Sessions()) == 0 }, waitFor, 5*time.Millisecond)
	})

	t.Run("timeout", func(t *testing.T) {
		n := newNode(t, air, "s5", "alice", func(c *Config) { c.StopTimeout = 20 * time.Millisecond })
		block := make(chan struct{})
		defer close(block)
		started := make(chan struct{})
		require.NoError(t, n.mgr.submit(func(context.Context) {
			close(started)
			<-block
		}))
		<-started
		queued := n.mgr.Send(SendRequest{Text: "stuck behind a slow task"})
		assert.ErrorIs(t, n.mgr.Stop(), ErrStopTimeout)
		assert.Empty(t, n.mgr.Sessions())
		assert.ErrorIs(t, await(t, queued).Err, ErrNotRunning)
	})

	t.Run("queued requests are answered", func(t *testing.T) {
		n := newNode(t, air, "s7", "alice")
		block := make(chan struct{})
		started := make(chan struct{})
		require.NoError(t, n.mgr.submit(func(context.Context) {
			close(started)
			<-block
		}))
		<-started

		sent := n.mgr.Send(SendRequest{Text: "queued"})
		scanned := n.mgr.Scan()
		added := n.mgr.AddContact("bob", "pem")
		go func() {
			<-n.mgr.quit
			close(block)
		}()

		require.NoError(t, n.mgr.Stop())
		assert.ErrorIs(t, await(t, sent).Err, ErrNotRunning)
		assert.ErrorIs(t, await(t, scanned).Err, ErrNotRunning)
		assert.ErrorIs(t, await(t, added), ErrNotRunning)
		assert.Equal(t, 1, n.ledger.Len(), "queued send must not run after stop")
	})

	t.Run("start twice", func(t *testing.T) {
		n := newNode(t, air, "s6", "alice")
		assert.ErrorIs(t, n.mgr.Start(context.Background()), ErrAlreadyStarted)
	})
}

func TestMarkStatus(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")

	res := await(t, a.mgr.Send(SendRequest{Text: "seen"}))
	require.NoError(t, res.Err)

	require.NoError(t, await(t, a.mgr.MarkStatus(res.Record.Hash, ledger.StatusRead)))
	assert.Equal(t, ledger.StatusRead, a.ledger.Tip().Status)
	assert.True(t, a.ledger.IsValid())

	assert.ErrorIs(t, await(t, a.mgr.MarkStatus("feedface", ledger.StatusRead)), ErrUnknownRecord)
}

func TestValidateOutcome(t *testing.T) {
	air := transport.NewAir()
	a := newNode(t, air, "aa", "alice")

	other := ledger.New()
	r1 := other.Append(other.NewRecord(ledger.Draft{Data: "x"}))
	r2 := other.Append(other.NewRecord(ledger.Draft{Data: "y"}))

	assert.Equal(t, Accepted, a.mgr.Validate(r1))
	assert.Equal(t, DroppedIndex, a.mgr.Validate(r2))

	relinked := r1.Clone()
	relinked.PreviousHash = "deadbeef"
	relinked.Rehash()
	assert.Equal(t, DroppedPreviousHash, a.mgr.Validate(relinked))

	tampered := r1.Clone()
	tampered.Data = "z"
	assert.Equal(t, DroppedHash, a.mgr.Validate(tampered))
}
