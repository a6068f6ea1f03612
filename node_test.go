package meshledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/link"
	"github.com/opd-ai/meshledger/store"
	"github.com/opd-ai/meshledger/transport"
)

const waitFor = 3 * time.Second

var (
	fixtureOnce sync.Once
	fixtures    map[string]*crypto.Identity
	fixtureErr  error
)

func identity(t *testing.T, name string) *crypto.Identity {
	t.Helper()
	fixtureOnce.Do(func() {
		fixtures = make(map[string]*crypto.Identity)
		for _, n := range []string{"alice", "bob"} {
			id, err := crypto.GenerateIdentity(n)
			if err != nil {
				fixtureErr = err
				return
			}
			fixtures[n] = id
		}
	})
	require.NoError(t, fixtureErr)
	return fixtures[name]
}

// stepClock is a settable time source.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestNode(t *testing.T, air *transport.Air, address, name string, tweak ...func(*Options)) *Node {
	t.Helper()
	opts := NewOptions()
	opts.Radio = air.Radio(address)
	opts.Identity = identity(t, name)
	opts.Difficulty = 1
	opts.EventBuffer = 1024
	for _, f := range tweak {
		f(opts)
	}
	n, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
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

func waitTrusted(t *testing.T, n *Node, peerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range n.Sessions() {
			if s.PeerID == peerID && s.State == link.StateTrusted {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func waitAppended(t *testing.T, n *Node, match func(link.Event) bool) link.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-n.Events():
			if e.Type == link.EventRecordAppended && !e.Local && match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for an appended record")
			return link.Event{}
		}
	}
}

func TestNewRequiresRadio(t *testing.T) {
	_, err := New(NewOptions())
	assert.ErrorIs(t, err, ErrNoRadio)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrNoRadio)
}

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, ledger.DefaultDifficulty, opts.Difficulty)
	assert.Equal(t, link.DefaultNamePrefix, opts.NamePrefix)
	assert.False(t, opts.RequirePairing)
	assert.NotNil(t, opts.TimeProvider)
}

func TestNewLoadsStore(t *testing.T) {
	bobPEM, err := crypto.EncodePublicKeyPEM(identity(t, "bob").PublicKey())
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveContacts(ctx, map[string]string{
		"bob":   bobPEM,
		"alice": bobPEM,
		"mallo": "not a key",
	}))
	require.NoError(t, st.SaveGroups(ctx, map[string]store.Group{"hikers": {Members: 4}}))

	n := newTestNode(t, transport.NewAir(), "aa:01", "alice", func(o *Options) { o.Store = st })

	assert.Equal(t, map[string]string{"bob": bobPEM}, n.Contacts())
	assert.Equal(t, map[string]store.Group{"hikers": {Members: 4}}, n.Groups())
	assert.Equal(t, "alice", n.DeviceID())
	assert.Equal(t, link.DefaultNamePrefix+"-alice", n.DeviceName())
}

func TestSendTextBetweenNodes(t *testing.T) {
	air := transport.NewAir()
	alice := newTestNode(t, air, "aa:01", "alice")
	bob := newTestNode(t, air, "bb:02", "bob")

	res := await(t, alice.Link().Connect("bb:02"))
	require.NoError(t, res.Err)
	waitTrusted(t, alice, "bob")
	waitTrusted(t, bob, "alice")

	sent := await(t, alice.SendText("hi bob", "bob"))
	require.NoError(t, sent.Err)
	assert.True(t, sent.Sealed)
	assert.Equal(t, []string{"bb:02"}, sent.Broadcast.Delivered)
	assert.NotEqual(t, "hi bob", sent.Record.Data)

	e := waitAppended(t, bob, func(e link.Event) bool { return e.Record.Hash == sent.Record.Hash })
	assert.Equal(t, "hi bob", string(e.Plaintext))
	assert.NoError(t, e.DecryptErr)

	visible := bob.VisibleMessages()
	require.Len(t, visible, 1)
	assert.Equal(t, ledger.StatusDelivered, visible[0].Status)
	assert.True(t, bob.IsChainValid())
	assert.NoError(t, bob.Audit())

	require.NoError(t, await(t, bob.MarkRead(sent.Record.Hash)))
	assert.Equal(t, ledger.StatusRead, bob.Chain()[1].Status)
	assert.True(t, bob.IsChainValid(), "status changes keep the chain valid")

	assert.ErrorIs(t, await(t, bob.MarkRead("feedface")), ErrUnknownRecord)
}

func TestSendFile(t *testing.T) {
	n := newTestNode(t, transport.NewAir(), "aa:01", "alice")

	res := await(t, n.SendFile(FileMessage{Kind: ledger.KindImage, Name: "pic.png", Data: []byte{0x89, 'P', 'N', 'G'}}))
	require.NoError(t, res.Err)
	assert.Equal(t, ledger.KindImage, res.Record.Kind)
	assert.Equal(t, "iVBORw==", res.Record.FileData)
	assert.Equal(t, "pic.png", res.Record.FileName)

	res = await(t, n.SendFile(FileMessage{Name: "notes.txt", Data: []byte("x")}))
	require.NoError(t, res.Err)
	assert.Equal(t, ledger.KindFile, res.Record.Kind)

	res = await(t, n.SendFile(FileMessage{Kind: ledger.KindText, Data: []byte("x")}))
	assert.ErrorIs(t, res.Err, ledger.ErrUnknownKind)

	res = await(t, n.SendFile(FileMessage{Name: "empty"}))
	assert.Error(t, res.Err)
}

func TestVisibleMessagesHidesExpired(t *testing.T) {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	n := newTestNode(t, transport.NewAir(), "aa:01", "alice", func(o *Options) { o.TimeProvider = clock })

	res := await(t, n.SendFile(FileMessage{Name: "a.bin", Data: []byte{1}, ExpiresIn: time.Minute}))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Record.ExpirationTime)
	require.NoError(t, (<-n.SendText("stays", "")).Err)

	assert.Len(t, n.VisibleMessages(), 2)

	clock.advance(2 * time.Minute)
	visible := n.VisibleMessages()
	require.Len(t, visible, 1)
	assert.Equal(t, "stays", visible[0].Data)
	assert.Len(t, n.Chain(), 3, "expired records stay chained")
}

func TestCreateGroup(t *testing.T) {
	st := store.NewMemoryStore()
	n := newTestNode(t, transport.NewAir(), "aa:01", "alice", func(o *Options) { o.Store = st })
	ctx := context.Background()

	require.NoError(t, n.CreateGroup(ctx, "climbers", 3))
	require.NoError(t, n.CreateGroup(ctx, "band", 5))
	assert.ErrorIs(t, n.CreateGroup(ctx, "", 2), ErrInvalidGroup)
	assert.ErrorIs(t, n.CreateGroup(ctx, "ghosts", -1), ErrInvalidGroup)

	assert.Equal(t, []string{"band", "climbers"}, n.GroupNames())

	saved, err := st.LoadGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]store.Group{"climbers": {Members: 3}, "band": {Members: 5}}, saved)
}

func TestCreateGroupConcurrent(t *testing.T) {
	st := store.NewMemoryStore()
	n := newTestNode(t, transport.NewAir(), "aa:01", "alice", func(o *Options) { o.Store = st })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, n.CreateGroup(ctx, fmt.Sprintf("group-%02d", i), i))
		}(i)
	}
	wg.Wait()

	saved, err := st.LoadGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, saved, 32)
	assert.Equal(t, n.Groups(), saved)
}

func TestAddPairedContact(t *testing.T) {
	st := store.NewMemoryStore()
	alice := newTestNode(t, transport.NewAir(), "aa:01", "alice", func(o *Options) { o.Store = st })

	bobManager, err := crypto.NewManager(identity(t, "bob"))
	require.NoError(t, err)
	payload, err := bobManager.PairingPayload()
	require.NoError(t, err)

	require.NoError(t, await(t, alice.AddPairedContact(payload)))
	assert.Contains(t, alice.Contacts(), "bob")

	saved, err := st.LoadContacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bobManager.PublicKeyPEM(), saved["bob"])

	own, err := alice.PairingPayload()
	require.NoError(t, err)
	assert.ErrorIs(t, await(t, alice.AddPairedContact(own)), ErrSelfContact)
	assert.ErrorIs(t, await(t, alice.AddPairedContact("{}")), crypto.ErrInvalidPairing)
}

func TestPairingModeBetweenNodes(t *testing.T) {
	air := transport.NewAir()
	pairing := func(o *Options) { o.RequirePairing = true }
	alice := newTestNode(t, air, "aa:01", "alice", pairing)
	bob := newTestNode(t, air, "bb:02", "bob", pairing)

	alicePayload, err := alice.PairingPayload()
	require.NoError(t, err)
	bobPayload, err := bob.PairingPayload()
	require.NoError(t, err)
	require.NoError(t, await(t, alice.AddPairedContact(bobPayload)))
	require.NoError(t, await(t, bob.AddPairedContact(alicePayload)))

	require.NoError(t, await(t, alice.Link().Connect("bb:02")).Err)
	waitTrusted(t, alice, "bob")
	waitTrusted(t, bob, "alice")
}

func TestCloseReleasesStore(t *testing.T) {
	st := store.NewMemoryStore()
	opts := NewOptions()
	opts.Radio = transport.NewAir().Radio("aa:01")
	opts.Identity = identity(t, "alice")
	opts.Store = st
	n, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	require.NoError(t, n.Close())
	_, err = st.LoadContacts(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)

	res := await(t, n.SendText("late", ""))
	assert.ErrorIs(t, res.Err, link.ErrNotRunning)
	assert.ErrorIs(t, await(t, n.MarkRead("feedface")), link.ErrNotRunning)
}
