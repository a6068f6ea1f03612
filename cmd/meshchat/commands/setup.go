package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/opd-ai/meshledger"
	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/store"
	"github.com/opd-ai/meshledger/transport"
)

// loadIdentity opens the key store and reads the saved identity.
func (s *settings) loadIdentity() (*crypto.Identity, error) {
	if err := s.requirePassphrase(); err != nil {
		return nil, err
	}
	ks, err := crypto.NewKeyStore(s.home, []byte(s.passphrase))
	if err != nil {
		return nil, err
	}
	defer ks.Close()

	id, err := ks.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("%w (run `meshchat init` first)", err)
	}
	return id, nil
}

// openStore builds the contact store selected by --store.
func (s *settings) openStore(ctx context.Context, deviceID string) (store.Store, error) {
	switch s.storeKind {
	case "", "file":
		return store.NewFileStore(filepath.Join(s.home, store.DefaultFileName))
	case "redis":
		return store.DialRedis(ctx, store.RedisOptions{
			Addr:   s.redisAddr,
			Prefix: store.DefaultRedisPrefix + ":" + deviceID,
		})
	case "mongo":
		return store.DialMongo(ctx, store.MongoOptions{URI: s.mongoURI, Owner: deviceID})
	default:
		return nil, fmt.Errorf("unknown store %q: want file, redis or mongo", s.storeKind)
	}
}

// openNode builds a stopped node on a QUIC radio. Closing the returned
// radio is the caller's job, after the node is closed.
func (s *settings) openNode(ctx context.Context) (*meshledger.Node, *transport.QUICRadio, error) {
	id, err := s.loadIdentity()
	if err != nil {
		return nil, nil, err
	}
	st, err := s.openStore(ctx, id.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	radio, err := transport.NewQUICRadio(transport.QUICConfig{
		ListenAddr: s.listen,
		Candidates: s.peers,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	opts := meshledger.NewOptions()
	opts.Radio = radio
	opts.Identity = id
	opts.Store = st
	opts.Difficulty = s.difficulty
	opts.RequirePairing = s.pairing

	node, err := meshledger.New(opts)
	if err != nil {
		st.Close()
		radio.Close()
		return nil, nil, err
	}
	return node, radio, nil
}
