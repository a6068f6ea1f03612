package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// quicALPN identifies meshledger links during the TLS handshake.
const quicALPN = "meshledger-radio"

const (
	defaultDialTimeout = 3 * time.Second
	defaultIdleTimeout = 30 * time.Second
	keepAlivePeriod    = 10 * time.Second
)

// QUICConfig configures a QUICRadio.
type QUICConfig struct {
	// ListenAddr is the UDP address to listen on, e.g. "127.0.0.1:0".
	ListenAddr string
	// Candidates are the addresses probed by Scan. There is no broadcast
	// discovery on IP networks; peers are configured.
	Candidates []string
	// DialTimeout bounds each connect and probe. Zero means 3s.
	DialTimeout time.Duration
	// IdleTimeout closes silent links. Zero means 30s; keep-alives are sent
	// well inside it.
	IdleTimeout time.Duration
}

// QUICRadio carries the radio contract over QUIC so that nodes on a LAN
// or one host can talk without short-range hardware. Each link is one QUIC
// connection with one bidirectional stream of length-prefixed frames.
type QUICRadio struct {
	cfg       QUICConfig
	listener  *quic.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	name        string
	accept      func(Conn)
	advertising bool
	conns       map[*quicConn]struct{}
	closed      bool
}

type quicConn struct {
	radio   *QUICRadio
	conn    *quic.Conn
	stream  *quic.Stream
	remote  string
	writeMu sync.Mutex
	inbox   *inbox
}

func (c *quicConn) Address() string       { return c.remote }
func (c *quicConn) Done() <-chan struct{} { return c.inbox.done }

// NewQUICRadio listens on cfg.ListenAddr and starts accepting links.
func NewQUICRadio(cfg QUICConfig) (*QUICRadio, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to create radio certificate: %w", err)
	}
	r := &QUICRadio{
		cfg: cfg,
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
		},
		// Peers are authenticated by the key exchange above the radio,
		// not by the TLS certificate.
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		},
		quicConf: &quic.Config{
			MaxIdleTimeout:       cfg.IdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: cfg.DialTimeout,
		},
		conns: make(map[*quicConn]struct{}),
	}

	listener, err := quic.ListenAddr(cfg.ListenAddr, r.serverTLS, r.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", cfg.ListenAddr, err)
	}
	r.listener = listener
	r.ctx, r.cancel = context.WithCancel(context.Background())

	logrus.WithFields(logrus.Fields{
		"function": "NewQUICRadio",
		"address":  r.Addr(),
	}).Info("QUIC radio listening")

	go r.acceptLoop()
	return r, nil
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"meshledger"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Addr returns the address peers should dial.
func (r *QUICRadio) Addr() string {
	return r.listener.Addr().String()
}

// Close stops listening and drops every link.
func (r *QUICRadio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*quicConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	r.cancel()
	for _, c := range conns {
		_ = r.Disconnect(c)
	}
	return r.listener.Close()
}

func (r *QUICRadio) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Advertise implements Advertiser.
func (r *QUICRadio) Advertise(ctx context.Context, name string, accept func(Conn)) error {
	if r.isClosed() {
		return ErrRadioClosed
	}
	r.mu.Lock()
	r.name = name
	r.accept = accept
	r.advertising = true
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.ctx.Done():
		}
		r.mu.Lock()
		r.advertising = false
		r.accept = nil
		r.mu.Unlock()
	}()
	return nil
}

func (r *QUICRadio) acceptLoop() {
	for {
		conn, err := r.listener.Accept(r.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !r.isClosed() {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err.Error(),
				}).Warn("QUIC accept failed")
			}
			return
		}
		go r.serve(conn)
	}
}

// serve reads the first frame of an inbound connection and either answers
// a probe or attaches a session link.
func (r *QUICRadio) serve(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(r.cfg.DialTimeout))
	kind, payload, err := readFrame(stream)
	if err != nil {
		_ = conn.CloseWithError(1, "bad frame")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	r.mu.Lock()
	name, advertising, accept := r.name, r.advertising, r.accept
	r.mu.Unlock()

	switch kind {
	case frameProbe:
		if !advertising {
			name = ""
		}
		_ = writeFrame(stream, frameProbe, []byte(name))
		_ = stream.Close()
		// The prober closes the connection once it has read the name.
	case frameAttach:
		if accept == nil {
			_ = conn.CloseWithError(1, "not advertising")
			return
		}
		if err := writeFrame(stream, frameAttach, nil); err != nil {
			_ = conn.CloseWithError(1, "attach failed")
			return
		}
		qc := r.newConn(conn, stream, string(payload))
		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"peer":     qc.remote,
		}).Debug("Accepted QUIC link")
		accept(qc)
	default:
		_ = conn.CloseWithError(1, "unexpected frame")
	}
}

func (r *QUICRadio) newConn(conn *quic.Conn, stream *quic.Stream, remote string) *quicConn {
	qc := &quicConn{
		radio:  r,
		conn:   conn,
		stream: stream,
		remote: remote,
		inbox:  newInbox(),
	}
	r.mu.Lock()
	r.conns[qc] = struct{}{}
	r.mu.Unlock()
	go r.readLoop(qc)
	return qc
}

func (r *QUICRadio) readLoop(qc *quicConn) {
	defer func() {
		qc.inbox.close()
		r.mu.Lock()
		delete(r.conns, qc)
		r.mu.Unlock()
	}()
	for {
		kind, payload, err := readFrame(qc.stream)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     qc.remote,
				"error":    err.Error(),
			}).Debug("QUIC link closed")
			_ = qc.conn.CloseWithError(0, "")
			return
		}
		if kind != frameData {
			continue
		}
		if !qc.inbox.push(payload) {
			return
		}
	}
}

// Scan implements Radio by probing every configured candidate.
func (r *QUICRadio) Scan(ctx context.Context) ([]Device, error) {
	if r.isClosed() {
		return nil, ErrRadioClosed
	}
	own := r.Addr()
	var found []Device
	for _, addr := range r.cfg.Candidates {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if addr == own {
			continue
		}
		name, err := r.probe(ctx, addr)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Scan",
				"address":  addr,
				"error":    err.Error(),
			}).Debug("Probe failed")
			continue
		}
		if name != "" {
			found = append(found, Device{Name: name, Address: addr})
		}
	}
	return found, nil
}

func (r *QUICRadio) probe(ctx context.Context, address string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, address, r.clientTLS, r.quicConf)
	if err != nil {
		return "", err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return "", err
	}
	if err := writeFrame(stream, frameProbe, nil); err != nil {
		return "", err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	kind, payload, err := readFrame(stream)
	if err != nil {
		return "", err
	}
	if kind != frameProbe {
		return "", fmt.Errorf("unexpected frame %q", kind)
	}
	return string(payload), nil
}

// Connect implements Radio.
func (r *QUICRadio) Connect(ctx context.Context, address string) (Conn, error) {
	if r.isClosed() {
		return nil, &ConnectError{Address: address, Err: ErrRadioClosed}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, address, r.clientTLS, r.quicConf)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(1, "")
		return nil, &ConnectError{Address: address, Err: err}
	}
	if err := writeFrame(stream, frameAttach, []byte(r.Addr())); err != nil {
		_ = conn.CloseWithError(1, "")
		return nil, &ConnectError{Address: address, Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	kind, _, err := readFrame(stream)
	if err != nil || kind != frameAttach {
		_ = conn.CloseWithError(1, "")
		if err == nil {
			err = fmt.Errorf("unexpected frame %q", kind)
		}
		return nil, &ConnectError{Address: address, Err: err}
	}
	_ = stream.SetReadDeadline(time.Time{})

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"peer":     address,
	}).Debug("QUIC link established")
	return r.newConn(conn, stream, address), nil
}

func (r *QUICRadio) own(conn Conn) (*quicConn, error) {
	qc, ok := conn.(*quicConn)
	if !ok || qc.radio != r {
		return nil, fmt.Errorf("%w: foreign connection", ErrNotConnected)
	}
	return qc, nil
}

// Write implements Radio.
func (r *QUICRadio) Write(ctx context.Context, conn Conn, ch Channel, payload []byte) error {
	if ch != ChannelWrite {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	qc, err := r.own(conn)
	if err != nil {
		return err
	}
	if qc.inbox.closed() {
		return ErrNotConnected
	}

	qc.writeMu.Lock()
	defer qc.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = qc.stream.SetWriteDeadline(dl)
		defer qc.stream.SetWriteDeadline(time.Time{})
	}
	return writeFrame(qc.stream, frameData, payload)
}

// Subscribe implements Radio.
func (r *QUICRadio) Subscribe(conn Conn, ch Channel, onNotify func([]byte)) error {
	if ch != ChannelNotify {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	qc, err := r.own(conn)
	if err != nil {
		return err
	}
	return qc.inbox.subscribe(onNotify)
}

// Disconnect implements Radio.
func (r *QUICRadio) Disconnect(conn Conn) error {
	qc, err := r.own(conn)
	if err != nil {
		return err
	}
	qc.inbox.close()
	r.mu.Lock()
	delete(r.conns, qc)
	r.mu.Unlock()
	return qc.conn.CloseWithError(0, "disconnect")
}
