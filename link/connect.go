package link

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshledger/transport"
)

// ScanResult is the outcome of one discovery pass.
type ScanResult struct {
	Devices []transport.Device
	Err     error
}

// ConnectResult is the outcome of a connect request.
type ConnectResult struct {
	Session SessionInfo
	Err     error
}

// Scan requests a single discovery pass. Only devices whose name carries the
// configured prefix are reported; they are recorded as discovered sessions.
func (m *Manager) Scan() <-chan ScanResult {
	out := make(chan ScanResult, 1)
	m.request(
		func(ctx context.Context) { out <- m.scan(ctx) },
		func(err error) { out <- ScanResult{Err: err} },
	)
	return out
}

// Connect requests a link to address. The result arrives once the link is
// up and our handshake has been written; the peer becomes trusted later,
// when its own handshake arrives.
func (m *Manager) Connect(address string) <-chan ConnectResult {
	out := make(chan ConnectResult, 1)
	m.request(
		func(ctx context.Context) { out <- m.connect(ctx, address) },
		func(err error) { out <- ConnectResult{Err: err} },
	)
	return out
}

// Disconnect requests that the session at address be closed.
func (m *Manager) Disconnect(address string) <-chan error {
	out := make(chan error, 1)
	m.request(func(ctx context.Context) {
		s, ok := m.sessions[address]
		if !ok {
			out <- fmt.Errorf("%w: %s", ErrNoSession, address)
			return
		}
		if s.conn != nil {
			if err := m.radio.Disconnect(s.conn); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Disconnect",
					"peer":     address,
					"error":    err.Error(),
				}).Debug("Radio disconnect failed")
			}
		}
		m.dropSession(s, "local request")
		out <- nil
	}, func(err error) { out <- err })
	return out
}

func (m *Manager) scan(ctx context.Context) ScanResult {
	devices, err := m.radio.Scan(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "scan",
			"error":    err.Error(),
		}).Warn("Scan failed")
		return ScanResult{Err: err}
	}

	var compatible []transport.Device
	seen := make(map[string]bool)
	for _, d := range devices {
		if !strings.HasPrefix(d.Name, m.cfg.NamePrefix) {
			continue
		}
		compatible = append(compatible, d)
		seen[d.Address] = true
		if _, ok := m.sessions[d.Address]; !ok {
			m.sessions[d.Address] = &session{address: d.Address, name: d.Name, state: StateDiscovered}
		}
	}
	// Forget discovered peers that were not heard this pass.
	for addr, s := range m.sessions {
		if s.state == StateDiscovered && !seen[addr] {
			delete(m.sessions, addr)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "scan",
		"found":      len(devices),
		"compatible": len(compatible),
	}).Debug("Scan complete")
	m.sessionsChanged()
	return ScanResult{Devices: compatible}
}

func (m *Manager) connect(ctx context.Context, address string) ConnectResult {
	s, ok := m.sessions[address]
	if ok && s.state != StateDiscovered {
		return ConnectResult{Session: s.info()}
	}
	if !ok {
		s = &session{address: address}
		m.sessions[address] = s
	}
	s.state = StateConnecting
	m.sessionsChanged()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.radio.Connect(cctx, address)
	cancel()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "connect",
			"peer":     address,
			"error":    err.Error(),
		}).Warn("Connect failed")
		m.dropSession(s, "connect failed")
		return ConnectResult{Session: s.info(), Err: err}
	}

	if err := m.attach(ctx, s, conn); err != nil {
		return ConnectResult{Session: s.info(), Err: err}
	}
	return ConnectResult{Session: s.info()}
}

// accept is the advertiser callback for inbound links. It runs on a radio
// goroutine, so the work is handed to the worker.
func (m *Manager) accept(conn transport.Conn) {
	go m.submitInbound(func(ctx context.Context) {
		address := conn.Address()
		if old, ok := m.sessions[address]; ok && old.conn != nil {
			// A second link from the same peer replaces the first.
			_ = m.radio.Disconnect(old.conn)
			m.dropSession(old, "replaced by inbound link")
		}
		s := &session{address: address, state: StateConnecting, inbound: true}
		m.sessions[address] = s
		_ = m.attach(ctx, s, conn)
	})
}

// attach subscribes to the peer, sends our handshake and then our tip. On
// failure the link is closed and the session dropped.
func (m *Manager) attach(ctx context.Context, s *session, conn transport.Conn) error {
	s.conn = conn
	s.state = StateHandshakePending

	err := m.radio.Subscribe(conn, transport.ChannelNotify, func(payload []byte) {
		m.submitInbound(func(ctx context.Context) { m.handleNotify(ctx, s, payload) })
	})
	if err == nil {
		err = m.sendHandshake(ctx, s)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attach",
			"peer":     s.address,
			"error":    err.Error(),
		}).Warn("Link setup failed")
		_ = m.radio.Disconnect(conn)
		m.dropSession(s, "setup failed")
		return err
	}

	go m.watch(s)
	m.sessionsChanged()

	logrus.WithFields(logrus.Fields{
		"function": "attach",
		"peer":     s.address,
		"inbound":  s.inbound,
	}).Info("Link established, handshake sent")

	if tip := m.ledger.Tip(); tip.Index > 0 {
		if err := m.writeRecord(ctx, s, tip); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "attach",
				"peer":     s.address,
				"error":    err.Error(),
			}).Debug("Tip announcement failed")
		}
	}
	return nil
}

func (m *Manager) sendHandshake(ctx context.Context, s *session) error {
	payload, err := NewHandshake(m.DeviceID(), m.crypto.PublicKeyPEM()).Encode()
	if err != nil {
		return err
	}
	wctx, cancel := m.writeContext(ctx)
	defer cancel()
	return m.radio.Write(wctx, s.conn, transport.ChannelWrite, payload)
}

// watch turns a link closed by the peer into a session drop.
func (m *Manager) watch(s *session) {
	select {
	case <-s.conn.Done():
		m.submitInbound(func(context.Context) { m.dropSession(s, "link closed") })
	case <-m.quit:
	}
}
