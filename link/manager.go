package link

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/transport"
)

// task is one unit of work for the worker goroutine.
type task func(ctx context.Context)

// request is a queued task. fail, when set, receives the reason the task
// will never run, so that every result channel gets a value.
type request struct {
	run  task
	fail func(error)
}

// Manager runs discovery, handshakes, validation, broadcast and relay on a
// single worker goroutine. Foreground calls enqueue a request and return a
// result channel immediately; state is visible only through snapshots and
// events.
type Manager struct {
	cfg    Config
	radio  transport.Radio
	ledger *ledger.Ledger
	crypto *crypto.Manager

	tasks  chan request
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.Mutex
	started   bool
	stopped   bool

	// sessions is touched only by the worker.
	sessions map[string]*session

	snapMu   sync.RWMutex
	snapshot []SessionInfo
}

// NewManager validates cfg and builds a stopped Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Radio == nil || cfg.Ledger == nil || cfg.Crypto == nil {
		return nil, ErrMissingDependency
	}
	cfg.applyDefaults()

	return &Manager{
		cfg:      cfg,
		radio:    cfg.Radio,
		ledger:   cfg.Ledger,
		crypto:   cfg.Crypto,
		tasks:    make(chan request, cfg.QueueSize),
		events:   make(chan Event, cfg.EventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
	}, nil
}

// DeviceID returns this device's id.
func (m *Manager) DeviceID() string {
	return m.crypto.DeviceID()
}

// DeviceName returns the advertised name.
func (m *Manager) DeviceName() string {
	return m.cfg.DeviceName
}

// Events returns the event stream. It is never closed; publishing drops
// events when the buffer is full rather than stalling the worker.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Sessions returns a snapshot of the current sessions, sorted by address.
func (m *Manager) Sessions() []SessionInfo {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make([]SessionInfo, len(m.snapshot))
	copy(out, m.snapshot)
	return out
}

// Start launches the worker and, when the radio supports it, begins
// advertising so peers can connect inbound.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stopped {
		return ErrNotRunning
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	go m.run()

	if adv, ok := m.radio.(transport.Advertiser); ok {
		if err := adv.Advertise(m.ctx, m.cfg.DeviceName, m.accept); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"name":     m.cfg.DeviceName,
				"error":    err.Error(),
			}).Warn("Advertising failed; outbound connections only")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"device_id": m.DeviceID(),
		"name":      m.cfg.DeviceName,
	}).Info("Link manager started")
	return nil
}

// Stop asks the worker to disconnect every session and exit, then waits at
// most Config.StopTimeout. Session state is discarded either way. Stop is
// safe before Start, with no sessions, and when called twice.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.lifecycle.Unlock()
		return nil
	}
	m.stopped = true
	m.lifecycle.Unlock()

	close(m.quit)
	m.cancel()

	var err error
	select {
	case <-m.done:
	case <-time.After(m.cfg.StopTimeout):
		err = ErrStopTimeout
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"timeout":  m.cfg.StopTimeout,
		}).Warn("Worker did not stop in time; discarding state")
		// The worker is stuck in a task; answer the queued ones here.
		m.failQueued()
	}

	m.setSnapshot(nil)
	return err
}

// run is the worker loop.
func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.shutdown()
			return
		case req := <-m.tasks:
			select {
			case <-m.quit:
				failRequest(req, ErrNotRunning)
				m.shutdown()
				return
			default:
			}
			req.run(m.ctx)
		}
	}
}

// shutdown fails the queued requests, disconnects every session, swallowing
// errors, and clears state.
func (m *Manager) shutdown() {
	m.failQueued()
	for addr, s := range m.sessions {
		if s.conn != nil {
			if err := m.radio.Disconnect(s.conn); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "shutdown",
					"peer":     addr,
					"error":    err.Error(),
				}).Debug("Disconnect failed during stop")
			}
		}
	}
	m.sessions = make(map[string]*session)
	m.setSnapshot(nil)
	logrus.WithFields(logrus.Fields{
		"function": "shutdown",
	}).Info("Link manager stopped")
}

// submit queues a task without blocking.
func (m *Manager) submit(t task) error {
	return m.enqueue(request{run: t})
}

// request queues a foreground task whose result channel is answered by fail
// if the task is rejected now or discarded by Stop.
func (m *Manager) request(run task, fail func(error)) {
	if err := m.enqueue(request{run: run, fail: fail}); err != nil {
		fail(err)
	}
}

// enqueue holds the lifecycle lock so that nothing is queued once Stop has
// begun; shutdown can then answer everything left in the queue.
func (m *Manager) enqueue(req request) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.started || m.stopped {
		return ErrNotRunning
	}
	select {
	case m.tasks <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// failQueued answers every queued request with ErrNotRunning.
func (m *Manager) failQueued() {
	for {
		select {
		case req := <-m.tasks:
			failRequest(req, ErrNotRunning)
		default:
			return
		}
	}
}

func failRequest(req request, err error) {
	if req.fail != nil {
		req.fail(err)
	}
}

// submitInbound queues radio callback work, waiting for room so that no
// notification is lost and per-session order is kept.
func (m *Manager) submitInbound(t task) bool {
	select {
	case m.tasks <- request{run: t}:
		return true
	case <-m.quit:
		return false
	}
}

// publish hands an event to the foreground without blocking.
func (m *Manager) publish(e Event) {
	select {
	case m.events <- e:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "publish",
			"event":    e.Type.String(),
		}).Warn("Event buffer full; event dropped")
	}
}

// sessionsChanged refreshes the snapshot and announces it.
func (m *Manager) sessionsChanged() {
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	m.setSnapshot(infos)

	out := make([]SessionInfo, len(infos))
	copy(out, infos)
	m.publish(Event{Type: EventSessionsChanged, Sessions: out})
}

func (m *Manager) setSnapshot(infos []SessionInfo) {
	m.snapMu.Lock()
	m.snapshot = infos
	m.snapMu.Unlock()
}

// sessionFor returns the open session of the peer with device id peerID.
func (m *Manager) sessionFor(peerID string) *session {
	if peerID == "" {
		return nil
	}
	var found *session
	for _, s := range m.sessions {
		if s.peerID != peerID || !s.open() {
			continue
		}
		if found == nil || s.state == StateTrusted && found.state != StateTrusted {
			found = s
		}
	}
	return found
}

// trustedSessions returns the trusted, open sessions sorted by address.
func (m *Manager) trustedSessions() []*session {
	var out []*session
	for _, s := range m.sessions {
		if s.state == StateTrusted && s.conn != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// current reports whether s is still the registered session for its address.
func (m *Manager) current(s *session) bool {
	return m.sessions[s.address] == s
}

// dropSession marks s disconnected and forgets it.
func (m *Manager) dropSession(s *session, reason string) {
	if !m.current(s) {
		return
	}
	s.state = StateDisconnected
	delete(m.sessions, s.address)

	logrus.WithFields(logrus.Fields{
		"function": "dropSession",
		"peer":     s.address,
		"peer_id":  s.peerID,
		"reason":   reason,
	}).Info("Session closed")
	m.sessionsChanged()
}

// writeContext bounds one radio write.
func (m *Manager) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.WriteTimeout)
}
