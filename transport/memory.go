package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Frame is one captured write on an Air.
type Frame struct {
	From    string
	To      string
	Payload []byte
}

// Air is an in-process radio medium. Every MemoryRadio attached to the same
// Air can discover and connect to the others.
type Air struct {
	mu       sync.Mutex
	radios   map[string]*MemoryRadio
	record   bool
	captured []Frame
}

// NewAir creates an empty medium.
func NewAir() *Air {
	return &Air{radios: make(map[string]*MemoryRadio)}
}

// Radio attaches a new radio at address. Attaching the same address twice
// returns the existing radio.
func (a *Air) Radio(address string) *MemoryRadio {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.radios[address]; ok {
		return r
	}
	r := &MemoryRadio{
		air:          a,
		address:      address,
		connectFault: make(map[string]error),
		writeFault:   make(map[string]error),
		conns:        make(map[*memConn]struct{}),
	}
	a.radios[address] = r
	return r
}

// Record starts capturing every write for later inspection.
func (a *Air) Record() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record = true
}

// Captured returns a copy of the frames written since Record.
func (a *Air) Captured() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Frame, len(a.captured))
	copy(out, a.captured)
	return out
}

func (a *Air) lookup(address string) *MemoryRadio {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.radios[address]
}

func (a *Air) capture(from, to string, payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.record {
		a.captured = append(a.captured, Frame{From: from, To: to, Payload: payload})
	}
}

func (a *Air) devices(exclude string) []Device {
	a.mu.Lock()
	radios := make([]*MemoryRadio, 0, len(a.radios))
	for addr, r := range a.radios {
		if addr != exclude {
			radios = append(radios, r)
		}
	}
	a.mu.Unlock()

	var found []Device
	for _, r := range radios {
		if name, ok := r.advertisedName(); ok {
			found = append(found, Device{Name: name, Address: r.address})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Address < found[j].Address })
	return found
}

// MemoryRadio is one device on an Air. It implements Radio and Advertiser
// and lets tests inject connect and write failures per peer address.
type MemoryRadio struct {
	air     *Air
	address string

	mu           sync.Mutex
	name         string
	accept       func(Conn)
	advertising  bool
	connectFault map[string]error
	writeFault   map[string]error
	conns        map[*memConn]struct{}
}

// memConn is one end of an in-memory link.
type memConn struct {
	owner  *MemoryRadio
	remote string
	peer   *memConn
	inbox  *inbox
}

func (c *memConn) Address() string       { return c.remote }
func (c *memConn) Done() <-chan struct{} { return c.inbox.done }

// Address returns the radio's own address.
func (r *MemoryRadio) Address() string {
	return r.address
}

// FailConnect makes connection attempts to address fail with err. A nil err
// clears the fault.
func (r *MemoryRadio) FailConnect(address string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.connectFault, address)
		return
	}
	r.connectFault[address] = err
}

// FailWrites makes writes to address fail with err. A nil err clears the
// fault.
func (r *MemoryRadio) FailWrites(address string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.writeFault, address)
		return
	}
	r.writeFault[address] = err
}

// Advertise implements Advertiser.
func (r *MemoryRadio) Advertise(ctx context.Context, name string, accept func(Conn)) error {
	r.mu.Lock()
	r.name = name
	r.accept = accept
	r.advertising = true
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"address":  r.address,
		"name":     name,
	}).Debug("Memory radio advertising")

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.advertising = false
		r.accept = nil
		r.mu.Unlock()
	}()
	return nil
}

func (r *MemoryRadio) advertisedName() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name, r.advertising
}

// Scan implements Radio.
func (r *MemoryRadio) Scan(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.air.devices(r.address), nil
}

// Connect implements Radio.
func (r *MemoryRadio) Connect(ctx context.Context, address string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}

	r.mu.Lock()
	fault := r.connectFault[address]
	r.mu.Unlock()
	if fault != nil {
		return nil, &ConnectError{Address: address, Err: fault}
	}

	target := r.air.lookup(address)
	if target == nil || target == r {
		return nil, &ConnectError{Address: address, Err: ErrDeviceNotFound}
	}

	target.mu.Lock()
	accept := target.accept
	target.mu.Unlock()
	if accept == nil {
		return nil, &ConnectError{Address: address, Err: fmt.Errorf("%w: not advertising", ErrDeviceNotFound)}
	}

	local := &memConn{owner: r, remote: address, inbox: newInbox()}
	remote := &memConn{owner: target, remote: r.address, inbox: newInbox()}
	local.peer, remote.peer = remote, local

	r.track(local)
	target.track(remote)

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"from":     r.address,
		"to":       address,
	}).Debug("Memory link established")

	accept(remote)
	return local, nil
}

func (r *MemoryRadio) track(c *memConn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *MemoryRadio) own(conn Conn) (*memConn, error) {
	c, ok := conn.(*memConn)
	if !ok || c.owner != r {
		return nil, fmt.Errorf("%w: foreign connection", ErrNotConnected)
	}
	return c, nil
}

// Write implements Radio.
func (r *MemoryRadio) Write(ctx context.Context, conn Conn, ch Channel, payload []byte) error {
	if ch != ChannelWrite {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	c, err := r.own(conn)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	fault := r.writeFault[c.remote]
	r.mu.Unlock()
	if fault != nil {
		return fault
	}

	if c.inbox.closed() {
		return ErrNotConnected
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if !c.peer.inbox.push(buf) {
		return ErrNotConnected
	}
	r.air.capture(r.address, c.remote, buf)
	return nil
}

// Subscribe implements Radio.
func (r *MemoryRadio) Subscribe(conn Conn, ch Channel, onNotify func([]byte)) error {
	if ch != ChannelNotify {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	c, err := r.own(conn)
	if err != nil {
		return err
	}
	return c.inbox.subscribe(onNotify)
}

// Disconnect implements Radio. Both ends observe Done.
func (r *MemoryRadio) Disconnect(conn Conn) error {
	c, err := r.own(conn)
	if err != nil {
		return err
	}
	c.inbox.close()
	c.peer.inbox.close()

	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
	c.peer.owner.mu.Lock()
	delete(c.peer.owner.conns, c.peer)
	c.peer.owner.mu.Unlock()
	return nil
}

// Open returns the number of links this radio currently holds.
func (r *MemoryRadio) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
