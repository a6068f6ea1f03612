package transport

import (
	"context"
	"errors"
	"fmt"
)

// Channel names one of the two logical characteristics a peer exposes.
type Channel string

const (
	// ChannelNotify carries inbound notifications from the peer.
	ChannelNotify Channel = "0000FFE1-0000-1000-8000-00805F9B34FB"
	// ChannelWrite carries outbound writes to the peer.
	ChannelWrite Channel = "0000FFE2-0000-1000-8000-00805F9B34FB"
)

var (
	// ErrNotConnected is returned when writing to or subscribing on a
	// connection that has been closed by either side.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownChannel is returned for a channel the operation does not
	// support. Writes go to ChannelWrite; subscriptions use ChannelNotify.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrDeviceNotFound is wrapped by ConnectError when no device answers
	// at the address.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrRadioClosed is returned by every operation after Close.
	ErrRadioClosed = errors.New("radio closed")
)

// Device is one scan result.
type Device struct {
	Name    string
	Address string
}

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Conn is an open link to one peer. It is an opaque handle owned by the
// radio that produced it.
type Conn interface {
	// Address is the peer's radio address.
	Address() string
	// Done is closed once the link is gone, from either side.
	Done() <-chan struct{}
}

// Radio is the short-range transport contract consumed by the link manager.
// Bytes written to ChannelWrite on one end arrive, in order, at the other
// end's ChannelNotify subscriber.
type Radio interface {
	// Scan performs a single discovery pass.
	Scan(ctx context.Context) ([]Device, error)

	// Connect opens a link to address. Failures are *ConnectError.
	Connect(ctx context.Context, address string) (Conn, error)

	// Write sends one message to the peer.
	Write(ctx context.Context, conn Conn, ch Channel, payload []byte) error

	// Subscribe registers the handler for inbound messages on conn. Messages
	// that arrive before Subscribe are held and delivered once it is called.
	Subscribe(conn Conn, ch Channel, onNotify func([]byte)) error

	// Disconnect closes the link. Disconnecting twice is not an error.
	Disconnect(conn Conn) error
}

// Advertiser is implemented by radios that can also take the peripheral
// role and accept inbound links.
type Advertiser interface {
	// Advertise makes the radio discoverable under name and calls accept for
	// every inbound link. It returns once advertising has started and stops
	// when ctx is done.
	Advertise(ctx context.Context, name string, accept func(Conn)) error
}
