// Package transport defines the short-range radio contract used by the link
// manager and provides two implementations of it.
//
// # Radio Contract
//
// A [Radio] exposes the five black-box operations of a BLE-style stack:
//
//	devices, err := radio.Scan(ctx)           // one discovery pass
//	conn, err := radio.Connect(ctx, address)  // *ConnectError on failure
//	err = radio.Subscribe(conn, transport.ChannelNotify, onNotify)
//	err = radio.Write(ctx, conn, transport.ChannelWrite, payload)
//	err = radio.Disconnect(conn)
//
// Each link has two logical channels. Bytes written to [ChannelWrite] on one
// end arrive at the other end's [ChannelNotify] subscriber, one message per
// write, in write order. Messages that arrive before Subscribe are held.
//
// Radios that can take the peripheral role also implement [Advertiser], so
// that two nodes can each reach the other.
//
// # Implementations
//
// [Air] is an in-process medium. Every [MemoryRadio] attached to it can scan
// for and connect to the others, and tests can inject connect and write
// failures or capture every frame:
//
//	air := transport.NewAir()
//	a, b := air.Radio("aa:01"), air.Radio("bb:02")
//	air.Record()
//	a.FailWrites("bb:02", errors.New("out of range"))
//
// [QUICRadio] runs the same contract over QUIC (quic-go) for nodes on a LAN.
// A link is one QUIC connection with a single bidirectional stream of
// frames; each frame is a kind byte, a 4-byte big-endian length, and the
// payload. Scan probes the configured candidate addresses.
package transport
