// Package link is the concurrency core of meshledger: it discovers peers,
// runs the key exchange, validates inbound records against the local chain,
// broadcasts locally authored records and relays parked records to
// recipients once they are heard from.
//
// # Worker model
//
// A [Manager] owns one worker goroutine that drains a task queue. Every
// radio operation, every inbound notification and every foreground request
// runs there, in order. Foreground calls return a result channel at once:
//
//	mgr, _ := link.NewManager(link.Config{Radio: radio, Ledger: l, Crypto: c})
//	_ = mgr.Start(ctx)
//	res := <-mgr.Connect(address)
//	sent := <-mgr.Send(link.SendRequest{Text: "hi"})
//
// State is read through [Manager.Sessions] snapshots and the [Event] stream
// from [Manager.Events]. The stream is buffered and never blocks the worker.
//
// # Sessions
//
// Each peer link moves through Discovered, Connecting, HandshakePending,
// Trusted and Disconnected. On link-up the manager subscribes to the peer,
// writes its handshake and then its current tip. The peer is trusted when
// its own handshake arrives; by default any handshake is accepted
// (trust on first handshake). With Config.RequirePairing only contacts
// added out of band, carrying the paired key, are trusted.
//
// # Inbound payloads
//
// Payloads over the wire limit are dropped before parsing. A payload with a
// "type" field is a typed envelope: "key_exchange" is a handshake and any
// other type is dropped. Everything else must decode as a record and be the
// exact successor of the local tip; anything else is dropped and reported
// as a [ValidationOutcome]. Sealed records from a contact addressed to this
// device are opened for the event stream; the chain keeps the ciphertext.
//
// # Store and forward
//
// A record addressed to a peer without a trusted session is parked in the
// ledger's pending queue, both on the authoring device and on any carrier
// that receives it. Parked records are relayed as soon as the recipient
// completes a handshake or is the sender of an accepted record.
package link
