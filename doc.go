// Package meshledger is an infrastructure-free messaging engine for nearby
// devices. Every device keeps an append-only, hash-chained ledger of
// messages, exchanges RSA keys over a short-range link, seals addressed
// messages end to end and carries messages for recipients that are out of
// range until they are heard from again.
//
// Example:
//
//	air := transport.NewAir()
//	options := meshledger.NewOptions()
//	options.Radio = air.Radio("aa:bb")
//
//	node, err := meshledger.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	res := <-node.SendText("hello", "")
//	if res.Err != nil {
//	    log.Fatal(res.Err)
//	}
//
//	for e := range node.Events() {
//	    if e.Type == link.EventRecordAppended && !e.Local {
//	        fmt.Printf("%s: %s\n", e.PeerID, e.Plaintext)
//	    }
//	}
//
// # Packages
//
//   - ledger: records, hashing, proof of work, the chain and the pending queue.
//   - crypto: device identity, contacts, hybrid sealing, signatures and the
//     encrypted key store.
//   - link: the worker that runs discovery, handshakes, validation,
//     broadcast and relay.
//   - transport: the radio contract plus in-memory and QUIC radios.
//   - store: contact and group persistence on files, Redis or MongoDB.
//   - limits: payload size caps.
package meshledger
