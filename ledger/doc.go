// Package ledger implements the per-device hash-chained message ledger.
//
// # Overview
//
// Every device owns one [Ledger]: an append-only chain of [Record] values
// starting from a fixed [Genesis] record, plus a pending queue of records
// waiting for an out-of-range recipient. Each record stores the SHA-256 of
// its own canonical encoding and the hash of its predecessor, so any peer can
// check ordering and integrity with [Ledger.IsValid].
//
// # Appending
//
// Locally authored records are built with [Ledger.NewRecord], mined with
// [ProofOfWork] and stored with [Ledger.Append], which re-links the record to
// the current tip. Records received from peers go through
// [Ledger.AppendValidated], which never rewrites linkage and rejects anything
// that is not the exact successor of the tip:
//
//	l := ledger.New()
//	r := l.NewRecord(ledger.Draft{Data: "hi", SenderID: deviceID})
//	ledger.ProofOfWork(r, l.Difficulty())
//	l.Append(r)
//
// # Store and forward
//
// [Ledger.EnqueuePending] parks a record for a recipient; [Ledger.PendingFor]
// and [Ledger.Dequeue] hand it over once that recipient is heard from.
// Dequeue matches by pointer identity and ignores unknown records.
//
// # Proof of work
//
// The proof-of-work gate is a small per-message CPU cost that discourages
// flooding a narrow radio link. It is not a consensus mechanism and has no
// upper bound on running time.
package ledger
