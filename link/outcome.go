package link

import (
	"errors"

	"github.com/opd-ai/meshledger/ledger"
)

// ValidationOutcome is the fate of an inbound payload.
type ValidationOutcome int

const (
	// Accepted: the record is the exact successor of the local tip.
	Accepted ValidationOutcome = iota
	// DroppedIndex: the index is not tip+1 (ahead, behind or duplicate).
	DroppedIndex
	// DroppedPreviousHash: the record does not link to the local tip.
	DroppedPreviousHash
	// DroppedHash: the stored hash does not match the contents.
	DroppedHash
	// DroppedMalformed: the payload is neither a handshake nor a record.
	DroppedMalformed
	// DroppedOversize: the payload exceeded the wire limit and was not parsed.
	DroppedOversize
	// DroppedUnknownType: a typed envelope other than a key exchange.
	DroppedUnknownType
)

func (o ValidationOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DroppedIndex:
		return "dropped_index"
	case DroppedPreviousHash:
		return "dropped_previous_hash"
	case DroppedHash:
		return "dropped_hash"
	case DroppedMalformed:
		return "dropped_malformed"
	case DroppedOversize:
		return "dropped_oversize"
	case DroppedUnknownType:
		return "dropped_unknown_type"
	default:
		return "unknown"
	}
}

// outcomeOf maps a ledger validation error to an outcome.
func outcomeOf(err error) ValidationOutcome {
	switch {
	case err == nil:
		return Accepted
	case errors.Is(err, ledger.ErrIndexMismatch):
		return DroppedIndex
	case errors.Is(err, ledger.ErrPreviousHashMismatch):
		return DroppedPreviousHash
	case errors.Is(err, ledger.ErrHashMismatch):
		return DroppedHash
	default:
		return DroppedMalformed
	}
}
