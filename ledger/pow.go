package ledger

import (
	"context"
	"strings"
)

// checkEvery is how many hash attempts pass between context checks.
const checkEvery = 1024

// ProofOfWork increments r.Nonce until the hash starts with difficulty '0'
// characters and returns r. It always terminates but has no upper bound, so
// it must not run on a goroutine that has to stay responsive.
func ProofOfWork(r *Record, difficulty int) *Record {
	mined, _ := ProofOfWorkContext(context.Background(), r, difficulty)
	return mined
}

// ProofOfWorkContext is ProofOfWork that gives up when ctx is done. On
// cancellation r keeps the last nonce tried and a consistent hash.
func ProofOfWorkContext(ctx context.Context, r *Record, difficulty int) (*Record, error) {
	if difficulty <= 0 {
		return r, nil
	}
	prefix := strings.Repeat("0", difficulty)
	r.Rehash()
	for attempts := 0; !strings.HasPrefix(r.Hash, prefix); attempts++ {
		if attempts%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return r, err
			}
		}
		r.Nonce++
		r.Rehash()
	}
	return r, nil
}

// Mine runs the proof of work at the ledger's configured difficulty.
func (l *Ledger) Mine(ctx context.Context, r *Record) (*Record, error) {
	return ProofOfWorkContext(ctx, r, l.difficulty)
}
