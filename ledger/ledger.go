package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultDifficulty is the default number of leading '0' characters
// required by the proof-of-work gate.
const DefaultDifficulty = 2

var (
	// ErrIndexMismatch indicates a record that is not the tip's successor.
	ErrIndexMismatch = errors.New("record index does not follow tip")
	// ErrPreviousHashMismatch indicates a record not linked to the tip hash.
	ErrPreviousHashMismatch = errors.New("record previous hash does not match tip")
	// ErrHashMismatch indicates a record whose stored hash is not its content hash.
	ErrHashMismatch = errors.New("record hash does not match contents")
)

// Draft holds the caller-chosen fields of a locally authored record.
type Draft struct {
	Data           string
	SenderID       string
	RecipientID    string
	Kind           Kind
	FileData       string
	FileName       string
	ExpirationTime *float64
}

// Ledger is an append-only hash chain of records plus a queue of records
// waiting for their recipient to come into range.
//
// Ledger is safe for concurrent use: the owning worker mutates it while
// other goroutines read snapshots.
type Ledger struct {
	mu           sync.RWMutex
	chain        []*Record
	pending      []*Record
	difficulty   int
	timeProvider TimeProvider
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDifficulty sets the proof-of-work difficulty used by Mine.
func WithDifficulty(d int) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.difficulty = d
		}
	}
}

// WithTimeProvider injects the clock used for record timestamps.
func WithTimeProvider(tp TimeProvider) Option {
	return func(l *Ledger) {
		if tp != nil {
			l.timeProvider = tp
		}
	}
}

// Genesis returns the fixed first record shared by every device.
func Genesis() *Record {
	r := &Record{
		Index:        0,
		PreviousHash: GenesisPreviousHash,
		Timestamp:    0,
		Data:         GenesisData,
		Kind:         KindText,
		Status:       StatusSent,
	}
	r.Rehash()
	return r
}

// New creates a ledger holding only the genesis record.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		chain:        []*Record{Genesis()},
		pending:      make([]*Record, 0),
		difficulty:   DefaultDifficulty,
		timeProvider: DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Difficulty returns the configured proof-of-work difficulty.
func (l *Ledger) Difficulty() int {
	return l.difficulty
}

// Now returns the ledger clock in record timestamp units.
func (l *Ledger) Now() float64 {
	return Seconds(l.timeProvider.Now())
}

// Tip returns a copy of the latest record.
func (l *Ledger) Tip() *Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Clone()
}

// Len returns the number of records including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Records returns a copy of the whole chain.
func (l *Ledger) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, len(l.chain))
	for i, r := range l.chain {
		out[i] = r.Clone()
	}
	return out
}

// Visible returns copies of the non-genesis records that have not expired at now.
func (l *Ledger) Visible(now float64) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, 0, len(l.chain)-1)
	for _, r := range l.chain[1:] {
		if !r.Expired(now) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// NewRecord builds the tip's successor from d. The record is hashed but not
// mined and not appended.
func (l *Ledger) NewRecord(d Draft) *Record {
	kind := d.Kind
	if kind == "" {
		kind = KindText
	}

	l.mu.RLock()
	tip := l.chain[len(l.chain)-1]
	r := &Record{
		Index:          tip.Index + 1,
		PreviousHash:   tip.Hash,
		Timestamp:      l.Now(),
		Data:           d.Data,
		SenderID:       d.SenderID,
		RecipientID:    d.RecipientID,
		Kind:           kind,
		FileData:       d.FileData,
		FileName:       d.FileName,
		ExpirationTime: d.ExpirationTime,
		Status:         StatusSent,
	}
	l.mu.RUnlock()

	r.Rehash()
	return r
}

// Append links a locally authored record to the current tip, recomputes its
// hash and appends it. The returned record is the one stored in the chain.
func (l *Ledger) Append(r *Record) *Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	tip := l.chain[len(l.chain)-1]
	r.Index = tip.Index + 1
	r.PreviousHash = tip.Hash
	r.Rehash()
	l.chain = append(l.chain, r)

	logrus.WithFields(logrus.Fields{
		"function": "Ledger.Append",
		"index":    r.Index,
		"hash":     shortHash(r.Hash),
	}).Debug("Appended local record")

	return r
}

// Validate checks that r is exactly the successor of the current tip.
func (l *Ledger) Validate(r *Record) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateLocked(r)
}

func (l *Ledger) validateLocked(r *Record) error {
	tip := l.chain[len(l.chain)-1]
	if r.Index != tip.Index+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrIndexMismatch, r.Index, tip.Index+1)
	}
	if r.PreviousHash != tip.Hash {
		return ErrPreviousHashMismatch
	}
	if !r.HasValidHash() {
		return ErrHashMismatch
	}
	return nil
}

// AppendValidated appends a record received from a peer without touching
// its linkage. The check and the append happen under one lock.
func (l *Ledger) AppendValidated(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validateLocked(r); err != nil {
		return err
	}
	l.chain = append(l.chain, r)
	return nil
}

// SetStatus updates the delivery status of the chained record with the given
// hash. Status is not part of the hash, so the chain stays valid.
func (l *Ledger) SetStatus(hash string, status Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.chain {
		if r.Hash == hash {
			r.Status = status
			return true
		}
	}
	return false
}

// IsValid recomputes every hash and predecessor link in the chain.
func (l *Ledger) IsValid() bool {
	return l.Audit() == nil
}

// Audit is IsValid with the first failure reported.
func (l *Ledger) Audit() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := 1; i < len(l.chain); i++ {
		cur, prev := l.chain[i], l.chain[i-1]
		if !cur.HasValidHash() {
			return fmt.Errorf("index %d: %w", cur.Index, ErrHashMismatch)
		}
		if cur.PreviousHash != prev.Hash {
			return fmt.Errorf("index %d: %w", cur.Index, ErrPreviousHashMismatch)
		}
		if cur.Index != prev.Index+1 {
			return fmt.Errorf("index %d: %w", cur.Index, ErrIndexMismatch)
		}
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
