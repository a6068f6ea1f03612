package ledger

import "github.com/sirupsen/logrus"

// EnqueuePending parks r until its recipient is heard from. Records without
// a recipient are ignored.
func (l *Ledger) EnqueuePending(r *Record) {
	if r == nil || r.RecipientID == "" {
		return
	}

	l.mu.Lock()
	l.pending = append(l.pending, r)
	count := len(l.pending)
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Ledger.EnqueuePending",
		"recipient_id":  r.RecipientID,
		"hash":          shortHash(r.Hash),
		"pending_count": count,
	}).Debug("Record parked for store-and-forward")
}

// PendingFor returns the parked records addressed to recipientID, oldest
// first. The returned pointers identify the queued entries for Dequeue.
func (l *Ledger) PendingFor(recipientID string) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for _, r := range l.pending {
		if r.RecipientID == recipientID {
			out = append(out, r)
		}
	}
	return out
}

// Dequeue removes the given records from the pending queue by identity.
// Records that are not queued are ignored.
func (l *Ledger) Dequeue(records []*Record) {
	if len(records) == 0 {
		return
	}
	remove := make(map[*Record]int, len(records))
	for _, r := range records {
		remove[r]++
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.pending[:0]
	for _, r := range l.pending {
		if remove[r] > 0 {
			remove[r]--
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(l.pending); i++ {
		l.pending[i] = nil
	}
	l.pending = kept
}

// PendingCount returns the number of parked records.
func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}
