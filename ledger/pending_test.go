package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingQueue(t *testing.T) {
	l := New(WithDifficulty(0))

	forBob1 := l.NewRecord(Draft{Data: "1", RecipientID: "bob"})
	forBob2 := l.NewRecord(Draft{Data: "2", RecipientID: "bob"})
	forCarol := l.NewRecord(Draft{Data: "3", RecipientID: "carol"})
	broadcast := l.NewRecord(Draft{Data: "4"})

	l.EnqueuePending(forBob1)
	l.EnqueuePending(forCarol)
	l.EnqueuePending(forBob2)
	l.EnqueuePending(broadcast)
	l.EnqueuePending(nil)

	assert.Equal(t, 3, l.PendingCount(), "records without recipient are not parked")

	bob := l.PendingFor("bob")
	if assert.Len(t, bob, 2) {
		assert.Same(t, forBob1, bob[0])
		assert.Same(t, forBob2, bob[1])
	}
	assert.Empty(t, l.PendingFor("dave"))

	l.Dequeue(bob)
	assert.Empty(t, l.PendingFor("bob"))
	assert.Equal(t, 1, l.PendingCount())

	// Idempotent: removing again, or removing unknown records, changes nothing.
	l.Dequeue(bob)
	l.Dequeue([]*Record{broadcast})
	assert.Equal(t, 1, l.PendingCount())
	assert.Same(t, forCarol, l.PendingFor("carol")[0])
}

func TestDequeueMatchesByIdentity(t *testing.T) {
	l := New(WithDifficulty(0))
	queued := l.NewRecord(Draft{Data: "x", RecipientID: "bob"})
	l.EnqueuePending(queued)

	// An equal value at a different address is not the queued record.
	lookalike := queued.Clone()
	l.Dequeue([]*Record{lookalike})
	assert.Equal(t, 1, l.PendingCount())

	l.Dequeue([]*Record{queued})
	assert.Equal(t, 0, l.PendingCount())
}

func TestDequeueMultiset(t *testing.T) {
	l := New(WithDifficulty(0))
	r := l.NewRecord(Draft{Data: "x", RecipientID: "bob"})
	l.EnqueuePending(r)
	l.EnqueuePending(r)

	l.Dequeue([]*Record{r})
	assert.Equal(t, 1, l.PendingCount())
	l.Dequeue([]*Record{r})
	assert.Equal(t, 0, l.PendingCount())
}
