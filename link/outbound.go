package link

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshledger/crypto"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/limits"
	"github.com/opd-ai/meshledger/transport"
)

// SendRequest describes a locally authored message.
type SendRequest struct {
	// Text is the message body, or the caption of a file.
	Text string
	// RecipientID addresses one contact; empty means everyone in range.
	RecipientID string
	// Kind defaults to text. File and image kinds require File.
	Kind     ledger.Kind
	File     []byte
	FileName string
	// ExpiresIn hides the record from Visible once it has passed. Zero
	// means never.
	ExpiresIn time.Duration
}

// SendResult reports what happened to a send. Record is nil when Err is set.
type SendResult struct {
	Record *ledger.Record
	// Sealed is true when the body was encrypted for the recipient.
	Sealed bool
	// SealErr explains why an addressed message went out in the clear.
	SealErr error
	// Pending is true when the record was parked for store-and-forward.
	Pending   bool
	Broadcast BroadcastResult
	Err       error
}

// BroadcastResult lists per-session outcomes. A failure on one session does
// not stop delivery to the others.
type BroadcastResult struct {
	Delivered []string
	Failed    map[string]error
	Err       error
}

// Send authors, mines, appends and broadcasts a record on the worker.
func (m *Manager) Send(req SendRequest) <-chan SendResult {
	out := make(chan SendResult, 1)
	m.request(
		func(ctx context.Context) { out <- m.send(ctx, req) },
		func(err error) { out <- SendResult{Err: err} },
	)
	return out
}

// Broadcast writes r to every trusted session.
func (m *Manager) Broadcast(r *ledger.Record) <-chan BroadcastResult {
	out := make(chan BroadcastResult, 1)
	rec := r.Clone()
	m.request(
		func(ctx context.Context) { out <- m.broadcast(ctx, rec) },
		func(err error) { out <- BroadcastResult{Err: err} },
	)
	return out
}

// MarkStatus sets the delivery status of a chained record on the worker.
func (m *Manager) MarkStatus(hash string, status ledger.Status) <-chan error {
	out := make(chan error, 1)
	m.request(func(context.Context) {
		if !m.ledger.SetStatus(hash, status) {
			out <- fmt.Errorf("%w: %s", ErrUnknownRecord, hash)
			return
		}
		out <- nil
	}, func(err error) { out <- err })
	return out
}

func validateRequest(req SendRequest) error {
	kind := req.Kind
	if kind == "" {
		kind = ledger.KindText
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownKind, kind)
	}
	if kind == ledger.KindText {
		return limits.ValidateText(req.Text)
	}
	if err := limits.ValidateFile(req.File); err != nil {
		return err
	}
	if len(req.Text) > limits.MaxTextPayload {
		return limits.ValidateText(req.Text)
	}
	return nil
}

func (m *Manager) send(ctx context.Context, req SendRequest) SendResult {
	if err := validateRequest(req); err != nil {
		return SendResult{Err: err}
	}

	draft := ledger.Draft{
		Data:        req.Text,
		SenderID:    m.DeviceID(),
		RecipientID: req.RecipientID,
		Kind:        req.Kind,
		FileName:    req.FileName,
	}
	if len(req.File) > 0 {
		draft.FileData = base64.StdEncoding.EncodeToString(req.File)
	}
	if req.ExpiresIn > 0 {
		expires := m.ledger.Now() + req.ExpiresIn.Seconds()
		draft.ExpirationTime = &expires
	}
	r := m.ledger.NewRecord(draft)

	var res SendResult
	if req.RecipientID != "" {
		if m.crypto.HasContact(req.RecipientID) {
			sealed, err := m.crypto.Seal([]byte(req.Text), req.RecipientID)
			if err != nil {
				res.SealErr = err
			} else {
				r.Data = sealed.Ciphertext
				r.EncryptionKey = sealed.WrappedKey
				res.Sealed = true
			}
		} else {
			res.SealErr = crypto.ErrUnknownRecipient
		}
		if res.SealErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "send",
				"recipient_id": req.RecipientID,
				"error":        res.SealErr.Error(),
			}).Warn("Sending unsealed")
		}
	}

	start := time.Now()
	mined, err := m.ledger.Mine(ctx, r)
	if err != nil {
		return SendResult{Err: fmt.Errorf("proof of work: %w", err)}
	}
	appended := m.ledger.Append(mined)

	logrus.WithFields(logrus.Fields{
		"function":   "send",
		"index":      appended.Index,
		"nonce":      appended.Nonce,
		"difficulty": m.ledger.Difficulty(),
		"mined_in":   time.Since(start).String(),
		"sealed":     res.Sealed,
	}).Debug("Authored record")

	m.publish(Event{
		Type:      EventRecordAppended,
		Record:    appended.Clone(),
		Plaintext: []byte(req.Text),
		Local:     true,
		PeerID:    req.RecipientID,
	})

	res.Broadcast = m.broadcast(ctx, appended)

	if req.RecipientID != "" {
		if s := m.sessionFor(req.RecipientID); s == nil || s.state != StateTrusted {
			m.ledger.EnqueuePending(appended.Clone())
			res.Pending = true
		}
	}

	res.Record = appended.Clone()
	return res
}

func (m *Manager) broadcast(ctx context.Context, r *ledger.Record) BroadcastResult {
	res := BroadcastResult{Failed: make(map[string]error)}
	for _, s := range m.trustedSessions() {
		if err := m.writeRecord(ctx, s, r); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "broadcast",
				"peer":     s.address,
				"index":    r.Index,
				"error":    err.Error(),
			}).Warn("Broadcast write failed")
			res.Failed[s.address] = err
			continue
		}
		res.Delivered = append(res.Delivered, s.address)
	}
	return res
}

func (m *Manager) writeRecord(ctx context.Context, s *session, r *ledger.Record) error {
	payload, err := r.Encode()
	if err != nil {
		return err
	}
	wctx, cancel := m.writeContext(ctx)
	defer cancel()
	return m.radio.Write(wctx, s.conn, transport.ChannelWrite, payload)
}
