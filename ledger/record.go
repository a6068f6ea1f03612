package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies what a record carries.
type Kind string

const (
	KindText  Kind = "text"
	KindFile  Kind = "file"
	KindImage Kind = "image"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage:
		return true
	}
	return false
}

// Status is the local delivery state of a record.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

const (
	// GenesisPreviousHash is the predecessor sentinel of the genesis record.
	GenesisPreviousHash = "0"
	// GenesisData is the fixed payload of the genesis record.
	GenesisData = "Genesis Block"
)

var (
	// ErrMalformedRecord indicates a wire envelope that is missing required fields.
	ErrMalformedRecord = errors.New("malformed record envelope")
	// ErrUnknownKind indicates an unsupported message_type.
	ErrUnknownKind = errors.New("unknown message type")
)

// Record is one hash-linked entry of a device's ledger.
//
// Hash always equals CalculateHash() for a valid record. Every field except
// Status participates in the hash; Status is delivery bookkeeping that
// changes after the record has been chained.
type Record struct {
	Index          int64
	PreviousHash   string
	Timestamp      float64 // seconds since the Unix epoch
	Data           string  // ciphertext when EncryptionKey is set
	Nonce          uint64
	Hash           string
	SenderID       string
	RecipientID    string
	Kind           Kind
	FileData       string // base64
	FileName       string
	EncryptionKey  string // RSA-wrapped symmetric key, base64
	ExpirationTime *float64
	Status         Status
}

// hashInput lists the hashed fields with their wire names in sorted order.
type hashInput struct {
	Data           *string  `json:"data"`
	EncryptionKey  *string  `json:"encryption_key"`
	ExpirationTime *float64 `json:"expiration_time"`
	FileData       *string  `json:"file_data"`
	FileName       *string  `json:"file_name"`
	Index          int64    `json:"index"`
	MessageType    string   `json:"message_type"`
	Nonce          uint64   `json:"nonce"`
	PreviousHash   string   `json:"previous_hash"`
	RecipientID    *string  `json:"recipient_id"`
	SenderID       *string  `json:"sender_id"`
	Timestamp      float64  `json:"timestamp"`
}

// envelope is the flat wire form of a record. All fields are always present;
// optional ones are encoded as null.
type envelope struct {
	Index          *int64   `json:"index"`
	PreviousHash   *string  `json:"previous_hash"`
	Timestamp      *float64 `json:"timestamp"`
	Data           *string  `json:"data"`
	Nonce          *uint64  `json:"nonce"`
	Hash           *string  `json:"hash"`
	SenderID       *string  `json:"sender_id"`
	RecipientID    *string  `json:"recipient_id"`
	MessageType    *string  `json:"message_type"`
	FileData       *string  `json:"file_data"`
	FileName       *string  `json:"file_name"`
	EncryptionKey  *string  `json:"encryption_key"`
	ExpirationTime *float64 `json:"expiration_time"`
	Status         *string  `json:"status"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CalculateHash returns the hex SHA-256 of the canonical encoding of r.
func (r *Record) CalculateHash() string {
	data := r.Data
	kind := r.Kind
	if kind == "" {
		kind = KindText
	}
	in := hashInput{
		Data:           &data,
		EncryptionKey:  nullable(r.EncryptionKey),
		ExpirationTime: r.ExpirationTime,
		FileData:       nullable(r.FileData),
		FileName:       nullable(r.FileName),
		Index:          r.Index,
		MessageType:    string(kind),
		Nonce:          r.Nonce,
		PreviousHash:   r.PreviousHash,
		RecipientID:    nullable(r.RecipientID),
		SenderID:       nullable(r.SenderID),
		Timestamp:      r.Timestamp,
	}
	// Marshalling a struct of plain values cannot fail.
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Rehash recomputes and stores the record hash.
func (r *Record) Rehash() {
	r.Hash = r.CalculateHash()
}

// HasValidHash reports whether the stored hash matches the record contents.
func (r *Record) HasValidHash() bool {
	return r.Hash == r.CalculateHash()
}

// Encrypted reports whether Data holds sealed ciphertext.
func (r *Record) Encrypted() bool {
	return r.EncryptionKey != ""
}

// Expired reports whether the record carries an expiry at or before now.
func (r *Record) Expired(now float64) bool {
	return r.ExpirationTime != nil && *r.ExpirationTime <= now
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.ExpirationTime != nil {
		exp := *r.ExpirationTime
		c.ExpirationTime = &exp
	}
	return &c
}

// MarshalJSON encodes the record as the flat wire envelope.
func (r *Record) MarshalJSON() ([]byte, error) {
	kind := string(r.Kind)
	if kind == "" {
		kind = string(KindText)
	}
	status := string(r.Status)
	if status == "" {
		status = string(StatusSent)
	}
	index, ts, nonce := r.Index, r.Timestamp, r.Nonce
	prev, data, hash := r.PreviousHash, r.Data, r.Hash
	return json.Marshal(envelope{
		Index:          &index,
		PreviousHash:   &prev,
		Timestamp:      &ts,
		Data:           &data,
		Nonce:          &nonce,
		Hash:           &hash,
		SenderID:       nullable(r.SenderID),
		RecipientID:    nullable(r.RecipientID),
		MessageType:    &kind,
		FileData:       nullable(r.FileData),
		FileName:       nullable(r.FileName),
		EncryptionKey:  nullable(r.EncryptionKey),
		ExpirationTime: r.ExpirationTime,
		Status:         &status,
	})
}

// UnmarshalJSON decodes a wire envelope. The hash is taken as-is; callers
// validate it against the contents.
func (r *Record) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if env.Index == nil || env.PreviousHash == nil || env.Timestamp == nil ||
		env.Data == nil || env.Nonce == nil || env.Hash == nil {
		return ErrMalformedRecord
	}

	kind := KindText
	if env.MessageType != nil {
		kind = Kind(*env.MessageType)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	status := StatusSent
	if env.Status != nil && *env.Status != "" {
		status = Status(*env.Status)
	}

	*r = Record{
		Index:          *env.Index,
		PreviousHash:   *env.PreviousHash,
		Timestamp:      *env.Timestamp,
		Data:           *env.Data,
		Nonce:          *env.Nonce,
		Hash:           *env.Hash,
		SenderID:       deref(env.SenderID),
		RecipientID:    deref(env.RecipientID),
		Kind:           kind,
		FileData:       deref(env.FileData),
		FileName:       deref(env.FileName),
		EncryptionKey:  deref(env.EncryptionKey),
		ExpirationTime: env.ExpirationTime,
		Status:         status,
	}
	return nil
}

// Encode returns the UTF-8 wire bytes of the record.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses wire bytes into a record.
func Decode(b []byte) (*Record, error) {
	r := &Record{}
	if err := r.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return r, nil
}
