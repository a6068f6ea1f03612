package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wireFields = []string{
	"index", "previous_hash", "timestamp", "data", "nonce", "hash",
	"sender_id", "recipient_id", "message_type", "file_data", "file_name",
	"encryption_key", "expiration_time", "status",
}

func TestEncodeCarriesEveryField(t *testing.T) {
	r := New().NewRecord(Draft{Data: "hi", SenderID: "device-a"})

	b, err := r.Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, f := range wireFields {
		assert.Contains(t, raw, f)
	}
	assert.Len(t, raw, len(wireFields))
	assert.JSONEq(t, "null", string(raw["recipient_id"]))
	assert.JSONEq(t, "null", string(raw["encryption_key"]))
	assert.JSONEq(t, "null", string(raw["expiration_time"]))
	assert.JSONEq(t, `"text"`, string(raw["message_type"]))
	assert.JSONEq(t, `"sent"`, string(raw["status"]))
}

func TestDecodePreservesHash(t *testing.T) {
	exp := 1700000123.25
	r := New().NewRecord(Draft{
		Data:           "cipher",
		SenderID:       "device-a",
		RecipientID:    "device-b",
		Kind:           KindFile,
		FileData:       "AAEC",
		FileName:       "notes.txt",
		ExpirationTime: &exp,
	})
	r.EncryptionKey = "wrapped"
	r.Rehash()

	b, err := r.Encode()
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, r.Hash, got.Hash)
	assert.True(t, got.HasValidHash(), "hash survives the wire")
	assert.Equal(t, KindFile, got.Kind)
	assert.Equal(t, "notes.txt", got.FileName)
	require.NotNil(t, got.ExpirationTime)
	assert.Equal(t, exp, *got.ExpirationTime)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{{`,
		"null":          `null`,
		"missing hash":  `{"index":1,"previous_hash":"a","timestamp":1,"data":"x","nonce":0}`,
		"missing index": `{"previous_hash":"a","timestamp":1,"data":"x","nonce":0,"hash":"h"}`,
		"handshake":     `{"type":"key_exchange","device_id":"a","public_key":"k"}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}

	_, err := Decode([]byte(`{"index":1,"previous_hash":"a","timestamp":1,"data":"x","nonce":0,"hash":"h","message_type":"video"}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
