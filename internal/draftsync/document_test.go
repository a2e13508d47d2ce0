package draftsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplitKey(t *testing.T) {
	namespace, category, id, ok := SplitKey("ns/formDrafts/draft-1")
	assert.True(t, ok)
	assert.Equal(t, "ns", namespace)
	assert.Equal(t, "formDrafts", category)
	assert.Equal(t, "draft-1", id)

	// Document IDs may contain slashes.
	_, _, id, ok = SplitKey("ns/formDrafts/customers/42/draft")
	assert.True(t, ok)
	assert.Equal(t, "customers/42/draft", id)

	for _, key := range []string{"", "ns", "ns/formDrafts", "ns//x", "/formDrafts/x", "ns/formDrafts/"} {
		_, _, _, ok := SplitKey(key)
		assert.False(t, ok, key)
	}
}

func TestLeaseLiveAt(t *testing.T) {
	now := time.Now().UTC()
	doc := Document{OwnerInstanceID: "tab-a", OwnerLeaseExpiresAt: now.Add(time.Minute)}
	assert.True(t, doc.LeaseLiveAt(now))
	assert.False(t, doc.LeaseLiveAt(now.Add(2*time.Minute)))
	assert.False(t, Document{OwnerLeaseExpiresAt: now.Add(time.Minute)}.LeaseLiveAt(now), "no owner means no lease")
	assert.False(t, Document{OwnerInstanceID: "tab-a"}.LeaseLiveAt(now), "zero expiry means no lease")
}

func TestPayloadsEqual(t *testing.T) {
	assert.True(t, payloadsEqual(Payload{"a": 1, "b": []any{"x"}}, Payload{"a": 1, "b": []any{"x"}}))
	assert.True(t, payloadsEqual(nil, Payload{}))
	assert.False(t, payloadsEqual(Payload{"a": 1}, Payload{"a": 2}))
	assert.False(t, payloadsEqual(Payload{"a": 1}, Payload{"a": 1, "b": 2}))
}

func TestDecodeDocumentRejectsGarbage(t *testing.T) {
	_, err := decodeDocument(Entry{Key: "ns/formDrafts/x", Value: []byte("{oops")})
	assert.ErrorIs(t, err, ErrCorruptedEntry)

	doc, err := decodeDocument(Entry{Key: "ns/formDrafts/x", Value: []byte(`{"id":"x","revision":3}`)})
	assert.NoError(t, err)
	assert.NotNil(t, doc.Payload, "missing payload decodes as empty, not nil")
}
