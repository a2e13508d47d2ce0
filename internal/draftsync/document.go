package draftsync

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

const (
	DefaultNamespace        = "draftsync"
	DefaultDocumentCategory = "formDrafts"
	CategoryInstances       = "instances"
)

// Payload is the opaque field map a document carries. The engine never
// interprets field values beyond equality comparison.
type Payload map[string]any

// Document is the unit of collaboration: one form draft shared by every
// instance that has it open.
type Document struct {
	ID                  string    `json:"id"`
	Payload             Payload   `json:"payload"`
	Revision            int64     `json:"revision"`
	UpdatedAt           time.Time `json:"updatedAt"`
	OwnerInstanceID     string    `json:"ownerInstanceId,omitempty"`
	OwnerLeaseExpiresAt time.Time `json:"ownerLeaseExpiresAt,omitempty"`
}

// LeaseLiveAt reports whether the document carries a non-expired write lease.
func (d Document) LeaseLiveAt(now time.Time) bool {
	return d.OwnerInstanceID != "" && d.OwnerLeaseExpiresAt.After(now)
}

// Registration is the liveness record one engine instance keeps in the store.
type Registration struct {
	InstanceID         string    `json:"instanceId"`
	LastHeartbeatAt    time.Time `json:"lastHeartbeatAt"`
	WatchedDocumentIDs []string  `json:"watchedDocumentIds,omitempty"`
}

// Entry is the persisted representation of one value in the shared store.
type Entry struct {
	Key            string          `json:"key"`
	Category       string          `json:"category"`
	Value          json.RawMessage `json:"value"`
	SizeBytes      int64           `json:"sizeBytes"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
}

// EntryKey builds the composite storage key for a category and document ID.
func EntryKey(namespace, category, id string) string {
	return namespace + "/" + category + "/" + id
}

// SplitKey decomposes a storage key produced by EntryKey. Document IDs may
// themselves contain slashes; only the first two separators are structural.
func SplitKey(key string) (namespace, category, id string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func payloadsEqual(a, b Payload) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

func decodeDocument(entry Entry) (Document, error) {
	var doc Document
	if err := json.Unmarshal(entry.Value, &doc); err != nil {
		return Document{}, &CorruptedEntryError{Key: entry.Key, Cause: err}
	}
	if doc.Payload == nil {
		doc.Payload = Payload{}
	}
	return doc, nil
}

func encodeDocument(doc Document) (json.RawMessage, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func loadDocument(ctx context.Context, store Store, key string) (Document, error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return Document{}, err
	}
	return decodeDocument(entry)
}

func decodeRegistration(entry Entry) (Registration, error) {
	var reg Registration
	if err := json.Unmarshal(entry.Value, &reg); err != nil {
		return Registration{}, &CorruptedEntryError{Key: entry.Key, Cause: err}
	}
	return reg, nil
}
