package draftsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OwnershipState is the local view of who may write a document.
type OwnershipState int

const (
	Unowned OwnershipState = iota
	OwnedByThisInstance
	OwnedByOther
)

func (s OwnershipState) String() string {
	switch s {
	case OwnedByThisInstance:
		return "owned-by-this-instance"
	case OwnedByOther:
		return "owned-by-other"
	default:
		return "unowned"
	}
}

// ownershipManager tracks per-document write leases. The shared medium has no
// true compare-and-swap, so a claim is written and immediately re-read;
// losing the re-read means another instance claimed first. Double-claims that
// slip through are tolerated and resolved at the data level by conflict
// detection on the next sync.
type ownershipManager struct {
	store         Store
	namespace     string
	category      string
	instanceID    string
	leaseDuration time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	onLost        func(documentID string)

	mu    sync.Mutex
	owned map[string]OwnershipState
}

func newOwnershipManager(store Store, namespace, category, instanceID string, leaseDuration time.Duration, clock func() time.Time, logger *zap.Logger, onLost func(string)) *ownershipManager {
	if onLost == nil {
		onLost = func(string) {}
	}
	return &ownershipManager{
		store:         store,
		namespace:     namespace,
		category:      category,
		instanceID:    instanceID,
		leaseDuration: leaseDuration,
		clock:         clock,
		logger:        logger,
		onLost:        onLost,
		owned:         map[string]OwnershipState{},
	}
}

func (m *ownershipManager) docKey(documentID string) string {
	return EntryKey(m.namespace, m.category, documentID)
}

// State returns the local ownership view for a document.
func (m *ownershipManager) State(documentID string) OwnershipState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owned[documentID]
}

// OwnedDocuments lists documents this instance currently believes it owns.
func (m *ownershipManager) OwnedDocuments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.owned))
	for id, state := range m.owned {
		if state == OwnedByThisInstance {
			ids = append(ids, id)
		}
	}
	return ids
}

// Acquire claims the write lease for a document. A live lease held elsewhere
// denies the claim; an absent or expired lease is claimed and the claim is
// re-read to detect a racing claimant.
func (m *ownershipManager) Acquire(ctx context.Context, documentID string) error {
	key := m.docKey(documentID)
	now := m.clock()

	doc, err := loadDocument(ctx, m.store, key)
	switch {
	case errors.Is(err, ErrNotFound):
		doc = Document{ID: documentID, Payload: Payload{}, Revision: 0}
	case err != nil:
		return err
	}
	if doc.LeaseLiveAt(now) && doc.OwnerInstanceID != m.instanceID {
		m.setState(documentID, OwnedByOther)
		return &OwnershipError{DocumentID: documentID, Holder: doc.OwnerInstanceID, ExpiresAt: doc.OwnerLeaseExpiresAt}
	}

	doc.OwnerInstanceID = m.instanceID
	doc.OwnerLeaseExpiresAt = now.Add(m.leaseDuration)
	if err := m.putDocument(ctx, key, doc); err != nil {
		return err
	}

	// Re-read to detect a race: another instance may have claimed between our
	// read and write.
	confirmed, err := loadDocument(ctx, m.store, key)
	if err != nil {
		return err
	}
	if confirmed.OwnerInstanceID != m.instanceID {
		m.setState(documentID, OwnedByOther)
		return &OwnershipError{DocumentID: documentID, Holder: confirmed.OwnerInstanceID, ExpiresAt: confirmed.OwnerLeaseExpiresAt}
	}
	m.setState(documentID, OwnedByThisInstance)
	return nil
}

// Renew extends the lease on a document this instance owns. Observing another
// owner flips local state and fires the loss callback: renewal never steals a
// lease back mid-edit.
func (m *ownershipManager) Renew(ctx context.Context, documentID string) error {
	key := m.docKey(documentID)
	doc, err := loadDocument(ctx, m.store, key)
	if err != nil {
		return err
	}
	now := m.clock()
	if doc.OwnerInstanceID != m.instanceID && doc.LeaseLiveAt(now) {
		m.markLost(documentID)
		return &OwnershipError{DocumentID: documentID, Holder: doc.OwnerInstanceID, ExpiresAt: doc.OwnerLeaseExpiresAt}
	}
	doc.OwnerInstanceID = m.instanceID
	doc.OwnerLeaseExpiresAt = now.Add(m.leaseDuration)
	return m.putDocument(ctx, key, doc)
}

// Release relinquishes the lease, best-effort: a failed write leaves the
// lease to expire on its own.
func (m *ownershipManager) Release(ctx context.Context, documentID string) error {
	m.setState(documentID, Unowned)
	key := m.docKey(documentID)
	doc, err := loadDocument(ctx, m.store, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.OwnerInstanceID != m.instanceID {
		return nil
	}
	doc.OwnerInstanceID = ""
	doc.OwnerLeaseExpiresAt = time.Time{}
	return m.putDocument(ctx, key, doc)
}

// markLost flips local state to OwnedByOther and notifies the caller exactly
// once per loss.
func (m *ownershipManager) markLost(documentID string) {
	m.mu.Lock()
	previous := m.owned[documentID]
	m.owned[documentID] = OwnedByOther
	m.mu.Unlock()
	if previous == OwnedByThisInstance {
		m.logger.Info("ownership lost", zap.String("documentId", documentID))
		m.onLost(documentID)
	}
}

func (m *ownershipManager) setState(documentID string, state OwnershipState) {
	m.mu.Lock()
	m.owned[documentID] = state
	m.mu.Unlock()
}

func (m *ownershipManager) forget(documentID string) {
	m.mu.Lock()
	delete(m.owned, documentID)
	m.mu.Unlock()
}

// observeOwner updates the local view from a document read during sync.
func (m *ownershipManager) observeOwner(documentID string, doc Document) {
	now := m.clock()
	if doc.OwnerInstanceID == m.instanceID && doc.LeaseLiveAt(now) {
		m.setState(documentID, OwnedByThisInstance)
		return
	}
	if doc.LeaseLiveAt(now) {
		m.markLost(documentID)
		return
	}
	m.mu.Lock()
	if m.owned[documentID] != OwnedByThisInstance {
		m.owned[documentID] = Unowned
	}
	m.mu.Unlock()
}

func (m *ownershipManager) putDocument(ctx context.Context, key string, doc Document) error {
	value, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	entry := Entry{Key: key, Category: m.category, Value: value}
	if existing, getErr := m.store.Get(ctx, key); getErr == nil {
		entry.CreatedAt = existing.CreatedAt
	}
	return m.store.Put(ctx, key, entry)
}
