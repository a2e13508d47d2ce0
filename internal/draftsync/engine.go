package draftsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLeaseDuration   = 30 * time.Second
	defaultCleanupInterval = time.Hour
	defaultRenewAttempts   = 3
	defaultOpTimeout       = 5 * time.Second
	eventBufferSize        = 256
)

// Options configures an Engine. Zero values get defaults in NewEngine.
type Options struct {
	// Store is the shared persistent medium. Required.
	Store Store
	// Namespace prefixes every key this engine touches.
	Namespace string
	// DocumentCategory is the data-type category documents are filed under.
	DocumentCategory string
	// InstanceID identifies this engine instance; generated when empty.
	InstanceID string

	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	// InstanceTimeout is how stale a heartbeat may be before the reaper
	// treats the instance as dead and expires its leases early.
	InstanceTimeout time.Duration
	// RenewAttempts bounds retries of a failed lease renewal before the
	// instance defensively treats ownership as lost.
	RenewAttempts int

	DefaultStrategy Strategy
	Policies        map[string]CleanupPolicy

	OnOwnershipLost   func(documentID string)
	OnConflictPending func(documentID string, diffs []FieldDiff)

	Logger *zap.Logger
	Clock  func() time.Time

	// DisableTimers skips the heartbeat and scheduled-cleanup goroutines so
	// tests can drive the engine deterministically.
	DisableTimers bool
}

// Engine is one application instance's entry point into the shared document
// space: it hands out per-document sessions and runs the background
// heartbeat, change dispatch, and cleanup machinery.
type Engine struct {
	store            Store
	namespace        string
	documentCategory string
	instanceID       string
	leaseDuration    time.Duration
	renewAttempts    int
	strategy         Strategy
	logger           *zap.Logger
	clock            func() time.Time

	ownership         *ownershipManager
	cleaner           *Cleaner
	onConflictPending func(string, []FieldDiff)
	onOwnershipLost   func(string)

	mu       sync.Mutex
	sessions map[string]*Session

	events    chan ExternalWrite
	cancelSub func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine wires an engine over an injected store, clock, and logger; the
// engine never closes the store it was given.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	category := opts.DocumentCategory
	if category == "" {
		category = DefaultDocumentCategory
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	leaseDuration := opts.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = leaseDuration / 3
	}
	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	instanceTimeout := opts.InstanceTimeout
	if instanceTimeout <= 0 {
		instanceTimeout = 3 * leaseDuration
	}
	renewAttempts := opts.RenewAttempts
	if renewAttempts <= 0 {
		renewAttempts = defaultRenewAttempts
	}
	strategy, err := ParseStrategy(string(opts.DefaultStrategy))
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	onConflictPending := opts.OnConflictPending
	if onConflictPending == nil {
		onConflictPending = func(string, []FieldDiff) {}
	}
	onOwnershipLost := opts.OnOwnershipLost
	if onOwnershipLost == nil {
		onOwnershipLost = func(string) {}
	}

	e := &Engine{
		store:             opts.Store,
		namespace:         namespace,
		documentCategory:  category,
		instanceID:        instanceID,
		leaseDuration:     leaseDuration,
		renewAttempts:     renewAttempts,
		strategy:          strategy,
		logger:            logger.With(zap.String("instanceId", instanceID)),
		clock:             clock,
		onConflictPending: onConflictPending,
		onOwnershipLost:   onOwnershipLost,
		sessions:          map[string]*Session{},
		events:            make(chan ExternalWrite, eventBufferSize),
		closed:            make(chan struct{}),
	}
	e.ownership = newOwnershipManager(opts.Store, namespace, category, instanceID,
		leaseDuration, clock, e.logger, e.handleOwnershipLost)
	e.cleaner = NewCleaner(opts.Store, namespace, instanceTimeout,
		e.protectedByLease, e.logger, clock)
	e.cleaner.RegisterPolicies(opts.Policies)

	e.cancelSub = opts.Store.Subscribe(e.enqueueEvent)
	e.wg.Add(1)
	go e.dispatchLoop()

	if !opts.DisableTimers {
		e.wg.Add(2)
		go e.heartbeatLoop(heartbeatInterval)
		go e.cleanupLoop(cleanupInterval)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	if err := e.writeRegistration(ctx); err != nil {
		e.logger.Warn("initial registration write failed", zap.Error(err))
	}
	return e, nil
}

// InstanceID returns the identity this engine registered under.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Cleaner exposes the cleanup manager for on-demand runs.
func (e *Engine) Cleaner() *Cleaner {
	return e.cleaner
}

func (e *Engine) protectedByLease(category, documentID string) bool {
	if category != e.documentCategory {
		return false
	}
	return e.ownership.State(documentID) == OwnedByThisInstance
}

func (e *Engine) handleOwnershipLost(documentID string) {
	e.onOwnershipLost(documentID)
}

func (e *Engine) enqueueEvent(write ExternalWrite) {
	select {
	case e.events <- write:
	case <-e.closed:
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			return
		case write := <-e.events:
			e.dispatch(write)
		}
	}
}

func (e *Engine) dispatch(write ExternalWrite) {
	namespace, category, documentID, ok := SplitKey(write.Key)
	if !ok || namespace != e.namespace || category != e.documentCategory {
		return
	}
	e.mu.Lock()
	session := e.sessions[documentID]
	e.mu.Unlock()
	if session == nil {
		return
	}
	session.handleRemote(write.Deleted)
}

func (e *Engine) heartbeatLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.heartbeatOnce()
		}
	}
}

func (e *Engine) heartbeatOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	if err := e.writeRegistration(ctx); err != nil {
		e.logger.Warn("heartbeat registration write failed", zap.Error(err))
	}
	for _, documentID := range e.ownership.OwnedDocuments() {
		e.renewWithRetry(ctx, documentID)
	}
}

// renewWithRetry retries transient renewal failures with bounded backoff.
// After the last attempt the instance assumes the lease is lost rather than
// retained (fail-safe).
func (e *Engine) renewWithRetry(ctx context.Context, documentID string) {
	var err error
	for attempt := 0; attempt < e.renewAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		err = e.ownership.Renew(ctx, documentID)
		if err == nil {
			return
		}
		if errors.Is(err, ErrOwnershipDenied) {
			// Renew already flipped local state and notified.
			return
		}
	}
	e.logger.Warn("lease renewal failed, assuming ownership lost",
		zap.String("documentId", documentID), zap.Error(err))
	e.ownership.markLost(documentID)
}

func (e *Engine) cleanupLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := e.cleaner.RunScheduledCleanup(ctx); err != nil {
				e.logger.Warn("scheduled cleanup failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (e *Engine) registrationKey() string {
	return EntryKey(e.namespace, CategoryInstances, e.instanceID)
}

func (e *Engine) writeRegistration(ctx context.Context) error {
	e.mu.Lock()
	watched := make([]string, 0, len(e.sessions))
	for documentID := range e.sessions {
		watched = append(watched, documentID)
	}
	e.mu.Unlock()
	sort.Strings(watched)

	reg := Registration{
		InstanceID:         e.instanceID,
		LastHeartbeatAt:    e.clock(),
		WatchedDocumentIDs: watched,
	}
	value, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	key := e.registrationKey()
	entry := Entry{Key: key, Category: CategoryInstances, Value: value}
	if existing, getErr := e.store.Get(ctx, key); getErr == nil {
		entry.CreatedAt = existing.CreatedAt
	}
	return e.store.Put(ctx, key, entry)
}

// putDocument persists a document, retrying once through emergency cleanup
// when the medium reports a quota failure. A second failure surfaces
// ErrStorageFull: the write is refused, never silently dropped.
func (e *Engine) putDocument(ctx context.Context, doc Document) error {
	key := EntryKey(e.namespace, e.documentCategory, doc.ID)
	value, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	entry := Entry{Key: key, Category: e.documentCategory, Value: value}
	if existing, getErr := e.store.Get(ctx, key); getErr == nil {
		entry.CreatedAt = existing.CreatedAt
	}
	putErr := e.store.Put(ctx, key, entry)
	if !errors.Is(putErr, ErrQuotaExceeded) {
		return putErr
	}
	e.logger.Warn("write hit storage quota, running emergency cleanup",
		zap.String("documentId", doc.ID))
	if cleanupErr := e.cleaner.RunEmergencyCleanup(ctx); cleanupErr != nil {
		return fmt.Errorf("%w: emergency cleanup failed: %v", ErrStorageFull, cleanupErr)
	}
	if retryErr := e.store.Put(ctx, key, entry); retryErr != nil {
		if errors.Is(retryErr, ErrQuotaExceeded) {
			return fmt.Errorf("%w: quota still exceeded after emergency cleanup", ErrStorageFull)
		}
		return retryErr
	}
	return nil
}

// Open starts a session for one document: the instance is registered as a
// watcher, ownership is attempted, and the current persisted document is
// loaded (or created empty at revision 0). A denied acquisition is not fatal;
// the session opens read-only.
func (e *Engine) Open(ctx context.Context, documentID string) (*Session, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidInput)
	}
	e.mu.Lock()
	if _, exists := e.sessions[documentID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session already open for %s", ErrInvalidInput, documentID)
	}
	e.mu.Unlock()

	acquireErr := e.ownership.Acquire(ctx, documentID)
	if acquireErr != nil && !errors.Is(acquireErr, ErrOwnershipDenied) {
		return nil, acquireErr
	}

	key := EntryKey(e.namespace, e.documentCategory, documentID)
	doc, err := loadDocument(ctx, e.store, key)
	if errors.Is(err, ErrNotFound) {
		doc = Document{ID: documentID, Payload: Payload{}, Revision: 0}
	} else if err != nil {
		return nil, err
	}

	session := &Session{engine: e, documentID: documentID, doc: doc}
	e.mu.Lock()
	e.sessions[documentID] = session
	e.mu.Unlock()

	if regErr := e.writeRegistration(ctx); regErr != nil {
		e.logger.Warn("registration update failed on open",
			zap.String("documentId", documentID), zap.Error(regErr))
	}
	return session, nil
}

func (e *Engine) closeSession(ctx context.Context, session *Session) error {
	e.mu.Lock()
	delete(e.sessions, session.documentID)
	e.mu.Unlock()

	var err error
	if e.ownership.State(session.documentID) == OwnedByThisInstance {
		err = e.ownership.Release(ctx, session.documentID)
	}
	e.ownership.forget(session.documentID)
	if regErr := e.writeRegistration(ctx); regErr != nil {
		e.logger.Warn("registration update failed on close",
			zap.String("documentId", session.documentID), zap.Error(regErr))
	}
	return err
}

// Close stops background work and releases every held lease best-effort.
// The injected store stays open; closing it is the caller's job.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.cancelSub != nil {
			e.cancelSub()
		}
		e.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
		defer cancel()
		for _, documentID := range e.ownership.OwnedDocuments() {
			if err := e.ownership.Release(ctx, documentID); err != nil {
				e.logger.Warn("lease release failed on shutdown",
					zap.String("documentId", documentID), zap.Error(err))
			}
		}
		if err := e.store.Delete(ctx, e.registrationKey()); err != nil {
			e.logger.Warn("registration removal failed on shutdown", zap.Error(err))
		}
	})
}
