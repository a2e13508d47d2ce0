package draftsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errInvalidJSON = errors.New("value is not valid JSON")

// EvictionPriority is the tie-break rule applied when more entries qualify
// for eviction than the policy allows to keep.
type EvictionPriority string

const (
	EvictOldestFirst       EvictionPriority = "oldest-first"
	EvictLargestFirst      EvictionPriority = "largest-first"
	EvictLeastRecentlyUsed EvictionPriority = "least-recently-used"
)

// CleanupPolicy bounds one data-type category. Zero values disable the
// corresponding limit.
type CleanupPolicy struct {
	MaxAge       time.Duration
	MaxCount     int
	MaxSizeBytes int64
	Priority     EvictionPriority
}

// ProtectFunc reports whether an entry must never be evicted, e.g. because a
// live local lease covers the document it belongs to.
type ProtectFunc func(category, documentID string) bool

// Cleaner enforces retention policies over the shared store and reaps dead
// instance registrations. It runs on a schedule and reactively when a write
// hits the storage quota.
type Cleaner struct {
	store           Store
	namespace       string
	logger          *zap.Logger
	clock           func() time.Time
	instanceTimeout time.Duration
	protected       ProtectFunc

	mu       sync.Mutex
	policies map[string]CleanupPolicy
}

// NewCleaner builds a cleaner. protected may be nil.
func NewCleaner(store Store, namespace string, instanceTimeout time.Duration, protected ProtectFunc, logger *zap.Logger, clock func() time.Time) *Cleaner {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if protected == nil {
		protected = func(string, string) bool { return false }
	}
	return &Cleaner{
		store:           store,
		namespace:       namespace,
		logger:          logger,
		clock:           clock,
		instanceTimeout: instanceTimeout,
		protected:       protected,
		policies:        map[string]CleanupPolicy{},
	}
}

// RegisterPolicy sets the retention policy for one category, replacing any
// previous one.
func (c *Cleaner) RegisterPolicy(category string, policy CleanupPolicy) {
	if category == "" {
		return
	}
	if policy.Priority == "" {
		policy.Priority = EvictOldestFirst
	}
	c.mu.Lock()
	c.policies[category] = policy
	c.mu.Unlock()
}

// RegisterPolicies registers a batch, e.g. one loaded from a policy file.
func (c *Cleaner) RegisterPolicies(policies map[string]CleanupPolicy) {
	for category, policy := range policies {
		c.RegisterPolicy(category, policy)
	}
}

type cleanupEntry struct {
	key        string
	documentID string
	entry      Entry
}

// RunScheduledCleanup applies every registered policy and reaps instances
// whose heartbeat went stale. Per-entry failures are logged and skipped;
// corrupted entries are deleted outright since they cannot be inspected.
func (c *Cleaner) RunScheduledCleanup(ctx context.Context) error {
	c.reapDeadInstances(ctx)

	c.mu.Lock()
	policies := make(map[string]CleanupPolicy, len(c.policies))
	for category, policy := range c.policies {
		policies[category] = policy
	}
	c.mu.Unlock()

	for category, policy := range policies {
		entries, err := c.loadCategory(ctx, category)
		if err != nil {
			return err
		}
		c.applyPolicy(ctx, category, policy, entries)
	}
	return nil
}

func (c *Cleaner) loadCategory(ctx context.Context, category string) ([]cleanupEntry, error) {
	prefix := EntryKey(c.namespace, category, "")
	keys, err := c.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]cleanupEntry, 0, len(keys))
	for _, key := range keys {
		_, _, documentID, ok := SplitKey(key)
		if !ok {
			continue
		}
		entry, err := c.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if errors.Is(err, ErrCorruptedEntry) {
			c.deleteCorrupted(ctx, key, err)
			continue
		}
		if err != nil {
			c.logger.Warn("cleanup: skipping unreadable entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		// Not every medium validates values on read, so check here too.
		if !json.Valid(entry.Value) {
			c.deleteCorrupted(ctx, key, &CorruptedEntryError{Key: key, Cause: errInvalidJSON})
			continue
		}
		entries = append(entries, cleanupEntry{key: key, documentID: documentID, entry: entry})
	}
	return entries, nil
}

func (c *Cleaner) deleteCorrupted(ctx context.Context, key string, cause error) {
	c.logger.Warn("cleanup: deleting corrupted entry",
		zap.String("key", key), zap.Error(cause))
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("cleanup: failed to delete corrupted entry",
			zap.String("key", key), zap.Error(err))
	}
}

func (c *Cleaner) applyPolicy(ctx context.Context, category string, policy CleanupPolicy, entries []cleanupEntry) {
	now := c.clock()
	kept := entries[:0]
	for _, candidate := range entries {
		if policy.MaxAge > 0 && now.Sub(candidate.entry.CreatedAt) > policy.MaxAge &&
			!c.protected(category, candidate.documentID) {
			c.evict(ctx, category, candidate, "max age exceeded")
			continue
		}
		kept = append(kept, candidate)
	}

	sortForEviction(kept, policy.Priority)

	count := len(kept)
	var totalBytes int64
	for _, candidate := range kept {
		totalBytes += candidate.entry.SizeBytes
	}
	for _, candidate := range kept {
		overCount := policy.MaxCount > 0 && count > policy.MaxCount
		overSize := policy.MaxSizeBytes > 0 && totalBytes > policy.MaxSizeBytes
		if !overCount && !overSize {
			break
		}
		if c.protected(category, candidate.documentID) {
			continue
		}
		c.evict(ctx, category, candidate, "retention limit exceeded")
		count--
		totalBytes -= candidate.entry.SizeBytes
	}
}

func (c *Cleaner) evict(ctx context.Context, category string, candidate cleanupEntry, reason string) {
	if err := c.store.Delete(ctx, candidate.key); err != nil {
		c.logger.Warn("cleanup: eviction failed",
			zap.String("key", candidate.key), zap.Error(err))
		return
	}
	c.logger.Info("cleanup: evicted entry",
		zap.String("category", category),
		zap.String("key", candidate.key),
		zap.String("reason", reason))
}

// sortForEviction orders entries so the first elements are evicted first.
// Ties fall back to key order to keep eviction deterministic.
func sortForEviction(entries []cleanupEntry, priority EvictionPriority) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch priority {
		case EvictLargestFirst:
			if a.entry.SizeBytes != b.entry.SizeBytes {
				return a.entry.SizeBytes > b.entry.SizeBytes
			}
		case EvictLeastRecentlyUsed:
			if !a.entry.LastAccessedAt.Equal(b.entry.LastAccessedAt) {
				return a.entry.LastAccessedAt.Before(b.entry.LastAccessedAt)
			}
		default:
			if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
				return a.entry.CreatedAt.Before(b.entry.CreatedAt)
			}
		}
		return a.key < b.key
	})
}

// RunEmergencyCleanup frees space after a quota failure by removing the
// oldest half of all entries, a fixed heuristic. Entries protected by a live
// local lease survive.
func (c *Cleaner) RunEmergencyCleanup(ctx context.Context) error {
	keys, err := c.store.ListKeys(ctx, c.namespace+"/")
	if err != nil {
		return err
	}
	var candidates []cleanupEntry
	for _, key := range keys {
		_, category, documentID, ok := SplitKey(key)
		if !ok {
			continue
		}
		entry, err := c.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if errors.Is(err, ErrCorruptedEntry) {
			c.deleteCorrupted(ctx, key, err)
			continue
		}
		if err != nil {
			continue
		}
		if !json.Valid(entry.Value) {
			c.deleteCorrupted(ctx, key, &CorruptedEntryError{Key: key, Cause: errInvalidJSON})
			continue
		}
		if c.protected(category, documentID) {
			continue
		}
		candidates = append(candidates, cleanupEntry{key: key, documentID: documentID, entry: entry})
	}
	if len(candidates) == 0 {
		return nil
	}
	sortForEviction(candidates, EvictOldestFirst)
	toRemove := (len(candidates) + 1) / 2
	for _, candidate := range candidates[:toRemove] {
		c.evict(ctx, "", candidate, "emergency cleanup")
	}
	c.logger.Warn("emergency cleanup completed",
		zap.Int("removed", toRemove), zap.Int("scanned", len(candidates)))
	return nil
}

// reapDeadInstances expires leases held by instances whose heartbeat is older
// than the configured timeout, then removes their registrations.
func (c *Cleaner) reapDeadInstances(ctx context.Context) {
	if c.instanceTimeout <= 0 {
		return
	}
	prefix := EntryKey(c.namespace, CategoryInstances, "")
	keys, err := c.store.ListKeys(ctx, prefix)
	if err != nil {
		c.logger.Warn("cleanup: listing instance registrations failed", zap.Error(err))
		return
	}
	now := c.clock()
	for _, key := range keys {
		entry, err := c.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrCorruptedEntry) {
				c.deleteCorrupted(ctx, key, err)
			}
			continue
		}
		reg, err := decodeRegistration(entry)
		if err != nil {
			c.deleteCorrupted(ctx, key, err)
			continue
		}
		if now.Sub(reg.LastHeartbeatAt) <= c.instanceTimeout {
			continue
		}
		c.expireLeasesOf(ctx, reg, now)
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("cleanup: failed to remove dead registration",
				zap.String("instanceId", reg.InstanceID), zap.Error(err))
			continue
		}
		c.logger.Info("cleanup: reaped dead instance",
			zap.String("instanceId", reg.InstanceID),
			zap.Time("lastHeartbeatAt", reg.LastHeartbeatAt))
	}
}

func (c *Cleaner) expireLeasesOf(ctx context.Context, reg Registration, now time.Time) {
	keys, err := c.store.ListKeys(ctx, c.namespace+"/")
	if err != nil {
		return
	}
	for _, key := range keys {
		_, category, _, ok := SplitKey(key)
		if !ok || category == CategoryInstances {
			continue
		}
		entry, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		doc, err := decodeDocument(entry)
		if err != nil {
			continue
		}
		if doc.OwnerInstanceID != reg.InstanceID || !doc.LeaseLiveAt(now) {
			continue
		}
		doc.OwnerInstanceID = ""
		doc.OwnerLeaseExpiresAt = time.Time{}
		value, err := encodeDocument(doc)
		if err != nil {
			continue
		}
		entry.Value = value
		if err := c.store.Put(ctx, key, entry); err != nil {
			c.logger.Warn("cleanup: failed to expire lease",
				zap.String("key", key), zap.Error(err))
		}
	}
}
