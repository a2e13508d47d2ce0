package draftsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestEngine(t *testing.T, region *MemoryRegion, instanceID string, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Store:         region.OpenStore(),
		Namespace:     "ns",
		InstanceID:    instanceID,
		DisableTimers: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestSaveIncrementsRevisionByOne(t *testing.T) {
	region := NewMemoryRegion(0)
	engine := newTestEngine(t, region, "tab-a", nil)

	session, err := engine.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), session.Document().Revision)
	assert.False(t, session.ReadOnly())

	for want := int64(1); want <= 3; want++ {
		require.NoError(t, session.Save(context.Background(), Payload{"step": want}))
		assert.Equal(t, want, session.Document().Revision)
	}
}

func TestOpenRejectsDuplicateSession(t *testing.T) {
	region := NewMemoryRegion(0)
	engine := newTestEngine(t, region, "tab-a", nil)

	_, err := engine.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	_, err = engine.Open(context.Background(), "draft-1")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSecondInstanceOpensReadOnlyAndSyncs(t *testing.T) {
	region := NewMemoryRegion(0)
	engineA := newTestEngine(t, region, "tab-a", nil)
	engineB := newTestEngine(t, region, "tab-b", nil)

	sessionA, err := engineA.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	sessionB, err := engineB.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	assert.True(t, sessionB.ReadOnly(), "lease is held by the first instance")

	changes := make(chan RemoteChange, 16)
	sessionB.OnRemoteChange(func(change RemoteChange) { changes <- change })

	require.NoError(t, sessionA.Save(context.Background(), Payload{"title": "hello"}))

	select {
	case change := <-changes:
		require.NotNil(t, change.Resolved)
		assert.Equal(t, "hello", change.Resolved.Payload["title"])
		assert.Equal(t, int64(1), change.Resolved.Revision)
	case <-time.After(waitFor):
		t.Fatal("no remote change delivered to the read-only instance")
	}
	assert.Equal(t, int64(1), sessionB.Document().Revision)

	err = sessionB.Save(context.Background(), Payload{"title": "nope"})
	require.ErrorIs(t, err, ErrOwnershipDenied, "plain save is refused without the lease")
}

func TestConcurrentEditsConvergeWithTimestampStrategy(t *testing.T) {
	region := NewMemoryRegion(0)
	engineA := newTestEngine(t, region, "tab-a", nil)
	engineB := newTestEngine(t, region, "tab-b", nil)

	sessionA, err := engineA.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	sessionB, err := engineB.Open(context.Background(), "draft-1")
	require.NoError(t, err)

	require.NoError(t, sessionA.Save(context.Background(), Payload{"title": "from-a"}))
	require.Eventually(t, func() bool {
		return sessionB.Document().Revision == 1
	}, waitFor, tick, "instance B sees revision 1")

	// B writes without the lease; the divergence is resolved at the data
	// level, last writer wins.
	require.NoError(t, sessionB.SaveForce(context.Background(), Payload{"title": "from-b"}))

	require.Eventually(t, func() bool {
		docA, docB := sessionA.Document(), sessionB.Document()
		return docA.Revision == 3 && docB.Revision == 3 &&
			docA.Payload["title"] == "from-b" && docB.Payload["title"] == "from-b"
	}, waitFor, tick, "both instances converge on the later write at revision 3")
}

func TestManualConflictBlocksSavesUntilResolved(t *testing.T) {
	region := NewMemoryRegion(0)
	var pendingMu sync.Mutex
	var pendingDiffs []FieldDiff
	engineA := newTestEngine(t, region, "tab-a", func(opts *Options) {
		opts.DefaultStrategy = StrategyManual
		opts.OnConflictPending = func(documentID string, diffs []FieldDiff) {
			pendingMu.Lock()
			pendingDiffs = diffs
			pendingMu.Unlock()
		}
	})
	engineB := newTestEngine(t, region, "tab-b", func(opts *Options) {
		opts.DefaultStrategy = StrategyManual
	})

	sessionA, err := engineA.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	sessionB, err := engineB.Open(context.Background(), "draft-1")
	require.NoError(t, err)

	require.NoError(t, sessionA.Save(context.Background(), Payload{"title": "a"}))
	require.Eventually(t, func() bool {
		return sessionB.Document().Revision == 1
	}, waitFor, tick)

	require.NoError(t, sessionB.SaveForce(context.Background(), Payload{"title": "b"}))
	require.Eventually(t, func() bool {
		pendingMu.Lock()
		defer pendingMu.Unlock()
		return sessionA.ConflictPending() && len(pendingDiffs) == 1
	}, waitFor, tick, "instance A flags the manual conflict")

	pendingMu.Lock()
	assert.Equal(t, "title", pendingDiffs[0].Field)
	pendingMu.Unlock()

	err = sessionA.Save(context.Background(), Payload{"title": "blocked"})
	require.ErrorIs(t, err, ErrConflictPending)

	require.NoError(t, sessionA.ApplyManualResolution(context.Background(), Payload{"title": "ab"}))
	doc := sessionA.Document()
	assert.False(t, sessionA.ConflictPending())
	assert.Equal(t, int64(3), doc.Revision, "resolution lands above both conflicting revisions")
	assert.Equal(t, "ab", doc.Payload["title"])
}

func TestExpiredLeaseIsReclaimedByAnotherInstance(t *testing.T) {
	region := NewMemoryRegion(0)
	var mu sync.Mutex
	now := time.Now().UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	var lostMu sync.Mutex
	var lost []string
	engineA := newTestEngine(t, region, "tab-a", func(opts *Options) {
		opts.Clock = clock
		opts.LeaseDuration = 30 * time.Second
		opts.OnOwnershipLost = func(documentID string) {
			lostMu.Lock()
			lost = append(lost, documentID)
			lostMu.Unlock()
		}
	})
	engineB := newTestEngine(t, region, "tab-b", func(opts *Options) {
		opts.Clock = clock
		opts.LeaseDuration = 30 * time.Second
	})

	sessionA, err := engineA.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	require.NoError(t, sessionA.Save(context.Background(), Payload{"title": "a"}))

	sessionB, err := engineB.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	assert.True(t, sessionB.ReadOnly())

	// Instance A stops heartbeating (timers are off) and its lease runs out.
	advance(31 * time.Second)

	require.NoError(t, sessionB.Save(context.Background(), Payload{"title": "b"}),
		"an expired lease can be claimed by a new writer")
	assert.False(t, sessionB.ReadOnly())

	require.Eventually(t, func() bool {
		lostMu.Lock()
		defer lostMu.Unlock()
		return len(lost) == 1 && lost[0] == "draft-1"
	}, waitFor, tick, "instance A learns it lost the lease")
	assert.True(t, sessionA.ReadOnly())
}

func TestQuotaFailureTriggersEmergencyCleanup(t *testing.T) {
	region := NewMemoryRegion(1300)
	engine := newTestEngine(t, region, "tab-a", nil)

	session, err := engine.Open(context.Background(), "draft-1")
	require.NoError(t, err)

	// Fill the region with old recoverable entries.
	filler := []byte(`"` + strings.Repeat("x", 400) + `"`)
	fillStore := region.OpenStore()
	old := time.Now().UTC().Add(-time.Hour)
	putRaw(t, fillStore, "ns/formDrafts/old-1", "formDrafts", filler, old)
	putRaw(t, fillStore, "ns/formDrafts/old-2", "formDrafts", filler, old.Add(time.Minute))

	err = session.Save(context.Background(), Payload{"body": strings.Repeat("y", 400)})
	require.NoError(t, err, "save succeeds after emergency cleanup frees space")

	_, err = fillStore.Get(context.Background(), "ns/formDrafts/old-1")
	assert.ErrorIs(t, err, ErrNotFound, "old filler was evicted to make room")
	assert.Equal(t, int64(1), session.Document().Revision)
}

func TestSaveFailsWithStorageFullWhenCleanupCannotHelp(t *testing.T) {
	region := NewMemoryRegion(500)
	engine := newTestEngine(t, region, "tab-a", nil)

	session, err := engine.Open(context.Background(), "draft-1")
	require.NoError(t, err)

	err = session.Save(context.Background(), Payload{"body": strings.Repeat("y", 1000)})
	require.ErrorIs(t, err, ErrStorageFull)
	assert.Equal(t, int64(0), session.Document().Revision, "the refused write is not applied locally")
}

func TestCloseReleasesLease(t *testing.T) {
	region := NewMemoryRegion(0)
	engineA := newTestEngine(t, region, "tab-a", nil)
	engineB := newTestEngine(t, region, "tab-b", nil)

	sessionA, err := engineA.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	require.NoError(t, sessionA.Save(context.Background(), Payload{"title": "a"}))
	require.NoError(t, sessionA.Close(context.Background()))

	err = sessionA.Save(context.Background(), Payload{"title": "late"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	sessionB, err := engineB.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	assert.False(t, sessionB.ReadOnly(), "released lease is immediately claimable")
	assert.Equal(t, "a", sessionB.Document().Payload["title"])
}

func TestEngineRegistersAndDeregistersInstance(t *testing.T) {
	region := NewMemoryRegion(0)
	store := region.OpenStore()
	engine := newTestEngine(t, region, "tab-a", nil)

	key := EntryKey("ns", CategoryInstances, "tab-a")
	entry, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	reg, err := decodeRegistration(entry)
	require.NoError(t, err)
	assert.Equal(t, "tab-a", reg.InstanceID)
	assert.Empty(t, reg.WatchedDocumentIDs)

	_, err = engine.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	entry, err = store.Get(context.Background(), key)
	require.NoError(t, err)
	reg, err = decodeRegistration(entry)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft-1"}, reg.WatchedDocumentIDs)

	engine.Close()
	_, err = store.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound, "registration is removed on shutdown")
}

func TestRemoteDeletionNotifiesSession(t *testing.T) {
	region := NewMemoryRegion(0)
	engineA := newTestEngine(t, region, "tab-a", nil)
	other := region.OpenStore()

	sessionA, err := engineA.Open(context.Background(), "draft-1")
	require.NoError(t, err)
	require.NoError(t, sessionA.Save(context.Background(), Payload{"title": "a"}))

	changes := make(chan RemoteChange, 16)
	sessionA.OnRemoteChange(func(change RemoteChange) { changes <- change })

	require.NoError(t, other.Delete(context.Background(), EntryKey("ns", "formDrafts", "draft-1")))

	select {
	case change := <-changes:
		assert.True(t, change.Deleted)
		assert.Equal(t, "draft-1", change.DocumentID)
	case <-time.After(waitFor):
		t.Fatal("no deletion notice delivered")
	}
}
