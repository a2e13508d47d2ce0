package draftsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// RemoteChange is delivered to the session callback after the engine has
// already run conflict detection and, when possible, resolution. Either
// Resolved carries the adopted document or ManualRequired is set with the
// full diff.
type RemoteChange struct {
	DocumentID     string
	Deleted        bool
	Resolved       *Document
	ManualRequired bool
	Diffs          []FieldDiff
}

// Session is the per-document handle handed to the editing layer. Callers
// must not issue overlapping Save calls for the same session; the facade
// serializes its own bookkeeping but not caller intent.
type Session struct {
	engine     *Engine
	documentID string

	mu                    sync.Mutex
	doc                   Document
	pending               bool
	pendingRemoteRevision int64
	onRemote              func(RemoteChange)
	closed                bool
}

// DocumentID returns the identity of the document this session edits.
func (s *Session) DocumentID() string {
	return s.documentID
}

// Document returns a copy of the session's current view of the document.
func (s *Session) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.Payload = clonePayload(doc.Payload)
	return doc
}

// ReadOnly reports whether this instance currently lacks the write lease.
func (s *Session) ReadOnly() bool {
	return s.engine.ownership.State(s.documentID) != OwnedByThisInstance
}

// ConflictPending reports whether an unresolved manual conflict blocks saves.
func (s *Session) ConflictPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// OnRemoteChange installs the handler invoked when another instance changes
// this document. Only one handler is kept; installing replaces the previous.
func (s *Session) OnRemoteChange(fn func(RemoteChange)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

// Save accepts a new payload, increments the revision by exactly one, and
// persists it. A non-owner session first attempts acquisition; a denial is
// surfaced so the caller may decide to SaveForce. An unresolved manual
// conflict refuses the save with ErrConflictPending.
func (s *Session) Save(ctx context.Context, payload Payload) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.pending {
		s.mu.Unlock()
		return fmt.Errorf("%w: document %s has an unresolved conflict", ErrConflictPending, s.documentID)
	}
	s.mu.Unlock()

	if s.engine.ownership.State(s.documentID) != OwnedByThisInstance {
		if err := s.engine.ownership.Acquire(ctx, s.documentID); err != nil {
			if errors.Is(err, ErrOwnershipDenied) {
				return fmt.Errorf("save refused for non-owner: %w", err)
			}
			return err
		}
	}
	return s.persist(ctx, payload, 0)
}

// SaveForce writes without holding the lease. Divergence this causes is
// detected and resolved at the data level on the next sync; that trade is the
// caller's to make.
func (s *Session) SaveForce(ctx context.Context, payload Payload) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.pending {
		s.mu.Unlock()
		return fmt.Errorf("%w: document %s has an unresolved conflict", ErrConflictPending, s.documentID)
	}
	s.mu.Unlock()
	return s.persist(ctx, payload, 0)
}

// persist writes the session document with payload and revision bumped from
// the current local view (or from floor when that is higher, used by manual
// resolution).
func (s *Session) persist(ctx context.Context, payload Payload, floor int64) error {
	s.mu.Lock()
	next := s.doc
	revision := next.Revision
	if floor > revision {
		revision = floor
	}
	next.Revision = revision + 1
	next.Payload = clonePayload(payload)
	next.UpdatedAt = s.engine.clock()
	if s.engine.ownership.State(s.documentID) == OwnedByThisInstance {
		next.OwnerInstanceID = s.engine.instanceID
		next.OwnerLeaseExpiresAt = next.UpdatedAt.Add(s.engine.leaseDuration)
	}
	s.mu.Unlock()

	if err := s.engine.putDocument(ctx, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = next
	s.mu.Unlock()
	return nil
}

// ApplyManualResolution finalizes a pending manual conflict with the payload
// the caller assembled. The result revision is max(local, remote) + 1.
func (s *Session) ApplyManualResolution(ctx context.Context, payload Payload) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.pending {
		s.mu.Unlock()
		return fmt.Errorf("%w: no pending conflict for %s", ErrInvalidInput, s.documentID)
	}
	floor := s.pendingRemoteRevision
	s.pending = false
	s.pendingRemoteRevision = 0
	s.mu.Unlock()

	if err := s.persist(ctx, payload, floor); err != nil {
		// Keep the conflict pending: the caller's resolution was not durably
		// applied, so further plain saves must stay blocked.
		s.mu.Lock()
		s.pending = true
		s.pendingRemoteRevision = floor
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close releases ownership if held and deregisters the watcher.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.engine.closeSession(ctx, s)
}

// handleRemote runs on the engine's dispatch goroutine whenever another
// instance touched this document.
func (s *Session) handleRemote(deleted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()

	if deleted {
		s.mu.Lock()
		s.pending = false
		s.pendingRemoteRevision = 0
		fn := s.onRemote
		s.mu.Unlock()
		if fn != nil {
			fn(RemoteChange{DocumentID: s.documentID, Deleted: true})
		}
		return
	}

	key := EntryKey(s.engine.namespace, s.engine.documentCategory, s.documentID)
	remote, err := loadDocument(ctx, s.engine.store, key)
	if err != nil {
		if errors.Is(err, ErrCorruptedEntry) {
			s.engine.logger.Warn("remote change unreadable",
				zap.String("documentId", s.documentID), zap.Error(err))
		}
		return
	}
	s.engine.ownership.observeOwner(s.documentID, remote)

	s.mu.Lock()
	local := s.doc
	s.mu.Unlock()

	report := DetectConflict(local, remote)
	if !report.InConflict {
		if remote.Revision < local.Revision {
			return
		}
		changed := remote.Revision > local.Revision && !payloadsEqual(local.Payload, remote.Payload)
		s.mu.Lock()
		s.doc = remote
		fn := s.onRemote
		s.mu.Unlock()
		if changed && fn != nil {
			adopted := remote
			adopted.Payload = clonePayload(adopted.Payload)
			fn(RemoteChange{DocumentID: s.documentID, Resolved: &adopted})
		}
		return
	}

	resolution, err := Resolve(report, s.engine.strategy)
	if err != nil {
		s.engine.logger.Warn("conflict resolution failed",
			zap.String("documentId", s.documentID), zap.Error(err))
		return
	}

	if resolution.ManualRequired {
		maxRevision := local.Revision
		if remote.Revision > maxRevision {
			maxRevision = remote.Revision
		}
		s.mu.Lock()
		s.pending = true
		s.pendingRemoteRevision = maxRevision
		fn := s.onRemote
		s.mu.Unlock()
		s.engine.onConflictPending(s.documentID, resolution.Diffs)
		if fn != nil {
			fn(RemoteChange{DocumentID: s.documentID, ManualRequired: true, Diffs: resolution.Diffs})
		}
		return
	}

	resolved := *resolution.Resolved
	s.mu.Lock()
	s.doc = resolved
	fn := s.onRemote
	s.mu.Unlock()

	// Only the lease holder writes the merged result back; both sides resolve
	// deterministically, so the non-owner converges without writing.
	if s.engine.ownership.State(s.documentID) == OwnedByThisInstance {
		stamped := resolved
		stamped.OwnerInstanceID = s.engine.instanceID
		stamped.OwnerLeaseExpiresAt = s.engine.clock().Add(s.engine.leaseDuration)
		if err := s.engine.putDocument(ctx, stamped); err != nil {
			s.engine.logger.Warn("failed to persist auto-resolved document",
				zap.String("documentId", s.documentID), zap.Error(err))
		} else {
			s.mu.Lock()
			s.doc = stamped
			s.mu.Unlock()
			resolved = stamped
		}
	}
	if fn != nil {
		adopted := resolved
		adopted.Payload = clonePayload(adopted.Payload)
		fn(RemoteChange{DocumentID: s.documentID, Resolved: &adopted})
	}
}
