package draftsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	sqlitePollInterval  = 250 * time.Millisecond
	sqliteChangelogKeep = 1024
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS draftsync_entries (
	entry_key TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	value TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS draftsync_changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_key TEXT NOT NULL,
	deleted INTEGER NOT NULL,
	origin TEXT NOT NULL
);
`

// SQLiteStore shares a database file between processes on one machine.
// SQLite has no notification primitive, so external writes are observed by
// polling a changelog table; this is the documented polling fallback for
// media without push delivery.
type SQLiteStore struct {
	db           *sql.DB
	maxBytes     int64
	origin       string
	pollInterval time.Duration

	mu        sync.Mutex
	subs      map[int]func(ExternalWrite)
	nextSub   int
	polling   bool
	lastSeq   int64
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSQLiteStore opens (creating if needed) a SQLite-backed store.
// maxBytes <= 0 means no quota.
func OpenSQLiteStore(path string, maxBytes int64) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Cause: err}
	}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "init", Cause: err}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "init", Cause: err}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "init", Cause: err}
	}
	s := &SQLiteStore{
		db:           db,
		maxBytes:     maxBytes,
		origin:       uuid.NewString(),
		pollInterval: sqlitePollInterval,
		subs:         map[int]func(ExternalWrite){},
		closed:       make(chan struct{}),
	}
	// Start from the current end of the changelog so old history is not
	// replayed to this instance.
	if err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM draftsync_changes").Scan(&s.lastSeq); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "init", Cause: err}
	}
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, error) {
	entry := Entry{Key: key}
	var value string
	var createdAt, lastAccessedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT category, value, size_bytes, created_at, last_accessed_at
		FROM draftsync_entries WHERE entry_key = ?`, key).Scan(
		&entry.Category, &value, &entry.SizeBytes, &createdAt, &lastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, &StoreError{Op: "get", Key: key, Cause: err}
	}
	entry.Value = []byte(value)
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.LastAccessedAt = time.UnixMilli(lastAccessedAt).UTC()
	return entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, entry Entry) error {
	entry.SizeBytes = int64(len(entry.Value))
	now := time.Now().UTC()
	entry.LastAccessedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	if s.maxBytes > 0 {
		var usage int64
		if err := s.db.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(size_bytes), 0) FROM draftsync_entries WHERE entry_key <> ?",
			key).Scan(&usage); err != nil {
			return &StoreError{Op: "put", Key: key, Cause: err}
		}
		if usage+entry.SizeBytes > s.maxBytes {
			return ErrQuotaExceeded
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO draftsync_entries (entry_key, category, value, size_bytes, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_key)
		DO UPDATE SET category = excluded.category, value = excluded.value,
			size_bytes = excluded.size_bytes, last_accessed_at = excluded.last_accessed_at`,
		key, entry.Category, string(entry.Value), entry.SizeBytes,
		entry.CreatedAt.UnixMilli(), entry.LastAccessedAt.UnixMilli()); err != nil {
		_ = tx.Rollback()
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	if err := s.recordChange(ctx, tx, key, false); err != nil {
		_ = tx.Rollback()
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM draftsync_entries WHERE entry_key = ?", key)
	if err != nil {
		_ = tx.Rollback()
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		if err := s.recordChange(ctx, tx, key, true); err != nil {
			_ = tx.Rollback()
			return &StoreError{Op: "delete", Key: key, Cause: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	return nil
}

func (s *SQLiteStore) recordChange(ctx context.Context, tx *sql.Tx, key string, deleted bool) error {
	deletedFlag := 0
	if deleted {
		deletedFlag = 1
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO draftsync_changes (entry_key, deleted, origin) VALUES (?, ?, ?)",
		key, deletedFlag, s.origin); err != nil {
		return err
	}
	// Bounded changelog: drop history nobody will poll again.
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM draftsync_changes WHERE seq < (SELECT COALESCE(MAX(seq), 0) FROM draftsync_changes) - %d",
		sqliteChangelogKeep))
	return err
}

func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entry_key FROM draftsync_entries WHERE entry_key LIKE ? ESCAPE '\\' ORDER BY entry_key",
		escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, &StoreError{Op: "list", Cause: err}
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &StoreError{Op: "list", Cause: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Cause: err}
	}
	return keys, nil
}

func (s *SQLiteStore) Subscribe(fn func(ExternalWrite)) (cancel func()) {
	s.mu.Lock()
	if !s.polling {
		s.polling = true
		s.wg.Add(1)
		go s.pollLoop()
	}
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SQLiteStore) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *SQLiteStore) pollOnce() {
	s.mu.Lock()
	lastSeq := s.lastSeq
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, entry_key, deleted, origin FROM draftsync_changes WHERE seq > ? ORDER BY seq",
		lastSeq)
	if err != nil {
		return
	}
	defer rows.Close()

	type change struct {
		write  ExternalWrite
		origin string
	}
	var changes []change
	maxSeq := lastSeq
	for rows.Next() {
		var seq int64
		var key, origin string
		var deleted int
		if err := rows.Scan(&seq, &key, &deleted, &origin); err != nil {
			return
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		changes = append(changes, change{
			write:  ExternalWrite{Key: key, Deleted: deleted != 0},
			origin: origin,
		})
	}
	if rows.Err() != nil {
		return
	}

	s.mu.Lock()
	if maxSeq > s.lastSeq {
		s.lastSeq = maxSeq
	}
	targets := make([]func(ExternalWrite), 0, len(s.subs))
	for _, fn := range s.subs {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	for _, c := range changes {
		if c.origin == s.origin {
			continue
		}
		for _, fn := range targets {
			fn(c.write)
		}
	}
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		s.mu.Lock()
		s.subs = map[int]func(ExternalWrite){}
		s.mu.Unlock()
		err = s.db.Close()
	})
	return err
}
