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
	"github.com/lib/pq"
)

const (
	postgresEntriesTableName = "draftsync_entries"
	postgresNotifyChannel    = "draftsync_changes"
	postgresMinReconnect     = 10 * time.Second
	postgresMaxReconnect     = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps entries in a single table and propagates external
// writes through LISTEN/NOTIFY, so instances on different machines sharing a
// database get push delivery instead of polling.
type PostgresStore struct {
	dsn       string
	tableName string
	maxBytes  int64
	origin    string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.Mutex
	subs     map[int]func(ExternalWrite)
	nextSub  int
	listener *pq.Listener
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewPostgresStore prepares a store for the given DSN. The connection is
// opened lazily on first use. maxBytes <= 0 means no quota.
func NewPostgresStore(dsn string, maxBytes int64) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresEntriesTableName,
		maxBytes:  maxBytes,
		origin:    uuid.NewString(),
		openDB:    sql.Open,
		subs:      map[int]func(ExternalWrite){},
		closed:    make(chan struct{}),
	}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = &StoreError{Op: "open", Cause: err}
			return
		}
		create := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				entry_key TEXT PRIMARY KEY,
				category TEXT NOT NULL,
				value TEXT NOT NULL,
				size_bytes BIGINT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				last_accessed_at TIMESTAMPTZ NOT NULL
			)`, pq.QuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, create); err != nil {
			_ = db.Close()
			s.initErr = &StoreError{Op: "init", Cause: err}
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Entry{}, err
	}
	query := fmt.Sprintf(
		"SELECT category, value, size_bytes, created_at, last_accessed_at FROM %s WHERE entry_key = $1",
		pq.QuoteIdentifier(s.tableName))
	entry := Entry{Key: key}
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&entry.Category, &value, &entry.SizeBytes, &entry.CreatedAt, &entry.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, &StoreError{Op: "get", Key: key, Cause: err}
	}
	entry.Value = []byte(value)
	return entry, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	entry.Key = key
	entry.SizeBytes = int64(len(entry.Value))
	now := time.Now().UTC()
	entry.LastAccessedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	if s.maxBytes > 0 {
		usageQuery := fmt.Sprintf(
			"SELECT COALESCE(SUM(size_bytes), 0) FROM %s WHERE entry_key <> $1",
			pq.QuoteIdentifier(s.tableName))
		var usage int64
		if err := s.db.QueryRowContext(ctx, usageQuery, key).Scan(&usage); err != nil {
			return &StoreError{Op: "put", Key: key, Cause: err}
		}
		if usage+entry.SizeBytes > s.maxBytes {
			return ErrQuotaExceeded
		}
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (entry_key, category, value, size_bytes, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entry_key)
		DO UPDATE SET category = EXCLUDED.category, value = EXCLUDED.value,
			size_bytes = EXCLUDED.size_bytes, last_accessed_at = EXCLUDED.last_accessed_at`,
		pq.QuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, upsert,
		key, entry.Category, string(entry.Value), entry.SizeBytes, entry.CreatedAt, entry.LastAccessedAt); err != nil {
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	s.notifyPeers(ctx, key, false)
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE entry_key = $1", pq.QuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	s.notifyPeers(ctx, key, true)
	return nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT entry_key FROM %s WHERE entry_key LIKE $1 ORDER BY entry_key",
		pq.QuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, escapeLikePrefix(prefix)+"%")
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

func (s *PostgresStore) notifyPeers(ctx context.Context, key string, deleted bool) {
	op := "w"
	if deleted {
		op = "d"
	}
	payload := s.origin + "|" + op + "|" + key
	// Notification failures are non-fatal: peers re-derive state from revision
	// comparison on the next read.
	_, _ = s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, payload)
}

func (s *PostgresStore) Subscribe(fn func(ExternalWrite)) (cancel func()) {
	s.mu.Lock()
	if s.listener == nil {
		listener := pq.NewListener(s.dsn, postgresMinReconnect, postgresMaxReconnect, nil)
		if err := listener.Listen(postgresNotifyChannel); err == nil {
			s.listener = listener
			s.wg.Add(1)
			go s.listenLoop(listener)
		} else {
			_ = listener.Close()
		}
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

func (s *PostgresStore) listenLoop(listener *pq.Listener) {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				continue
			}
			s.dispatch(notification.Extra)
		}
	}
}

func (s *PostgresStore) dispatch(payload string) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 || parts[0] == s.origin {
		return
	}
	write := ExternalWrite{Key: parts[2], Deleted: parts[1] == "d"}
	s.mu.Lock()
	targets := make([]func(ExternalWrite), 0, len(s.subs))
	for _, fn := range s.subs {
		targets = append(targets, fn)
	}
	s.mu.Unlock()
	for _, fn := range targets {
		fn(write)
	}
}

func (s *PostgresStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.subs = map[int]func(ExternalWrite){}
		s.mu.Unlock()
		if listener != nil {
			err = listener.Close()
		}
		s.wg.Wait()
		if s.db != nil {
			if dbErr := s.db.Close(); err == nil {
				err = dbErr
			}
		}
	})
	return err
}

func escapeLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}
