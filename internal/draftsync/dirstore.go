package draftsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const dirStoreSuppressWindow = 2 * time.Second

// DirStore keeps one JSON file per key in a shared directory. Several
// processes pointed at the same directory see each other's writes through an
// fsnotify watcher, which is the closest filesystem analogue of the browser
// storage-event mechanism the engine was designed around.
type DirStore struct {
	root     string
	maxBytes int64

	mu         sync.Mutex
	usage      int64
	selfWrites map[string]time.Time
	subs       map[int]func(ExternalWrite)
	nextSub    int
	watcher    *fsnotify.Watcher
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// OpenDirStore opens (creating if needed) a directory-backed store.
// maxBytes <= 0 means no quota.
func OpenDirStore(root string, maxBytes int64) (*DirStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StoreError{Op: "open", Cause: err}
	}
	s := &DirStore{
		root:       root,
		maxBytes:   maxBytes,
		selfWrites: map[string]time.Time{},
		subs:       map[int]func(ExternalWrite){},
		closed:     make(chan struct{}),
	}
	if err := s.scanUsage(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DirStore) scanUsage() error {
	files, err := os.ReadDir(s.root)
	if err != nil {
		return &StoreError{Op: "scan", Cause: err}
	}
	var total int64
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	s.mu.Lock()
	s.usage = total
	s.mu.Unlock()
	return nil
}

func (s *DirStore) filePath(key string) string {
	return filepath.Join(s.root, url.PathEscape(key)+".json")
}

func keyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func (s *DirStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, &StoreError{Op: "get", Key: key, Cause: err}
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, &CorruptedEntryError{Key: key, Cause: err}
	}
	return entry, nil
}

func (s *DirStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Key = key
	entry.SizeBytes = int64(len(entry.Value))
	entry.LastAccessedAt = time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.LastAccessedAt
	}
	if existing, err := s.Get(ctx, key); err == nil {
		entry.CreatedAt = existing.CreatedAt
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return &StoreError{Op: "put", Key: key, Cause: err}
	}

	path := s.filePath(key)
	var previous int64
	if info, statErr := os.Stat(path); statErr == nil {
		previous = info.Size()
	}
	s.mu.Lock()
	if s.maxBytes > 0 && s.usage-previous+int64(len(data)) > s.maxBytes {
		s.mu.Unlock()
		return ErrQuotaExceeded
	}
	s.selfWrites[key] = time.Now()
	s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StoreError{Op: "put", Key: key, Cause: err}
	}
	s.mu.Lock()
	s.usage += int64(len(data)) - previous
	s.mu.Unlock()
	return nil
}

func (s *DirStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.filePath(key)
	var previous int64
	if info, statErr := os.Stat(path); statErr == nil {
		previous = info.Size()
	}
	s.mu.Lock()
	s.selfWrites[key] = time.Now()
	s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	s.mu.Lock()
	s.usage -= previous
	s.mu.Unlock()
	return nil
}

func (s *DirStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &StoreError{Op: "list", Cause: err}
	}
	keys := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		key, ok := keyFromFileName(file.Name())
		if !ok {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *DirStore) Subscribe(fn func(ExternalWrite)) (cancel func()) {
	s.mu.Lock()
	if s.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			if addErr := watcher.Add(s.root); addErr != nil {
				_ = watcher.Close()
			} else {
				s.watcher = watcher
				s.wg.Add(1)
				go s.watchLoop(watcher)
			}
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

func (s *DirStore) watchLoop(watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *DirStore) handleEvent(event fsnotify.Event) {
	key, ok := keyFromFileName(filepath.Base(event.Name))
	if !ok {
		return
	}
	deleted := event.Has(fsnotify.Remove)
	if !deleted && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	s.mu.Lock()
	if at, self := s.selfWrites[key]; self {
		if time.Since(at) < dirStoreSuppressWindow {
			s.mu.Unlock()
			return
		}
		delete(s.selfWrites, key)
	}
	targets := make([]func(ExternalWrite), 0, len(s.subs))
	for _, fn := range s.subs {
		targets = append(targets, fn)
	}
	s.mu.Unlock()

	// Rename of a key file without a matching Remove means another process
	// replaced it atomically; treat as a write, not a delete.
	if event.Has(fsnotify.Rename) && !deleted {
		if _, err := os.Stat(event.Name); err != nil {
			deleted = true
		}
	}
	write := ExternalWrite{Key: key, Deleted: deleted}
	for _, fn := range targets {
		fn(write)
	}
}

func (s *DirStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		watcher := s.watcher
		s.watcher = nil
		s.subs = map[int]func(ExternalWrite){}
		s.mu.Unlock()
		if watcher != nil {
			err = watcher.Close()
		}
		s.wg.Wait()
	})
	return err
}
