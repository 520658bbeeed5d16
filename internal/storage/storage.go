package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Store is the persistent key-value store shared by the primary and worker
// goroutines of one process. Keys are content digests (optionally behind a
// namespace prefix) so values never change once written, and concurrent
// writers of the same key always write the same bytes.
//
// Writes are non-blocking (NoSync) and a background goroutine periodically
// syncs the WAL to disk.
type Store struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup

	mu      sync.Mutex                 // mu protects waiters
	waiters map[string][]chan []byte // waiters are NotifyRead callers per key
}

// New opens (or creates) a Store at the given path.
func New(path string) (*Store, error) {
	return open(path, &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	})
}

// NewMemory opens a Store backed by an in-memory filesystem.
func NewMemory() (*Store, error) {
	return open("db", &pebble.Options{FS: vfs.NewMem()})
}

// open opens the database and starts the WAL sync loop.
func open(path string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		stopSync: make(chan struct{}),
		waiters:  make(map[string][]chan []byte),
	}

	s.startSyncLoop()

	return s, nil
}

// Read returns the value stored under key, or nil if the key does not exist.
func (s *Store) Read(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Write stores value under key and wakes up any NotifyRead callers
// waiting for that key.
func (s *Store) Write(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.NoSync); err != nil {
		return err
	}

	s.notify(key, value)

	return nil
}

// WriteBatch atomically stores multiple key-value pairs.
func (s *Store) WriteBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return err
	}

	for _, kv := range pairs {
		s.notify(kv.Key, kv.Value)
	}

	return nil
}

// NotifyRead returns the value under key, blocking until it is written
// or ctx is done.
func (s *Store) NotifyRead(ctx context.Context, key []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	s.mu.Lock()
	value, err := s.Read(key)
	if err != nil || value != nil {
		s.mu.Unlock()
		return value, err
	}
	s.waiters[string(key)] = append(s.waiters[string(key)], ch)
	s.mu.Unlock()

	select {
	case value := <-ch:
		return value, nil
	case <-ctx.Done():
		s.dropWaiter(key, ch)
		return nil, ctx.Err()
	}
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in lexicographic key order.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// notify hands value to every waiter registered for key.
func (s *Store) notify(key, value []byte) {
	s.mu.Lock()
	waiters := s.waiters[string(key)]
	delete(s.waiters, string(key))
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- value
	}
}

// dropWaiter unregisters a waiter whose context expired.
func (s *Store) dropWaiter(key []byte, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.waiters[string(key)]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(s.waiters, string(key))
		return
	}

	s.waiters[string(key)] = list
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
