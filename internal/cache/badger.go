package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by a backend used after Close
var ErrClosed = errors.New("cache closed")

// BadgerCache implements CacheBackend on an embedded badger database, so the
// signed-in account survives process restarts without an external server.
type BadgerCache struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool

	gcInterval time.Duration
	gcStop     chan struct{}
	gcWg       sync.WaitGroup
}

// NewBadgerCache opens (or creates) the database in dir.
// An empty dir opens an in-memory database.
func NewBadgerCache(dir string, logger *slog.Logger) (*BadgerCache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	b := &BadgerCache{
		db:         db,
		logger:     logger,
		gcInterval: 10 * time.Minute,
		gcStop:     make(chan struct{}),
	}
	if dir != "" {
		b.startGC()
	}
	return b, nil
}

func (b *BadgerCache) startGC() {
	b.gcWg.Add(1)
	go func() {
		defer b.gcWg.Done()
		ticker := time.NewTicker(b.gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.gcStop:
				return
			case <-ticker.C:
				b.runGC()
			}
		}
	}()
}

func (b *BadgerCache) runGC() {
	if b.closed.Load() {
		return
	}
	// RunValueLogGC returns an error once nothing is left to rewrite
	for {
		if err := b.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

func (b *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b.closed.Load() {
		return nil, false, ErrClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value; a ttl <= 0 keeps it until deleted
func (b *BadgerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.closed.Load() {
		return ErrClosed
	}
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (b *BadgerCache) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *BadgerCache) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.gcStop)
	b.gcWg.Wait()
	if err := b.db.Close(); err != nil {
		b.logger.Warn("badger close failed", "error", err)
		return err
	}
	return nil
}
