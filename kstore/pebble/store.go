// Package pebble stores table partitions in pebble databases.
package pebble

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/birdayz/ktable/kstore"
	"github.com/cockroachdb/pebble"
)

// DefaultStateDir is used when no state directory is configured.
const DefaultStateDir = "/tmp/ktable"

type pebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

var _ kstore.Store = (*pebbleStore)(nil)

// Open opens or creates the pebble database in dir.
func Open(dir string) (kstore.Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &pebbleStore{db: db}, nil
}

// NewOpener returns an Opener keeping partition p of table name in
// <stateDir>/<name>/partition-<p>.
func NewOpener(stateDir, name string) kstore.Opener {
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	return func(p int32) (kstore.Store, error) {
		return Open(PartitionDir(stateDir, name, p))
	}
}

// PartitionDir returns the database directory of partition p.
func PartitionDir(stateDir, name string, p int32) string {
	return filepath.Join(stateDir, name, fmt.Sprintf("partition-%d", p))
}

func (s *pebbleStore) Read(k []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kstore.ErrClosed
	}
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, kstore.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)

	return res, nil
}

func (s *pebbleStore) Write(k, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kstore.ErrClosed
	}
	return s.db.Set(k, v, pebble.Sync)
}

// WriteBatch commits all entries in one synced pebble batch. nil values
// are tombstones.
func (s *pebbleStore) WriteBatch(entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kstore.ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	for k, v := range entries {
		var err error
		if v == nil {
			err = b.Delete([]byte(k), nil)
		} else {
			err = b.Set([]byte(k), v, nil)
		}
		if err != nil {
			return fmt.Errorf("batch %q: %w", k, err)
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *pebbleStore) Delete(k []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kstore.ErrClosed
	}
	return s.db.Delete(k, pebble.Sync)
}

func (s *pebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Flush(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}
