// Package kstore defines the per-partition key-value store a table is kept
// in.
package kstore

import (
	"errors"
	"maps"
	"sync"
)

var ErrKeyNotFound = errors.New("kstore: key not found")

var ErrClosed = errors.New("kstore: store closed")

// Store is an embedded key-value store owned by exactly one partition.
type Store interface {
	// Read returns ErrKeyNotFound if key is absent.
	Read(key []byte) ([]byte, error)
	Write(key, value []byte) error
	// WriteBatch applies all entries atomically. A nil value deletes the key.
	WriteBatch(entries map[string][]byte) error
	Delete(key []byte) error
	// Close is idempotent.
	Close() error
}

// Opener opens, or creates, the store of a partition.
type Opener func(partition int32) (Store, error)

// NewMemoryOpener returns an Opener of in-memory stores. Data written to a
// partition's store outlives Close and is visible to the next Open of that
// partition, like a store on disk would be.
func NewMemoryOpener() Opener {
	var mu sync.Mutex
	disks := map[int32]*disk{}
	return func(partition int32) (Store, error) {
		mu.Lock()
		defer mu.Unlock()
		d, ok := disks[partition]
		if !ok {
			d = &disk{data: map[string][]byte{}}
			disks[partition] = d
		}
		return &memoryStore{disk: d}, nil
	}
}

// disk is shared by every store opened for the same partition.
type disk struct {
	mu   sync.Mutex
	data map[string][]byte
}

type memoryStore struct {
	*disk
	closed bool
}

func (s *memoryStore) Read(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memoryStore) Write(key, value []byte) error {
	return s.WriteBatch(map[string][]byte{string(key): append([]byte{}, value...)})
}

func (s *memoryStore) WriteBatch(entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	staged := maps.Clone(s.data)
	for k, v := range entries {
		if v == nil {
			delete(staged, k)
			continue
		}
		staged[k] = append([]byte{}, v...)
	}
	clear(s.data)
	maps.Copy(s.data, staged)
	return nil
}

func (s *memoryStore) Delete(key []byte) error {
	return s.WriteBatch(map[string][]byte{string(key): nil})
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
