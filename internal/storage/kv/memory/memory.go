// Package memory implements an in-memory kv.DB for tests and development.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/fanvault/tokend/internal/storage/kv"
)

// DB is a thread-safe in-memory key/value store with ordered iteration.
type DB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty in-memory store.
func New() *DB {
	return &DB{data: make(map[string][]byte)}
}

// NewFromPath satisfies kv.BackendFactory; the path is ignored.
func NewFromPath(path string) (kv.DB, error) {
	return New(), nil
}

func (m *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, kv.ErrDBClosed
	}
	val, ok := m.data[string(key)]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	valCopy := make([]byte, len(val))
	copy(valCopy, val)
	return valCopy, nil
}

func (m *DB) Write(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kv.ErrDBClosed
	}
	valCopy := make([]byte, len(value))
	copy(valCopy, value)
	m.data[string(key)] = valCopy
	return nil
}

func (m *DB) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kv.ErrDBClosed
	}
	delete(m.data, string(key))
	return nil
}

func (m *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kv.ErrDBClosed
	}
	for _, op := range ops {
		switch op.Type {
		case kv.BatchPut:
			valCopy := make([]byte, len(op.Value))
			copy(valCopy, op.Value)
			m.data[string(op.Key)] = valCopy
		case kv.BatchDelete:
			delete(m.data, string(op.Key))
		default:
			return kv.ErrBatchOperationFailed
		}
	}
	return nil
}

// Iterator snapshots the matching keys at call time. Writes performed during
// iteration are not observed, which mirrors the snapshot semantics of the
// durable backends.
func (m *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, kv.ErrDBClosed
	}

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]entry, len(keys))
	for i, k := range keys {
		val := m.data[k]
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		entries[i] = entry{key: []byte(k), value: valCopy}
	}

	return &iterator{entries: entries, pos: -1}, nil
}

func (m *DB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = make(map[string][]byte)
	return nil
}

// Len returns the number of stored keys. Test helper.
func (m *DB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

type entry struct {
	key, value []byte
}

type iterator struct {
	entries []entry
	pos     int
}

func (it *iterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil
	}
	return it.entries[it.pos].key
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil
	}
	return it.entries[it.pos].value
}

func (it *iterator) Error() error { return nil }
func (it *iterator) Close() error { return nil }

func init() {
	kv.RegisterBackend("memory", NewFromPath)
}
