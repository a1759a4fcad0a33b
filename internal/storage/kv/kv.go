// Package kv defines the byte-level key/value contract the table store is
// built on. Implementations live in subpackages (pebble, leveldb, memory)
// and are selected through the backend registry.
package kv

import (
	"context"
)

// DB defines the basic operations any kv backend must support.
type DB interface {
	// Read returns the value stored at key, or ErrKeyNotFound.
	Read(ctx context.Context, key []byte) ([]byte, error)
	Write(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Batch applies all operations atomically.
	Batch(ctx context.Context, ops []BatchOperation) error

	// Iterator traverses keys in [start, end) in ascending order.
	// A nil end means "to the last key".
	Iterator(ctx context.Context, start, end []byte) (Iterator, error)

	Close() error
}

// Iterator allows traversing kv entries. Next must be called before the
// first Key/Value access.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// BatchOperation represents a single operation in a batch.
type BatchOperation struct {
	Type  BatchOpType
	Key   []byte
	Value []byte
}

type BatchOpType int

const (
	BatchPut BatchOpType = iota
	BatchDelete
)

// PrefixEnd returns the smallest key greater than every key that has the
// given prefix, suitable as an exclusive iterator upper bound. Returns nil
// when no such key exists (prefix is all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
