// Package leveldb implements kv.DB on top of syndtr/goleveldb. Alternate
// durable backend for deployments that prefer LevelDB files.
package leveldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/fanvault/tokend/internal/storage/kv"
)

type DB struct {
	db *leveldb.DB
}

// Open opens or creates a leveldb store at path.
func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb store at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// NewFromPath satisfies kv.BackendFactory.
func NewFromPath(path string) (kv.DB, error) {
	return Open(path)
}

func (l *DB) Read(ctx context.Context, key []byte) ([]byte, error) {
	if l.db == nil {
		return nil, kv.ErrDBClosed
	}

	val, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, err
	}
	// goleveldb already returns a copy
	return val, nil
}

func (l *DB) Write(ctx context.Context, key, value []byte) error {
	if l.db == nil {
		return kv.ErrDBClosed
	}
	return l.db.Put(key, value, nil)
}

func (l *DB) Delete(ctx context.Context, key []byte) error {
	if l.db == nil {
		return kv.ErrDBClosed
	}
	return l.db.Delete(key, nil)
}

func (l *DB) Batch(ctx context.Context, ops []kv.BatchOperation) error {
	if l.db == nil {
		return kv.ErrDBClosed
	}

	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Type {
		case kv.BatchPut:
			batch.Put(op.Key, op.Value)
		case kv.BatchDelete:
			batch.Delete(op.Key)
		default:
			return fmt.Errorf("unknown batch operation type: %d", op.Type)
		}
	}
	return l.db.Write(batch, nil)
}

func (l *DB) Iterator(ctx context.Context, start, end []byte) (kv.Iterator, error) {
	if l.db == nil {
		return nil, kv.ErrDBClosed
	}

	iter := l.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	return &Iterator{iter: iter}, nil
}

func (l *DB) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

type Iterator struct {
	iter iterator.Iterator

	current struct {
		key, value []byte
	}
}

func (it *Iterator) Next() bool {
	if !it.iter.Next() {
		return false
	}

	key := it.iter.Key()
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	val := it.iter.Value()
	valCopy := make([]byte, len(val))
	copy(valCopy, val)

	it.current.key = keyCopy
	it.current.value = valCopy
	return true
}

func (it *Iterator) Key() []byte {
	return it.current.key
}

func (it *Iterator) Value() []byte {
	return it.current.value
}

func (it *Iterator) Error() error {
	return it.iter.Error()
}

func (it *Iterator) Close() error {
	it.iter.Release()
	return it.iter.Error()
}

func init() {
	kv.RegisterBackend("leveldb", NewFromPath)
}
