package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fanvault/tokend/internal/storage/kv"
	"github.com/fanvault/tokend/internal/storage/table/compression"
)

const lockStripes = 64

// rebuildBatchSize bounds the kv batch size during index backfill.
const rebuildBatchSize = 500

// Options configures a KVStore.
type Options struct {
	// Compressor compresses row values. Nil disables compression.
	Compressor compression.Compressor

	// CacheSize is the row cache capacity. Zero disables the cache.
	CacheSize int
}

// KVStore implements the wide-column contract over a kv.DB.
type KVStore struct {
	db    kv.DB
	comp  compression.Compressor
	cache *lru.Cache[string, Row]

	// locks serialize read-modify-write cycles per row id. Conditional
	// updates rely on this to be the single-row serialization point.
	locks [lockStripes]sync.Mutex

	mu      sync.RWMutex
	indexes map[string]map[string]*indexEntry
}

type indexEntry struct {
	def   Index
	ready bool
}

// New creates a store over db and loads persisted index definitions.
func New(db kv.DB, opts Options) (*KVStore, error) {
	s := &KVStore{
		db:      db,
		comp:    opts.Compressor,
		indexes: make(map[string]map[string]*indexEntry),
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Row](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create row cache: %w", err)
		}
		s.cache = cache
	}

	if err := s.loadIndexMeta(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KVStore) loadIndexMeta(ctx context.Context) error {
	prefix := metaPrefix()
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return fmt.Errorf("load index meta: %w", err)
	}
	defer it.Close()

	for it.Next() {
		tbl, name, ok := splitMetaKey(it.Key())
		if !ok {
			continue
		}
		state, err := decodeIndexState(it.Value())
		if err != nil {
			return fmt.Errorf("load index meta %s/%s: %w", tbl, name, err)
		}
		if s.indexes[tbl] == nil {
			s.indexes[tbl] = make(map[string]*indexEntry)
		}
		s.indexes[tbl][name] = &indexEntry{
			def:   Index{Name: name, HashKey: state.HashKey, RangeKey: state.RangeKey},
			ready: state.Ready,
		}
	}
	return it.Error()
}

func splitMetaKey(key []byte) (tbl, name string, ok bool) {
	// m \x00 <table> \x00 <index>
	parts := bytes.Split(key, []byte{keySep})
	if len(parts) != 3 || string(parts[0]) != "m" {
		return "", "", false
	}
	return string(parts[1]), string(parts[2]), true
}

func (s *KVStore) stripe(tbl, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tbl))
	h.Write([]byte{keySep})
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *KVStore) cacheKey(tbl, id string) string {
	return tbl + "\x00" + id
}

// tableIndexes snapshots the index definitions registered for a table.
func (s *KVStore) tableIndexes(tbl string) []Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]Index, 0, len(s.indexes[tbl]))
	for _, e := range s.indexes[tbl] {
		defs = append(defs, e.def)
	}
	return defs
}

// indexAttrs returns the (hash, range) values a row contributes to an index,
// or ok=false when the row is not covered. Empty strings count as absent.
func indexAttrs(row Row, def Index) (hashVal, rangeVal string, ok bool) {
	hashVal, hok := attrString(row, def.HashKey)
	rangeVal, rok := attrString(row, def.RangeKey)
	return hashVal, rangeVal, hok && rok
}

func attrString(row Row, attr string) (string, bool) {
	v, ok := row[attr]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return "", false
	}
	return str, true
}

// indexOps appends the batch operations that move a row's index entries from
// their old positions to the new ones.
func (s *KVStore) indexOps(tbl string, old, new Row, ops []kv.BatchOperation) []kv.BatchOperation {
	var id string
	if new != nil {
		id, _ = attrString(new, IDAttr)
	} else if old != nil {
		id, _ = attrString(old, IDAttr)
	}

	for _, def := range s.tableIndexes(tbl) {
		oldHash, oldRange, oldOK := "", "", false
		if old != nil {
			oldHash, oldRange, oldOK = indexAttrs(old, def)
		}
		newHash, newRange, newOK := "", "", false
		if new != nil {
			newHash, newRange, newOK = indexAttrs(new, def)
		}

		if oldOK && (!newOK || oldHash != newHash || oldRange != newRange) {
			ops = append(ops, kv.BatchOperation{
				Type: kv.BatchDelete,
				Key:  indexEntryKey(tbl, def.Name, oldHash, oldRange, id),
			})
		}
		if newOK && (!oldOK || oldHash != newHash || oldRange != newRange) {
			ops = append(ops, kv.BatchOperation{
				Type:  kv.BatchPut,
				Key:   indexEntryKey(tbl, def.Name, newHash, newRange, id),
				Value: nil,
			})
		}
	}
	return ops
}

// readRow fetches and decodes a row without touching the cache.
func (s *KVStore) readRow(ctx context.Context, tbl, id string) (Row, error) {
	data, err := s.db.Read(ctx, rowKey(tbl, id))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrRowNotFound
		}
		return nil, err
	}
	return decodeRow(data, s.comp)
}

// Put writes a row, replacing any previous row with the same id and moving
// its index entries.
func (s *KVStore) Put(ctx context.Context, tbl string, row Row) error {
	id, ok := attrString(row, IDAttr)
	if !ok {
		return ErrMissingID
	}

	mu := s.stripe(tbl, id)
	mu.Lock()
	defer mu.Unlock()

	old, err := s.readRow(ctx, tbl, id)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return err
	}

	encoded, err := encodeRow(row, s.comp)
	if err != nil {
		return err
	}

	ops := []kv.BatchOperation{{Type: kv.BatchPut, Key: rowKey(tbl, id), Value: encoded}}
	ops = s.indexOps(tbl, old, row, ops)

	if err := s.db.Batch(ctx, ops); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Add(s.cacheKey(tbl, id), copyRow(row))
	}
	return nil
}

// Get returns the row with the given id, or ErrRowNotFound.
func (s *KVStore) Get(ctx context.Context, tbl, id string) (Row, error) {
	if s.cache != nil {
		if row, ok := s.cache.Get(s.cacheKey(tbl, id)); ok {
			return copyRow(row), nil
		}
	}

	row, err := s.readRow(ctx, tbl, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(s.cacheKey(tbl, id), copyRow(row))
	}
	return row, nil
}

// UpdateConditional applies mutations to the row only if every condition
// attribute matches the stored value. A nil mutation value removes the
// attribute. Returns the post-image on success and ErrConditionFailed when
// the row is missing or any condition does not hold.
func (s *KVStore) UpdateConditional(ctx context.Context, tbl, id string, mutations Row, cond Condition) (Row, error) {
	mu := s.stripe(tbl, id)
	mu.Lock()
	defer mu.Unlock()

	old, err := s.readRow(ctx, tbl, id)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return nil, ErrConditionFailed
		}
		return nil, err
	}

	for attr, want := range cond {
		got, present := old[attr]
		if !present || !attrEqual(got, want) {
			return nil, ErrConditionFailed
		}
	}

	updated := copyRow(old)
	for attr, val := range mutations {
		if attr == IDAttr {
			continue
		}
		if val == nil {
			delete(updated, attr)
			continue
		}
		updated[attr] = copyValue(val)
	}

	encoded, err := encodeRow(updated, s.comp)
	if err != nil {
		return nil, err
	}

	ops := []kv.BatchOperation{{Type: kv.BatchPut, Key: rowKey(tbl, id), Value: encoded}}
	ops = s.indexOps(tbl, old, updated, ops)

	if err := s.db.Batch(ctx, ops); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(s.cacheKey(tbl, id), copyRow(updated))
	}
	return copyRow(updated), nil
}

// Delete removes a row and its index entries. Deleting a missing row is not
// an error.
func (s *KVStore) Delete(ctx context.Context, tbl, id string) error {
	mu := s.stripe(tbl, id)
	mu.Lock()
	defer mu.Unlock()

	old, err := s.readRow(ctx, tbl, id)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return nil
		}
		return err
	}

	ops := []kv.BatchOperation{{Type: kv.BatchDelete, Key: rowKey(tbl, id)}}
	ops = s.indexOps(tbl, old, nil, ops)

	if err := s.db.Batch(ctx, ops); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Remove(s.cacheKey(tbl, id))
	}
	return nil
}

// EnsureIndex registers an index. On an empty table the index is ready
// immediately; on a populated table it stays unavailable until RebuildIndex
// backfills it. Re-registering an identical definition is a no-op.
func (s *KVStore) EnsureIndex(ctx context.Context, tbl string, def Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.indexes[tbl][def.Name]; ok {
		if existing.def != def {
			return fmt.Errorf("%w: %s", ErrIndexExists, def.Name)
		}
		return nil
	}

	hasRows, err := s.hasRows(ctx, tbl)
	if err != nil {
		return err
	}

	state := indexState{HashKey: def.HashKey, RangeKey: def.RangeKey, Ready: !hasRows}
	if err := s.writeIndexState(ctx, tbl, def.Name, state); err != nil {
		return err
	}

	if s.indexes[tbl] == nil {
		s.indexes[tbl] = make(map[string]*indexEntry)
	}
	s.indexes[tbl][def.Name] = &indexEntry{def: def, ready: state.Ready}
	return nil
}

func (s *KVStore) writeIndexState(ctx context.Context, tbl, name string, state indexState) error {
	encoded, err := encodeIndexState(state)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, indexMetaKey(tbl, name), encoded)
}

func (s *KVStore) hasRows(ctx context.Context, tbl string) (bool, error) {
	prefix := rowPrefix(tbl)
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return false, err
	}
	defer it.Close()
	return it.Next(), it.Error()
}

// RebuildIndex backfills index entries for all existing rows and marks the
// index ready. Writes that land during the rebuild maintain their own
// entries, so the backfill converges.
func (s *KVStore) RebuildIndex(ctx context.Context, tbl, name string) error {
	s.mu.RLock()
	entry, ok := s.indexes[tbl][name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexUnavailable, name)
	}
	def := entry.def

	prefix := rowPrefix(tbl)
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return err
	}
	defer it.Close()

	var ops []kv.BatchOperation
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		if err := s.db.Batch(ctx, ops); err != nil {
			return err
		}
		ops = ops[:0]
		return nil
	}

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := decodeRow(it.Value(), s.comp)
		if err != nil {
			return fmt.Errorf("rebuild %s: row %s: %w", name, idFromRowKey(it.Key()), err)
		}
		id, _ := attrString(row, IDAttr)
		hashVal, rangeVal, covered := indexAttrs(row, def)
		if !covered || id == "" {
			continue
		}
		ops = append(ops, kv.BatchOperation{
			Type: kv.BatchPut,
			Key:  indexEntryKey(tbl, name, hashVal, rangeVal, id),
		})
		if len(ops) >= rebuildBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeIndexState(ctx, tbl, name, indexState{HashKey: def.HashKey, RangeKey: def.RangeKey, Ready: true}); err != nil {
		return err
	}
	s.indexes[tbl][name].ready = true
	return nil
}

// IndexReady reports whether the named index exists and is queryable.
func (s *KVStore) IndexReady(tbl, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.indexes[tbl][name]
	return ok && entry.ready
}

// QueryByIndex returns rows matching the hash value, narrowed by the range
// condition, ordered by (range value, id) ascending. Unknown or unreadied
// indexes yield ErrIndexUnavailable.
func (s *KVStore) QueryByIndex(ctx context.Context, tbl, index, hashVal string, rng RangeCond, opts QueryOptions) ([]Row, error) {
	s.mu.RLock()
	entry, ok := s.indexes[tbl][index]
	s.mu.RUnlock()
	if !ok || !entry.ready {
		return nil, fmt.Errorf("%w: %s", ErrIndexUnavailable, index)
	}

	prefix := indexHashPrefix(tbl, index, hashVal)
	start, end := rangeBounds(prefix, rng)

	if opts.StartAfterRange != "" || opts.StartAfterID != "" {
		after := make([]byte, 0, len(prefix)+len(opts.StartAfterRange)+len(opts.StartAfterID)+2)
		after = append(after, prefix...)
		after = append(after, opts.StartAfterRange...)
		after = append(after, keySep)
		after = append(after, opts.StartAfterID...)
		after = append(after, keySep)
		if bytes.Compare(after, start) > 0 {
			start = after
		}
	}

	it, err := s.db.Iterator(ctx, start, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows []Row
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := idFromIndexKey(it.Key())
		row, err := s.Get(ctx, tbl, id)
		if err != nil {
			if errors.Is(err, ErrRowNotFound) {
				// Dangling entry left by an interrupted delete; skip.
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
	}
	return rows, it.Error()
}

func rangeBounds(prefix []byte, rng RangeCond) (start, end []byte) {
	start = prefix
	end = kv.PrefixEnd(prefix)

	withSuffix := func(val string, extra ...byte) []byte {
		b := make([]byte, 0, len(prefix)+len(val)+len(extra))
		b = append(b, prefix...)
		b = append(b, val...)
		b = append(b, extra...)
		return b
	}

	if rng.EQ != "" {
		start = withSuffix(rng.EQ, keySep)
		end = withSuffix(rng.EQ, keySep+1)
		return start, end
	}
	switch {
	case rng.GT != "":
		start = withSuffix(rng.GT, keySep+1)
	case rng.GTE != "":
		start = withSuffix(rng.GTE)
	}
	switch {
	case rng.LT != "":
		end = withSuffix(rng.LT)
	case rng.LTE != "":
		end = withSuffix(rng.LTE, keySep+1)
	}
	return start, end
}

// Scan returns rows ordered by id.
func (s *KVStore) Scan(ctx context.Context, tbl string, opts ScanOptions) ([]Row, error) {
	prefix := rowPrefix(tbl)
	start := prefix
	if opts.StartAfterID != "" {
		start = make([]byte, 0, len(prefix)+len(opts.StartAfterID)+1)
		start = append(start, prefix...)
		start = append(start, opts.StartAfterID...)
		start = append(start, keySep)
	}

	it, err := s.db.Iterator(ctx, start, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows []Row
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := decodeRow(it.Value(), s.comp)
		if err != nil {
			return nil, fmt.Errorf("scan %s: row %s: %w", tbl, idFromRowKey(it.Key()), err)
		}
		rows = append(rows, row)
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
	}
	return rows, it.Error()
}

// Count returns the number of rows in the table without decoding values.
func (s *KVStore) Count(ctx context.Context, tbl string) (int64, error) {
	prefix := rowPrefix(tbl)
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var n int64
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n++
	}
	return n, it.Error()
}
