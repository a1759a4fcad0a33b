package table

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanvault/tokend/internal/storage/kv/memory"
	"github.com/fanvault/tokend/internal/storage/table/compression"
)

const testTable = "TokenRegistry"

func newTestStore(t *testing.T, opts Options) *KVStore {
	t.Helper()
	store, err := New(memory.New(), opts)
	require.NoError(t, err)
	return store
}

func newIndexedStore(t *testing.T) *KVStore {
	t.Helper()
	store := newTestStore(t, Options{CacheSize: 128})
	ctx := context.Background()
	for _, def := range []Index{
		{Name: "userId-createdAt-index", HashKey: "userId", RangeKey: "createdAt"},
		{Name: "refId-state-index", HashKey: "refId", RangeKey: "state"},
	} {
		require.NoError(t, store.EnsureIndex(ctx, testTable, def))
	}
	return store
}

func testRow(id, userID, createdAt string) Row {
	return Row{
		"id":        id,
		"userId":    userID,
		"createdAt": createdAt,
		"amount":    int64(100),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	row := testRow("t1", "u1", "2024-01-01T00:00:00.000Z")
	row["metadata"] = map[string]any{"purpose": "purchase", "nested": map[string]any{"k": "v"}}

	require.NoError(t, store.Put(ctx, testTable, row))

	got, err := store.Get(ctx, testTable, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got["userId"])
	assert.Equal(t, int64(100), got["amount"])
	assert.Equal(t, "purchase", got["metadata"].(map[string]any)["purpose"])

	// The returned row must be a private copy.
	got["userId"] = "intruder"
	again, err := store.Get(ctx, testTable, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", again["userId"])
}

func TestGetMissingRow(t *testing.T) {
	store := newIndexedStore(t)
	_, err := store.Get(context.Background(), testTable, "nope")
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestPutRequiresID(t *testing.T) {
	store := newIndexedStore(t)
	err := store.Put(context.Background(), testTable, Row{"userId": "u1"})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestQueryByIndexOrdersAndBounds(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	stamps := []string{
		"2024-01-03T00:00:00.000Z",
		"2024-01-01T00:00:00.000Z",
		"2024-01-02T00:00:00.000Z",
	}
	for i, ts := range stamps {
		require.NoError(t, store.Put(ctx, testTable, testRow(fmt.Sprintf("t%d", i), "u1", ts)))
	}
	// Row for another user must not leak into u1's partition.
	require.NoError(t, store.Put(ctx, testTable, testRow("other", "u2", "2024-01-01T12:00:00.000Z")))

	rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", rows[0]["createdAt"])
	assert.Equal(t, "2024-01-02T00:00:00.000Z", rows[1]["createdAt"])
	assert.Equal(t, "2024-01-03T00:00:00.000Z", rows[2]["createdAt"])

	t.Run("lte bound", func(t *testing.T) {
		rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1",
			RangeCond{LTE: "2024-01-02T00:00:00.000Z"}, QueryOptions{})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("lt bound excludes equal", func(t *testing.T) {
		rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1",
			RangeCond{LT: "2024-01-02T00:00:00.000Z"}, QueryOptions{})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("gt bound excludes equal", func(t *testing.T) {
		rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1",
			RangeCond{GT: "2024-01-02T00:00:00.000Z"}, QueryOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "2024-01-03T00:00:00.000Z", rows[0]["createdAt"])
	})

	t.Run("eq bound", func(t *testing.T) {
		rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1",
			RangeCond{EQ: "2024-01-02T00:00:00.000Z"}, QueryOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("limit", func(t *testing.T) {
		rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1",
			RangeCond{}, QueryOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestQueryByIndexStartAfterResumes(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	// Two rows share a createdAt so the id tiebreaker is exercised.
	require.NoError(t, store.Put(ctx, testTable, testRow("a", "u1", "2024-01-01T00:00:00.000Z")))
	require.NoError(t, store.Put(ctx, testTable, testRow("b", "u1", "2024-01-01T00:00:00.000Z")))
	require.NoError(t, store.Put(ctx, testTable, testRow("c", "u1", "2024-01-02T00:00:00.000Z")))

	first, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0]["id"])

	rest, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{
		StartAfterRange: "2024-01-01T00:00:00.000Z",
		StartAfterID:    "a",
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0]["id"])
	assert.Equal(t, "c", rest[1]["id"])
}

func TestSparseIndexSkipsRowsWithoutAttrs(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	withState := testRow("h1", "u1", "2024-01-01T00:00:00.000Z")
	withState["refId"] = "booking-1"
	withState["state"] = "OPEN"
	require.NoError(t, store.Put(ctx, testTable, withState))

	// Plain rows carry no state attribute and must stay out of the index.
	plain := testRow("t1", "u1", "2024-01-01T00:00:00.000Z")
	plain["refId"] = "booking-1"
	require.NoError(t, store.Put(ctx, testTable, plain))

	rows, err := store.QueryByIndex(ctx, testTable, "refId-state-index", "booking-1", RangeCond{}, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "h1", rows[0]["id"])
}

func TestUpdateConditional(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	row := testRow("h1", "u1", "2024-01-01T00:00:00.000Z")
	row["state"] = "OPEN"
	row["refId"] = "booking-1"
	row["version"] = int64(1)
	require.NoError(t, store.Put(ctx, testTable, row))

	t.Run("succeeds when conditions match", func(t *testing.T) {
		updated, err := store.UpdateConditional(ctx, testTable, "h1",
			Row{"state": "CAPTURED", "version": int64(2)},
			Condition{"state": "OPEN", "version": int64(1)})
		require.NoError(t, err)
		assert.Equal(t, "CAPTURED", updated["state"])
		assert.Equal(t, int64(2), updated["version"])
	})

	t.Run("fails on stale version", func(t *testing.T) {
		_, err := store.UpdateConditional(ctx, testTable, "h1",
			Row{"state": "REVERSED", "version": int64(2)},
			Condition{"state": "OPEN", "version": int64(1)})
		assert.ErrorIs(t, err, ErrConditionFailed)
	})

	t.Run("fails on missing row", func(t *testing.T) {
		_, err := store.UpdateConditional(ctx, testTable, "ghost",
			Row{"state": "CAPTURED"}, Condition{"state": "OPEN"})
		assert.ErrorIs(t, err, ErrConditionFailed)
	})

	t.Run("moves index entries", func(t *testing.T) {
		rows, err := store.QueryByIndex(ctx, testTable, "refId-state-index", "booking-1",
			RangeCond{EQ: "CAPTURED"}, QueryOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)

		open, err := store.QueryByIndex(ctx, testTable, "refId-state-index", "booking-1",
			RangeCond{EQ: "OPEN"}, QueryOptions{})
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("condition on missing attribute fails", func(t *testing.T) {
		_, err := store.UpdateConditional(ctx, testTable, "h1",
			Row{"state": "REVERSED"}, Condition{"nonexistent": "x"})
		assert.ErrorIs(t, err, ErrConditionFailed)
	})
}

func TestDeleteRemovesIndexEntries(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	require.NoError(t, store.Put(ctx, testTable, testRow("t1", "u1", "2024-01-01T00:00:00.000Z")))
	require.NoError(t, store.Delete(ctx, testTable, "t1"))

	_, err := store.Get(ctx, testTable, "t1")
	assert.ErrorIs(t, err, ErrRowNotFound)

	rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Idempotent.
	assert.NoError(t, store.Delete(ctx, testTable, "t1"))
}

func TestIndexUnavailableUntilRebuilt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	require.NoError(t, store.Put(ctx, testTable, testRow("t1", "u1", "2024-01-01T00:00:00.000Z")))

	// Registering an index over existing data leaves it unready.
	def := Index{Name: "userId-createdAt-index", HashKey: "userId", RangeKey: "createdAt"}
	require.NoError(t, store.EnsureIndex(ctx, testTable, def))
	assert.False(t, store.IndexReady(testTable, "userId-createdAt-index"))

	_, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)

	require.NoError(t, store.RebuildIndex(ctx, testTable, "userId-createdAt-index"))
	assert.True(t, store.IndexReady(testTable, "userId-createdAt-index"))

	rows, err := store.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestQueryUnknownIndex(t *testing.T) {
	store := newIndexedStore(t)
	_, err := store.QueryByIndex(context.Background(), testTable, "no-such-index", "u1", RangeCond{}, QueryOptions{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestEnsureIndexRejectsConflictingDefinition(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	err := store.EnsureIndex(ctx, testTable, Index{Name: "userId-createdAt-index", HashKey: "userId", RangeKey: "expiresAt"})
	assert.ErrorIs(t, err, ErrIndexExists)

	// Identical definition is a no-op.
	err = store.EnsureIndex(ctx, testTable, Index{Name: "userId-createdAt-index", HashKey: "userId", RangeKey: "createdAt"})
	assert.NoError(t, err)
}

func TestIndexMetaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := memory.New()

	store, err := New(db, Options{})
	require.NoError(t, err)
	def := Index{Name: "userId-createdAt-index", HashKey: "userId", RangeKey: "createdAt"}
	require.NoError(t, store.EnsureIndex(ctx, testTable, def))
	require.NoError(t, store.Put(ctx, testTable, testRow("t1", "u1", "2024-01-01T00:00:00.000Z")))

	reopened, err := New(db, Options{})
	require.NoError(t, err)
	assert.True(t, reopened.IndexReady(testTable, "userId-createdAt-index"))

	rows, err := reopened.QueryByIndex(ctx, testTable, "userId-createdAt-index", "u1", RangeCond{}, QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestScanAndCount(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, testTable, testRow(fmt.Sprintf("t%d", i), "u1", "2024-01-01T00:00:00.000Z")))
	}

	n, err := store.Count(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	page, err := store.Scan(ctx, testTable, ScanOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t0", page[0]["id"])

	rest, err := store.Scan(ctx, testTable, ScanOptions{StartAfterID: page[1]["id"].(string)})
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestCompressedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	lz4, err := compression.Get("lz4")
	require.NoError(t, err)

	db := memory.New()
	store, err := New(db, Options{Compressor: lz4})
	require.NoError(t, err)

	row := testRow("t1", "u1", "2024-01-01T00:00:00.000Z")
	// Repetitive payload so the lz4 frame path is actually taken.
	row["metadata"] = map[string]any{"notes": string(make([]byte, 64)) + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	require.NoError(t, store.Put(ctx, testTable, row))

	got, err := store.Get(ctx, testTable, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got["userId"])

	// A store opened without a compressor must still read lz4 frames.
	plain, err := New(db, Options{})
	require.NoError(t, err)
	got, err = plain.Get(ctx, testTable, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got["userId"])
}

func TestUpdateConditionalRemovesAttrOnNil(t *testing.T) {
	ctx := context.Background()
	store := newIndexedStore(t)

	row := testRow("t1", "u1", "2024-01-01T00:00:00.000Z")
	row["scratch"] = "temp"
	require.NoError(t, store.Put(ctx, testTable, row))

	updated, err := store.UpdateConditional(ctx, testTable, "t1", Row{"scratch": nil}, Condition{})
	require.NoError(t, err)
	_, present := updated["scratch"]
	assert.False(t, present)
}
