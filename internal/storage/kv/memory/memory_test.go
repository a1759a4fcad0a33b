package memory

import (
	"context"
	"testing"

	"github.com/fanvault/tokend/internal/storage/kv"
)

func TestReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	db := New()

	if _, err := db.Read(ctx, []byte("missing")); err != kv.ErrKeyNotFound {
		t.Fatalf("Read(missing) err = %v, want ErrKeyNotFound", err)
	}

	if err := db.Write(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	val, err := db.Read(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(val) != "v1" {
		t.Fatalf("Read = %q, want v1", val)
	}

	// Mutating the returned slice must not affect the store.
	val[0] = 'X'
	val2, _ := db.Read(ctx, []byte("k1"))
	if string(val2) != "v1" {
		t.Error("store value was mutated through returned slice")
	}

	if err := db.Delete(ctx, []byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Read(ctx, []byte("k1")); err != kv.ErrKeyNotFound {
		t.Fatalf("Read after delete err = %v, want ErrKeyNotFound", err)
	}
}

func TestBatchAppliesAllOps(t *testing.T) {
	ctx := context.Background()
	db := New()

	if err := db.Write(ctx, []byte("gone"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	err := db.Batch(ctx, []kv.BatchOperation{
		{Type: kv.BatchPut, Key: []byte("a"), Value: []byte("1")},
		{Type: kv.BatchPut, Key: []byte("b"), Value: []byte("2")},
		{Type: kv.BatchDelete, Key: []byte("gone")},
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	if db.Len() != 2 {
		t.Fatalf("Len = %d, want 2", db.Len())
	}
	if _, err := db.Read(ctx, []byte("gone")); err != kv.ErrKeyNotFound {
		t.Error("batched delete did not apply")
	}
}

func TestIteratorBoundsAndOrder(t *testing.T) {
	ctx := context.Background()
	db := New()

	for _, k := range []string{"c", "a", "d", "b"} {
		if err := db.Write(ctx, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatal(err)
		}
	}

	it, err := db.Iterator(ctx, []byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "c" {
		t.Fatalf("iterated keys = %v, want [b c]", keys)
	}
}

func TestIteratorSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	db := New()
	if err := db.Write(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}

	it, err := db.Iterator(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	if err := db.Write(ctx, []byte("z"), []byte("late")); err != nil {
		t.Fatal(err)
	}

	count := 0
	for it.Next() {
		count++
	}
	if count != 1 {
		t.Fatalf("iterator saw %d keys, want snapshot of 1", count)
	}
}

func TestClosedStoreRejectsOps(t *testing.T) {
	ctx := context.Background()
	db := New()
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Read(ctx, []byte("k")); err != kv.ErrDBClosed {
		t.Errorf("Read err = %v, want ErrDBClosed", err)
	}
	if err := db.Write(ctx, []byte("k"), []byte("v")); err != kv.ErrDBClosed {
		t.Errorf("Write err = %v, want ErrDBClosed", err)
	}
	if _, err := db.Iterator(ctx, nil, nil); err != kv.ErrDBClosed {
		t.Errorf("Iterator err = %v, want ErrDBClosed", err)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"abc", "abd"},
		{"a", "b"},
		{"", ""},
	}
	for _, tt := range tests {
		got := kv.PrefixEnd([]byte(tt.prefix))
		if tt.want == "" {
			if tt.prefix == "" && got != nil {
				t.Errorf("PrefixEnd(%q) = %q, want nil", tt.prefix, got)
			}
			continue
		}
		if string(got) != tt.want {
			t.Errorf("PrefixEnd(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}

	if got := kv.PrefixEnd([]byte{0xff, 0xff}); got != nil {
		t.Errorf("PrefixEnd(all 0xff) = %v, want nil", got)
	}
}
