package blink

import (
	"bytes"
	"testing"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	store := pagestore.NewMemStore()
	pool := bufpool.NewPool(bufpool.Config{
		PageSize:        512,
		NumRegions:      1,
		FramesPerRegion: 64,
		Store:           store,
	})
	id := pagestore.NewFileID(512)
	mfp := pool.Open(id, "t.bt", -1)
	tree, err := Open(pool, mfp, 512)
	if err != nil {
		t.Fatalf("Open() = %v, want nil", err)
	}
	return tree
}

func TestTreeInsertAndFind(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.FindKey([]byte{1, 1, 1, 1}); err == nil {
		t.Errorf("FindKey() on empty tree = nil error, want not found")
	}

	var val [pagestore.BtId]byte
	val[0] = 1
	if err := tree.InsertKey([]byte{1, 1, 1, 1}, 0, val[:], pagestore.Unique); err != nil {
		t.Errorf("InsertKey() = %v, want nil", err)
	}

	got, err := tree.FindKey([]byte{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("FindKey() = %v, want nil", err)
	}
	if !bytes.Equal(got, val[:]) {
		t.Errorf("FindKey() = %v, want %v", got, val[:])
	}
}

func TestTreeInsertManyAndSplit(t *testing.T) {
	tree := newTestTree(t)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		var val [pagestore.BtId]byte
		pagestore.PutID(&val, pagestore.Uid(i))
		if err := tree.InsertKey(key, 0, val[:], pagestore.Unique); err != nil {
			t.Fatalf("InsertKey(%d) = %v, want nil", i, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		got, err := tree.FindKey(key)
		if err != nil {
			t.Fatalf("FindKey(%d) = %v, want nil", i, err)
		}
		if pagestore.GetIDFromValue(&got) != pagestore.Uid(i) {
			t.Errorf("FindKey(%d) = %v, want pgno %d", i, got, i)
		}
	}

	entries, err := tree.RangeScan(nil, nil)
	if err != nil {
		t.Fatalf("RangeScan() = %v, want nil", err)
	}
	if len(entries) != n {
		t.Errorf("RangeScan() returned %d entries, want %d", len(entries), n)
	}
	for i := 1; i < len(entries); i++ {
		if pagestore.KeyCmp(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Errorf("RangeScan() not strictly ascending at %d", i)
		}
	}
}

func TestTreeDeleteKey(t *testing.T) {
	tree := newTestTree(t)

	keys := [][]byte{{1}, {2}, {3}, {4}, {5}}
	for i, key := range keys {
		var val [pagestore.BtId]byte
		pagestore.PutID(&val, pagestore.Uid(i))
		if err := tree.InsertKey(key, 0, val[:], pagestore.Unique); err != nil {
			t.Fatalf("InsertKey(%v) = %v, want nil", key, err)
		}
	}

	if err := tree.DeleteKey([]byte{3}, 0); err != nil {
		t.Fatalf("DeleteKey({3}) = %v, want nil", err)
	}
	if _, err := tree.FindKey([]byte{3}); err == nil {
		t.Errorf("FindKey({3}) after delete = nil error, want not found")
	}
	for _, key := range [][]byte{{1}, {2}, {4}, {5}} {
		if _, err := tree.FindKey(key); err != nil {
			t.Errorf("FindKey(%v) after unrelated delete = %v, want nil", key, err)
		}
	}

	if err := tree.DeleteKey([]byte{3}, 0); err == nil {
		t.Errorf("DeleteKey({3}) twice = nil error, want not found")
	}
}

func TestTreeInsertDuplicate(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 5; i++ {
		var val [pagestore.BtId]byte
		pagestore.PutID(&val, pagestore.Uid(i))
		if err := tree.InsertDuplicate([]byte("dup"), val[:]); err != nil {
			t.Fatalf("InsertDuplicate(%d) = %v, want nil", i, err)
		}
	}

	entries, err := tree.RangeScan([]byte("dup"), []byte("dup\xff\xff\xff\xff\xff\xff"))
	if err != nil {
		t.Fatalf("RangeScan() = %v, want nil", err)
	}
	if len(entries) != 5 {
		t.Errorf("RangeScan() over duplicate set returned %d entries, want %d", len(entries), 5)
	}
}
