package blink

import (
	"bytes"
	"testing"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

func newTestRecno(t *testing.T) *RecnoTree {
	t.Helper()
	store := pagestore.NewMemStore()
	pool := bufpool.NewPool(bufpool.Config{
		PageSize:        512,
		NumRegions:      1,
		FramesPerRegion: 64,
		Store:           store,
	})
	id := pagestore.NewFileID(512)
	mfp := pool.Open(id, "r.bt", -1)
	r, err := OpenRecno(pool, mfp, 512)
	if err != nil {
		t.Fatalf("OpenRecno() = %v, want nil", err)
	}
	return r
}

func TestRecnoAppendAndGet(t *testing.T) {
	r := newTestRecno(t)

	for i := 0; i < 10; i++ {
		n, err := r.Append([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Append(%d) = %v, want nil", i, err)
		}
		if n != uint32(i+1) {
			t.Errorf("Append(%d) returned recno %d, want %d", i, n, i+1)
		}
	}

	for i := 0; i < 10; i++ {
		got, err := r.Get(uint32(i + 1))
		if err != nil {
			t.Fatalf("Get(%d) = %v, want nil", i+1, err)
		}
		if !bytes.Equal(got, []byte{byte(i)}) {
			t.Errorf("Get(%d) = %v, want %v", i+1, got, []byte{byte(i)})
		}
	}

	if n, err := r.Count(); err != nil || n != 10 {
		t.Errorf("Count() = (%d, %v), want (10, nil)", n, err)
	}
}

func TestRecnoDeleteWithoutRenumber(t *testing.T) {
	r := newTestRecno(t)
	for i := 0; i < 5; i++ {
		if _, err := r.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("Append(%d) = %v, want nil", i, err)
		}
	}

	if err := r.Delete(3, false); err != nil {
		t.Fatalf("Delete(3) = %v, want nil", err)
	}
	if _, err := r.Get(3); err == nil {
		t.Errorf("Get(3) after delete = nil error, want not found")
	}
	if got, err := r.Get(4); err != nil || !bytes.Equal(got, []byte{3}) {
		t.Errorf("Get(4) after unrelated delete = (%v, %v), want ({3}, nil)", got, err)
	}
}

func TestRecnoDeleteWithRenumber(t *testing.T) {
	r := newTestRecno(t)
	for i := 0; i < 5; i++ {
		if _, err := r.Append([]byte{byte(i)}); err != nil {
			t.Fatalf("Append(%d) = %v, want nil", i, err)
		}
	}

	if err := r.Delete(2, true); err != nil {
		t.Fatalf("Delete(2, renumber) = %v, want nil", err)
	}

	n, err := r.Count()
	if err != nil || n != 4 {
		t.Fatalf("Count() = (%d, %v), want (4, nil)", n, err)
	}

	want := [][]byte{{0}, {2}, {3}, {4}}
	for i, w := range want {
		got, err := r.Get(uint32(i + 1))
		if err != nil {
			t.Fatalf("Get(%d) = %v, want nil", i+1, err)
		}
		if !bytes.Equal(got, w) {
			t.Errorf("Get(%d) = %v, want %v", i+1, got, w)
		}
	}
}
