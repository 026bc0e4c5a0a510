package blink

import (
	"bytes"
	"testing"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store := pagestore.NewMemStore()
	pool := bufpool.NewPool(bufpool.Config{
		PageSize:        512,
		NumRegions:      1,
		FramesPerRegion: 64,
		Store:           store,
	})
	id := pagestore.NewFileID(512)
	mfp := pool.Open(id, "q.bt", -1)
	q, err := OpenQueue(pool, mfp, 512)
	if err != nil {
		t.Fatalf("OpenQueue() = %v, want nil", err)
	}
	return q
}

func TestQueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 5; i++ {
		if _, err := q.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("Push(%d) = %v, want nil", i, err)
		}
	}
	if n, err := q.Len(); err != nil || n != 5 {
		t.Fatalf("Len() = (%d, %v), want (5, nil)", n, err)
	}

	for i := 0; i < 5; i++ {
		got, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop() at %d = %v, want nil", i, err)
		}
		if !bytes.Equal(got, []byte{byte(i)}) {
			t.Errorf("Pop() at %d = %v, want %v", i, got, []byte{byte(i)})
		}
	}

	if _, err := q.Pop(); err == nil {
		t.Errorf("Pop() on drained queue = nil error, want not found")
	}
}

func TestQueueInterleavedPushPop(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Push([]byte("a")); err != nil {
		t.Fatalf("Push(a) = %v, want nil", err)
	}
	if _, err := q.Push([]byte("b")); err != nil {
		t.Fatalf("Push(b) = %v, want nil", err)
	}
	got, err := q.Pop()
	if err != nil || !bytes.Equal(got, []byte("a")) {
		t.Fatalf("Pop() = (%v, %v), want (a, nil)", got, err)
	}
	if _, err := q.Push([]byte("c")); err != nil {
		t.Fatalf("Push(c) = %v, want nil", err)
	}

	for _, want := range [][]byte{[]byte("b"), []byte("c")} {
		got, err := q.Pop()
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("Pop() = (%v, %v), want (%s, nil)", got, err, want)
		}
	}
}
