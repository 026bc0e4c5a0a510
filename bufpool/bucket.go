package bufpool

import "sync"

// bucket is the spec's Hash Bucket (§3): one mutex guarding one hash
// chain of Frames, plus a dirty counter that Put and writeback keep.
// Sync does not read the counter; it walks every region's frames.
type bucket struct {
	mu         sync.Mutex
	head       *Frame
	dirtyCount int
}

func (b *bucket) find(id [20]byte, pgno uint64) *Frame {
	for f := b.head; f != nil; f = f.next {
		if f.FileID == id && uint64(f.Pgno) == pgno {
			return f
		}
	}
	return nil
}

func (b *bucket) link(f *Frame) {
	f.bucket = b
	f.next = b.head
	f.prev = nil
	if b.head != nil {
		b.head.prev = f
	}
	b.head = f
}

func (b *bucket) unlink(f *Frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else if b.head == f {
		b.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	}
	f.next, f.prev, f.bucket = nil, nil, nil
}
