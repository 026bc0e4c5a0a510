// Package bufpool implements the shared, multi-region buffer cache
// (spec §4.1): hash-bucketed approximate LRU, pinning, fileid-based
// file identity, per-buffer I/O serialization and WAL-ordered
// writeback. It is the engine's component C1.
package bufpool

import (
	"sync"
	"sync/atomic"

	"github.com/nanostore/blinkstore/pagestore"
)

// LockMode names the five page-lock modes the B-tree engine chains
// through a Frame while descending/splitting (spec §4.2 descent table).
type LockMode int

const (
	LockNone LockMode = iota
	LockRead
	LockWrite
	LockAccess
	LockDelete
	LockParent
)

// bhFlags are the Buffer Header flags from spec §3.
type bhFlags uint32

const (
	flagDirty bhFlags = 1 << iota
	flagLocked
	flagTrash
	flagCallPgin
	flagSync
	flagDiscard
)

// Frame is one cached page: the spec's Buffer Header (BH) wrapping a
// pagestore.Page, plus the page-level lock set the B-tree engine
// chains through while it descends or splits. A Frame is never freed:
// it stays in its region's frame slice and the clock sweep reuses it
// once it is unpinned.
type Frame struct {
	FileID pagestore.FileID
	Pgno   pagestore.Uid
	Page   *pagestore.Page

	// pin packs the live reference count in its low 31 bits and a
	// clock/second-chance bit in the top bit, same trick as the
	// teacher's ClockBit: unpinning sets the clock bit (remember "was
	// recently used") and decrements the count, so an eviction sweep
	// gives an idle-but-recently-touched frame one more pass before
	// reclaiming it.
	pin      uint32 // atomic
	flags    uint32 // atomic, bhFlags
	priority int64  // higher = evicted later

	rw     sync.RWMutex // LockRead / LockWrite
	access sync.RWMutex // LockAccess (read side) / LockDelete (write side)
	parent sync.Mutex   // LockParent
	ioMu   sync.Mutex   // held across disk I/O only (spec §5 mutex #5)

	bucket *bucket
	next   *Frame // hash-bucket chain
	prev   *Frame
	lruNext *Frame // region LRU chain
	lruPrev *Frame
}

func (f *Frame) dirty() bool      { return bhFlags(atomic.LoadUint32(&f.flags))&flagDirty != 0 }
func (f *Frame) setDirty(v bool)  { f.setFlag(flagDirty, v) }
func (f *Frame) trash() bool      { return bhFlags(atomic.LoadUint32(&f.flags))&flagTrash != 0 }
func (f *Frame) setTrash(v bool)  { f.setFlag(flagTrash, v) }
func (f *Frame) locked() bool     { return bhFlags(atomic.LoadUint32(&f.flags))&flagLocked != 0 }
func (f *Frame) setLocked(v bool) { f.setFlag(flagLocked, v) }
func (f *Frame) callPgin() bool   { return bhFlags(atomic.LoadUint32(&f.flags))&flagCallPgin != 0 }
func (f *Frame) setCallPgin(v bool) { f.setFlag(flagCallPgin, v) }
func (f *Frame) discard() bool    { return bhFlags(atomic.LoadUint32(&f.flags))&flagDiscard != 0 }
func (f *Frame) setDiscard(v bool) { f.setFlag(flagDiscard, v) }

// MarkDirty and IsDirty let collaborators outside this package (the
// B-tree/Recno access methods) flag a page modified without reaching
// into Pool.Put's flag protocol for every intermediate mutation; the
// eventual Pool.Put/writeback still does the actual flush.
func (f *Frame) MarkDirty()    { f.setDirty(true) }
func (f *Frame) IsDirty() bool { return f.dirty() }

func (f *Frame) setFlag(bit bhFlags, v bool) {
	for {
		old := atomic.LoadUint32(&f.flags)
		var n uint32
		if v {
			n = old | uint32(bit)
		} else {
			n = old &^ uint32(bit)
		}
		if atomic.CompareAndSwapUint32(&f.flags, old, n) {
			return
		}
	}
}

const clockBit uint32 = 1 << 31

func (f *Frame) addPin()  { atomic.AddUint32(&f.pin, 1) }
func (f *Frame) pinned() bool {
	return atomic.LoadUint32(&f.pin)&^clockBit > 0
}

// release is UnpinLatch: mark "recently used" then drop the ref count.
func (f *Frame) release() {
	for {
		old := atomic.LoadUint32(&f.pin)
		if old&clockBit == 0 {
			if atomic.CompareAndSwapUint32(&f.pin, old, old|clockBit) {
				break
			}
			continue
		}
		break
	}
	atomic.AddUint32(&f.pin, ^uint32(0)) // -1
}

// clockSweepSkip implements one step of the second-chance sweep: if the
// frame is pinned, it is never a victim; if it is unpinned but carries
// the clock bit, clear the bit and give it one more lap; otherwise it
// is a valid victim.
func (f *Frame) clockSweepSkip() bool {
	old := atomic.LoadUint32(&f.pin)
	if old&^clockBit > 0 {
		return true
	}
	if old&clockBit != 0 {
		atomic.CompareAndSwapUint32(&f.pin, old, old&^clockBit)
		return true
	}
	return false
}

// Lock acquires the named lock mode on the frame. LockAccess/LockDelete
// share one RWMutex: Access takes the read side, Delete the write side
// (spec §4.2: Access is a chained, shared traversal lock; Delete is the
// exclusive lock a cursor needs before it may unlink the page).
func (f *Frame) Lock(mode LockMode) {
	switch mode {
	case LockRead:
		f.rw.RLock()
	case LockWrite:
		f.rw.Lock()
	case LockAccess:
		f.access.RLock()
	case LockDelete:
		f.access.Lock()
	case LockParent:
		f.parent.Lock()
	}
}

func (f *Frame) Unlock(mode LockMode) {
	switch mode {
	case LockRead:
		f.rw.RUnlock()
	case LockWrite:
		f.rw.Unlock()
	case LockAccess:
		f.access.RUnlock()
	case LockDelete:
		f.access.Unlock()
	case LockParent:
		f.parent.Unlock()
	}
}
