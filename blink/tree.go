// Package blink implements the B-link tree access method (spec §4.2):
// lock-coupled descent, dead-slot compaction, fence keys, and
// split/merge/collapse, laid directly on top of bufpool.Pool instead
// of the teacher's own BufMgr+Latchs+external-parent-buffer-manager
// indirection. Page zero of every tree file is reserved for the
// engine's own bookkeeping (next-to-allocate page number, free-page
// chain head) in place of the teacher's in-memory PageZero struct,
// since here page zero is itself just another cached page.
package blink

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// metaPage is the reserved page-zero page number every tree file
// carries: bytes [0:8) hold the next never-yet-allocated page number,
// bytes [8:16) hold the free-chain head (0 means empty), mirroring the
// teacher's PageZero.alloc/chain but stored as ordinary page bytes
// instead of a parallel in-memory struct.
const metaPage pagestore.Uid = 0

// PageSet bundles a pinned, loaded Frame with the page it pins, the
// unit every descent/split/delete step in this package passes around
// (the teacher's PageSet, minus the external-bufmgr latch bookkeeping).
type PageSet struct {
	Frame *bufpool.Frame
	Page  *pagestore.Page
}

// Tree is one B-link tree over a single MPoolFile. A *Tree is not
// itself safe for concurrent use of its cursor fields (cursor/
// cursorPage); the lock-coupled descent/insert/delete paths are.
type Tree struct {
	pool     *bufpool.Pool
	mfp      *bufpool.MPoolFile
	pageSize uint32

	dups uint64 // atomic: global duplicate-key sequence (teacher's pageZero.dups)

	cursor     *pagestore.Page
	cursorPage pagestore.Uid
}

// Open attaches a Tree to mfp, bootstrapping a fresh root+leaf pair
// (spec §4.2 "a freshly created tree starts at MinLvl levels") the
// first time mfp's file is used, or simply resuming an already
// bootstrapped file otherwise.
func Open(pool *bufpool.Pool, mfp *bufpool.MPoolFile, pageSize uint32) (*Tree, error) {
	return openTyped(pool, mfp, pageSize, pagestore.TypeLeafBTree, pagestore.TypeInternalBTree)
}

// openTyped is Open generalized to the page-type pair a specific
// access method bootstraps with: an ordinary keyed B-tree uses
// TypeLeafBTree/TypeInternalBTree, while OpenRecno (recno.go) uses
// TypeLeafRecno/TypeInternalRecno (spec §3 "Leaf-recno /
// internal-recno"). The type is purely descriptive -- descent.go never
// reads it -- but rebuildPage/splitPage copy it onto every page a
// split produces, so tagging it once at bootstrap is enough for it to
// stay correct across the tree's whole lifetime.
func openTyped(pool *bufpool.Pool, mfp *bufpool.MPoolFile, pageSize uint32, leafType, internalType pagestore.PageType) (*Tree, error) {
	t := &Tree{pool: pool, mfp: mfp, pageSize: pageSize}

	zf, err := pool.Get(mfp, metaPage, bufpool.GetCreate)
	if err != nil {
		return nil, err
	}
	zf.Lock(bufpool.LockWrite)
	next := binary.LittleEndian.Uint64(zf.Page.Data[0:8])
	if next == 0 {
		zf.Page.Type = pagestore.TypeMetadata
		if err := t.bootstrap(zf, leafType, internalType); err != nil {
			zf.Unlock(bufpool.LockWrite)
			pool.Put(zf, 0)
			return nil, err
		}
	}
	zf.Unlock(bufpool.LockWrite)
	if err := pool.Put(zf, bufpool.PutDirty); err != nil {
		return nil, err
	}
	return t, nil
}

// bootstrap builds the MinLvl-deep fresh tree: a root (level 1)
// pointing at one leaf (level 0), each carrying only the 0xff 0xff
// stopper key every page keeps as its final live slot (spec §4.2
// "fence key for a node is always present"). Caller holds zf write-locked.
func (t *Tree) bootstrap(zf *bufpool.Frame, leafType, internalType pagestore.PageType) error {
	binary.LittleEndian.PutUint64(zf.Page.Data[0:8], uint64(pagestore.MinLvl+1))
	binary.LittleEndian.PutUint64(zf.Page.Data[8:16], 0)

	stopper := []byte{0xff, 0xff}
	for lvl := pagestore.MinLvl - 1; lvl >= 0; lvl-- {
		pgno := pagestore.Uid(pagestore.MinLvl - lvl)
		f, err := t.pool.Get(t.mfp, pgno, bufpool.GetCreate)
		if err != nil {
			return err
		}
		f.Lock(bufpool.LockWrite)
		f.Page.Level = uint8(lvl)
		f.Page.Type = leafType
		if lvl > 0 {
			f.Page.Type = internalType
		}
		var value [pagestore.BtId]byte
		if lvl > 0 {
			pagestore.PutID(&value, pagestore.Uid(pagestore.MinLvl-lvl+1))
		}
		t.appendSlot(f.Page, stopper, value[:], pagestore.Unique)
		f.Unlock(bufpool.LockWrite)
		if err := t.pool.Put(f, bufpool.PutDirty); err != nil {
			return err
		}
	}
	return nil
}

// appendSlot writes one key/value pair into a freshly-zeroed page's
// growing-down item heap and growing-up slot array; used only by
// bootstrap, where the page starts empty and slot 1 is always free.
func (t *Tree) appendSlot(page *pagestore.Page, key, value []byte, typ pagestore.SlotType) {
	size := 1 + len(key) + 1 + len(value)
	top := uint32(len(page.Data))
	if page.Min() != 0 {
		top = page.Min()
	}
	off := top - uint32(size)
	page.Data[off] = byte(len(key))
	copy(page.Data[off+1:], key)
	vOff := off + 1 + uint32(len(key))
	page.Data[vOff] = byte(len(value))
	copy(page.Data[vOff+1:], value)

	page.SetCnt(page.Cnt() + 1)
	page.SetMin(off)
	page.SetKeyOffset(page.Cnt(), off)
	page.SetTyp(page.Cnt(), typ)
	page.Act++
}

// allocPage pops the free-page chain if non-empty, else bumps the
// next-to-allocate counter; both live in page zero (teacher's
// NewPage, minus the external PinLatch machinery).
func (t *Tree) allocPage() (pagestore.Uid, error) {
	zf, err := t.pool.Get(t.mfp, metaPage, 0)
	if err != nil {
		return 0, err
	}
	defer t.pool.Put(zf, bufpool.PutDirty)
	zf.Lock(bufpool.LockWrite)
	defer zf.Unlock(bufpool.LockWrite)

	head := binary.LittleEndian.Uint64(zf.Page.Data[8:16])
	if head != 0 {
		pgno := pagestore.Uid(head)
		f, err := t.pool.Get(t.mfp, pgno, 0)
		if err != nil {
			return 0, err
		}
		next := uint64(f.Page.NextPgno)
		t.pool.Put(f, 0)
		binary.LittleEndian.PutUint64(zf.Page.Data[8:16], next)
		return pgno, nil
	}

	next := binary.LittleEndian.Uint64(zf.Page.Data[0:8])
	binary.LittleEndian.PutUint64(zf.Page.Data[0:8], next+1)
	return pagestore.Uid(next), nil
}

// freePage returns f's page to the free chain. f must already be
// delete- and write-locked (the teacher's FreePage contract); freePage
// releases both locks and unpins f. Page zero is always locked before
// f's own content is touched, matching the mutex order allocPage uses,
// so the two never deadlock against each other.
func (t *Tree) freePage(f *bufpool.Frame) error {
	zf, err := t.pool.Get(t.mfp, metaPage, 0)
	if err != nil {
		return err
	}
	zf.Lock(bufpool.LockWrite)
	head := binary.LittleEndian.Uint64(zf.Page.Data[8:16])
	f.Page.NextPgno = uint32(head)
	f.Page.SetFree(true)
	binary.LittleEndian.PutUint64(zf.Page.Data[8:16], uint64(f.Pgno))
	zf.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(zf, bufpool.PutDirty); err != nil {
		return err
	}

	f.Unlock(bufpool.LockDelete)
	f.Unlock(bufpool.LockWrite)
	return t.pool.Put(f, bufpool.PutDirty)
}

// newPage allocates a fresh page number and loads it with contents's
// bytes (teacher's NewPage: MemCpyPage onto a just-claimed buffer).
// The returned PageSet is write-locked; callers release it.
func (t *Tree) newPage(contents *pagestore.Page) (*PageSet, error) {
	pgno, err := t.allocPage()
	if err != nil {
		return nil, err
	}
	f, err := t.pool.Get(t.mfp, pgno, bufpool.GetCreate)
	if err != nil {
		return nil, err
	}
	f.Lock(bufpool.LockWrite)
	pagestore.MemCpyPage(f.Page, contents)
	f.MarkDirty()
	return &PageSet{Frame: f, Page: f.Page}, nil
}

func (t *Tree) newDup() pagestore.Uid {
	return pagestore.Uid(atomic.AddUint64(&t.dups, 1))
}

// Close flushes every page of this tree's file through the pool.
func (t *Tree) Close() error {
	return t.pool.Sync(0)
}
