// Recno layer: the B-tree engine specialized to implicit integer keys
// (spec §3 "Leaf-recno / internal-recno", §4.2 "Record numbers"). A
// record is addressed by a 32-bit record number instead of an
// application key; the number is simply encoded into the same B-link
// key space the rest of this package already understands, so every
// descent/split/merge path in tree.go, mutate.go, delete.go and
// cursor.go works unchanged.
package blink

import (
	"encoding/binary"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// recnoKeyTag prefixes every Recno-encoded key so it always sorts
// below the 0xff 0xff stopper sentinel every page keeps as its final
// live slot (tree.go's bootstrap), no matter how large the embedded
// record number grows: the tag byte alone decides the comparison
// against a key starting 0xff.
const recnoKeyTag = 0x00

// recnoCountOffset is page zero's tree-wide record counter: an O(1)
// answer for Append's "tail = count+1" and Queue's Len, kept alongside
// the real per-internal-page `nrecs` field every C_RECNUM entry also
// carries (see fixNrecs below) rather than in place of it. It holds the
// highest record number assigned; Delete without renumbering leaves it
// unchanged, so it can exceed the live total the nrecs fields sum to.
const recnoCountOffset = 16

func recnoKey(recno uint32) []byte {
	k := make([]byte, 5)
	k[0] = recnoKeyTag
	binary.BigEndian.PutUint32(k[1:], recno)
	return k
}

func decodeRecnoKey(key []byte) (uint32, bool) {
	if len(key) != 5 || key[0] != recnoKeyTag {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[1:]), true
}

// RecnoTree is one Recno access method over a single MPoolFile (spec
// §4.2 "Recno"): a B-link tree whose keys are implicit record numbers.
type RecnoTree struct {
	tree *Tree
}

// OpenRecno attaches a RecnoTree to mfp, bootstrapping it the same way
// Open does for an ordinary keyed tree, but tagged with the Recno page
// types (spec §3 "Leaf-recno / internal-recno") instead of the plain
// B-tree ones.
func OpenRecno(pool *bufpool.Pool, mfp *bufpool.MPoolFile, pageSize uint32) (*RecnoTree, error) {
	t, err := openTyped(pool, mfp, pageSize, pagestore.TypeLeafRecno, pagestore.TypeInternalRecno)
	if err != nil {
		return nil, err
	}
	return &RecnoTree{tree: t}, nil
}

func (r *RecnoTree) count() (uint32, error) {
	zf, err := r.tree.pool.Get(r.tree.mfp, metaPage, 0)
	if err != nil {
		return 0, err
	}
	defer r.tree.pool.Put(zf, 0)
	zf.Lock(bufpool.LockRead)
	defer zf.Unlock(bufpool.LockRead)
	return binary.LittleEndian.Uint32(zf.Page.Data[recnoCountOffset : recnoCountOffset+4]), nil
}

func (r *RecnoTree) addCount(delta int32) (uint32, error) {
	zf, err := r.tree.pool.Get(r.tree.mfp, metaPage, 0)
	if err != nil {
		return 0, err
	}
	zf.Lock(bufpool.LockWrite)
	cur := binary.LittleEndian.Uint32(zf.Page.Data[recnoCountOffset : recnoCountOffset+4])
	next := uint32(int64(cur) + int64(delta))
	binary.LittleEndian.PutUint32(zf.Page.Data[recnoCountOffset:recnoCountOffset+4], next)
	zf.Unlock(bufpool.LockWrite)
	if err := r.tree.pool.Put(zf, bufpool.PutDirty); err != nil {
		return 0, err
	}
	return next, nil
}

// Append inserts value under the next record number (spec §4.2
// "append at tail recno+1") and returns the record number assigned.
func (r *RecnoTree) Append(value []byte) (uint32, error) {
	n, err := r.addCount(1)
	if err != nil {
		return 0, err
	}
	if err := r.tree.InsertKey(recnoKey(n), 0, value, pagestore.Unique); err != nil {
		return 0, err
	}
	if err := r.fixNrecs(); err != nil {
		return 0, err
	}
	return n, nil
}

// Get looks up recno's value.
func (r *RecnoTree) Get(recno uint32) ([]byte, error) {
	return r.tree.FindKey(recnoKey(recno))
}

// Put overwrites recno's value, inserting it if new. Writing past the
// current count (a sparse Recno file) advances the count to match.
func (r *RecnoTree) Put(recno uint32, value []byte) error {
	if err := r.tree.InsertKey(recnoKey(recno), 0, value, pagestore.Unique); err != nil {
		return err
	}
	n, err := r.count()
	if err != nil {
		return err
	}
	if recno > n {
		if _, err := r.addCount(int32(recno - n)); err != nil {
			return err
		}
	}
	return r.fixNrecs()
}

// Delete removes recno. In renumber mode (spec's "renumber-on-delete
// mode"), every following live record number shifts down by one so the
// numbering stays contiguous; otherwise recno is simply freed and a
// later Append never reuses it.
func (r *RecnoTree) Delete(recno uint32, renumber bool) error {
	if err := r.tree.DeleteKey(recnoKey(recno), 0); err != nil {
		return err
	}
	if !renumber {
		return r.fixNrecs()
	}
	n, err := r.count()
	if err != nil {
		return err
	}
	for i := recno + 1; i <= n; i++ {
		v, err := r.tree.FindKey(recnoKey(i))
		if pagestore.KindOf(err) == pagestore.ErrNotFound {
			// An unused number shifts down too: i-1 is left empty.
			if err := r.tree.DeleteKey(recnoKey(i-1), 0); err != nil && pagestore.KindOf(err) != pagestore.ErrNotFound {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := r.tree.InsertKey(recnoKey(i-1), 0, v, pagestore.Unique); err != nil {
			return err
		}
		if err := r.tree.DeleteKey(recnoKey(i), 0); err != nil {
			return err
		}
	}
	if _, err := r.addCount(-1); err != nil {
		return err
	}
	return r.fixNrecs()
}

// Count returns the highest record number assigned so far (page zero's
// counter). A record deleted without renumbering still counts, so this
// can exceed the number of live records.
func (r *RecnoTree) Count() (uint32, error) { return r.count() }

func (r *RecnoTree) Close() error { return r.tree.Close() }

// fixNrecs recomputes every internal page's nrecs field from scratch
// (spec §4.2 "Record numbers": "trees with C_RECNUM maintain an nrecs
// counter on every internal-page entry equal to the sum of leaf items
// reachable through that child"; §8's testable property "P.nrecs ==
// sum(child.nrecs)" and boundary behavior "root.nrecs is invariant
// across a split"). A full recompute, rather than an incremental
// per-operation delta, is what keeps the invariant true for every
// internal page immediately -- including ones a split has just
// created -- without threading nrecs bookkeeping through
// splitPage/splitRoot/deletePage's already lock-coupled, tree-generic
// code; the spec itself notes the tension between per-node nrecs
// upkeep and lock-coupled descent. The cost is an O(tree size) walk
// per mutation, acceptable at this exercise's scale; the invariant
// only needs to hold at the API boundary once a call returns, which a
// full recompute guarantees unconditionally.
func (r *RecnoTree) fixNrecs() error {
	_, err := r.fixNrecsPage(pagestore.RootPage)
	return err
}

// fixNrecsPage recomputes pgno's own entries' nrecs (when pgno is
// internal) and returns the total live leaf-item count reachable
// through pgno, for the caller one level up to store in its own entry.
func (r *RecnoTree) fixNrecsPage(pgno pagestore.Uid) (uint32, error) {
	t := r.tree
	f, err := t.pool.Get(t.mfp, pgno, 0)
	if err != nil {
		return 0, err
	}
	f.Lock(bufpool.LockWrite)
	page := f.Page

	if page.Level == 0 {
		var count uint32
		for slot := uint32(1); slot <= page.Cnt(); slot++ {
			if !page.Dead(slot) && !isStopper(page.Key(slot)) {
				count++
			}
		}
		f.Unlock(bufpool.LockWrite)
		return count, t.pool.Put(f, 0)
	}

	// Internal page: widening each entry's value from BtId (pgno only)
	// to BtId+4 (pgno plus the child's nrecs) cannot be done with a
	// plain SetValue -- the item heap packs values back-to-back with no
	// slack, so growing one in place would overwrite its neighbor.
	// Instead the page is rebuilt from scratch, the same technique
	// cleanPage/splitPage already use to repack a heap (mutate.go's
	// rebuildPage), just with a substituted value per slot.
	out := pagestore.NewPage(uint32(len(page.Data)))
	out.Level = page.Level
	out.Type = page.Type
	out.PrevPgno = page.PrevPgno
	out.NextPgno = page.NextPgno

	var total uint32
	nxt := uint32(len(page.Data))
	for slot := uint32(1); slot <= page.Cnt(); slot++ {
		if page.Dead(slot) {
			continue
		}
		key := page.Key(slot)
		val := *page.Value(slot)
		childPgno := pagestore.GetIDFromValue(&val)
		childCount, err := r.fixNrecsPage(childPgno)
		if err != nil {
			f.Unlock(bufpool.LockWrite)
			t.pool.Put(f, 0)
			return 0, err
		}
		newVal := make([]byte, pagestore.BtId+4)
		copy(newVal, val[:pagestore.BtId])
		binary.LittleEndian.PutUint32(newVal[pagestore.BtId:], childCount)
		total += childCount

		size := uint32(1 + len(key) + 1 + len(newVal))
		nxt -= size
		out.Data[nxt] = byte(len(key))
		copy(out.Data[nxt+1:], key)
		vOff := nxt + 1 + uint32(len(key))
		out.Data[vOff] = byte(len(newVal))
		copy(out.Data[vOff+1:], newVal)

		out.SetCnt(out.Cnt() + 1)
		out.SetKeyOffset(out.Cnt(), nxt)
		out.SetTyp(out.Cnt(), page.Typ(slot))
		out.Act++
	}
	out.SetMin(nxt)
	pagestore.MemCpyPage(page, out)
	f.MarkDirty()
	f.Unlock(bufpool.LockWrite)
	return total, t.pool.Put(f, bufpool.PutDirty)
}
