package blink

import (
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// rebuildPage copies page's live entries (and, for the final slot
// only, its stopper even if marked dead) into a fresh same-size page,
// dropping dead entries in between. It is the shared core of cleanPage
// and splitPage: both need "walk live slots in order, repack the item
// heap from the top down". slot, if non-zero, is translated from its
// position in page's current array to its position in the rebuilt one.
func rebuildPage(page *pagestore.Page, dataSize uint32, lo, hi uint32, slot uint32) (*pagestore.Page, uint32) {
	out := pagestore.NewPage(dataSize)
	out.Level = page.Level
	out.Type = page.Type
	out.PrevPgno = page.PrevPgno
	out.NextPgno = page.NextPgno

	nxt := dataSize
	var newSlot uint32
	cnt := page.Cnt()
	for i := lo; i <= hi; i++ {
		if i == slot {
			newSlot = out.Cnt() + 1
		}
		if page.Dead(i) && i != cnt {
			continue
		}
		key := page.Key(i)
		val := *page.Value(i)
		size := uint32(1 + len(key) + 1 + len(val))
		nxt -= size
		out.Data[nxt] = byte(len(key))
		copy(out.Data[nxt+1:], key)
		vOff := nxt + 1 + uint32(len(key))
		out.Data[vOff] = byte(len(val))
		copy(out.Data[vOff+1:], val)

		out.SetCnt(out.Cnt() + 1)
		out.SetKeyOffset(out.Cnt(), nxt)
		out.SetTyp(out.Cnt(), page.Typ(i))
		out.SetDead(out.Cnt(), page.Dead(i))
		if !page.Dead(i) {
			out.Act++
		}
	}
	out.SetMin(nxt)
	return out, newSlot
}

// cleanPage is the teacher's cleanPage, minus the Librarian-slot reuse
// optimization (an insert-shift cost optimization, not a correctness
// requirement -- see DESIGN.md): it compacts away dead entries and
// reports whether the requested key/value now fits. A return of 0
// means the page still doesn't fit after compaction and must split;
// otherwise the return value is the slot insertSlot should write to.
func (t *Tree) cleanPage(set *PageSet, keyLen, valLen int, slot uint32) uint32 {
	page := set.Page
	dataSize := uint32(len(page.Data))
	out, newSlot := rebuildPage(page, dataSize, 1, page.Cnt(), slot)

	need := uint32(1 + keyLen + 1 + valLen)
	avail := out.Min() - out.Cnt()*pagestore.SlotSize
	if avail < need+pagestore.SlotSize {
		return 0
	}

	pagestore.MemCpyPage(page, out)
	if newSlot == 0 {
		newSlot = page.Cnt() + 1
	}
	return newSlot
}

// insertSlot writes key/value into page's item heap and opens a gap
// for it at slot in the slot array, shifting later slots up by one
// (teacher's insertSlot, minus Librarian placeholder management).
func (t *Tree) insertSlot(page *pagestore.Page, slot uint32, key, value []byte, typ pagestore.SlotType) {
	size := uint32(1 + len(key) + 1 + len(value))
	off := page.Min() - size
	page.Data[off] = byte(len(key))
	copy(page.Data[off+1:], key)
	vOff := off + 1 + uint32(len(key))
	page.Data[vOff] = byte(len(value))
	copy(page.Data[vOff+1:], value)
	page.SetMin(off)

	cnt := page.Cnt()
	for i := cnt; i >= slot && i > 0; i-- {
		page.SetKeyOffset(i+1, page.KeyOffset(i))
		page.SetTyp(i+1, page.Typ(i))
		page.SetDead(i+1, page.Dead(i))
	}
	page.SetKeyOffset(slot, off)
	page.SetTyp(slot, typ)
	page.SetDead(slot, false)
	page.SetCnt(cnt + 1)
	page.Act++
}

// splitPage moves the upper half of set's slots into a freshly
// allocated right page, compacts the lower half back into set, and
// relinks the NextPgno chain (teacher's splitPage). set keeps its own
// page number; only the new upper half gets one.
func (t *Tree) splitPage(set *PageSet) (*PageSet, error) {
	page := set.Page
	cnt := page.Cnt()
	mid := cnt/2 + 1
	dataSize := uint32(len(page.Data))

	rightBody, _ := rebuildPage(page, dataSize, mid, cnt, 0)
	right, err := t.newPage(rightBody)
	if err != nil {
		return nil, err
	}

	leftBody, _ := rebuildPage(page, dataSize, 1, mid-1, 0)
	leftBody.NextPgno = uint32(right.Frame.Pgno)
	pagestore.MemCpyPage(page, leftBody)
	set.Frame.MarkDirty()

	return right, nil
}

// splitKeys posts the new right page's fence into the parent level,
// and re-posts a shrunk fence for the page that kept its own number
// (spec §4.2 "split posts one new separator and repoints one existing
// one"). At the root, it defers to splitRoot instead, since the root's
// page number can never move.
func (t *Tree) splitKeys(set *PageSet, right *PageSet) error {
	leftFence := append([]byte(nil), set.Page.Key(set.Page.Cnt())...)
	rightFence := append([]byte(nil), right.Page.Key(right.Page.Cnt())...)
	lvl := set.Page.Level
	leftPgno := set.Frame.Pgno
	rightPgno := right.Frame.Pgno

	if leftPgno == pagestore.RootPage {
		return t.splitRoot(set, right, leftFence, rightFence)
	}

	set.Frame.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(set.Frame, bufpool.PutDirty); err != nil {
		return err
	}
	right.Frame.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(right.Frame, bufpool.PutDirty); err != nil {
		return err
	}

	var rightVal [pagestore.BtId]byte
	pagestore.PutID(&rightVal, rightPgno)
	if err := t.InsertKey(rightFence, lvl+1, rightVal[:], pagestore.Unique); err != nil {
		return err
	}
	var leftVal [pagestore.BtId]byte
	pagestore.PutID(&leftVal, leftPgno)
	return t.InsertKey(leftFence, lvl+1, leftVal[:], pagestore.Unique)
}

// splitRoot handles a split reaching the root: the root's own page
// number is fixed, so its current contents move into a brand new left
// page and the root is rewritten with exactly two entries -- the new
// left fence and the stopper -- one level taller than before.
func (t *Tree) splitRoot(set *PageSet, right *PageSet, leftFence, rightFence []byte) error {
	left, err := t.newPage(set.Page)
	if err != nil {
		return err
	}
	lvl := set.Page.Level

	newRoot := pagestore.NewPage(uint32(len(set.Page.Data)))
	newRoot.Level = lvl + 1
	newRoot.Type = set.Page.Type

	var leftVal, rightVal [pagestore.BtId]byte
	pagestore.PutID(&leftVal, left.Frame.Pgno)
	pagestore.PutID(&rightVal, right.Frame.Pgno)
	t.appendSlot(newRoot, leftFence, leftVal[:], pagestore.Unique)
	t.appendSlot(newRoot, rightFence, rightVal[:], pagestore.Unique)

	pagestore.MemCpyPage(set.Page, newRoot)
	set.Frame.MarkDirty()

	set.Frame.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(set.Frame, bufpool.PutDirty); err != nil {
		return err
	}
	left.Frame.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(left.Frame, bufpool.PutDirty); err != nil {
		return err
	}
	right.Frame.Unlock(bufpool.LockWrite)
	return t.pool.Put(right.Frame, bufpool.PutDirty)
}

// InsertKey is the tree's single insert entry point (spec §4.2
// "Insert"). lvl selects which level the key is posted at: 0 for an
// ordinary leaf insert, >0 only when called internally to post a new
// separator during a split or a delete's fence fix-up (delete.go).
// uniq distinguishes a plain key (an
// existing live match is an update-in-place) from a duplicate-set
// member (always appended with a fresh trailing sequence suffix, see
// newDup). Only a leaf-level (lvl == 0) value passes through the
// overflow boundary (overflow.go); internal separators are always a
// bare BtId page number and never need it.
func (t *Tree) InsertKey(key []byte, lvl uint8, value []byte, uniq pagestore.SlotType) error {
	stored := value
	if lvl == 0 {
		wrapped, err := t.wrapLeafValue(value)
		if err != nil {
			return err
		}
		stored = wrapped
	}
	return t.insertRaw(key, lvl, stored, uniq)
}

// insertRaw is InsertKey's body once the caller's value is already in
// its final on-page form: wrapped through wrapLeafValue for an
// ordinary leaf insert, or an OPD reference (opd.go) or bare page
// number for everything else.
func (t *Tree) insertRaw(key []byte, lvl uint8, value []byte, uniq pagestore.SlotType) error {
	for {
		set, slot, err := t.findPage(key, lvl, bufpool.LockWrite)
		if err != nil {
			return err
		}
		page := set.Page

		if uniq == pagestore.Unique && slot > 0 && slot <= page.Cnt() && !page.Dead(slot) &&
			pagestore.KeyCmp(page.Key(slot), key) == 0 {
			if lvl == 0 {
				if err := t.freeIfOverflowed(*page.Value(slot)); err != nil {
					set.Frame.Unlock(bufpool.LockWrite)
					t.pool.Put(set.Frame, 0)
					return err
				}
			}
			page.SetValue(value, slot)
			page.SetDead(slot, false)
			set.Frame.MarkDirty()
			set.Frame.Unlock(bufpool.LockWrite)
			return t.pool.Put(set.Frame, bufpool.PutDirty)
		}

		// A dead slot can only be reused in place when it is the exact
		// same key: its stored key bytes don't get rewritten here, only
		// the value, so reusing a dead slot that belonged to some other
		// (larger, by FindSlot's contract) key would silently keep the
		// wrong key bytes on the page.
		if slot > 0 && slot <= page.Cnt() && page.Dead(slot) && pagestore.KeyCmp(page.Key(slot), key) == 0 {
			if lvl == 0 {
				if err := t.freeIfOverflowed(*page.Value(slot)); err != nil {
					set.Frame.Unlock(bufpool.LockWrite)
					t.pool.Put(set.Frame, 0)
					return err
				}
			}
			page.SetValue(value, slot)
			page.SetTyp(slot, uniq)
			page.SetDead(slot, false)
			page.Act++
			set.Frame.MarkDirty()
			set.Frame.Unlock(bufpool.LockWrite)
			return t.pool.Put(set.Frame, bufpool.PutDirty)
		}

		newSlot := t.cleanPage(set, len(key), len(value), slot)
		if newSlot == 0 {
			right, err := t.splitPage(set)
			if err != nil {
				set.Frame.Unlock(bufpool.LockWrite)
				t.pool.Put(set.Frame, 0)
				return err
			}
			if err := t.splitKeys(set, right); err != nil {
				return err
			}
			continue
		}

		t.insertSlot(page, newSlot, key, value, uniq)
		set.Frame.MarkDirty()
		set.Frame.Unlock(bufpool.LockWrite)
		return t.pool.Put(set.Frame, bufpool.PutDirty)
	}
}

// InsertDuplicate appends a value under key in a duplicate-key set
// (spec §4.2 "Leaf B-tree"/"Duplicate" handling). A key whose
// duplicate set already migrated to an OPD chain gets the new value
// appended there directly; otherwise the value is kept on-page with a
// trailing BtId sequence suffix (newDup) so otherwise-identical keys
// keep a stable sort order, until the set outgrows dupOnPageBudget and
// migrateToOPD moves it off-page (spec §4.2 "Duplicate": "when a
// duplicate set exceeds the on-page budget, the set migrates to its
// own off-page duplicate subtree").
func (t *Tree) InsertDuplicate(key []byte, value []byte) error {
	if stored, ok, err := t.peekValue(key); err != nil {
		return err
	} else if ok {
		if first, isRef := dupRefPgno(stored); isRef {
			return t.opdAppend(first, value)
		}
	}

	n, err := t.countOnPageDuplicates(key)
	if err != nil {
		return err
	}
	if n+1 <= dupOnPageBudget {
		suffixed := make([]byte, len(key)+pagestore.BtId)
		copy(suffixed, key)
		var seq [pagestore.BtId]byte
		pagestore.PutID(&seq, t.newDup())
		copy(suffixed[len(key):], seq[:])
		return t.InsertKey(suffixed, 0, value, pagestore.Duplicate)
	}

	return t.migrateToOPD(key, value)
}
