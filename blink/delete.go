package blink

import (
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// DeleteKey is the tree's single delete entry point (spec §4.2
// "Delete"): the slot is marked dead in place (compaction happens
// lazily, the next time cleanPage runs), then the page is re-fenced,
// merged away, or the root is collapsed, whichever applies.
func (t *Tree) DeleteKey(key []byte, lvl uint8) error {
	set, slot, err := t.findPage(key, lvl, bufpool.LockWrite)
	if err != nil {
		return err
	}
	page := set.Page
	if slot == 0 || slot > page.Cnt() || page.Dead(slot) || pagestore.KeyCmp(page.Key(slot), key) != 0 {
		set.Frame.Unlock(bufpool.LockWrite)
		t.pool.Put(set.Frame, 0)
		return pagestore.New(pagestore.ErrNotFound)
	}

	if lvl == 0 {
		if err := t.freeIfOverflowed(*page.Value(slot)); err != nil {
			set.Frame.Unlock(bufpool.LockWrite)
			t.pool.Put(set.Frame, 0)
			return err
		}
	}

	wasFence := slot == page.Cnt()
	page.Garbage += uint32(1 + len(page.Key(slot)) + 1 + len(*page.Value(slot)))
	page.SetDead(slot, true)
	page.Act--

	pgno := set.Frame.Pgno
	isRoot := pgno == pagestore.RootPage

	switch {
	case page.Act == 0 && !isRoot:
		return t.deletePage(set, lvl)
	case wasFence && !isRoot:
		return t.fixFence(set, lvl, append([]byte(nil), key...))
	case isRoot:
		return t.maybeCollapseRoot(set)
	default:
		set.Frame.MarkDirty()
		set.Frame.Unlock(bufpool.LockWrite)
		return t.pool.Put(set.Frame, bufpool.PutDirty)
	}
}

// fixFence re-posts a page's upper bound after its old fence key was
// deleted (teacher's fixFence): insert the page's new, smaller fence
// into the parent pointing at the page's own (unchanged) number, then
// remove the stale larger entry that used to do that job.
func (t *Tree) fixFence(set *PageSet, lvl uint8, oldFence []byte) error {
	page := set.Page
	newFenceSlot := page.Cnt()
	for newFenceSlot > 0 && page.Dead(newFenceSlot) {
		newFenceSlot--
	}
	pgno := set.Frame.Pgno
	var newFence []byte
	if newFenceSlot > 0 {
		newFence = append([]byte(nil), page.Key(newFenceSlot)...)
	}

	set.Frame.MarkDirty()
	set.Frame.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(set.Frame, bufpool.PutDirty); err != nil {
		return err
	}
	if newFence == nil {
		return nil
	}

	var val [pagestore.BtId]byte
	pagestore.PutID(&val, pgno)
	if err := t.InsertKey(newFence, lvl+1, val[:], pagestore.Unique); err != nil {
		return err
	}
	if pagestore.KeyCmp(oldFence, newFence) == 0 {
		return nil
	}
	return t.DeleteKey(oldFence, lvl+1)
}

// deletePage merges an emptied page's right sibling into it (teacher's
// deletePage): the sibling's entries and fence move in, the sibling's
// page number is freed, and the parent level is fixed up the same way
// fixFence does -- post the absorbed (larger) fence under the
// surviving page number, then remove whichever old entry is now stale.
func (t *Tree) deletePage(set *PageSet, lvl uint8) error {
	page := set.Page
	pgno := set.Frame.Pgno
	rightPgno := pagestore.Uid(page.NextPgno)
	if rightPgno == 0 {
		set.Frame.MarkDirty()
		set.Frame.Unlock(bufpool.LockWrite)
		return t.pool.Put(set.Frame, bufpool.PutDirty)
	}

	rf, err := t.pool.Get(t.mfp, rightPgno, 0)
	if err != nil {
		set.Frame.Unlock(bufpool.LockWrite)
		t.pool.Put(set.Frame, 0)
		return err
	}
	rf.Lock(bufpool.LockDelete)
	rf.Lock(bufpool.LockWrite)

	oldFence := append([]byte(nil), page.Key(page.Cnt())...)
	rightFence := append([]byte(nil), rf.Page.Key(rf.Page.Cnt())...)

	pagestore.MemCpyPage(page, rf.Page)
	set.Frame.MarkDirty()

	if err := t.freePage(rf); err != nil {
		set.Frame.Unlock(bufpool.LockWrite)
		t.pool.Put(set.Frame, bufpool.PutDirty)
		return err
	}

	set.Frame.Unlock(bufpool.LockWrite)
	if err := t.pool.Put(set.Frame, bufpool.PutDirty); err != nil {
		return err
	}
	if pgno == pagestore.RootPage {
		return nil
	}

	var val [pagestore.BtId]byte
	pagestore.PutID(&val, pgno)
	if err := t.InsertKey(rightFence, lvl+1, val[:], pagestore.Unique); err != nil {
		return err
	}
	if pagestore.KeyCmp(oldFence, rightFence) == 0 {
		return nil
	}
	return t.DeleteKey(oldFence, lvl+1)
}

// maybeCollapseRoot shrinks the tree by one or more levels while the
// root has exactly one live child (teacher's collapseRoot): the sole
// child's contents are promoted directly into the root page, repeating
// until the root is a leaf or genuinely branches again.
func (t *Tree) maybeCollapseRoot(set *PageSet) error {
	page := set.Page
	for page.Level > 0 && page.Act == 1 {
		var childSlot uint32
		for i := uint32(1); i <= page.Cnt(); i++ {
			if !page.Dead(i) {
				childSlot = i
				break
			}
		}
		if childSlot == 0 {
			break
		}
		childPgno := pagestore.GetIDFromValue(page.Value(childSlot))
		cf, err := t.pool.Get(t.mfp, childPgno, 0)
		if err != nil {
			break
		}
		cf.Lock(bufpool.LockDelete)
		cf.Lock(bufpool.LockWrite)
		pagestore.MemCpyPage(page, cf.Page)
		if err := t.freePage(cf); err != nil {
			set.Frame.MarkDirty()
			set.Frame.Unlock(bufpool.LockWrite)
			t.pool.Put(set.Frame, bufpool.PutDirty)
			return err
		}
	}
	set.Frame.MarkDirty()
	set.Frame.Unlock(bufpool.LockWrite)
	return t.pool.Put(set.Frame, bufpool.PutDirty)
}
