package blink

import (
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// findPage is the teacher's PageFetch: a lock-coupled descent from the
// root to the level/key requested, chaining LockAccess between a page
// and its child so a concurrent splitter can never unlink a page out
// from under a reader mid-descent (spec §4.2 descent table). lvl=0
// descends all the way to a leaf; a higher lvl stops at that level,
// the mode an internal insert/delete needs to post a new key.
func (t *Tree) findPage(key []byte, lvl uint8, lock bufpool.LockMode) (*PageSet, uint32, error) {
	pageNo := pagestore.RootPage
	drill := uint8(0xff)

	var prevFrame *bufpool.Frame
	var prevMode bufpool.LockMode

	for pageNo > 0 {
		mode := bufpool.LockRead
		if drill == lvl {
			mode = lock
		}

		f, err := t.pool.Get(t.mfp, pageNo, 0)
		if err != nil {
			return nil, 0, err
		}

		if pageNo > pagestore.RootPage {
			f.Lock(bufpool.LockAccess)
		}

		page := f.Page

		if prevFrame != nil {
			prevFrame.Unlock(prevMode)
			t.pool.Put(prevFrame, 0)
			prevFrame = nil
		}

		f.Lock(mode)

		if page.Free() {
			f.Unlock(mode)
			t.pool.Put(f, 0)
			return nil, 0, pagestore.New(pagestore.ErrStruct)
		}

		if pageNo > pagestore.RootPage {
			f.Unlock(bufpool.LockAccess)
		}

		if page.Level != drill {
			if pageNo != pagestore.RootPage {
				f.Unlock(mode)
				t.pool.Put(f, 0)
				return nil, 0, pagestore.New(pagestore.ErrStruct)
			}
			// Root's level can only grow (a split that reached the
			// root); re-derive drill from what we actually fetched,
			// and if the caller wanted a write lock at a level that
			// no longer exists yet, start the descent over.
			drill = page.Level
			if lock != bufpool.LockRead && drill == lvl {
				f.Unlock(mode)
				t.pool.Put(f, 0)
				continue
			}
		}

		prevFrame = f
		prevMode = mode

		if page.Kill() {
			pageNo = pagestore.Uid(page.NextPgno)
			continue
		}

		slot := page.FindSlot(key)
		if slot == 0 {
			pageNo = pagestore.Uid(page.NextPgno)
			continue
		}

		if drill == lvl {
			return &PageSet{Frame: f, Page: page}, slot, nil
		}

		slideRight := false
		for page.Dead(slot) {
			if slot < page.Cnt() {
				slot++
				continue
			}
			slideRight = true
			break
		}
		if slideRight {
			pageNo = pagestore.Uid(page.NextPgno)
			continue
		}

		pageNo = pagestore.GetIDFromValue(page.Value(slot))
		drill--
	}
	if prevFrame != nil {
		prevFrame.Unlock(prevMode)
		t.pool.Put(prevFrame, 0)
	}
	return nil, 0, pagestore.New(pagestore.ErrStruct)
}
