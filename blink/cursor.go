package blink

import (
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// FindKey looks up a single Unique-typed key (spec §4.2 "Point
// lookup"). Duplicate-set members are read through a Cursor/RangeScan
// instead, since a duplicate key's on-page bytes carry a sequence
// suffix the caller doesn't know in advance.
func (t *Tree) FindKey(key []byte) ([]byte, error) {
	set, slot, err := t.findPage(key, 0, bufpool.LockRead)
	if err != nil {
		return nil, err
	}
	defer func() {
		set.Frame.Unlock(bufpool.LockRead)
		t.pool.Put(set.Frame, 0)
	}()
	if slot == 0 || slot > set.Page.Cnt() || set.Page.Dead(slot) {
		return nil, pagestore.New(pagestore.ErrNotFound)
	}
	if pagestore.KeyCmp(set.Page.Key(slot), key) != 0 {
		return nil, pagestore.New(pagestore.ErrNotFound)
	}
	return t.unwrapLeafValue(*set.Page.Value(slot))
}

func isStopper(key []byte) bool {
	return len(key) == 2 && key[0] == 0xff && key[1] == 0xff
}

// Cursor is a forward-only leaf scanner (the teacher's BLTreeItr):
// startKey/nextKey there copied a whole page into the tree's private
// cursor buffer so a long scan never holds a page lock; Cursor does
// the same, one page at a time, via MemCpyPage.
type Cursor struct {
	t     *Tree
	page  *pagestore.Page
	slot  uint32
	atEnd bool
}

func (t *Tree) NewCursor() *Cursor {
	return &Cursor{t: t, page: pagestore.NewPage(t.pageSize)}
}

// Seek positions the cursor at the first live, non-sentinel key >= key.
func (c *Cursor) Seek(key []byte) error {
	set, slot, err := c.t.findPage(key, 0, bufpool.LockRead)
	if err != nil {
		return err
	}
	pagestore.MemCpyPage(c.page, set.Page)
	set.Frame.Unlock(bufpool.LockRead)
	if err := c.t.pool.Put(set.Frame, 0); err != nil {
		return err
	}
	c.slot = slot
	c.atEnd = false
	return c.advanceToReal()
}

// Key/Value expose the entry the cursor currently sits on; only valid
// while Valid() is true. Value resolves the overflow boundary
// (overflow.go) transparently, so it can fail independently of the
// cursor's own positioning.
func (c *Cursor) Key() []byte { return c.page.Key(c.slot) }
func (c *Cursor) Value() ([]byte, error) {
	return c.t.unwrapLeafValue(*c.page.Value(c.slot))
}
func (c *Cursor) Valid() bool { return !c.atEnd }

// Next advances to the following live, non-sentinel key, crossing into
// the right sibling leaf via NextPgno when the current page runs out
// (teacher's findNext).
func (c *Cursor) Next() error {
	if c.atEnd {
		return nil
	}
	c.slot++
	return c.advanceToReal()
}

// advanceToReal skips dead slots and the infinity stopper sentinel
// (present on whichever leaf is currently rightmost at its level),
// following NextPgno as needed, until it lands on real data or runs
// off the end of the chain.
func (c *Cursor) advanceToReal() error {
	for {
		for c.slot <= c.page.Cnt() {
			if c.slot >= 1 && !c.page.Dead(c.slot) && !isStopper(c.page.Key(c.slot)) {
				return nil
			}
			c.slot++
		}
		right := pagestore.Uid(c.page.NextPgno)
		if right == 0 {
			c.atEnd = true
			return nil
		}
		f, err := c.t.pool.Get(c.t.mfp, right, 0)
		if err != nil {
			return err
		}
		f.Lock(bufpool.LockRead)
		pagestore.MemCpyPage(c.page, f.Page)
		f.Unlock(bufpool.LockRead)
		if err := c.t.pool.Put(f, 0); err != nil {
			return err
		}
		c.slot = 1
	}
}

// RangeEntry is one key/value pair returned by RangeScan.
type RangeEntry struct {
	Key   []byte
	Value []byte
}

// RangeScan returns every live entry with lowerKey <= key <= upperKey
// (either bound nil means unbounded on that side), spec §4.2 "Range
// scan". It is built on Cursor rather than holding any lock for the
// scan's duration.
func (t *Tree) RangeScan(lowerKey, upperKey []byte) ([]RangeEntry, error) {
	c := t.NewCursor()
	seekKey := lowerKey
	if seekKey == nil {
		seekKey = []byte{}
	}
	if err := c.Seek(seekKey); err != nil {
		return nil, err
	}
	var out []RangeEntry
	for c.Valid() {
		if upperKey != nil && pagestore.KeyCmp(c.Key(), upperKey) > 0 {
			break
		}
		k := append([]byte(nil), c.Key()...)
		v, err := c.Value()
		if err != nil {
			return out, err
		}
		out = append(out, RangeEntry{Key: k, Value: v})
		if err := c.Next(); err != nil {
			return out, err
		}
	}
	return out, nil
}
