// Overflow pages: a leaf-level data item wider than about a quarter
// page (at most 254 bytes, see overflowThreshold) is replaced on-page
// by a small reference {type=OVERFLOW, tlen, first_pgno} and its bytes
// are chained across dedicated pagestore.TypeOverflow pages instead.
// Only values take this path: keys are always stored on-page and are
// never overflowed.
//
// Every leaf-level value (lvl == 0 in InsertKey) passes through
// wrapLeafValue/unwrapLeafValue, so the chaining is transparent to
// FindKey, Cursor.Value, and everything built on them (recno.go,
// queue.go, InsertDuplicate). Internal separators (lvl > 0, always a
// bare BtId page-number value) never go through this path.
package blink

import (
	"encoding/binary"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

const (
	// inlineTag marks a leaf value stored directly on the page.
	inlineTag = 0x00
	// overflowTag marks a leaf value replaced by a chain reference.
	overflowTag = 0x01
)

// overflowRefSize is the wire size of an inline overflow reference: the
// tag byte, a 4-byte total length, and the first chain page's number.
const overflowRefSize = 1 + 4 + pagestore.BtId

func encodeInline(data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = inlineTag
	copy(out[1:], data)
	return out
}

func encodeOverflowRef(tlen uint32, first pagestore.Uid) []byte {
	out := make([]byte, overflowRefSize)
	out[0] = overflowTag
	binary.LittleEndian.PutUint32(out[1:5], tlen)
	var pg [pagestore.BtId]byte
	pagestore.PutID(&pg, first)
	copy(out[5:], pg[:])
	return out
}

// overflowThreshold is the spec's "~1/4 page" boundary, capped at 254
// bytes so an inline value plus its tag byte still fits the page's
// one-byte value-length prefix.
func (t *Tree) overflowThreshold() int {
	th := int(t.pageSize) / 4
	if th > 254 {
		th = 254
	}
	return th
}

// wrapLeafValue is the transparent overflow boundary every leaf-level
// insert passes through.
func (t *Tree) wrapLeafValue(value []byte) ([]byte, error) {
	if len(value) <= t.overflowThreshold() {
		return encodeInline(value), nil
	}
	first, err := t.writeOverflowChain(value)
	if err != nil {
		return nil, err
	}
	return encodeOverflowRef(uint32(len(value)), first), nil
}

// unwrapLeafValue is the inverse of wrapLeafValue, used by every
// reader so an overflowed value comes back exactly as inserted. A
// stored byte sequence tagged dupRefTag (an off-page duplicate
// reference, see opd.go) is not a readable value at all; callers that
// might see one check for it with peekValue/dupRefPgno first.
func (t *Tree) unwrapLeafValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	switch stored[0] {
	case overflowTag:
		tlen := binary.LittleEndian.Uint32(stored[1:5])
		var pg [pagestore.BtId]byte
		copy(pg[:], stored[5:5+pagestore.BtId])
		return t.readOverflowChain(pagestore.GetID(&pg), tlen)
	case dupRefTag:
		return nil, pagestore.New(pagestore.ErrStruct)
	default:
		return append([]byte(nil), stored[1:]...), nil
	}
}

// freeIfOverflowed releases stored's overflow chain, if it is one; a
// no-op for inline values and duplicate references.
func (t *Tree) freeIfOverflowed(stored []byte) error {
	if len(stored) == 0 || stored[0] != overflowTag {
		return nil
	}
	var pg [pagestore.BtId]byte
	copy(pg[:], stored[5:5+pagestore.BtId])
	return t.freeOverflowChain(pagestore.GetID(&pg))
}

// writeOverflowChain stores data across as many freshly allocated
// TypeOverflow pages as needed, linked by NextPgno, and returns the
// first page's number. Entries is reused to hold each page's payload
// length instead of a slot count, the same way other page kinds in
// this package repurpose header fields per page type (see tree.go's
// page zero, recno.go's page-zero counters).
func (t *Tree) writeOverflowChain(data []byte) (pagestore.Uid, error) {
	chunk := int(t.pageSize)
	n := (len(data) + chunk - 1) / chunk
	if n == 0 {
		n = 1
	}
	pages := make([]pagestore.Uid, n)
	for i := range pages {
		pgno, err := t.allocPage()
		if err != nil {
			return 0, err
		}
		pages[i] = pgno
	}
	for i, pgno := range pages {
		f, err := t.pool.Get(t.mfp, pgno, bufpool.GetCreate)
		if err != nil {
			return 0, err
		}
		f.Lock(bufpool.LockWrite)
		page := f.Page
		page.Type = pagestore.TypeOverflow
		lo := i * chunk
		hi := lo + chunk
		if hi > len(data) {
			hi = len(data)
		}
		written := copy(page.Data, data[lo:hi])
		page.SetCnt(uint32(written))
		if i+1 < len(pages) {
			page.NextPgno = uint32(pages[i+1])
		} else {
			page.NextPgno = 0
		}
		f.MarkDirty()
		f.Unlock(bufpool.LockWrite)
		if err := t.pool.Put(f, bufpool.PutDirty); err != nil {
			return 0, err
		}
	}
	return pages[0], nil
}

// readOverflowChain walks first's NextPgno chain, reassembling tlen
// bytes of payload.
func (t *Tree) readOverflowChain(first pagestore.Uid, tlen uint32) ([]byte, error) {
	out := make([]byte, 0, tlen)
	pgno := first
	for pgno != 0 && uint32(len(out)) < tlen {
		f, err := t.pool.Get(t.mfp, pgno, 0)
		if err != nil {
			return nil, err
		}
		f.Lock(bufpool.LockRead)
		page := f.Page
		out = append(out, page.Data[:page.Cnt()]...)
		next := pagestore.Uid(page.NextPgno)
		f.Unlock(bufpool.LockRead)
		if err := t.pool.Put(f, 0); err != nil {
			return nil, err
		}
		pgno = next
	}
	if uint32(len(out)) > tlen {
		out = out[:tlen]
	}
	return out, nil
}

// freeOverflowChain returns every page in first's chain to the free
// list, used when an overflowed value is overwritten or deleted.
func (t *Tree) freeOverflowChain(first pagestore.Uid) error {
	pgno := first
	for pgno != 0 {
		f, err := t.pool.Get(t.mfp, pgno, 0)
		if err != nil {
			return err
		}
		f.Lock(bufpool.LockDelete)
		f.Lock(bufpool.LockWrite)
		next := pagestore.Uid(f.Page.NextPgno)
		if err := t.freePage(f); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}
