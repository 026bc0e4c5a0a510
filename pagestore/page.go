package pagestore

// SlotType tags what kind of entry a page slot holds (spec §4.2).
type SlotType uint8

const (
	// Librarian is the placeholder slot type of the teacher's layout.
	// blink's cleanPage never creates one; FindSlot still steps over
	// one if a page carries it.
	Librarian SlotType = iota
	// Unique is an ordinary key (leaf key/data, or internal separator).
	Unique
	// Duplicate is a leaf key belonging to a multi-value duplicate set;
	// its on-page key bytes carry a trailing BtId sequence number so
	// otherwise-identical keys sort stably (spec §4.2 "Leaf B-tree").
	Duplicate
)

// SlotSize is the width in bytes of one slot-array entry: a 2-byte
// offset into the item heap, a 1-byte type+dead tag, and one reserved
// byte kept for alignment.
const SlotSize = 4

const deadBit = 0x04

// Page is one in-memory page: the fixed header plus the variable-length
// body (slot array growing up from the low end, item heap growing down
// from the high end, meeting at Min/HOffset). Act and Garbage are live
// bookkeeping recomputed from the slot array on load rather than
// carried in the formal header (spec §3 Page).
type Page struct {
	PageHeader
	Data    []byte
	Act     uint32 // live (non-dead) slot count
	Garbage uint32 // bytes occupied by dead entries, reclaimed by cleanPage
}

// NewPage allocates a zeroed page body sized to dataSize bytes.
func NewPage(dataSize uint32) *Page {
	return &Page{Data: make([]byte, dataSize)}
}

// Cnt/Min are the conventional short names used throughout the B-tree
// code for Entries/HOffset; kept as accessor methods so the header
// stays the single source of truth for what gets persisted.
func (p *Page) Cnt() uint32 { return uint32(p.Entries) }
func (p *Page) SetCnt(v uint32) {
	p.Entries = uint16(v)
}
func (p *Page) Min() uint32 { return uint32(p.HOffset) }
func (p *Page) SetMin(v uint32) {
	p.HOffset = uint16(v)
}

func (p *Page) Free() bool { return p.Flags&FlagFree != 0 }
func (p *Page) SetFree(v bool) {
	if v {
		p.Flags |= FlagFree
	} else {
		p.Flags &^= FlagFree
	}
}
func (p *Page) Kill() bool { return p.Flags&FlagKill != 0 }
func (p *Page) SetKill(v bool) {
	if v {
		p.Flags |= FlagKill
	} else {
		p.Flags &^= FlagKill
	}
}

func (p *Page) slotBytes(slot uint32) []byte {
	off := (slot - 1) * SlotSize
	return p.Data[off : off+SlotSize]
}

func (p *Page) KeyOffset(slot uint32) uint32 {
	b := p.slotBytes(slot)
	return uint32(b[0]) | uint32(b[1])<<8
}

func (p *Page) SetKeyOffset(slot uint32, off uint32) {
	b := p.slotBytes(slot)
	b[0] = byte(off)
	b[1] = byte(off >> 8)
}

// ValueOffset is where a slot's value bytes start: right after the
// length-prefixed key.
func (p *Page) ValueOffset(slot uint32) uint32 {
	off := p.KeyOffset(slot)
	klen := uint32(p.Data[off])
	return off + 1 + klen
}

func (p *Page) Typ(slot uint32) SlotType {
	return SlotType(p.slotBytes(slot)[2] &^ deadBit)
}

func (p *Page) SetTyp(slot uint32, t SlotType) {
	b := p.slotBytes(slot)
	b[2] = byte(t) | (b[2] & deadBit)
}

func (p *Page) Dead(slot uint32) bool {
	return p.slotBytes(slot)[2]&deadBit != 0
}

func (p *Page) SetDead(slot uint32, dead bool) {
	b := p.slotBytes(slot)
	if dead {
		b[2] |= deadBit
	} else {
		b[2] &^= deadBit
	}
}

func (p *Page) ClearSlot(slot uint32) {
	b := p.slotBytes(slot)
	b[0], b[1], b[2], b[3] = 0, 0, 0, 0
}

// Key returns the raw length-prefixed key bytes (without the length
// byte) for slot.
func (p *Page) Key(slot uint32) []byte {
	off := p.KeyOffset(slot)
	klen := uint32(p.Data[off])
	return p.Data[off+1 : off+1+klen]
}

// Value returns a pointer to the raw value bytes for slot, so callers
// can read its length via len(*Value(slot)) without a separate call.
func (p *Page) Value(slot uint32) *[]byte {
	off := p.ValueOffset(slot)
	vlen := uint32(p.Data[off])
	v := p.Data[off+1 : off+1+vlen]
	return &v
}

// SetKey writes a length-prefixed key at slot's existing KeyOffset.
// It suits only a slot whose stored key has the same length; nothing
// in blink calls it (bootstrap and splitRoot build slots with
// appendSlot).
func (p *Page) SetKey(key []byte, slot uint32) {
	off := p.KeyOffset(slot)
	p.Data[off] = byte(len(key))
	copy(p.Data[off+1:], key)
}

// SetValue overwrites a slot's value bytes in place.
func (p *Page) SetValue(value []byte, slot uint32) {
	off := p.ValueOffset(slot)
	p.Data[off] = byte(len(value))
	copy(p.Data[off+1:], value)
}

// FindSlot binary-searches the page for the first slot whose key is
// >= key, skipping Librarian placeholders. It always finds a slot
// because every page carries a stopper key as its last live entry
// (spec §4.2 "fence key for a node is always present").
func (p *Page) FindSlot(key []byte) uint32 {
	lo, hi := uint32(1), p.Cnt()
	for lo < hi {
		mid := (lo + hi) / 2
		s := mid
		if p.Typ(s) == Librarian {
			s++
		}
		if KeyCmp(p.dataKey(s), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 || lo > p.Cnt() {
		return 0
	}
	return lo
}

// dataKey returns the comparison key for a slot, stripping the trailing
// BtId duplicate-sequence suffix when present.
func (p *Page) dataKey(slot uint32) []byte {
	k := p.Key(slot)
	if p.Typ(slot) == Duplicate && len(k) >= BtId {
		return k[:len(k)-BtId]
	}
	return k
}

// MemCpyPage overwrites dst's full contents (header + body bookkeeping)
// with src's, preserving dst's already-allocated Data slice length.
func MemCpyPage(dst, src *Page) {
	dst.PageHeader = src.PageHeader
	dst.Act = src.Act
	dst.Garbage = src.Garbage
	if len(dst.Data) != len(src.Data) {
		dst.Data = make([]byte, len(src.Data))
	}
	copy(dst.Data, src.Data)
}
