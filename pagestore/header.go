package pagestore

import "encoding/binary"

// PageType is the page header's type tag (spec §3).
type PageType uint8

const (
	TypeInvalid PageType = iota
	TypeLeafBTree
	TypeLeafDuplicate
	TypeLeafRecno
	TypeInternalBTree
	TypeInternalRecno
	TypeOverflow
	TypeMetadata
	TypeQueueData
	TypeQueueMetadata
)

// PageHeaderSize is the wire size of PageHeader: the spec's 26-byte
// core fields plus one trailing flags byte real implementations carry
// for free-page/tombstone bookkeeping that the abstract header omits.
const PageHeaderSize = 27

// PageHeader is the on-disk page header (spec §3, §6). Fields are
// always written little-endian, fixed at environment creation.
type PageHeader struct {
	Pgno     uint32
	PrevPgno uint32
	NextPgno uint32
	Entries  uint16 // slot count
	HOffset  uint16 // top of the free gap, i.e. "Min" in the B-tree code
	Level    uint8
	Type     PageType
	LSN      uint64 // overwritten by WAL; never advanced by page code itself
	Flags    Flags
}

// Flags is a one-byte extension past the formal 26-byte header for
// bookkeeping every real B-tree implementation needs beyond the
// abstract spec fields (BDB's own page header carries more than the
// minimal documented set too): whether this page has been returned to
// the freelist, and whether it is a tombstone mid-merge.
type Flags uint8

const (
	FlagFree Flags = 1 << iota
	FlagKill
)

// Encode writes h to dst in the fixed PageHeaderSize wire layout.
func (h *PageHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Pgno)
	binary.LittleEndian.PutUint32(dst[4:8], h.PrevPgno)
	binary.LittleEndian.PutUint32(dst[8:12], h.NextPgno)
	binary.LittleEndian.PutUint16(dst[12:14], h.Entries)
	binary.LittleEndian.PutUint16(dst[14:16], h.HOffset)
	dst[16] = h.Level
	dst[17] = byte(h.Type)
	binary.LittleEndian.PutUint64(dst[18:26], h.LSN)
	dst[26] = byte(h.Flags)
}

// Decode reads h from src, the inverse of Encode.
func (h *PageHeader) Decode(src []byte) {
	h.Pgno = binary.LittleEndian.Uint32(src[0:4])
	h.PrevPgno = binary.LittleEndian.Uint32(src[4:8])
	h.NextPgno = binary.LittleEndian.Uint32(src[8:12])
	h.Entries = binary.LittleEndian.Uint16(src[12:14])
	h.HOffset = binary.LittleEndian.Uint16(src[14:16])
	h.Level = src[16]
	h.Type = PageType(src[17])
	h.LSN = binary.LittleEndian.Uint64(src[18:26])
	h.Flags = Flags(src[26])
}
