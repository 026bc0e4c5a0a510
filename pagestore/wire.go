package pagestore

// EncodePage serializes pg to its on-disk representation: the fixed
// PageHeaderSize header followed by the raw page body. This is the
// wire format every PageStore implementation reads and writes.
func EncodePage(pg *Page, pageSize uint32) []byte {
	raw := make([]byte, PageHeaderSize+pageSize)
	pg.PageHeader.Encode(raw[:PageHeaderSize])
	copy(raw[PageHeaderSize:], pg.Data)
	return raw
}

// DecodePage is the inverse of EncodePage. For B-tree and Recno pages
// it also recomputes Act and Garbage from the slot array.
func DecodePage(raw []byte, pageSize uint32) *Page {
	pg := NewPage(pageSize)
	pg.PageHeader.Decode(raw[:PageHeaderSize])
	copy(pg.Data, raw[PageHeaderSize:])
	switch pg.Type {
	case TypeLeafBTree, TypeInternalBTree, TypeLeafRecno, TypeInternalRecno:
		for slot := uint32(1); slot <= pg.Cnt(); slot++ {
			if pg.Dead(slot) {
				pg.Garbage += uint32(1 + len(pg.Key(slot)) + 1 + len(*pg.Value(slot)))
			} else {
				pg.Act++
			}
		}
	}
	return pg
}

// PageLSN reads the LSN field directly out of a raw encoded page
// without a full Decode, for the buffer pool's WAL gate check.
func PageLSN(raw []byte) uint64 {
	var h PageHeader
	h.Decode(raw[:PageHeaderSize])
	return h.LSN
}

// Mmappable is implemented by PageStore backends that can hand back a
// read-only memory mapping of a whole file, letting the buffer pool
// take the mmap fast path (spec §4.1) instead of copying through a
// Frame for small, read-mostly files.
type Mmappable interface {
	Mmap(id FileID) ([]byte, error)
	Unmap(id FileID) error
}
