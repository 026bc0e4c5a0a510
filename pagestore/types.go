// Package pagestore defines the on-disk page format shared by the
// buffer pool and the B-tree/Recno engine, plus the narrow PageStore
// contract the buffer pool uses to talk to the file-operations layer
// (an external collaborator per the engine's scope: the buffer pool
// owns caching and WAL ordering, not file naming or allocation policy
// beyond the freelist).
package pagestore

import "encoding/binary"

// Uid addresses a page within one file. The wire encoding is a 6-byte
// (BtId) little-endian integer, wide enough for page counts far beyond
// what a 4-16KiB page size will ever need to reach, while staying
// smaller than a full 8-byte pointer in every on-page reference.
type Uid uint64

// BtId is the width in bytes of an on-page page-number reference.
const BtId = 6

// RootPage is the fixed page number of a tree's root.
const RootPage Uid = 1

// MinLvl is the number of levels a freshly created tree starts with:
// one root page (level 1) sitting directly over one leaf (level 0).
const MinLvl = 2

// PutID writes id into dst in little-endian order.
func PutID(dst *[BtId]byte, id Uid) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	copy(dst[:], buf[:BtId])
}

// GetID reads a BtId-width page number.
func GetID(src *[BtId]byte) Uid {
	var buf [8]byte
	copy(buf[:BtId], src[:])
	return Uid(binary.LittleEndian.Uint64(buf[:]))
}

// GetIDFromValue reads a page number out of a value slot whose payload
// starts with a BtId-width id, as stored by internal-page entries; any
// bytes past the first BtId (a Recno entry's nrecs) are ignored.
func GetIDFromValue(value *[]byte) Uid {
	var tmp [BtId]byte
	copy(tmp[:], (*value)[:BtId])
	return GetID(&tmp)
}

// KeyCmp is the byte-lexicographic key comparator. Every Tree uses it;
// there is no option to configure a different one.
func KeyCmp(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
