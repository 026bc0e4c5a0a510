package pagestore

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// FileID is the 20-byte identity of a backing file (spec §3 "Fileid
// discipline"): identity follows the fileid, never the path, so a
// rename is a pure path swap and a concurrent open/remove race never
// needs a global file-table lock.
type FileID [20]byte

// NewFileID mints a fresh fileid unique to this host: two random UUIDs
// (google/uuid, carried from the tinySQL example's dependency set)
// folded down to 20 bytes together with the page size, so two files
// created back-to-back with the same size never collide even if the
// host clock is coarse.
func NewFileID(pageSize uint32) FileID {
	var id FileID
	a := uuid.New()
	b := uuid.New()
	copy(id[0:16], a[:])
	copy(id[16:20], b[:4])
	binary.LittleEndian.PutUint32(id[16:20], binary.LittleEndian.Uint32(id[16:20])^pageSize)
	return id
}
