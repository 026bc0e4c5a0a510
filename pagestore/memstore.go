package pagestore

import (
	"sync"

	"github.com/dsnet/golib/memfile"
)

// MemStore is an in-memory PageStore, the reference implementation
// used by tests (the replay applier's pending-record map is a plain Go
// map, see applier/pending.go, and does not use it). Adapted from
// the teacher's ParentBufMgrDummy/ParentPageDummy pair, generalized
// from a single implicit file to one keyed by FileID. Each file's
// bytes live in a github.com/dsnet/golib/memfile.File, a growable
// ReaderAt/WriterAt over an in-memory buffer, positioned at
// pgno*recordSize exactly as filestore.go positions its O_DIRECT reads
// on a real file — MemStore is deliberately the same addressing
// scheme without the alignment/O_DIRECT constraints, not a from
// scratch map-of-pages.
type MemStore struct {
	mu    sync.Mutex
	files map[FileID]*memFile
}

type memFile struct {
	buf     *memfile.File
	written map[Uid]bool
	dead    bool
	path    string
}

func NewMemStore() *MemStore {
	return &MemStore{files: make(map[FileID]*memFile)}
}

func (m *MemStore) file(id FileID) *memFile {
	f, ok := m.files[id]
	if !ok {
		f = &memFile{buf: memfile.New(nil), written: make(map[Uid]bool)}
		m.files[id] = f
	}
	return f
}

// memRecordSize is MemStore's own (unaligned) record stride: unlike
// filestore.go's recordSize, an in-memory buffer has no O_DIRECT
// alignment to honor.
func memRecordSize(pageSize uint32) int64 { return int64(PageHeaderSize + pageSize) }

func (m *MemStore) ReadPage(id FileID, pgno Uid, pageSize uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.file(id)
	if f.dead {
		return nil, New(ErrRunRecovery)
	}
	if !f.written[pgno] {
		return nil, New(ErrPageNotFound)
	}
	out := make([]byte, memRecordSize(pageSize))
	if _, err := f.buf.ReadAt(out, int64(pgno)*memRecordSize(pageSize)); err != nil {
		return nil, Wrap(ErrPageFormat, err)
	}
	return out, nil
}

func (m *MemStore) WritePage(id FileID, pgno Uid, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.file(id)
	if f.dead {
		return nil // dead MFP: discard writes silently, per spec §4.1
	}
	size := int64(len(raw))
	if _, err := f.buf.WriteAt(raw, int64(pgno)*size); err != nil {
		return Wrap(ErrPageFormat, err)
	}
	f.written[pgno] = true
	return nil
}

func (m *MemStore) Extend(id FileID, pgno Uid, pageSize uint32) ([]byte, error) {
	raw := make([]byte, PageHeaderSize+pageSize)
	if err := m.WritePage(id, pgno, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (m *MemStore) LastPgno(id FileID, pageSize uint32) (Uid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.file(id)
	var max Uid
	for pgno := range f.written {
		if pgno > max {
			max = pgno
		}
	}
	return max, nil
}

func (m *MemStore) Remove(id FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file(id).dead = true
	return nil
}

func (m *MemStore) Rename(id FileID, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file(id).path = newPath
	return nil
}
