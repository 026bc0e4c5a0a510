package bufpool

import (
	"sync"

	"github.com/nanostore/blinkstore/pagestore"
)

// mfpFlags are the MPoolFile flags from spec §3.
type mfpFlags uint32

const (
	mfpTemp mfpFlags = 1 << iota
	mfpCanMmap
	mfpDurable
	mfpNotDurableKnown
	mfpNoBackingFile
	mfpUnlinkOnClose
)

// MPoolFile is the shared per-file descriptor (spec §3 MFP). Two
// callers that open the same fileid share one MPoolFile; refCount
// tracks open handles, blockCount tracks buffers still cached.
type MPoolFile struct {
	FileID    pagestore.FileID
	Path      string
	PageSize  uint32
	LastPgno  pagestore.Uid
	LSNOffset int32 // byte offset of the LSN within a page, or -1 if none

	mu         sync.Mutex
	refCount   int
	blockCount int
	dead       bool
	flags      mfpFlags

	// PginFunc, if set, post-processes a freshly loaded page before any
	// caller sees it (spec §3's pgin/pgcookie hook) -- e.g. converting a
	// page written by a different byte order or page-size environment.
	PginFunc func(*pagestore.Page)
}

func newMPoolFile(id pagestore.FileID, path string, pageSize uint32, lsnOffset int32) *MPoolFile {
	return &MPoolFile{FileID: id, Path: path, PageSize: pageSize, LSNOffset: lsnOffset}
}

func (m *MPoolFile) Dead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

// markDead is sticky: once a file is marked dead, every dirty buffer
// belonging to it is discarded rather than written back (spec §3 "Dead
// MFP"), which is how remove-while-open races resolve without a
// global file-table lock.
func (m *MPoolFile) markDead() {
	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()
}

func (m *MPoolFile) canMmap() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags&mfpCanMmap != 0
}

func (m *MPoolFile) setCanMmap(v bool) {
	m.mu.Lock()
	if v {
		m.flags |= mfpCanMmap
	} else {
		m.flags &^= mfpCanMmap
	}
	m.mu.Unlock()
}

func (m *MPoolFile) ref() {
	m.mu.Lock()
	m.refCount++
	m.mu.Unlock()
}

func (m *MPoolFile) unref() int {
	m.mu.Lock()
	m.refCount--
	n := m.refCount
	m.mu.Unlock()
	return n
}
