package pagestore

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// FileStore is the real, file-backed PageStore. It issues page-aligned
// positioned reads/writes through O_DIRECT (github.com/ncw/directio,
// carried from the teacher's own go.mod require block), matching
// spec §6's "All I/O is positioned read/write at page-aligned offsets
// that are multiples of the page size" and bypassing the OS page
// cache, since the buffer pool is already the cache.
type FileStore struct {
	dir string

	mu    sync.Mutex
	files map[FileID]*os.File
	paths map[FileID]string
	dead  map[FileID]bool
	maps  map[FileID][]byte
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:   dir,
		files: make(map[FileID]*os.File),
		paths: make(map[FileID]string),
		dead:  make(map[FileID]bool),
		maps:  make(map[FileID][]byte),
	}
}

func (fs *FileStore) pathFor(id FileID) string {
	if p, ok := fs.paths[id]; ok {
		return p
	}
	return filepath.Join(fs.dir, hexFileID(id)+".db")
}

func hexFileID(id FileID) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

func (fs *FileStore) open(id FileID) (*os.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f, ok := fs.files[id]; ok {
		return f, nil
	}
	f, err := directio.OpenFile(fs.pathFor(id), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, Wrap(ErrStruct, err)
	}
	fs.files[id] = f
	return f, nil
}

// recordSize rounds PageHeaderSize+pageSize up to directio's required
// alignment so every positioned I/O uses an aligned buffer. Pages
// smaller than one alignment unit (e.g. a 512B page on a 4096-byte
// alignment platform) still get one full aligned block per page; the
// extra bytes beyond the logical page are left zero and ignored.
func recordSize(pageSize uint32) int64 {
	logical := int64(PageHeaderSize) + int64(pageSize)
	align := int64(directio.BlockSize)
	if logical%align == 0 {
		return logical
	}
	return (logical/align + 1) * align
}

func (fs *FileStore) ReadPage(id FileID, pgno Uid, pageSize uint32) ([]byte, error) {
	fs.mu.Lock()
	dead := fs.dead[id]
	fs.mu.Unlock()
	if dead {
		return nil, New(ErrRunRecovery)
	}
	f, err := fs.open(id)
	if err != nil {
		return nil, err
	}
	rsz := recordSize(pageSize)
	buf := directio.AlignedBlock(int(rsz))
	n, err := f.ReadAt(buf, int64(pgno)*rsz)
	if err == io.EOF && n == 0 {
		return nil, New(ErrPageNotFound)
	}
	if err != nil && err != io.EOF {
		return nil, Wrap(ErrStruct, err)
	}
	return buf[:PageHeaderSize+pageSize], nil
}

func (fs *FileStore) WritePage(id FileID, pgno Uid, raw []byte) error {
	fs.mu.Lock()
	dead := fs.dead[id]
	fs.mu.Unlock()
	if dead {
		return nil
	}
	f, err := fs.open(id)
	if err != nil {
		return err
	}
	rsz := recordSize(uint32(len(raw)) - PageHeaderSize)
	buf := directio.AlignedBlock(int(rsz))
	copy(buf, raw)
	if _, err := f.WriteAt(buf, int64(pgno)*rsz); err != nil {
		return Wrap(ErrStruct, err)
	}
	return nil
}

func (fs *FileStore) Extend(id FileID, pgno Uid, pageSize uint32) ([]byte, error) {
	raw := make([]byte, int(PageHeaderSize)+int(pageSize))
	if err := fs.WritePage(id, pgno, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (fs *FileStore) LastPgno(id FileID, pageSize uint32) (Uid, error) {
	f, err := fs.open(id)
	if err != nil {
		return 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, Wrap(ErrStruct, err)
	}
	rsz := recordSize(pageSize)
	if rsz == 0 {
		return 0, nil
	}
	return Uid(fi.Size() / rsz), nil
}

func (fs *FileStore) Remove(id FileID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dead[id] = true
	if f, ok := fs.files[id]; ok {
		f.Close()
		delete(fs.files, id)
	}
	return os.Remove(fs.pathFor(id))
}

func (fs *FileStore) Rename(id FileID, oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Rename(oldPath, newPath); err != nil {
		return Wrap(ErrStruct, err)
	}
	fs.paths[id] = newPath
	return nil
}

// Mmap satisfies Mmappable: a plain (non-O_DIRECT) read-only mapping of
// the whole file, for the buffer pool's small-file fast path. The
// O_DIRECT handle opened for ReadPage/WritePage is unaffected; mmap
// uses its own regular file descriptor since O_DIRECT and mmap don't
// mix on most platforms.
func (fs *FileStore) Mmap(id FileID) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if m, ok := fs.maps[id]; ok {
		return m, nil
	}
	f, err := os.Open(fs.pathFor(id))
	if err != nil {
		return nil, Wrap(ErrStruct, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, Wrap(ErrStruct, err)
	}
	if fi.Size() == 0 {
		return nil, New(ErrPageNotFound)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, Wrap(ErrStruct, err)
	}
	fs.maps[id] = data
	return data, nil
}

func (fs *FileStore) Unmap(id FileID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.maps[id]
	if !ok {
		return nil
	}
	delete(fs.maps, id)
	if err := unix.Munmap(data); err != nil {
		return Wrap(ErrStruct, err)
	}
	return nil
}
