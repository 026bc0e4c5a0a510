package bufpool

import (
	"sort"
	"sync"

	"github.com/nanostore/blinkstore/pagestore"
	"github.com/nanostore/blinkstore/xlog"
	"github.com/sirupsen/logrus"
)

// GetFlags select the allocation behavior of Pool.Get (spec §4.1).
type GetFlags uint32

const (
	GetCreate GetFlags = 1 << iota
	GetLast
	GetNew
	GetNewGroup
	GetExtent
)

// PutFlags select writeback/discard behavior of Pool.Put.
type PutFlags uint32

const (
	PutDirty PutFlags = 1 << iota
	PutDiscard
	PutClean
)

const defaultMmapThreshold = 10 << 20 // 10 MiB, spec §4.1 default

type region struct {
	mu      sync.Mutex // region mutex: spec §5 mutex #2
	buckets []*bucket
	frames  []*Frame
	victim  int // clock sweep pointer
}

// Pool is the shared buffer-pool cache: the engine's component C1.
type Pool struct {
	pageSize      uint32
	numRegions    int
	regions       []*region
	mmapThreshold uint32

	log    xlog.Log
	store  pagestore.PageStore
	logger *logrus.Entry

	filesMu sync.Mutex
	files   map[pagestore.FileID]*MPoolFile
}

// Config carries the knobs NewPool needs beyond the page size.
type Config struct {
	PageSize         uint32
	NumRegions       int
	FramesPerRegion  int
	BucketsPerRegion int
	MmapThreshold    uint32
	Log              xlog.Log
	Store            pagestore.PageStore
	Logger           *logrus.Logger
}

func NewPool(cfg Config) *Pool {
	if cfg.NumRegions <= 0 {
		cfg.NumRegions = 1
	}
	if cfg.FramesPerRegion <= 0 {
		cfg.FramesPerRegion = 256
	}
	if cfg.BucketsPerRegion <= 0 {
		cfg.BucketsPerRegion = cfg.FramesPerRegion / 4
		if cfg.BucketsPerRegion == 0 {
			cfg.BucketsPerRegion = 1
		}
	}
	if cfg.MmapThreshold == 0 {
		cfg.MmapThreshold = defaultMmapThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	p := &Pool{
		pageSize:      cfg.PageSize,
		numRegions:    cfg.NumRegions,
		mmapThreshold: cfg.MmapThreshold,
		log:           cfg.Log,
		store:         cfg.Store,
		logger:        cfg.Logger.WithField("component", "bufpool"),
		files:         make(map[pagestore.FileID]*MPoolFile),
	}
	for i := 0; i < cfg.NumRegions; i++ {
		r := &region{buckets: make([]*bucket, cfg.BucketsPerRegion)}
		for b := range r.buckets {
			r.buckets[b] = &bucket{}
		}
		r.frames = make([]*Frame, 0, cfg.FramesPerRegion)
		p.regions = append(p.regions, r)
	}
	return p
}

// Open registers (or returns the already-shared) MPoolFile for id.
// Two callers opening the same fileid share one MPoolFile (spec §3).
// A file whose current size is under the pool's mmap threshold and
// whose store supports it takes the read-only mmap fast path in Get
// instead of copying every page through a Frame.
func (p *Pool) Open(id pagestore.FileID, path string, lsnOffset int32) *MPoolFile {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	mfp, ok := p.files[id]
	if !ok {
		mfp = newMPoolFile(id, path, p.pageSize, lsnOffset)
		if _, ok := p.store.(pagestore.Mmappable); ok {
			if last, err := p.store.LastPgno(id, p.pageSize); err == nil {
				size := uint64(last) * uint64(pagestore.PageHeaderSize+p.pageSize)
				mfp.setCanMmap(size <= uint64(p.mmapThreshold))
			}
		}
		p.files[id] = mfp
		p.logger.WithField("fileid", hexID(id)).Debug("opened mpoolfile")
	}
	mfp.ref()
	return mfp
}

func hexID(id pagestore.FileID) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xf]
	}
	return string(out)
}

func (p *Pool) regionAndBucket(id pagestore.FileID, pgno pagestore.Uid) (*region, *bucket) {
	ri := regionFor(id, pgno, p.numRegions)
	r := p.regions[ri]
	bi := bucketFor(id, pgno, len(r.buckets))
	return r, r.buckets[bi]
}

// Get is the buffer pool's one read/allocate entry point (spec §4.1
// "Search/allocate algorithm for get").
func (p *Pool) Get(mfp *MPoolFile, pgno pagestore.Uid, flags GetFlags) (*Frame, error) {
	if mfp.Dead() {
		return nil, pagestore.New(pagestore.ErrRunRecovery)
	}

	if flags&GetLast != 0 {
		last, err := p.store.LastPgno(mfp.FileID, p.pageSize)
		if err != nil {
			return nil, err
		}
		pgno = last
	} else if flags&GetNew != 0 {
		mfp.mu.Lock()
		mfp.LastPgno++
		pgno = mfp.LastPgno
		mfp.mu.Unlock()
	} else if flags&GetNewGroup != 0 {
		// Contiguous multi-page allocation is the hash access method's
		// NEW_GROUP path; spec §9 Open Questions declares it out of
		// scope for the core.
		return nil, pagestore.New(pagestore.ErrNotImplemented)
	}

	r, b := p.regionAndBucket(mfp.FileID, pgno)

	b.mu.Lock()
	for {
		f := b.find(mfp.FileID, uint64(pgno))
		if f == nil {
			break
		}
		if f.locked() {
			// Only place the bucket mutex is released and re-taken
			// mid-operation (spec §4.1 step 2): wait for the in-flight
			// I/O, then re-validate from scratch.
			b.mu.Unlock()
			f.ioMu.Lock()
			f.ioMu.Unlock()
			b.mu.Lock()
			continue
		}
		f.addPin()
		if f.callPgin() {
			if mfp.PginFunc != nil {
				mfp.PginFunc(f.Page)
			}
			f.setCallPgin(false)
		}
		b.mu.Unlock()
		return f, nil
	}

	// miss: allocate or evict, then load.
	f, err := p.allocate(r, b, mfp, pgno)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	f.setLocked(true)
	f.setTrash(true)
	b.link(f)
	b.mu.Unlock()

	if err := p.loadPage(mfp, f, pgno, flags); err != nil {
		b.mu.Lock()
		b.unlink(f)
		b.mu.Unlock()
		return nil, err
	}
	if mfp.PginFunc != nil {
		mfp.PginFunc(f.Page)
	}

	b.mu.Lock()
	f.setLocked(false)
	f.setTrash(false)
	b.mu.Unlock()
	return f, nil
}

// allocate returns a Frame for (mfp.FileID, pgno): a fresh one if the
// region has spare capacity, otherwise the result of the eviction sweep
// (spec §4.1 step 3). Caller holds b.mu.
func (p *Pool) allocate(r *region, b *bucket, mfp *MPoolFile, pgno pagestore.Uid) (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) < cap(r.frames) {
		f := &Frame{FileID: mfp.FileID, Pgno: pgno, pin: 1}
		r.frames = append(r.frames, f)
		return f, nil
	}

	n := len(r.frames)
	for i := 0; i < n*2; i++ { // at most two full sweeps: evict-or-fail
		idx := r.victim % n
		r.victim++
		f := r.frames[idx]
		if f.bucket == nil {
			f.FileID, f.Pgno, f.pin = mfp.FileID, pgno, 1
			return f, nil
		}
		ownerBucket := f.bucket
		if ownerBucket != b {
			if !ownerBucket.mu.TryLock() {
				continue
			}
		}
		if f.clockSweepSkip() {
			if ownerBucket != b {
				ownerBucket.mu.Unlock()
			}
			continue
		}
		if f.dirty() {
			if err := p.writeback(f); err != nil {
				if ownerBucket != b {
					ownerBucket.mu.Unlock()
				}
				return nil, err
			}
		}
		ownerBucket.unlink(f)
		if ownerBucket != b {
			ownerBucket.mu.Unlock()
		}
		f.FileID, f.Pgno, f.pin = mfp.FileID, pgno, 1
		f.Page = nil
		return f, nil
	}
	return nil, pagestore.New(pagestore.ErrStruct)
}

func (p *Pool) loadPage(mfp *MPoolFile, f *Frame, pgno pagestore.Uid, flags GetFlags) error {
	if mm, ok := p.store.(pagestore.Mmappable); ok && mfp.canMmap() {
		if data, mmerr := mm.Mmap(mfp.FileID); mmerr == nil {
			off := int64(pgno) * int64(pagestore.PageHeaderSize+p.pageSize)
			end := off + int64(pagestore.PageHeaderSize+p.pageSize)
			if end <= int64(len(data)) {
				f.Page = pagestore.DecodePage(data[off:end], p.pageSize)
				f.setDiscard(true)
				return nil
			}
		}
	}
	raw, err := p.store.ReadPage(mfp.FileID, pgno, p.pageSize)
	if pagestore.KindOf(err) == pagestore.ErrPageNotFound {
		if flags&(GetCreate|GetNew) == 0 {
			return pagestore.New(pagestore.ErrPageNotFound)
		}
		raw, err = p.store.Extend(mfp.FileID, pgno, p.pageSize)
	}
	if err != nil {
		return err
	}
	f.Page = pagestore.DecodePage(raw, p.pageSize)
	return nil
}

// Put releases a pinned frame (spec §4.1 put).
func (p *Pool) Put(f *Frame, flags PutFlags) error {
	if flags&PutDirty != 0 {
		f.setDirty(true)
		f.bucket.mu.Lock()
		f.bucket.dirtyCount++
		f.bucket.mu.Unlock()
	}
	if flags&PutClean != 0 {
		f.setDirty(false)
	}
	if flags&PutDiscard != 0 {
		f.setDiscard(true)
	}
	f.release()
	return nil
}

// writeback implements the WAL gate (spec §4.1 "Writeback (WAL)"):
// force the log to the page's LSN before the page write ever reaches
// the store. writeback itself takes only the per-Frame I/O mutex. Its
// eviction caller (allocate) holds the owning bucket's mutex across
// the call; Sync calls it holding no bucket mutex.
func (p *Pool) writeback(f *Frame) error {
	mfp := p.fileOf(f.FileID)
	if mfp == nil || mfp.Dead() {
		f.setDirty(false)
		return nil
	}

	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	// LSNOffset >= 0 means this file's pages carry a meaningful LSN
	// (the byte offset a real access method would read it from); < 0
	// marks a not-durable file (e.g. the applier's temporary pending
	// store) that writes back without ever waiting on the log.
	if mfp.LSNOffset >= 0 && p.log != nil {
		if err := p.log.Flush(xlog.LSN(f.Page.LSN)); err != nil {
			// WAL violation: refuse to let the page reach disk ahead
			// of its log record (spec §8 scenario 6).
			return pagestore.Wrap(pagestore.ErrRunRecovery, err)
		}
	}

	raw := pagestore.EncodePage(f.Page, p.pageSize)
	if err := p.store.WritePage(f.FileID, f.Pgno, raw); err != nil {
		return err
	}
	f.setDirty(false)
	f.bucket.dirtyCount--
	return nil
}

func (p *Pool) fileOf(id pagestore.FileID) *MPoolFile {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	return p.files[id]
}

// Sync walks every region's dirty frames and writes them back in
// (fileid, pgno) order, matching spec §4.1 "Sync": it holds each
// frame's own I/O mutex but never a bucket mutex while writing. Pages
// whose LSN is newer than uptoLSN are skipped, letting a checkpoint
// sync only what its own record needs durable (LSN 0 means "all").
func (p *Pool) Sync(uptoLSN xlog.LSN) error {
	type dirtyFrame struct {
		id   pagestore.FileID
		pgno pagestore.Uid
		f    *Frame
	}
	var work []dirtyFrame
	for _, r := range p.regions {
		r.mu.Lock()
		for _, f := range r.frames {
			if f.bucket != nil && f.dirty() && (uptoLSN == 0 || xlog.LSN(f.Page.LSN) <= uptoLSN) {
				work = append(work, dirtyFrame{f.FileID, f.Pgno, f})
			}
		}
		r.mu.Unlock()
	}
	sort.Slice(work, func(i, j int) bool {
		if work[i].id != work[j].id {
			return bytesLess(work[i].id[:], work[j].id[:])
		}
		return work[i].pgno < work[j].pgno
	})
	for _, w := range work {
		if !w.f.dirty() {
			continue
		}
		if err := p.writeback(w.f); err != nil {
			return err
		}
	}
	return nil
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// NameOp implements rename/remove (spec §4.1 "Fileid discipline").
func (p *Pool) NameOp(id pagestore.FileID, newPath string, oldPath string) error {
	mfp := p.fileOf(id)
	if mfp == nil {
		return pagestore.New(pagestore.ErrPageNotFound)
	}
	if newPath == "" {
		mfp.markDead()
		return p.store.Remove(id)
	}
	mfp.Path = newPath
	return p.store.Rename(id, oldPath, newPath)
}
