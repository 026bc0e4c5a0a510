package locker

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MemLocker is a minimal in-memory reference Locker: one RWMutex per
// lock object, no deadlock detection (a production lock manager would
// add a waits-for graph; the core only depends on the narrow contract
// above, per spec §1). Its Vec takes the requests one at a time with
// Get, so it is not atomic: a Get that blocks leaves the earlier
// requests held.
type MemLocker struct {
	nextID uint64

	mu    sync.Mutex
	locks map[Object]*sync.RWMutex
	held  map[LockerID]map[Object]Mode
}

func NewMemLocker() *MemLocker {
	return &MemLocker{
		locks: make(map[Object]*sync.RWMutex),
		held:  make(map[LockerID]map[Object]Mode),
	}
}

func (m *MemLocker) lockFor(obj Object) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[obj]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[obj] = l
	}
	return l
}

func (m *MemLocker) Get(id LockerID, flags uint32, obj Object, mode Mode) (Handle, error) {
	l := m.lockFor(obj)
	switch mode {
	case Read:
		l.RLock()
	default:
		l.Lock()
	}
	m.mu.Lock()
	if m.held[id] == nil {
		m.held[id] = make(map[Object]Mode)
	}
	m.held[id][obj] = mode
	m.mu.Unlock()
	return Handle{Locker: id, Obj: obj, Mode: mode}, nil
}

func (m *MemLocker) Put(h Handle) error {
	l := m.lockFor(h.Obj)
	switch h.Mode {
	case Read:
		l.RUnlock()
	default:
		l.Unlock()
	}
	m.mu.Lock()
	delete(m.held[h.Locker], h.Obj)
	m.mu.Unlock()
	return nil
}

func (m *MemLocker) Vec(id LockerID, flags uint32, reqs []Request) error {
	for _, r := range reqs {
		if _, err := m.Get(id, flags, r.Obj, r.Mode); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemLocker) ID() (LockerID, error) {
	return LockerID(atomic.AddUint64(&m.nextID, 1)), nil
}

func (m *MemLocker) IDFree(id LockerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for obj, mode := range m.held[id] {
		l := m.locks[obj]
		if l == nil {
			continue
		}
		switch mode {
		case Read:
			l.RUnlock()
		default:
			l.Unlock()
		}
	}
	delete(m.held, id)
	return nil
}

func (m *MemLocker) Downgrade(h Handle, mode Mode) error {
	if h.Mode != Write && h.Mode != IWrite {
		return errors.New("locker: can only downgrade an exclusive lock")
	}
	if err := m.Put(h); err != nil {
		return err
	}
	_, err := m.Get(h.Locker, 0, h.Obj, mode)
	return err
}
