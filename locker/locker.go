// Package locker is the external lock-manager contract (spec §1, §6):
// the core requests/acquires page and handle locks through it but does
// not implement deadlock detection or lock-table bookkeeping itself.
package locker

import "fmt"

type LockerID uint64

type Mode int

const (
	Read Mode = iota
	Write
	IWrite
	Upgrade
	Wait
	NoWait
)

// Object names what is being locked: a page within a file, or a whole
// file handle.
type Object struct {
	FileID [20]byte
	Pgno   uint32 // 0 means "the handle itself", not a page
}

func (o Object) String() string { return fmt.Sprintf("%x/%d", o.FileID, o.Pgno) }

type Handle struct {
	Locker LockerID
	Obj    Object
	Mode   Mode
}

type Request struct {
	Obj  Object
	Mode Mode
}

// Locker is the contract consumed by the replay applier's apply_txn.
// The B-tree engine does not call it; blink couples through
// bufpool.Frame page locks instead.
type Locker interface {
	Get(id LockerID, flags uint32, obj Object, mode Mode) (Handle, error)
	Put(h Handle) error
	// Vec performs requests atomically, used for lock-coupling.
	Vec(id LockerID, flags uint32, reqs []Request) error
	ID() (LockerID, error)
	IDFree(id LockerID) error
	Downgrade(h Handle, mode Mode) error
}
