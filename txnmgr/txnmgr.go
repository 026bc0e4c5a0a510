// Package txnmgr is the external transaction-manager contract (spec
// §1, §6): begin/commit/abort bookkeeping and the checkpoint pointer
// the replay applier updates after a buffer-pool sync completes.
package txnmgr

import (
	"sync"
	"sync/atomic"

	"github.com/nanostore/blinkstore/xlog"
)

type TxnID uint64

type Txn struct {
	ID       TxnID
	Parent   *Txn
	PrevLSN  xlog.LSN
	Prepared bool
}

type TxnMgr interface {
	Begin(parent *Txn) (*Txn, error)
	Commit(t *Txn, flags uint32) error
	Abort(t *Txn) error
	LastCheckpoint() xlog.LSN
	UpdateCheckpoint(lsn xlog.LSN) error
}

// MemTxnMgr is a minimal in-memory TxnMgr sufficient to drive the
// replay applier's apply_txn path in tests.
type MemTxnMgr struct {
	nextID uint64

	mu    sync.Mutex
	ckpt  xlog.LSN
	active map[TxnID]*Txn
}

func NewMemTxnMgr() *MemTxnMgr {
	return &MemTxnMgr{active: make(map[TxnID]*Txn)}
}

func (m *MemTxnMgr) Begin(parent *Txn) (*Txn, error) {
	t := &Txn{ID: TxnID(atomic.AddUint64(&m.nextID, 1)), Parent: parent}
	m.mu.Lock()
	m.active[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

func (m *MemTxnMgr) Commit(t *Txn, flags uint32) error {
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

func (m *MemTxnMgr) Abort(t *Txn) error {
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

func (m *MemTxnMgr) LastCheckpoint() xlog.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ckpt
}

func (m *MemTxnMgr) UpdateCheckpoint(lsn xlog.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn > m.ckpt {
		m.ckpt = lsn
	}
	return nil
}
