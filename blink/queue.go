// FIFO queue layered on the Recno access method (spec §4.2 "[ADDED]
// FIFO queue layer"), grounded in bdb/qam/qam_rec.c's append/consume
// recovery records (QAM_mvptr, recno increment on append): Push is
// RecnoTree.Append under a new name, Pop tracks and advances a head
// record number stored alongside Recno's own tail count in page zero.
package blink

import (
	"encoding/binary"

	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/pagestore"
)

// queueHeadOffset is page zero's "next record number to pop" pointer.
// The tail is RecnoTree's own append-assigned count, so Queue needs no
// separate tail slot; head needs one because consumption can run ahead
// of whatever record numbers still happen to carry live data once
// Delete leaves gaps behind (queue.go never runs in renumber mode).
const queueHeadOffset = 20

// Queue is a FIFO built directly on RecnoTree's append-at-tail,
// implicit-numbering behavior (spec §4.2).
type Queue struct {
	recno *RecnoTree
}

// OpenQueue attaches a Queue to mfp.
func OpenQueue(pool *bufpool.Pool, mfp *bufpool.MPoolFile, pageSize uint32) (*Queue, error) {
	r, err := OpenRecno(pool, mfp, pageSize)
	if err != nil {
		return nil, err
	}
	return &Queue{recno: r}, nil
}

func (q *Queue) head() (uint32, error) {
	zf, err := q.recno.tree.pool.Get(q.recno.tree.mfp, metaPage, 0)
	if err != nil {
		return 0, err
	}
	defer q.recno.tree.pool.Put(zf, 0)
	zf.Lock(bufpool.LockRead)
	defer zf.Unlock(bufpool.LockRead)
	return binary.LittleEndian.Uint32(zf.Page.Data[queueHeadOffset : queueHeadOffset+4]), nil
}

func (q *Queue) setHead(v uint32) error {
	zf, err := q.recno.tree.pool.Get(q.recno.tree.mfp, metaPage, 0)
	if err != nil {
		return err
	}
	zf.Lock(bufpool.LockWrite)
	binary.LittleEndian.PutUint32(zf.Page.Data[queueHeadOffset:queueHeadOffset+4], v)
	zf.Unlock(bufpool.LockWrite)
	return q.recno.tree.pool.Put(zf, bufpool.PutDirty)
}

// Push appends value at tail recno+1 (spec's "append at tail recno+1")
// and returns the record number it landed at.
func (q *Queue) Push(value []byte) (uint32, error) {
	return q.recno.Append(value)
}

// Pop consumes the oldest record (spec's "pop at head recno"),
// returning pagestore.ErrNotFound once head has caught up with tail.
func (q *Queue) Pop() ([]byte, error) {
	h, err := q.head()
	if err != nil {
		return nil, err
	}
	if h == 0 {
		h = 1
	}
	n, err := q.recno.Count()
	if err != nil {
		return nil, err
	}
	if h > n {
		return nil, pagestore.New(pagestore.ErrNotFound)
	}
	v, err := q.recno.Get(h)
	if err != nil {
		return nil, err
	}
	if err := q.recno.tree.DeleteKey(recnoKey(h), 0); err != nil {
		return nil, err
	}
	if err := q.setHead(h + 1); err != nil {
		return nil, err
	}
	return v, nil
}

// Len reports how many records remain between head and tail.
func (q *Queue) Len() (uint32, error) {
	h, err := q.head()
	if err != nil {
		return 0, err
	}
	if h == 0 {
		h = 1
	}
	n, err := q.recno.Count()
	if err != nil {
		return 0, err
	}
	if h > n {
		return 0, nil
	}
	return n - h + 1, nil
}

func (q *Queue) Close() error { return q.recno.Close() }
