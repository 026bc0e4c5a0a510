package xlog

import (
	"sync"

	"github.com/pkg/errors"
)

// MemLog is an in-memory reference Log implementation: good enough to
// drive the core's own test suite (spec §8 concrete scenarios) without
// depending on a separate, real log manager module.
type MemLog struct {
	mu      sync.Mutex
	records [][]byte // index i holds the record for LSN i+1
	flushed LSN
}

func NewMemLog() *MemLog { return &MemLog{} }

func (l *MemLog) Put(record []byte) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(record))
	copy(cp, record)
	l.records = append(l.records, cp)
	return LSN(len(l.records)), nil
}

func (l *MemLog) Flush(upto LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(upto) > len(l.records) {
		return errors.Errorf("xlog: flush(%d) past end of log (%d)", upto, len(l.records))
	}
	if upto > l.flushed {
		l.flushed = upto
	}
	return nil
}

func (l *MemLog) Flushed() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushed
}

func (l *MemLog) Cursor() (Cursor, error) {
	return &memCursor{log: l}, nil
}

type memCursor struct {
	log *MemLog
	at  LSN
}

func (c *memCursor) Get(lsn LSN, op CursorOp) (LSN, []byte, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	switch op {
	case Set:
		c.at = lsn
	case Next:
		c.at++
	case Prev:
		c.at--
	}
	if c.at < 1 || int(c.at) > len(c.log.records) {
		return 0, nil, errors.New("xlog: no such record")
	}
	return c.at, c.log.records[c.at-1], nil
}

func (c *memCursor) Close() error { return nil }
