// Package applier implements the replay applier (spec §4.3, component
// C3): the client-side log-record reorderer that turns an out-of-order
// stream of log records (as a replication client receives them from a
// master) into a linearly applied transaction history, with gap
// detection, replayable checkpoints, and transaction replay.
package applier

import (
	"bytes"
	"encoding/gob"

	"github.com/nanostore/blinkstore/locker"
	"github.com/nanostore/blinkstore/xlog"
)

// RecType classifies a Record for apply()'s per-type dispatch (spec
// §4.3 "Per-record apply").
type RecType int

const (
	RecNewFile RecType = iota
	RecFileOpen
	RecFileClose
	RecTxnCommit
	RecTxnPrepare
	RecCheckpoint
	RecPut
	RecDel
	RecOther
)

func (rt RecType) String() string {
	switch rt {
	case RecNewFile:
		return "new-file"
	case RecFileOpen:
		return "file-open"
	case RecFileClose:
		return "file-close"
	case RecTxnCommit:
		return "txn-commit"
	case RecTxnPrepare:
		return "txn-prepare"
	case RecCheckpoint:
		return "checkpoint"
	case RecPut:
		return "put"
	case RecDel:
		return "del"
	default:
		return "other"
	}
}

// ControlFlags marks a record as carrying a durability claim the
// duplicate-detection path in Apply must honor (spec §4.3 case
// "lsn < ready_lsn": "if the record is flagged permanent").
type ControlFlags uint32

const FlagPermanent ControlFlags = 1 << 0

// Control is the envelope apply() receives alongside the raw record
// bytes (spec §4.3 "control carries {lsn, generation, rectype,
// log_version, flags}").
type Control struct {
	LSN        xlog.LSN
	Generation uint32
	RecType    RecType
	LogVersion uint32
	Flags      ControlFlags
}

func (c Control) Permanent() bool { return c.Flags&FlagPermanent != 0 }

// Record is the tagged-union payload decoded from the wire bytes
// (SPEC_FULL.md §4.3 "[ADDED] wire format": encoding/gob over the
// opaque []byte the log manager contract treats records as, per §6).
// Not every field is meaningful for every RecType; see the per-type
// comments below.
type Record struct {
	Type RecType

	// RecNewFile: the log file number to switch to.
	NewLogFile uint32

	// RecFileOpen/RecFileClose/RecPut/RecDel: the file this record's
	// page-level effect applies to.
	FileID [20]byte

	// RecTxnCommit/RecTxnPrepare: apply_txn's backward-chain walk
	// pointer (spec §4.3 "walk backward ... following each record's
	// prev_lsn field"), plus any child-transaction chains to recurse
	// into, and the lock requests the commit record lists.
	PrevLSN  xlog.LSN
	Children []xlog.LSN
	Locks    []locker.Object

	// RecCheckpoint: the LSN the buffer pool must sync up to. Usually
	// equal to Control.LSN but modeled separately so a checkpoint
	// record can be replayed from the log verbatim.
	CheckpointLSN xlog.LSN

	// RecPut/RecDel: the page-level key/value effect, replayed against
	// the tree named by FileID during apply_txn (spec §4.3 "Any other
	// ... side-effect work is performed later by the transaction
	// commit that references this LSN").
	Key   []byte
	Value []byte
}

// EncodeRecord serializes rec for the log/pending-map wire format.
func EncodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord is EncodeRecord's inverse.
func DecodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
