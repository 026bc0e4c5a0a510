package applier

import (
	"sort"
	"sync"

	"github.com/nanostore/blinkstore/blink"
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/engctx"
	"github.com/nanostore/blinkstore/locker"
	"github.com/nanostore/blinkstore/pagestore"
	"github.com/nanostore/blinkstore/txnmgr"
	"github.com/nanostore/blinkstore/xlog"
	"github.com/pkg/errors"
)

// defaultRequestGap and defaultMaxGap are the gap-request doubling
// policy's starting point and ceiling (spec §4.3 "Gap-request
// policy"). Chosen large enough that the concrete scenario 4 (LSNs
// 1,3,4,2) never actually has to emit a request before the gap
// closes on its own.
const (
	defaultRequestGap uint32 = 4
	defaultMaxGap     uint32 = 1024
)

// GapRequest is what the applier asks its caller to forward to the
// current master (or broadcast) when a gap has been open too long
// (spec §4.3 "A gap request names (first_missing, first_known_after_gap)").
type GapRequest struct {
	FirstMissing     xlog.LSN
	FirstKnownAfter  xlog.LSN
}

// TreeResolver looks up the open Tree a RecPut/RecDel record's FileID
// names, for apply_txn's replay dispatch. Returning ok=false drops the
// record's side effect silently (the file is not one this process has
// open, matching a replica that doesn't replicate every database).
type TreeResolver func(fileID [20]byte) (tree *blink.Tree, ok bool)

// Applier is the engine's component C3. One Applier instance owns one
// mtx_clientdb-equivalent mutex (spec §5 "Applier mutex mtx_clientdb
// (pending-map protection)") and the gap-tracking state machine.
type Applier struct {
	env     *engctx.Env
	pool    *bufpool.Pool
	log     xlog.Log
	txnMgr  txnmgr.TxnMgr
	lockMgr locker.Locker
	resolve TreeResolver
	noSync  bool

	mu sync.Mutex // mtx_clientdb

	readyLSN   xlog.LSN
	maxPermLSN xlog.LSN
	pending    *pendingMap

	rcvdRecs   uint32
	waitRecs   uint32
	maxGap     uint32
	requestGap uint32

	currentLogFile uint32
	startupDone    bool
	prepared       map[txnmgr.TxnID]bool

	gapRequests []GapRequest

	// Log-only recovery mode (spec §4.3 "Log-only recovery mode"):
	// while recoveryEnd is non-zero, records are still logged but
	// side-effect dispatch is suppressed until recoveryEnd is reached.
	recoveryEnd xlog.LSN
}

// New builds an Applier starting at readyLSN 1 (the first LSN a fresh
// log ever hands out, matching xlog.MemLog's numbering).
func New(env *engctx.Env, pool *bufpool.Pool, log xlog.Log, txnMgr txnmgr.TxnMgr, lockMgr locker.Locker, resolve TreeResolver) *Applier {
	return &Applier{
		env:        env,
		pool:       pool,
		log:        log,
		txnMgr:     txnMgr,
		lockMgr:    lockMgr,
		resolve:    resolve,
		pending:    newPendingMap(),
		readyLSN:   1,
		maxGap:     defaultMaxGap,
		requestGap: defaultRequestGap,
		prepared:   make(map[txnmgr.TxnID]bool),
	}
}

// SetNoSync mirrors the "nosync" config the per-record commit handler
// consults (spec §4.3 "flush the log unless configured nosync").
func (a *Applier) SetNoSync(v bool) { a.noSync = v }

// BeginLogRecovery puts the applier into log-only recovery mode up to
// and including end: records still reach the log, but their side
// effects are suppressed (spec §4.3 "Log-only recovery mode").
func (a *Applier) BeginLogRecovery(end xlog.LSN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recoveryEnd = end
}

// GapRequests drains and returns every gap request emitted since the
// last call, for the caller to forward to the master.
func (a *Applier) GapRequests() []GapRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.gapRequests
	a.gapRequests = nil
	return out
}

// Apply is the component's single entry point (spec §4.3 "apply(control,
// record) → Outcome").
func (a *Applier) Apply(control Control, raw []byte) (Outcome, error) {
	if err := a.env.CheckPanic(); err != nil {
		return Outcome{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case control.LSN == a.readyLSN:
		return a.applyReadyLocked(control, raw)

	case control.LSN > a.readyLSN:
		inserted := a.pending.insert(control, raw)
		if !inserted {
			return Outcome{Kind: Buffered}, nil
		}
		a.trackGapLocked()
		return Outcome{Kind: Buffered}, nil

	default: // control.LSN < a.readyLSN: duplicate
		if control.Permanent() {
			return Outcome{Kind: Perm, LSN: a.maxPermLSN}, nil
		}
		return Outcome{Kind: Ignore}, nil
	}
}

// trackGapLocked implements the doubling gap-request counter (spec
// §4.3 case "lsn > ready_lsn"). Caller holds a.mu.
func (a *Applier) trackGapLocked() {
	waitingLSN := a.pending.lowest()
	if a.waitRecs == 0 {
		a.waitRecs = a.requestGap
	} else {
		a.rcvdRecs++
	}
	if a.rcvdRecs >= a.waitRecs {
		a.gapRequests = append(a.gapRequests, GapRequest{
			FirstMissing:    a.readyLSN,
			FirstKnownAfter: waitingLSN,
		})
		a.waitRecs *= 2
		if a.waitRecs > a.maxGap {
			a.waitRecs = a.maxGap
		}
		a.rcvdRecs = 0
	}
}

// applyReadyLocked applies control/raw (whose LSN is exactly
// a.readyLSN), advances readyLSN, then drains every now-contiguous
// record out of the pending map (spec §4.3 case "lsn == ready_lsn").
// Caller holds a.mu.
func (a *Applier) applyReadyLocked(control Control, raw []byte) (Outcome, error) {
	outcome, err := a.dispatchLocked(control, raw)
	if err != nil {
		return Outcome{}, err
	}
	a.readyLSN = control.LSN + 1
	a.rcvdRecs, a.waitRecs = 0, 0

	if !a.startupDone {
		a.startupDone = true
		outcome = Outcome{Kind: StartupDone}
	}

	for {
		next, ok := a.pending.get(a.readyLSN)
		if !ok {
			break
		}
		a.pending.remove(a.readyLSN)
		if _, err := a.dispatchLocked(next.control, next.raw); err != nil {
			return Outcome{}, err
		}
		a.readyLSN++
		a.rcvdRecs, a.waitRecs = 0, 0
	}

	if a.recoveryEnd != 0 && a.readyLSN > a.recoveryEnd {
		a.recoveryEnd = 0
		return Outcome{Kind: LogReady}, nil
	}
	return outcome, nil
}

// dispatchLocked performs the per-record-type top-level apply (spec
// §4.3 "Per-record apply"). Caller holds a.mu.
func (a *Applier) dispatchLocked(control Control, raw []byte) (Outcome, error) {
	rec, err := DecodeRecord(raw)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "applier: decoding record")
	}

	logOnly := a.recoveryEnd != 0

	switch rec.Type {
	case RecNewFile:
		if rec.NewLogFile > a.currentLogFile {
			a.currentLogFile = rec.NewLogFile
		}
		return Outcome{Kind: Applied}, nil

	case RecFileClose:
		if !logOnly {
			// Dispatched immediately; no tree-level side effect for a
			// close beyond forgetting any cached handle, which this
			// engine's TreeResolver owns, not the applier.
		}
		return Outcome{Kind: Applied}, nil

	case RecFileOpen:
		// Deferred to transaction apply (spec §4.3): nothing to do here.
		return Outcome{Kind: Applied}, nil

	case RecCheckpoint:
		return a.applyCheckpointLocked(control, rec)

	case RecTxnCommit:
		if !logOnly {
			if err := a.applyTxnLocked(rec); err != nil {
				a.env.Panic(err)
				return Outcome{}, err
			}
		}
		if !a.noSync {
			if err := a.log.Flush(control.LSN); err != nil {
				a.env.Panic(err)
				return Outcome{}, err
			}
		}
		if control.Permanent() && control.LSN > a.maxPermLSN {
			a.maxPermLSN = control.LSN
		}
		return Outcome{Kind: Applied}, nil

	case RecTxnPrepare:
		if err := a.log.Flush(control.LSN); err != nil {
			return Outcome{}, err
		}
		a.prepared[txnmgr.TxnID(rec.PrevLSN)] = true
		return Outcome{Kind: Applied}, nil

	default: // RecPut, RecDel, RecOther: logged now, replayed at commit time.
		if _, err := a.log.Put(raw); err != nil {
			return Outcome{}, errors.Wrap(err, "applier: logging record")
		}
		return Outcome{Kind: Applied}, nil
	}
}

// applyCheckpointLocked implements the spec's checkpoint handling
// verbatim: stage in the pending map (idempotent), release the
// applier mutex around the buffer-pool sync (it may block on I/O and
// must not hold mtx_clientdb), then write the checkpoint record and
// clear the staging entry. Caller holds a.mu; it is released and
// re-acquired internally.
func (a *Applier) applyCheckpointLocked(control Control, rec Record) (Outcome, error) {
	if !a.pending.insert(control, nil) {
		var highest xlog.LSN
		for lsn := range a.pending.entries {
			if lsn > highest {
				highest = lsn
			}
		}
		return Outcome{Kind: NotPermYet, LSN: highest}, nil
	}

	a.mu.Unlock()
	syncErr := a.pool.Sync(rec.CheckpointLSN)
	var ckptErr error
	if syncErr == nil {
		ckptErr = a.txnMgr.UpdateCheckpoint(rec.CheckpointLSN)
	}
	a.mu.Lock()

	if syncErr != nil {
		a.pending.remove(control.LSN)
		return Outcome{}, errors.Wrap(syncErr, "applier: checkpoint sync")
	}
	if ckptErr != nil {
		a.pending.remove(control.LSN)
		return Outcome{}, errors.Wrap(ckptErr, "applier: updating checkpoint pointer")
	}

	raw, err := EncodeRecord(rec)
	if err != nil {
		a.pending.remove(control.LSN)
		return Outcome{}, err
	}
	if _, err := a.log.Put(raw); err != nil {
		a.pending.remove(control.LSN)
		return Outcome{}, errors.Wrap(err, "applier: writing checkpoint record")
	}
	a.pending.remove(control.LSN)
	return Outcome{Kind: Applied}, nil
}

// applyTxnLocked is apply_txn (spec §4.3): walk the commit record's
// prev_lsn chain backward through the log, collect every LSN
// (recursing into child-transaction chains), replay them in ascending
// order under a fresh locker id holding the commit's listed locks.
// Caller holds a.mu.
func (a *Applier) applyTxnLocked(commit Record) error {
	lsns, err := a.collectChain(commit)
	if err != nil {
		return err
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })

	lockerID, err := a.lockMgr.ID()
	if err != nil {
		return errors.Wrap(err, "applier: acquiring locker id")
	}
	defer a.lockMgr.IDFree(lockerID)

	if len(commit.Locks) > 0 {
		reqs := make([]locker.Request, len(commit.Locks))
		for i, obj := range commit.Locks {
			reqs[i] = locker.Request{Obj: obj, Mode: locker.Write}
		}
		if err := a.lockMgr.Vec(lockerID, 0, reqs); err != nil {
			if pagestore.KindOf(err) == pagestore.ErrLockDeadlock {
				return a.applyTxnLocked(commit) // spec §4.3: retry the whole transaction
			}
			return errors.Wrap(err, "applier: acquiring transaction locks")
		}
	}

	cur, err := a.log.Cursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	for _, lsn := range lsns {
		_, raw, err := cur.Get(lsn, xlog.Set)
		if err != nil {
			return errors.Wrapf(err, "applier: reading lsn %d during txn replay", lsn)
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			return err
		}
		if err := a.replayRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// collectChain walks backward from commit via PrevLSN, also recursing
// into any child-transaction chains (spec §4.3 "recursing into
// child-transaction links").
func (a *Applier) collectChain(commit Record) ([]xlog.LSN, error) {
	var lsns []xlog.LSN
	cur, err := a.log.Cursor()
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	for lsn := commit.PrevLSN; lsn != 0; {
		_, raw, err := cur.Get(lsn, xlog.Set)
		if err != nil {
			return nil, errors.Wrapf(err, "applier: walking chain at lsn %d", lsn)
		}
		lsns = append(lsns, lsn)
		rec, err := DecodeRecord(raw)
		if err != nil {
			return nil, err
		}
		for _, childLSN := range rec.Children {
			childLSNs, err := a.collectChain(Record{PrevLSN: childLSN})
			if err != nil {
				return nil, err
			}
			lsns = append(lsns, childLSN)
			lsns = append(lsns, childLSNs...)
		}
		lsn = rec.PrevLSN
	}
	return lsns, nil
}

// replayRecord performs a single collected record's side effect
// against the tree it names (spec §4.3's "dispatching it to the
// per-record-type apply handler" during transaction replay).
func (a *Applier) replayRecord(rec Record) error {
	switch rec.Type {
	case RecPut:
		tree, ok := a.resolve(rec.FileID)
		if !ok {
			return nil
		}
		return tree.InsertKey(rec.Key, 0, rec.Value, pagestore.Unique)
	case RecDel:
		tree, ok := a.resolve(rec.FileID)
		if !ok {
			return nil
		}
		err := tree.DeleteKey(rec.Key, 0)
		if pagestore.KindOf(err) == pagestore.ErrNotFound {
			return nil // already absent: idempotent replay
		}
		return err
	default:
		return nil
	}
}
