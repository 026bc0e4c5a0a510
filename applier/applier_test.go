package applier

import (
	"testing"

	"github.com/nanostore/blinkstore/blink"
	"github.com/nanostore/blinkstore/bufpool"
	"github.com/nanostore/blinkstore/engctx"
	"github.com/nanostore/blinkstore/locker"
	"github.com/nanostore/blinkstore/pagestore"
	"github.com/nanostore/blinkstore/txnmgr"
	"github.com/nanostore/blinkstore/xlog"
	"github.com/stretchr/testify/require"
)

func newTestApplier(t *testing.T, resolve TreeResolver) *Applier {
	t.Helper()
	env := engctx.New(engctx.Config{})
	pool := bufpool.NewPool(bufpool.Config{
		PageSize:        512,
		NumRegions:      1,
		FramesPerRegion: 64,
		Store:           pagestore.NewMemStore(),
	})
	log := xlog.NewMemLog()
	txnMgr := txnmgr.NewMemTxnMgr()
	lockMgr := locker.NewMemLocker()
	if resolve == nil {
		resolve = func([20]byte) (*blink.Tree, bool) { return nil, false }
	}
	return New(env, pool, log, txnMgr, lockMgr, resolve)
}

func putRecord(t *testing.T, lsn xlog.LSN) ([]byte, Control) {
	t.Helper()
	raw, err := EncodeRecord(Record{Type: RecOther})
	require.NoError(t, err)
	return raw, Control{LSN: lsn, RecType: RecOther}
}

// TestApplierGapScenario is spec §8 concrete scenario 4: feed LSNs
// 1, 3, 4, 2 and expect StartupDone (the first applied record),
// Buffered, Buffered, Applied; after the fourth call ready_lsn == 5 and
// the pending map is empty.
func TestApplierGapScenario(t *testing.T) {
	a := newTestApplier(t, nil)

	raw1, c1 := putRecord(t, 1)
	out, err := a.Apply(c1, raw1)
	require.NoError(t, err)
	require.Equal(t, StartupDone, out.Kind)

	raw3, c3 := putRecord(t, 3)
	out, err = a.Apply(c3, raw3)
	require.NoError(t, err)
	require.Equal(t, Buffered, out.Kind)

	raw4, c4 := putRecord(t, 4)
	out, err = a.Apply(c4, raw4)
	require.NoError(t, err)
	require.Equal(t, Buffered, out.Kind)

	raw2, c2 := putRecord(t, 2)
	out, err = a.Apply(c2, raw2)
	require.NoError(t, err)
	require.Equal(t, Applied, out.Kind)

	require.EqualValues(t, 5, a.readyLSN)
	require.Equal(t, 0, a.pending.len())
}

// TestApplierDuplicateBelowReady covers the lsn < ready_lsn branch:
// an already-applied LSN returns Ignore, or Perm if flagged permanent.
func TestApplierDuplicateBelowReady(t *testing.T) {
	a := newTestApplier(t, nil)

	raw1, c1 := putRecord(t, 1)
	_, err := a.Apply(c1, raw1)
	require.NoError(t, err)

	out, err := a.Apply(c1, raw1)
	require.NoError(t, err)
	require.Equal(t, Ignore, out.Kind)

	c1.Flags |= FlagPermanent
	out, err = a.Apply(c1, raw1)
	require.NoError(t, err)
	require.Equal(t, Perm, out.Kind)
}

// TestApplierBufferedDuplicateIgnored covers re-feeding an LSN already
// sitting in the pending map: insert reports "already buffered" and
// Apply still returns Buffered without disturbing the map.
func TestApplierBufferedDuplicateIgnored(t *testing.T) {
	a := newTestApplier(t, nil)

	raw3, c3 := putRecord(t, 3)
	_, err := a.Apply(c3, raw3)
	require.NoError(t, err)
	require.Equal(t, 1, a.pending.len())

	out, err := a.Apply(c3, raw3)
	require.NoError(t, err)
	require.Equal(t, Buffered, out.Kind)
	require.Equal(t, 1, a.pending.len())
}

// TestApplierTxnReplaysPutAgainstTree exercises apply_txn end to end:
// a RecPut logged at LSN 1 followed by a RecTxnCommit at LSN 2 whose
// PrevLSN chains back to it must leave the named tree holding the put.
func TestApplierTxnReplaysPutAgainstTree(t *testing.T) {
	store := pagestore.NewMemStore()
	pool := bufpool.NewPool(bufpool.Config{
		PageSize:        512,
		NumRegions:      1,
		FramesPerRegion: 64,
		Store:           store,
	})
	fileID := pagestore.NewFileID(512)
	mfp := pool.Open(fileID, "t.bt", -1)
	tree, err := blink.Open(pool, mfp, 512)
	require.NoError(t, err)

	env := engctx.New(engctx.Config{})
	log := xlog.NewMemLog()
	txnMgr := txnmgr.NewMemTxnMgr()
	lockMgr := locker.NewMemLocker()
	resolve := func(id [20]byte) (*blink.Tree, bool) {
		if id != fileID {
			return nil, false
		}
		return tree, true
	}
	a := New(env, pool, log, txnMgr, lockMgr, resolve)
	a.SetNoSync(true)

	putRaw, err := EncodeRecord(Record{Type: RecPut, FileID: fileID, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	_, err = a.Apply(Control{LSN: 1, RecType: RecOther}, putRaw)
	require.NoError(t, err)

	commitRaw, err := EncodeRecord(Record{Type: RecTxnCommit, PrevLSN: 1})
	require.NoError(t, err)
	out, err := a.Apply(Control{LSN: 2, RecType: RecTxnCommit}, commitRaw)
	require.NoError(t, err)
	require.Equal(t, Applied, out.Kind)

	got, err := tree.FindKey([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

// TestApplierCheckpointSyncsPoolAndClearsPending exercises the
// checkpoint path (spec §4.3 "Checkpoint"): a checkpoint at the ready
// LSN reports StartupDone, its pending-map staging entry is removed
// once pool.Sync and the checkpoint pointer update both succeed, and
// the transaction manager's checkpoint pointer ends at 1.
func TestApplierCheckpointSyncsPoolAndClearsPending(t *testing.T) {
	a := newTestApplier(t, nil)

	ckptRaw, err := EncodeRecord(Record{Type: RecCheckpoint, CheckpointLSN: 1})
	require.NoError(t, err)
	out, err := a.Apply(Control{LSN: 1, RecType: RecCheckpoint}, ckptRaw)
	require.NoError(t, err)
	require.Equal(t, StartupDone, out.Kind)
	require.Equal(t, 0, a.pending.len())
	require.EqualValues(t, 1, a.txnMgr.LastCheckpoint())
}
