package bufpool

import (
	"testing"

	"github.com/nanostore/blinkstore/pagestore"
	"github.com/nanostore/blinkstore/xlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, framesPerRegion int) (*Pool, pagestore.FileID) {
	t.Helper()
	store := pagestore.NewMemStore()
	pool := NewPool(Config{
		PageSize:        4096,
		NumRegions:      1,
		FramesPerRegion: framesPerRegion,
		Store:           store,
	})
	id := pagestore.NewFileID(4096)
	return pool, id
}

func TestPoolGetCreatesPage(t *testing.T) {
	pool, id := newTestPool(t, 4)
	mfp := pool.Open(id, "t.db", -1)

	f, err := pool.Get(mfp, 1, GetCreate)
	require.NoError(t, err)
	assert.NotNil(t, f.Page)
	assert.Equal(t, pagestore.Uid(1), f.Pgno)
	require.NoError(t, pool.Put(f, PutDirty))
}

func TestPoolGetIsSharedAcrossCallers(t *testing.T) {
	pool, id := newTestPool(t, 4)
	mfp := pool.Open(id, "t.db", -1)

	f1, err := pool.Get(mfp, 1, GetCreate)
	require.NoError(t, err)
	f2, err := pool.Get(mfp, 1, 0)
	require.NoError(t, err)
	assert.Same(t, f1, f2, "two Gets of the same page must return the same Frame")
	require.NoError(t, pool.Put(f1, 0))
	require.NoError(t, pool.Put(f2, 0))
}

func TestPoolEvictsWhenRegionIsFull(t *testing.T) {
	pool, id := newTestPool(t, 2)
	mfp := pool.Open(id, "t.db", -1)

	f1, err := pool.Get(mfp, 1, GetCreate)
	require.NoError(t, err)
	f2, err := pool.Get(mfp, 2, GetCreate)
	require.NoError(t, err)
	require.NoError(t, pool.Put(f1, 0))
	require.NoError(t, pool.Put(f2, 0))

	f3, err := pool.Get(mfp, 3, GetCreate)
	require.NoError(t, err)
	assert.Equal(t, pagestore.Uid(3), f3.Pgno)
	require.NoError(t, pool.Put(f3, 0))
}

func TestPoolWritebackRespectsWAL(t *testing.T) {
	pool, id := newTestPool(t, 4)
	log := xlog.NewMemLog()
	pool.log = log
	mfp := pool.Open(id, "t.db", 0)

	f, err := pool.Get(mfp, 1, GetCreate)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := log.Put([]byte("record"))
		require.NoError(t, err)
	}
	// The page claims an LSN the log hasn't recorded yet: writeback
	// must refuse rather than let the page outrun its log record.
	f.Page.LSN = 10
	require.NoError(t, pool.Put(f, PutDirty))
	assert.Error(t, pool.writeback(f))

	for i := 0; i < 7; i++ {
		_, err := log.Put([]byte("record"))
		require.NoError(t, err)
	}
	f.setDirty(true)
	require.NoError(t, pool.writeback(f))
}
