package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/types"
)

func makeChain(t *testing.T, start int64, n int, prev types.Hash) []*types.Block {
	t.Helper()

	if prev.IsZero() && start > 1 {
		prev = types.Hash{0xaa}
	}

	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		height := start + int64(i)
		b := types.MakeBlock(height, prev, 1000+height, []types.Tx{types.Tx([]byte{byte(height), byte(i)})})
		require.NoError(t, b.ValidateBasic())
		blocks = append(blocks, b)
		prev = b.Hash()
	}
	return blocks
}

func newTestStore(t *testing.T) (*BlockStore, dbm.DB) {
	t.Helper()

	db := dbm.NewMemDB()
	bs, err := NewBlockStore(db)
	require.NoError(t, err)
	return bs, db
}

func TestBlockStoreSharedOwnership(t *testing.T) {
	bs, _ := newTestStore(t)
	block := makeChain(t, 1, 1, types.Hash{})[0]
	hash := block.Hash()

	// two chains store the same block
	require.NoError(t, bs.PutBlock(block))
	require.NoError(t, bs.PutBlock(block))

	n, err := bs.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "block body must be written once")
	assert.EqualValues(t, 1, bs.RefCount(hash))

	// first owner lets go, bytes survive
	require.NoError(t, bs.Remove(hash))
	got, err := bs.Get(hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, hash, got.Hash())
	assert.EqualValues(t, 0, bs.RefCount(hash))

	// second owner lets go, bytes are gone
	require.NoError(t, bs.Remove(hash))
	got, err = bs.Get(hash)
	require.NoError(t, err)
	assert.Nil(t, got)

	has, err := bs.Has(hash)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBlockStoreRefCountsSurviveReopen(t *testing.T) {
	bs, db := newTestStore(t)
	block := makeChain(t, 7, 1, types.Hash{})[0]

	for i := 0; i < 3; i++ {
		require.NoError(t, bs.PutBlock(block))
	}
	require.EqualValues(t, 2, bs.RefCount(block.Hash()))

	reopened, err := NewBlockStore(db)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reopened.RefCount(block.Hash()))
}

func TestBlockStoreRemoveBatchCountsRepeats(t *testing.T) {
	bs, _ := newTestStore(t)
	block := makeChain(t, 3, 1, types.Hash{})[0]
	hash := block.Hash()

	require.NoError(t, bs.PutBlock(block))
	require.NoError(t, bs.PutBlock(block))

	require.NoError(t, bs.RemoveBatch([]types.Hash{hash, hash}))
	has, err := bs.Has(hash)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBlockStoreRemoveUnknownIsNoop(t *testing.T) {
	bs, _ := newTestStore(t)
	require.NoError(t, bs.Remove(types.Hash{0x01}))
}

func TestBlockStoreGetBatch(t *testing.T) {
	bs, _ := newTestStore(t)
	blocks := makeChain(t, 10, 5, types.Hash{})
	require.NoError(t, bs.PutBlocks(blocks))

	// request in reverse order, expect height order back
	hashes := make([]types.Hash, 0, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		hashes = append(hashes, blocks[i].Hash())
	}
	got, err := bs.GetBatch(hashes)
	require.NoError(t, err)
	require.Len(t, got, len(blocks))
	for i, b := range got {
		assert.EqualValues(t, 10+i, b.Height)
		assert.Equal(t, blocks[i].Hash(), b.Hash())
	}

	t.Run("missing hash fails the whole batch", func(t *testing.T) {
		got, err := bs.GetBatch(append(hashes, types.Hash{0xff}))
		require.ErrorIs(t, err, ErrBlockNotFound)
		assert.Nil(t, got)
	})

	t.Run("undecodable body fails the whole batch", func(t *testing.T) {
		bad := types.Hash{0xee}
		require.NoError(t, bs.Put(bad, []byte{0x01, 0x02}))
		got, err := bs.GetBatch(append(hashes, bad))
		require.Error(t, err)
		assert.Nil(t, got)
	})
}

func TestSortByHeightRejectsDuplicates(t *testing.T) {
	a := makeChain(t, 5, 1, types.Hash{})[0]
	b := makeChain(t, 5, 1, types.Hash{0x01})[0]
	err := SortByHeight([]*types.Block{a, b})
	require.ErrorIs(t, err, ErrDuplicateHeight)
}

func TestBlockStorePutRejectsEmptyBody(t *testing.T) {
	bs, _ := newTestStore(t)
	require.Error(t, bs.Put(types.Hash{0x02}, nil))
}

func TestBlockStoreHeightIndex(t *testing.T) {
	bs, _ := newTestStore(t)
	hash := types.Hash{0xab}

	_, ok, err := bs.HashAtHeight(4)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bs.SaveHeightIndex(4, hash))
	got, ok, err := bs.HashAtHeight(4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hash, got)

	require.NoError(t, bs.DeleteHeightIndex(4))
	_, ok, err = bs.HashAtHeight(4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockStoreDestroy(t *testing.T) {
	bs, _ := newTestStore(t)
	blocks := makeChain(t, 1, 4, types.Hash{})
	require.NoError(t, bs.PutBlocks(blocks))
	require.NoError(t, bs.PutBlock(blocks[0]))
	require.NoError(t, bs.SaveHeightIndex(1, blocks[0].Hash()))

	require.NoError(t, bs.Destroy())

	n, err := bs.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, bs.RefCount(blocks[0].Hash()))
	_, ok, err := bs.HashAtHeight(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockStoreRetain(t *testing.T) {
	bs, _ := newTestStore(t)
	blocks := makeChain(t, 1, 2, types.Hash{})
	require.NoError(t, bs.PutBlocks(blocks))

	hashes := []types.Hash{blocks[0].Hash(), blocks[1].Hash()}
	require.NoError(t, bs.Retain(hashes))
	assert.EqualValues(t, 1, bs.RefCount(hashes[0]))

	require.NoError(t, bs.RemoveBatch(hashes))
	got, err := bs.GetBatch(hashes)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	err = bs.Retain([]types.Hash{{0x42}})
	require.ErrorIs(t, err, ErrBlockNotFound)
}
