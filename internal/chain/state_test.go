package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/internal/chain/mocks"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

type testHooks struct {
	chainID  types.ChainID
	validate func(*types.Block) bool
	apply    func(*types.Block) bool
	revert   func(*types.Block) bool
}

type testEnv struct {
	state      *State
	blockStore *store.BlockStore
	paramStore *store.ParamStore
	consensus  *mocks.Consensus
	ledger     *mocks.Ledger
}

func always(*types.Block) bool { return true }

func setup(t *testing.T, params types.ChainParams, hooks testHooks) *testEnv {
	t.Helper()

	if hooks.chainID == 0 {
		hooks.chainID = 1
	}
	if hooks.validate == nil {
		hooks.validate = always
	}
	if hooks.apply == nil {
		hooks.apply = always
	}
	if hooks.revert == nil {
		hooks.revert = always
	}

	cons := mocks.NewConsensus(t)
	cons.On("ValidateBlock", mock.Anything, hooks.chainID, mock.Anything, mock.Anything).
		Return(func(_ context.Context, _ types.ChainID, b *types.Block, _ bool) bool {
			return hooks.validate(b)
		}).Maybe()

	ledger := mocks.NewLedger(t)
	ledger.On("ApplyBlock", mock.Anything, hooks.chainID, mock.Anything).
		Return(func(_ context.Context, _ types.ChainID, b *types.Block) bool {
			return hooks.apply(b)
		}).Maybe()
	ledger.On("RevertBlock", mock.Anything, hooks.chainID, mock.Anything).
		Return(func(_ context.Context, _ types.ChainID, b *types.Block) bool {
			return hooks.revert(b)
		}).Maybe()

	bs, err := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, err)
	ps := store.NewParamStore(dbm.NewMemDB())

	s := NewState(hooks.chainID, bs, ps, params, cons, ledger, log.TestingLogger())
	require.NoError(t, s.Start())

	return &testEnv{
		state:      s,
		blockStore: bs,
		paramStore: ps,
		consensus:  cons,
		ledger:     ledger,
	}
}

// makeBlocks builds n linked blocks on top of prev. salt keeps competing
// chains from producing identical blocks.
func makeBlocks(start int64, n int, prev types.Hash, salt byte) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		height := start + int64(i)
		b := types.MakeBlock(height, prev, 1000+height, []types.Tx{{salt, byte(height)}})
		blocks = append(blocks, b)
		prev = b.Hash()
	}
	return blocks
}

func commitAll(t *testing.T, s *State, blocks []*types.Block) {
	t.Helper()
	for _, b := range blocks {
		require.NoError(t, s.CommitBlock(context.Background(), b))
	}
}

func TestCommitBlock(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state
	blocks := makeBlocks(1, 3, types.Hash{}, 0)

	commitAll(t, s, blocks)

	height, tip := s.Tip()
	assert.EqualValues(t, 3, height)
	assert.Equal(t, blocks[2].Hash(), tip)

	for _, b := range blocks {
		h, ok, err := env.blockStore.HashAtHeight(b.Height)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, b.Hash(), h)
	}

	persisted, hash, err := env.paramStore.LoadLatest()
	require.NoError(t, err)
	assert.EqualValues(t, 3, persisted)
	assert.Equal(t, blocks[2].Hash(), hash)

	env.ledger.AssertNumberOfCalls(t, "ApplyBlock", 3)
}

func TestCommitBlockRejectsGap(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	blocks := makeBlocks(1, 3, types.Hash{}, 0)

	err := env.state.CommitBlock(context.Background(), blocks[1])
	require.ErrorIs(t, err, ErrNotContiguous)
	assert.Zero(t, env.state.Height())
}

func TestCommitBlockConsensusReject(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{
		validate: func(b *types.Block) bool { return b.Height != 2 },
	})
	blocks := makeBlocks(1, 3, types.Hash{}, 0)

	require.NoError(t, env.state.CommitBlock(context.Background(), blocks[0]))
	err := env.state.CommitBlock(context.Background(), blocks[1])
	require.ErrorIs(t, err, ErrBlockRejected)
	assert.EqualValues(t, 1, env.state.Height())

	has, err := env.blockStore.Has(blocks[1].Hash())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCommitBlockLedgerRejectUndoesStore(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{
		apply: func(b *types.Block) bool { return b.Height != 2 },
	})
	blocks := makeBlocks(1, 2, types.Hash{}, 0)

	require.NoError(t, env.state.CommitBlock(context.Background(), blocks[0]))
	err := env.state.CommitBlock(context.Background(), blocks[1])
	require.ErrorIs(t, err, ErrLedgerRejected)

	has, err := env.blockStore.Has(blocks[1].Hash())
	require.NoError(t, err)
	assert.False(t, has)
	_, ok, err := env.blockStore.HashAtHeight(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartReloadsTip(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	blocks := makeBlocks(1, 2, types.Hash{}, 0)
	commitAll(t, env.state, blocks)

	s := NewState(1, env.blockStore, env.paramStore, types.DefaultChainParams(),
		env.consensus, env.ledger, log.TestingLogger())
	assert.Equal(t, StatusReady, s.Status())
	require.NoError(t, s.Start())

	height, tip := s.Tip()
	assert.EqualValues(t, 2, height)
	assert.Equal(t, blocks[1].Hash(), tip)
	assert.Equal(t, StatusRunning, s.Status())
}

func TestStateRequiresRunning(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	env.state.MarkException(assert.AnError)

	assert.Equal(t, StatusException, env.state.Status())
	assert.Equal(t, StatusException, env.state.Info().Status)
	assert.ErrorIs(t, env.state.Err(), assert.AnError)

	err := env.state.CommitBlock(context.Background(), makeBlocks(1, 1, types.Hash{}, 0)[0])
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, env.state.Reset())
	assert.Equal(t, StatusReady, env.state.Status())
	assert.NoError(t, env.state.Err())
	require.NoError(t, env.state.Start())
}

func TestAddBlockBuildsForksAndOrphans(t *testing.T) {
	ctx := context.Background()
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)

	// duplicate of a master block
	res, err := s.AddBlock(ctx, master[1])
	require.NoError(t, err)
	assert.Equal(t, AddDuplicate, res)

	// fork off height 2
	fork := makeBlocks(3, 2, master[1].Hash(), 1)
	res, err = s.AddBlock(ctx, fork[0])
	require.NoError(t, err)
	assert.Equal(t, AddNewFork, res)

	res, err = s.AddBlock(ctx, fork[1])
	require.NoError(t, err)
	assert.Equal(t, AddExtendedChain, res)

	// a block with an unknown parent
	stray := makeBlocks(8, 1, types.Hash{0x99}, 2)[0]
	res, err = s.AddBlock(ctx, stray)
	require.NoError(t, err)
	assert.Equal(t, AddNewOrphan, res)

	forks := s.Forks()
	require.Len(t, forks, 1)
	assert.EqualValues(t, 3, forks[0].StartHeight)
	assert.EqualValues(t, 4, forks[0].EndHeight())
	assert.Equal(t, KindFork, forks[0].Kind)

	orphans := s.Orphans()
	require.Len(t, orphans, 1)
	assert.EqualValues(t, 8, orphans[0].StartHeight)

	assert.EqualValues(t, 3, s.CachedBlockCount())
	assert.EqualValues(t, 3, s.Height())
}

func TestAddBlockRejectsOversized(t *testing.T) {
	params := types.DefaultChainParams()
	params.BlockMaxSize = 16
	env := setup(t, params, testHooks{})

	_, err := env.state.AddBlock(context.Background(), makeBlocks(1, 1, types.Hash{}, 0)[0])
	require.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestCommitBlockRejectsOversized(t *testing.T) {
	params := types.DefaultChainParams()
	params.BlockMaxSize = 16
	env := setup(t, params, testHooks{})

	b := makeBlocks(1, 1, types.Hash{}, 0)[0]
	err := env.state.CommitBlock(context.Background(), b)
	require.ErrorIs(t, err, ErrBlockTooLarge)

	assert.Zero(t, env.state.Height())
	has, err := env.blockStore.Has(b.Hash())
	require.NoError(t, err)
	assert.False(t, has)
	env.ledger.AssertNotCalled(t, "ApplyBlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddChainRejectsUnlinked(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	a := makeBlocks(1, 1, types.Hash{}, 0)
	b := makeBlocks(2, 1, types.Hash{0x01}, 0)

	_, err := env.state.AddChain(context.Background(), []*types.Block{a[0], b[0]})
	require.ErrorIs(t, err, ErrNotLinked)
}

func TestBranchSharesPrefix(t *testing.T) {
	ctx := context.Background()
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)

	fork := makeBlocks(3, 2, master[1].Hash(), 1)
	_, err := s.AddChain(ctx, fork)
	require.NoError(t, err)

	// branch off the first fork block
	branch := makeBlocks(4, 1, fork[0].Hash(), 2)[0]
	res, err := s.AddBlock(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, AddNewFork, res)

	forks := s.Forks()
	require.Len(t, forks, 2)
	assert.EqualValues(t, 1, env.blockStore.RefCount(fork[0].Hash()))

	// both chains start at the same root
	for _, f := range forks {
		assert.EqualValues(t, 3, f.StartHeight)
		assert.Equal(t, fork[0].Hash(), f.Hashes[0])
	}
}

func TestOrphanLinksIntoMiddleOfFork(t *testing.T) {
	ctx := context.Background()
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)

	fork := makeBlocks(3, 3, master[1].Hash(), 1)
	stray := makeBlocks(5, 1, fork[1].Hash(), 2)[0]

	res, err := s.AddBlock(ctx, stray)
	require.NoError(t, err)
	require.Equal(t, AddNewOrphan, res)

	res, err = s.AddChain(ctx, fork)
	require.NoError(t, err)
	require.Equal(t, AddNewFork, res)

	assert.Empty(t, s.Orphans())
	forks := s.Forks()
	require.Len(t, forks, 2)

	var linked *Chain
	for _, f := range forks {
		if f.Tip() == stray.Hash() {
			linked = f
		}
	}
	require.NotNil(t, linked)
	assert.Equal(t, []types.Hash{fork[0].Hash(), fork[1].Hash(), stray.Hash()}, linked.Hashes)
	assert.EqualValues(t, 1, env.blockStore.RefCount(fork[0].Hash()))
	assert.EqualValues(t, 1, env.blockStore.RefCount(fork[1].Hash()))
	assert.EqualValues(t, 0, env.blockStore.RefCount(fork[2].Hash()))
}

func TestOrphansMergeAndJoinMaster(t *testing.T) {
	ctx := context.Background()
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)
	next := makeBlocks(4, 3, master[2].Hash(), 0)

	res, err := s.AddBlock(ctx, next[2])
	require.NoError(t, err)
	require.Equal(t, AddNewOrphan, res)

	res, err = s.AddBlock(ctx, next[1])
	require.NoError(t, err)
	require.Equal(t, AddNewOrphan, res)

	orphans := s.Orphans()
	require.Len(t, orphans, 1, "the two orphans should merge")
	assert.Equal(t, []types.Hash{next[1].Hash(), next[2].Hash()}, orphans[0].Hashes)

	// the missing block lands on master and the orphan extends it directly
	res, err = s.AddBlock(ctx, next[0])
	require.NoError(t, err)
	assert.Equal(t, AddExtendedMaster, res)

	height, tip := s.Tip()
	assert.EqualValues(t, 6, height)
	assert.Equal(t, next[2].Hash(), tip)
	assert.Empty(t, s.Orphans())
	assert.Empty(t, s.Forks())
	env.ledger.AssertNotCalled(t, "RevertBlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestChainSwitch(t *testing.T) {
	ctx := context.Background()
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 5, types.Hash{}, 0)
	commitAll(t, s, master)

	fork := makeBlocks(3, 7, master[1].Hash(), 1)

	// 8 - 5 = 3 is not above the threshold
	res, err := s.AddChain(ctx, fork[:6])
	require.NoError(t, err)
	assert.Equal(t, AddNewFork, res)
	assert.EqualValues(t, 5, s.Height())

	res, err = s.AddBlock(ctx, fork[6])
	require.NoError(t, err)
	assert.Equal(t, AddExtendedChain, res)

	height, tip := s.Tip()
	assert.EqualValues(t, 9, height)
	assert.Equal(t, fork[6].Hash(), tip)
	assert.Equal(t, StatusRunning, s.Status())

	for _, b := range fork {
		h, ok, err := env.blockStore.HashAtHeight(b.Height)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, b.Hash(), h)
	}

	// the old master blocks live on as a fork
	forks := s.Forks()
	require.Len(t, forks, 1)
	assert.EqualValues(t, 3, forks[0].StartHeight)
	assert.Equal(t, []types.Hash{master[2].Hash(), master[3].Hash(), master[4].Hash()}, forks[0].Hashes)
	got, err := env.blockStore.GetBatch(forks[0].Hashes)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	env.ledger.AssertNumberOfCalls(t, "RevertBlock", 3)
	env.ledger.AssertNumberOfCalls(t, "ApplyBlock", 5+7)
}

func TestChainSwitchRespectsMaxRollback(t *testing.T) {
	ctx := context.Background()
	params := types.DefaultChainParams()
	params.MaxRollback = 2
	env := setup(t, params, testHooks{})
	s := env.state

	master := makeBlocks(1, 5, types.Hash{}, 0)
	commitAll(t, s, master)

	// rollback of 5 - 1 = 4 blocks
	fork := makeBlocks(2, 8, master[0].Hash(), 1)
	_, err := s.AddChain(ctx, fork)
	require.NoError(t, err)

	assert.EqualValues(t, 5, s.Height())
	assert.Len(t, s.Forks(), 1)
	env.ledger.AssertNotCalled(t, "RevertBlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestChainSwitchKeepsSharedPrefix(t *testing.T) {
	ctx := context.Background()
	params := types.DefaultChainParams()
	params.MaxRollback = 4

	var reverted []int64
	applied := make(map[types.Hash]int)
	env := setup(t, params, testHooks{
		revert: func(b *types.Block) bool {
			reverted = append(reverted, b.Height)
			return true
		},
		apply: func(b *types.Block) bool {
			applied[b.Hash()]++
			return true
		},
	})
	s := env.state

	master := makeBlocks(1, 10, types.Hash{}, 0)
	commitAll(t, s, master)

	// f forks at 9, c branches off the first block of f
	f := makeBlocks(10, 5, master[8].Hash(), 1)
	_, err := s.AddChain(ctx, f[:2])
	require.NoError(t, err)
	c := makeBlocks(11, 8, f[0].Hash(), 2)
	res, err := s.AddBlock(ctx, c[0])
	require.NoError(t, err)
	require.Equal(t, AddNewFork, res)

	_, err = s.AddChain(ctx, f[2:])
	require.NoError(t, err)
	require.EqualValues(t, 14, s.Height())
	assert.Equal(t, []int64{10}, reverted)

	// c no longer carries the promoted block
	var child *Chain
	for _, fk := range s.Forks() {
		if fk.StartHeight == 11 {
			child = fk
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, []types.Hash{c[0].Hash()}, child.Hashes)
	assert.Equal(t, f[0].Hash(), child.PrevHash)
	assert.Zero(t, env.blockStore.RefCount(f[0].Hash()))

	// a rollback of 14 - 10 = 4 blocks
	reverted = nil
	_, err = s.AddChain(ctx, c[1:])
	require.NoError(t, err)

	height, tip := s.Tip()
	assert.EqualValues(t, 18, height)
	assert.Equal(t, c[7].Hash(), tip)
	assert.Equal(t, []int64{14, 13, 12, 11}, reverted)
	assert.Equal(t, 1, applied[f[0].Hash()])
	assert.Equal(t, StatusRunning, s.Status())

	for _, fk := range s.Forks() {
		for i, hash := range fk.Hashes {
			h, ok, err := env.blockStore.HashAtHeight(fk.StartHeight + int64(i))
			require.NoError(t, err)
			assert.False(t, ok && h == hash, "%v holds master block at %d", fk, fk.StartHeight+int64(i))
		}
	}

	has, err := env.blockStore.Has(f[0].Hash())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestForkPointSkipsSharedPrefix(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 5, types.Hash{}, 0)
	commitAll(t, s, master)
	fork := makeBlocks(5, 2, master[3].Hash(), 1)

	c := &Chain{
		Kind:        KindFork,
		StartHeight: 3,
		PrevHash:    master[1].Hash(),
		Hashes:      []types.Hash{master[2].Hash(), master[3].Hash(), fork[0].Hash(), fork[1].Hash()},
	}
	forkPoint, err := s.forkPointLocked(c)
	require.NoError(t, err)
	assert.EqualValues(t, 4, forkPoint)

	c.PrevHash = types.Hash{9}
	forkPoint, err = s.forkPointLocked(c)
	require.NoError(t, err)
	assert.EqualValues(t, -1, forkPoint)
}

func TestChainSwitchDropsRejectedFork(t *testing.T) {
	ctx := context.Background()
	var bad types.Hash
	env := setup(t, types.DefaultChainParams(), testHooks{
		validate: func(b *types.Block) bool { return b.Hash() != bad },
	})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)

	fork := makeBlocks(3, 5, master[1].Hash(), 1)
	bad = fork[2].Hash()

	_, err := s.AddChain(ctx, fork)
	require.NoError(t, err)

	assert.EqualValues(t, 3, s.Height())
	assert.Empty(t, s.Forks())
	has, err := env.blockStore.Has(fork[0].Hash())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestChainSwitchFailureMarksException(t *testing.T) {
	ctx := context.Background()
	env := setup(t, types.DefaultChainParams(), testHooks{
		revert: func(*types.Block) bool { return false },
	})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)

	fork := makeBlocks(3, 5, master[1].Hash(), 1)
	_, err := s.AddChain(ctx, fork)
	require.ErrorIs(t, err, ErrLedgerRejected)

	assert.Equal(t, StatusException, s.Status())
	require.Error(t, s.Err())

	_, err = s.AddBlock(ctx, makeBlocks(4, 1, master[2].Hash(), 0)[0])
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestMaintain(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	master := makeBlocks(1, 3, types.Hash{}, 0)
	commitAll(t, s, master)
	_, err := s.AddChain(context.Background(), makeBlocks(3, 2, master[1].Hash(), 1))
	require.NoError(t, err)

	err = s.Maintain(time.Second, StatusMaintainChains, func(c *Cache) error {
		assert.Equal(t, StatusMaintainChains, s.Status())
		assert.EqualValues(t, 3, c.MasterHeight())
		assert.EqualValues(t, 2, c.BlockCount())

		forks := c.Forks()
		require.Len(t, forks, 1)
		require.True(t, c.Contains(forks[0]))
		require.NoError(t, c.Delete(forks[0]))
		assert.False(t, c.Contains(forks[0]))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, s.Status())
	assert.Zero(t, s.CachedBlockCount())
}

func TestMaintainLockTimeout(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	called := false
	err := s.Maintain(20*time.Millisecond, StatusDatabaseCleaning, func(*Cache) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, called)
	assert.Equal(t, StatusRunning, s.Status())
}

func TestMaintainRestoresStatusOnPanic(t *testing.T) {
	env := setup(t, types.DefaultChainParams(), testHooks{})
	s := env.state

	assert.Panics(t, func() {
		_ = s.Maintain(time.Second, StatusMaintainChains, func(*Cache) error {
			panic("boom")
		})
	})
	assert.Equal(t, StatusRunning, s.Status())

	// the lock was released
	assert.Equal(t, int64(0), s.Height())
}
