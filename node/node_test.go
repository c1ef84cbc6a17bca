package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/chain/mocks"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// testNetwork serves one linked chain per network from a single peer.
type testNetwork struct {
	chains map[types.ChainID][]*types.Block

	mtx        sync.Mutex
	broadcasts []types.SyncStatusMessage
}

func (tn *testNetwork) GetAvailableNodes(_ context.Context, id types.ChainID) ([]types.NodeInfo, error) {
	blocks := tn.chains[id]
	if len(blocks) == 0 {
		return nil, nil
	}
	return []types.NodeInfo{{ID: "peer", Height: int64(len(blocks))}}, nil
}

func (tn *testNetwork) RequestBlocks(_ context.Context, id types.ChainID, _ types.NodeID, start, count int64) ([]*types.Block, error) {
	blocks := tn.chains[id]
	if start < 1 || start+count-1 > int64(len(blocks)) {
		return nil, fmt.Errorf("range not available")
	}
	return append([]*types.Block(nil), blocks[start-1:start-1+count]...), nil
}

func (tn *testNetwork) Broadcast(_ context.Context, _ types.ChainID, msg types.Message) error {
	tn.mtx.Lock()
	defer tn.mtx.Unlock()
	if m, ok := msg.(types.SyncStatusMessage); ok {
		tn.broadcasts = append(tn.broadcasts, m)
	}
	return nil
}

func (tn *testNetwork) SendToNode(context.Context, types.ChainID, types.Message, types.NodeID) error {
	return nil
}

func (tn *testNetwork) sent() []types.SyncStatusMessage {
	tn.mtx.Lock()
	defer tn.mtx.Unlock()
	return append([]types.SyncStatusMessage(nil), tn.broadcasts...)
}

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

func collaborators(t *testing.T) (*mocks.Consensus, *mocks.Ledger) {
	cons := mocks.NewConsensus(t)
	cons.On("ValidateBlock", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true).Maybe()
	cons.On("NotifySyncComplete", mock.Anything, mock.Anything).Return(true).Maybe()

	ledger := mocks.NewLedger(t)
	ledger.On("ApplyBlock", mock.Anything, mock.Anything, mock.Anything).Return(true).Maybe()
	ledger.On("RevertBlock", mock.Anything, mock.Anything, mock.Anything).Return(true).Maybe()
	return cons, ledger
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.TestConfig()
	cfg.SetRoot(t.TempDir())
	cfg.ChainIDs = []uint16{1, 2}
	return cfg
}

func TestNodeSyncsEveryChain(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	network := &testNetwork{chains: map[types.ChainID][]*types.Block{
		1: makeBlocks(1, 7, types.Hash{}, 1),
	}}
	cons, ledger := collaborators(t)

	n, err := NewNode(testConfig(t), log.TestingLogger(), network, cons, ledger, config.DefaultDBProvider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))

	s1, ok := n.Registry().Get(1)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return s1.Height() == 7 }, 5*time.Second, 10*time.Millisecond)

	s2, ok := n.Registry().Get(2)
	require.True(t, ok)
	assert.Zero(t, s2.Height(), "no peers for the second network")

	require.Eventually(t, func() bool { return len(network.sent()) > 0 }, time.Second, 10*time.Millisecond)
	msg := network.sent()[0]
	assert.Equal(t, types.ChainID(1), msg.ChainID)
	assert.EqualValues(t, 7, msg.Height)
	assert.Equal(t, network.chains[1][6].Hash(), msg.Hash)

	cancel()
	n.Wait()
}

func TestNodeAddBlocks(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	cfg := testConfig(t)
	cfg.BlockSync.Enable = false
	cons, ledger := collaborators(t)

	n, err := NewNode(cfg, log.TestingLogger(), &testNetwork{}, cons, ledger, config.DefaultDBProvider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))
	defer func() { require.NoError(t, n.Stop()) }()

	master := makeBlocks(1, 3, types.Hash{}, 1)
	res, err := n.AddBlocks(ctx, 1, master)
	require.NoError(t, err)
	assert.Equal(t, chain.AddExtendedMaster, res)

	res, err = n.AddBlocks(ctx, 1, makeBlocks(3, 1, master[1].Hash(), 2))
	require.NoError(t, err)
	assert.Equal(t, chain.AddNewFork, res)

	s, _ := n.Registry().Get(1)
	assert.EqualValues(t, 3, s.Height())
	assert.Len(t, s.Forks(), 1)

	_, err = n.AddBlocks(ctx, 9, master)
	assert.Error(t, err)
}

func TestNewNodeInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockSync.Parallelism = 0
	cons, ledger := collaborators(t)

	_, err := NewNode(cfg, log.TestingLogger(), &testNetwork{}, cons, ledger, config.DefaultDBProvider)
	require.Error(t, err)
}
