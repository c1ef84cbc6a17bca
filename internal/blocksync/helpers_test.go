package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tendermint/chainsync/internal/chain"
	cmocks "github.com/tendermint/chainsync/internal/chain/mocks"
	"github.com/tendermint/chainsync/types"
)

var errPeerUnavailable = errors.New("peer unavailable")

// makeBlocks builds a linked chain covering heights [1, n].
func makeBlocks(n int) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	var prev types.Hash
	for h := int64(1); h <= int64(n); h++ {
		b := types.MakeBlock(h, prev, 1000+h, []types.Tx{{byte(h), byte(h >> 8)}})
		blocks = append(blocks, b)
		prev = b.Hash()
	}
	return blocks
}

// fakeNetwork serves blocks out of a slice indexed by height - 1.
type fakeNetwork struct {
	blocks []*types.Block
	nodes  []types.NodeInfo
	delay  func(node types.NodeID, start int64) time.Duration
	fail   func(node types.NodeID, start int64) bool

	mtx        sync.Mutex
	requests   int
	ranges     [][2]int64
	inflight   map[types.NodeID]int
	overlapped bool
	broadcasts []types.Message
}

func newFakeNetwork(blocks []*types.Block, nodes ...types.NodeInfo) *fakeNetwork {
	return &fakeNetwork{
		blocks:   blocks,
		nodes:    nodes,
		inflight: make(map[types.NodeID]int),
	}
}

func (n *fakeNetwork) GetAvailableNodes(context.Context, types.ChainID) ([]types.NodeInfo, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]types.NodeInfo(nil), n.nodes...), nil
}

func (n *fakeNetwork) RequestBlocks(
	ctx context.Context,
	_ types.ChainID,
	node types.NodeID,
	start, count int64,
) ([]*types.Block, error) {
	n.mtx.Lock()
	n.requests++
	n.ranges = append(n.ranges, [2]int64{start, count})
	n.inflight[node]++
	if n.inflight[node] > 1 {
		n.overlapped = true
	}
	n.mtx.Unlock()

	defer func() {
		n.mtx.Lock()
		n.inflight[node]--
		n.mtx.Unlock()
	}()

	if n.delay != nil {
		select {
		case <-time.After(n.delay(node, start)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.fail != nil && n.fail(node, start) {
		return nil, errPeerUnavailable
	}

	end := start + count - 1
	if start < 1 || end > int64(len(n.blocks)) {
		return nil, fmt.Errorf("range [%d, %d] not available", start, end)
	}
	out := make([]*types.Block, count)
	copy(out, n.blocks[start-1:end])
	return out, nil
}

func (n *fakeNetwork) Broadcast(_ context.Context, _ types.ChainID, msg types.Message) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.broadcasts = append(n.broadcasts, msg)
	return nil
}

func (n *fakeNetwork) SendToNode(context.Context, types.ChainID, types.Message, types.NodeID) error {
	return nil
}

func (n *fakeNetwork) requestedRanges() [][2]int64 {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([][2]int64(nil), n.ranges...)
}

func (n *fakeNetwork) requestCount() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.requests
}

// recordingState commits blocks in memory and insists on contiguity.
type recordingState struct {
	params types.ChainParams
	failAt int64

	mtx       sync.Mutex
	height    int64
	tip       types.Hash
	committed []int64
	exception error
}

var _ ChainState = (*recordingState)(nil)

func (s *recordingState) ChainID() types.ChainID { return 1 }

func (s *recordingState) Status() chain.Status {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.exception != nil {
		return chain.StatusException
	}
	return chain.StatusRunning
}

func (s *recordingState) Height() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.height
}

func (s *recordingState) Params() types.ChainParams { return s.params }

func (s *recordingState) MarkException(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.exception = err
}

func (s *recordingState) CommitBlock(_ context.Context, b *types.Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if b.Height == s.failAt {
		return fmt.Errorf("ledger refused block %d", b.Height)
	}
	if b.Height != s.height+1 {
		return fmt.Errorf("expected height %d, got %d", s.height+1, b.Height)
	}
	if s.height > 0 && b.PrevHash != s.tip {
		return fmt.Errorf("block %d does not link to the tip", b.Height)
	}
	s.height = b.Height
	s.tip = b.Hash()
	s.committed = append(s.committed, b.Height)
	return nil
}

func (s *recordingState) committedHeights() []int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]int64(nil), s.committed...)
}

func testParams(downloadNumber int64) types.ChainParams {
	params := types.DefaultChainParams()
	params.DownloadNumber = downloadNumber
	return params
}

func notifyingConsensus(t *testing.T) *cmocks.Consensus {
	cons := cmocks.NewConsensus(t)
	cons.On("NotifySyncComplete", mock.Anything, mock.Anything).Return(true).Maybe()
	cons.On("ValidateBlock", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true).Maybe()
	return cons
}

func nodes(heights ...int64) []types.NodeInfo {
	out := make([]types.NodeInfo, len(heights))
	for i, h := range heights {
		out[i] = types.NodeInfo{ID: types.NodeID(fmt.Sprintf("node%d", i)), Height: h}
	}
	return out
}
