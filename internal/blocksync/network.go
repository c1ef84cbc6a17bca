package blocksync

import (
	"context"

	"github.com/tendermint/chainsync/types"
)

//go:generate mockery --case underscore --name Network

// Network is the peer transport consumed by the block sync pipeline.
// Connection level timeouts are its responsibility.
type Network interface {
	// GetAvailableNodes returns the connected peers and the height each claims.
	GetAvailableNodes(ctx context.Context, chainID types.ChainID) ([]types.NodeInfo, error)
	// RequestBlocks asks node for count blocks starting at start.
	RequestBlocks(ctx context.Context, chainID types.ChainID, node types.NodeID, start, count int64) ([]*types.Block, error)
	Broadcast(ctx context.Context, chainID types.ChainID, msg types.Message) error
	SendToNode(ctx context.Context, chainID types.ChainID, msg types.Message, node types.NodeID) error
}
