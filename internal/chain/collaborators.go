package chain

import (
	"context"

	"github.com/tendermint/chainsync/types"
)

//go:generate mockery --case underscore --name Consensus|Ledger

// Consensus validates blocks before they are trusted.
type Consensus interface {
	// ValidateBlock reports whether block is valid. isDownload is set for
	// blocks arriving through a sync run rather than gossip.
	ValidateBlock(ctx context.Context, chainID types.ChainID, block *types.Block, isDownload bool) bool
	// NotifySyncComplete is called after a sync run reaches its target.
	NotifySyncComplete(ctx context.Context, chainID types.ChainID) bool
}

// Ledger keeps account state in step with the master chain.
type Ledger interface {
	ApplyBlock(ctx context.Context, chainID types.ChainID, block *types.Block) bool
	RevertBlock(ctx context.Context, chainID types.ChainID, block *types.Block) bool
}
