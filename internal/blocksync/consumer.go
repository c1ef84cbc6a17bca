package blocksync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// Committer commits one block to the master chain.
type Committer interface {
	CommitBlock(ctx context.Context, block *types.Block) error
}

// Consumer commits blocks from the hand-off channel in the order they
// arrive. It stops at the first failed commit; blocks already committed stay
// committed.
type Consumer struct {
	in        <-chan *types.Block
	committer Committer
	total     int64
	logger    log.Logger
	metrics   *Metrics

	committed int64 // atomic
}

func newConsumer(
	in <-chan *types.Block,
	committer Committer,
	total int64,
	logger log.Logger,
	metrics *Metrics,
) *Consumer {
	return &Consumer{
		in:        in,
		committer: committer,
		total:     total,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run returns nil once total blocks have been committed.
func (c *Consumer) Run(ctx context.Context) error {
	for c.Committed() < c.total {
		var block *types.Block
		select {
		case <-ctx.Done():
			return ctx.Err()
		case block = <-c.in:
		}

		if err := c.committer.CommitBlock(ctx, block); err != nil {
			c.logger.Error("failed to commit block, stopping",
				"height", block.Height, "committed", c.Committed(), "err", err)
			return fmt.Errorf("committing block %d: %w", block.Height, err)
		}

		atomic.AddInt64(&c.committed, 1)
		c.metrics.CommittedBlocks.Add(1)
	}
	return nil
}

// Committed returns the number of blocks committed so far.
func (c *Consumer) Committed() int64 {
	return atomic.LoadInt64(&c.committed)
}
