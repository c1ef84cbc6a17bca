package blocksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// RetryPolicy bounds how a failed batch is retried.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	// the retry count is the only budget
	b.MaxElapsedTime = 0
	b.Reset()
	// the first retry runs at once and is not counted by WithMaxRetries
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries-1), ctx)
}

// Collector drains download futures in submission order and feeds their
// blocks, in ascending height order, to the hand-off channel. It is the only
// writer of that channel.
//
// A failed batch is resubmitted to a freshly drawn peer with exponential
// backoff. Once the retry budget is spent the collector fails with
// ErrRetriesExhausted.
type Collector struct {
	futures  <-chan *future
	out      chan<- *types.Block
	exec     *executor
	selector *NodeSelector
	stage    *stage
	policy   RetryPolicy
	logger   log.Logger
	metrics  *Metrics

	next int64
}

func newCollector(
	startHeight int64,
	futures <-chan *future,
	out chan<- *types.Block,
	exec *executor,
	selector *NodeSelector,
	stage *stage,
	policy RetryPolicy,
	logger log.Logger,
	metrics *Metrics,
) *Collector {
	return &Collector{
		futures:  futures,
		out:      out,
		exec:     exec,
		selector: selector,
		stage:    stage,
		policy:   policy,
		logger:   logger,
		metrics:  metrics,
		next:     startHeight,
	}
}

// Run collects until the futures channel is closed and drained.
func (c *Collector) Run(ctx context.Context) error {
	for {
		var (
			f  *future
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok = <-c.futures:
			if !ok {
				return nil
			}
		}

		if f.task.StartHeight != c.next {
			return fmt.Errorf("%w: expected batch at %d, got %v", errBatchMismatch, c.next, f.task)
		}

		blocks, err := c.collect(ctx, f)
		if err != nil {
			return err
		}

		for _, b := range blocks {
			select {
			case c.out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.next += f.task.Count
	}
}

// collect returns the sorted blocks of f, retrying the batch on failure.
func (c *Collector) collect(ctx context.Context, f *future) ([]*types.Block, error) {
	result, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}

	blocks, err := c.unstage(result)
	if err == nil {
		return blocks, nil
	}
	if c.policy.MaxRetries == 0 {
		return nil, fmt.Errorf("%w: batch [%d, %d]: %v",
			ErrRetriesExhausted, f.task.StartHeight, f.task.EndHeight(), err)
	}
	c.logger.Info("batch failed, retrying with another peer", "task", f.task.String(), "err", err)

	task := f.task
	op := func() error {
		c.metrics.Retries.Add(1)
		node, err := c.selector.Take(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		task.Node = node

		result, err := c.exec.submit(ctx, task).wait(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		blocks, err = c.unstage(result)
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("batch retry failed", "task", task.String(), "err", err, "next", next)
	}

	if err := backoff.RetryNotify(op, c.policy.backOff(ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: batch [%d, %d] after %d retries: %v",
			ErrRetriesExhausted, task.StartHeight, task.EndHeight(), c.policy.MaxRetries, err)
	}
	return blocks, nil
}

// unstage takes the blocks of a successful result out of the stage and
// checks they are exactly the requested range.
func (c *Collector) unstage(result DownloadResult) ([]*types.Block, error) {
	if !result.Success {
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, fmt.Errorf("download of %v failed", result.Task)
	}

	blocks, ok := c.stage.take(result.MessageID)
	if !ok {
		return nil, fmt.Errorf("%w: %v", errStageMissing, result.MessageID)
	}
	if err := store.SortByHeight(blocks); err != nil {
		return nil, err
	}
	if err := checkBatch(result.Task, blocks, c.exec.worker.maxBlockSize); err != nil {
		return nil, err
	}
	return blocks, nil
}
