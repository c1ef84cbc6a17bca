package blocksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// DownloadTask is one contiguous batch assigned to one peer.
type DownloadTask struct {
	StartHeight int64
	Count       int64
	Node        types.NodeInfo
}

// EndHeight is the last height of the batch.
func (t DownloadTask) EndHeight() int64 { return t.StartHeight + t.Count - 1 }

func (t DownloadTask) String() string {
	return fmt.Sprintf("[%d, %d]@%s", t.StartHeight, t.EndHeight(), t.Node.ID)
}

// DownloadResult is the outcome of one DownloadTask. On success the blocks
// are staged under MessageID.
type DownloadResult struct {
	Task      DownloadTask
	Success   bool
	Size      int
	Duration  time.Duration
	Node      types.NodeInfo
	MessageID uuid.UUID
	Err       error
}

// stage holds downloaded batches until the collector takes them.
type stage struct {
	mtx     sync.Mutex
	batches map[uuid.UUID][]*types.Block
}

func newStage() *stage {
	return &stage{batches: make(map[uuid.UUID][]*types.Block)}
}

func (s *stage) put(id uuid.UUID, blocks []*types.Block) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.batches[id] = blocks
}

func (s *stage) take(id uuid.UUID) ([]*types.Block, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	blocks, ok := s.batches[id]
	delete(s.batches, id)
	return blocks, ok
}

func (s *stage) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.batches)
}

func (s *stage) clear() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.batches = make(map[uuid.UUID][]*types.Block)
}

// Worker downloads one batch from one peer. It never retries.
//
// When the request finishes the peer goes straight back to the selector with
// its credit adjusted, so a peer is never held by a result that has not been
// collected yet.
type Worker struct {
	chainID  types.ChainID
	network  Network
	selector *NodeSelector
	stage    *stage
	logger   log.Logger
	metrics  *Metrics

	// blocks above this encoded size fail the batch; zero means no limit
	maxBlockSize int64
}

func newWorker(
	chainID types.ChainID,
	network Network,
	selector *NodeSelector,
	stage *stage,
	maxBlockSize int64,
	logger log.Logger,
	metrics *Metrics,
) *Worker {
	return &Worker{
		chainID:      chainID,
		network:      network,
		selector:     selector,
		stage:        stage,
		maxBlockSize: maxBlockSize,
		logger:       logger,
		metrics:      metrics,
	}
}

// Download performs task and reports the result.
func (w *Worker) Download(ctx context.Context, task DownloadTask) DownloadResult {
	result := DownloadResult{
		Task:      task,
		Node:      task.Node,
		MessageID: uuid.New(),
	}

	start := time.Now()
	blocks, err := w.network.RequestBlocks(ctx, w.chainID, task.Node.ID, task.StartHeight, task.Count)
	result.Duration = time.Since(start)
	if err == nil {
		err = checkBatch(task, blocks, w.maxBlockSize)
	}

	if err != nil {
		result.Err = err
		if ctx.Err() != nil {
			// the run was cancelled, the peer is not at fault
			w.selector.Offer(task.Node)
			return result
		}

		w.logger.Debug("batch download failed", "task", task.String(), "err", err)
		w.metrics.DownloadFailures.Add(1)
		w.selector.Return(task.Node, false, result.Duration)
		return result
	}

	for _, b := range blocks {
		result.Size += b.Size()
	}
	w.stage.put(result.MessageID, blocks)
	result.Success = true

	w.selector.Return(task.Node, true, result.Duration)
	w.metrics.DownloadedBlocks.Add(float64(len(blocks)))
	w.metrics.DownloadedBytes.Add(float64(result.Size))
	w.metrics.BatchDownloadTime.Observe(result.Duration.Seconds())
	return result
}

// checkBatch verifies that blocks are exactly the heights task asked for,
// each well formed, no larger than maxSize when it is positive, and linked
// to the one below it.
func checkBatch(task DownloadTask, blocks []*types.Block, maxSize int64) error {
	if int64(len(blocks)) != task.Count {
		return fmt.Errorf("%w: got %d of %d blocks", errShortBatch, len(blocks), task.Count)
	}
	for _, b := range blocks {
		if b == nil {
			return fmt.Errorf("%w: nil block", errBatchMismatch)
		}
	}

	sorted := make([]*types.Block, len(blocks))
	copy(sorted, blocks)
	if err := store.SortByHeight(sorted); err != nil {
		return err
	}

	for i, b := range sorted {
		if want := task.StartHeight + int64(i); b.Height != want {
			return fmt.Errorf("%w: expected height %d, got %d", errBatchMismatch, want, b.Height)
		}
		if err := b.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid block %d: %w", b.Height, err)
		}
		if size := int64(b.Size()); maxSize > 0 && size > maxSize {
			return fmt.Errorf("%w: block %d is %d bytes, limit %d", errBlockTooLarge, b.Height, size, maxSize)
		}
		if i > 0 && b.PrevHash != sorted[i-1].Hash() {
			return fmt.Errorf("%w: block %d does not link to %d", errBatchMismatch, b.Height, b.Height-1)
		}
	}
	return nil
}
