package blocksync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// ChainState is the part of chain.State the synchronizer drives.
type ChainState interface {
	Committer

	ChainID() types.ChainID
	Status() chain.Status
	Height() int64
	Params() types.ChainParams
	MarkException(err error)
}

// Synchronizer brings the master chain of one network up to the height of
// its peers. Runs are serialized; a run that fails is not restarted here.
type Synchronizer struct {
	state     ChainState
	network   Network
	consensus chain.Consensus
	cfg       *config.BlockSyncConfig
	selector  *NodeSelector
	logger    log.Logger
	metrics   *Metrics

	mtx     sync.Mutex
	running bool
}

// NewSynchronizer returns a Synchronizer for the network of state.
func NewSynchronizer(
	state ChainState,
	network Network,
	consensus chain.Consensus,
	cfg *config.BlockSyncConfig,
	logger log.Logger,
	metrics *Metrics,
) *Synchronizer {
	return &Synchronizer{
		state:     state,
		network:   network,
		consensus: consensus,
		cfg:       cfg,
		selector:  NewNodeSelector(cfg.SlowDownloadThreshold),
		logger:    logger.With("module", "blocksync", "chain", state.ChainID()),
		metrics:   metrics,
	}
}

// Selector exposes the peer ranking, which persists across runs.
func (s *Synchronizer) Selector() *NodeSelector { return s.selector }

// Sync downloads and commits every block between the local height and the
// highest height claimed by a peer. It returns nil at once when the node is
// not behind.
func (s *Synchronizer) Sync(ctx context.Context) error {
	if !s.begin() {
		return ErrSyncInProgress
	}
	defer s.end()

	chainID := s.state.ChainID()
	if st := s.state.Status(); !st.Active() {
		return fmt.Errorf("%w: status is %v", chain.ErrNotRunning, st)
	}

	nodes, err := s.network.GetAvailableNodes(ctx, chainID)
	if err != nil {
		return fmt.Errorf("listing peers: %w", err)
	}
	if len(nodes) == 0 {
		return ErrNoPeers
	}

	var target int64
	for _, n := range nodes {
		if n.Height > target {
			target = n.Height
		}
	}

	local := s.state.Height()
	if local >= target {
		s.logger.Debug("already at network height", "height", local, "network_height", target)
		return nil
	}

	s.selector.Clear()
	offered := 0
	for _, n := range nodes {
		if n.Height >= target {
			s.selector.Offer(n)
			offered++
		}
	}

	start := local + 1
	batch := s.state.Params().DownloadNumber
	s.logger.Info("starting block sync",
		"from", start, "to", target, "batch", batch, "peers", offered)

	s.metrics.Syncing.Set(1)
	s.metrics.TargetHeight.Set(float64(target))
	defer s.metrics.Syncing.Set(0)

	began := time.Now()
	if err := s.run(ctx, start, target, batch); err != nil {
		s.metrics.FailedRuns.Add(1)
		return fmt.Errorf("sync [%d, %d]: %w", start, target, err)
	}

	if !s.consensus.NotifySyncComplete(ctx, chainID) {
		s.logger.Error("consensus refused sync completion", "height", target)
	}
	s.logger.Info("block sync complete", "height", target, "took", time.Since(began))
	return nil
}

func (s *Synchronizer) run(ctx context.Context, start, target, batch int64) error {
	stage := newStage()
	worker := newWorker(s.state.ChainID(), s.network, s.selector, stage,
		s.state.Params().BlockMaxSize, s.logger, s.metrics)
	exec := newExecutor(s.cfg.Parallelism, worker)

	futures := make(chan *future, s.cfg.MaxPendingBatches)
	handoff := make(chan *types.Block, s.cfg.HandoffQueueSize)

	collector := newCollector(start, futures, handoff, exec, s.selector, stage,
		s.retryPolicy(), s.logger, s.metrics)
	consumer := newConsumer(handoff, s.state, target-start+1, s.logger, s.metrics)

	g, gctx := errgroup.WithContext(ctx)
	s.spawn(g, "planner", func() error {
		return s.plan(gctx, start, target, batch, exec, futures)
	})
	s.spawn(g, "collector", func() error { return collector.Run(gctx) })
	s.spawn(g, "consumer", func() error { return consumer.Run(gctx) })

	err := g.Wait()
	exec.wait()
	stage.clear()
	return err
}

// plan submits one task per batch in ascending height order, each with a
// peer drawn from the selector.
func (s *Synchronizer) plan(
	ctx context.Context,
	start, target, batch int64,
	exec *executor,
	futures chan<- *future,
) error {
	defer close(futures)

	for height := start; height <= target; height += batch {
		count := batch
		if rest := target - height + 1; rest < count {
			count = rest
		}

		node, err := s.selector.Take(ctx)
		if err != nil {
			return err
		}

		f := exec.submit(ctx, DownloadTask{StartHeight: height, Count: count, Node: node})
		select {
		case futures <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// spawn runs fn in g. A panic is logged with its stack, moves the chain into
// exception and fails the run.
func (s *Synchronizer) spawn(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", name, r)
				s.logger.Error("sync task panicked", "task", name, "err", r, "stack", string(debug.Stack()))
				s.state.MarkException(err)
			}
		}()
		return fn()
	})
}

func (s *Synchronizer) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      s.cfg.MaxRetries,
		InitialInterval: s.cfg.RetryInitialInterval,
		MaxInterval:     s.cfg.RetryMaxInterval,
	}
}

func (s *Synchronizer) begin() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Synchronizer) end() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.running = false
}

// IsSyncing reports whether a run is in progress.
func (s *Synchronizer) IsSyncing() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.running
}
