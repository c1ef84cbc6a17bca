package pruner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
)

const (
	sweepForks   = "forks"
	sweepOrphans = "orphans"
	sweepSize    = "size"
)

// Pruner bounds the fork and orphan caches of every registered chain. Each
// cycle runs three sweeps per chain, each under its own acquisition of the
// chain's write lock:
//
//  1. forks starting more than HeightRange away from the master tip are
//     deleted, and so are their children that are out of range;
//  2. orphans are swept the same way, and also once older than
//     OrphanChainMaxAge;
//  3. while the cache holds more than CacheSize blocks, forks and then
//     orphans are deleted in SortChains order, lowest start height first,
//     max(1, n/CleanParam) chains per pass.
//
// A sweep whose lock is not acquired within LockTimeout is skipped until the
// next cycle.
type Pruner struct {
	service.BaseService

	registry *chain.Registry
	cfg      *config.PrunerConfig
	logger   log.Logger
	metrics  *Metrics
}

// New returns a Pruner over every state in registry.
func New(registry *chain.Registry, cfg *config.PrunerConfig, logger log.Logger, metrics *Metrics) *Pruner {
	p := &Pruner{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
	p.BaseService = *service.NewBaseService(logger, "Pruner", p)
	return p
}

// OnStart implements service.Service.
func (p *Pruner) OnStart(ctx context.Context) error {
	go p.pruneRoutine(ctx)
	return nil
}

// OnStop implements service.Service.
func (p *Pruner) OnStop() {}

func (p *Pruner) pruneRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Quit():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one cycle over every registered chain.
func (p *Pruner) Prune(ctx context.Context) {
	p.registry.Each(func(s *chain.State) {
		if ctx.Err() != nil {
			return
		}
		p.PruneChain(s)
	})
	p.metrics.Cycles.Add(1)
}

// PruneChain runs one cycle over s. A failure moves s into exception; it
// never propagates to other chains.
func (p *Pruner) PruneChain(s *chain.State) {
	logger := p.logger.With("chain", s.ChainID())
	chainID := s.ChainID().String()

	if st := s.Status(); st != chain.StatusRunning {
		logger.Debug("skipping chain that is not running", "status", st)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pruning panicked", "err", r, "stack", string(debug.Stack()))
			p.metrics.Failures.With("chain_id", chainID).Add(1)
			s.MarkException(fmt.Errorf("pruning panicked: %v", r))
		}
	}()

	sweeps := []struct {
		name   string
		status chain.Status
		fn     func(*chain.Cache) (int, error)
	}{
		{sweepForks, chain.StatusMaintainChains, sweepForkChains},
		{sweepOrphans, chain.StatusMaintainChains, sweepOrphanChains},
		{sweepSize, chain.StatusDatabaseCleaning, sweepCacheSize(p.cfg.CleanParam)},
	}

	var cached int64
	for _, sw := range sweeps {
		var deleted int
		err := s.Maintain(p.cfg.LockTimeout, sw.status, func(c *chain.Cache) error {
			n, err := sw.fn(c)
			deleted = n
			cached = c.BlockCount()
			return err
		})

		switch {
		case errors.Is(err, chain.ErrLockTimeout):
			logger.Info("chain lock busy, skipping sweep", "sweep", sw.name, "timeout", p.cfg.LockTimeout)
			p.metrics.LockTimeouts.With("chain_id", chainID).Add(1)
			continue
		case errors.Is(err, chain.ErrNotRunning):
			logger.Debug("chain stopped running, skipping remaining sweeps", "sweep", sw.name)
			return
		case err != nil:
			logger.Error("sweep failed", "sweep", sw.name, "err", err)
			p.metrics.Failures.With("chain_id", chainID).Add(1)
			s.MarkException(fmt.Errorf("%s sweep: %w", sw.name, err))
			return
		}

		if deleted > 0 {
			logger.Debug("pruned chains", "sweep", sw.name, "deleted", deleted, "cached_blocks", cached)
			p.metrics.DeletedChains.With("chain_id", chainID, "sweep", sw.name).Add(float64(deleted))
		}
	}
	p.metrics.CachedBlocks.With("chain_id", chainID).Set(float64(cached))
}

func sweepForkChains(c *chain.Cache) (int, error) {
	return sweepRange(c, c.Forks(), func(*chain.Chain) bool { return false })
}

func sweepOrphanChains(c *chain.Cache) (int, error) {
	maxAge := c.Params().OrphanChainMaxAge
	return sweepRange(c, c.Orphans(), func(o *chain.Chain) bool { return o.Age > maxAge })
}

// sweepRange deletes every chain in chains that is out of range or expired,
// and ages the survivors.
func sweepRange(c *chain.Cache, chains []*chain.Chain, expired func(*chain.Chain) bool) (int, error) {
	deleted := 0
	for _, ch := range chains {
		if !c.Contains(ch) {
			continue
		}
		if !outOfRange(c, ch) && !expired(ch) {
			ch.Age++
			continue
		}

		n, err := deleteRecursive(c, ch)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// deleteRecursive deletes ch and every descendant outside the height range.
// Descendants still in range are detached and kept.
func deleteRecursive(c *chain.Cache, ch *chain.Chain) (int, error) {
	children := c.Children(ch)
	if err := c.Delete(ch); err != nil {
		return 0, err
	}

	deleted := 1
	for _, child := range children {
		if !c.Contains(child) || !outOfRange(c, child) {
			continue
		}
		n, err := deleteRecursive(c, child)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func outOfRange(c *chain.Cache, ch *chain.Chain) bool {
	d := ch.StartHeight - c.MasterHeight()
	if d < 0 {
		d = -d
	}
	return d > c.Params().HeightRange
}

// sweepCacheSize returns the size-cap sweep. Every pass deletes
// max(1, n/cleanParam) chains, n being the number of cached chains, forks
// before orphans and oldest first.
func sweepCacheSize(cleanParam int64) func(*chain.Cache) (int, error) {
	return func(c *chain.Cache) (int, error) {
		limit := c.Params().CacheSize
		deleted := 0
		for c.BlockCount() > limit {
			victims := append(c.Forks(), c.Orphans()...)
			if len(victims) == 0 {
				break
			}

			batch := int64(len(victims)) / cleanParam
			if batch < 1 {
				batch = 1
			}
			for _, ch := range victims[:batch] {
				if err := c.Delete(ch); err != nil {
					return deleted, err
				}
				deleted++
				if c.BlockCount() <= limit {
					break
				}
			}
		}
		return deleted, nil
	}
}
