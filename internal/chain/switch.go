package chain

import (
	"context"
	"fmt"

	"github.com/tendermint/chainsync/types"
)

// maybeSwitchLocked promotes forks to master for as long as one qualifies.
//
// A fork qualifies when it directly extends the master tip, or when its end
// is more than ChainSwitchThreshold blocks above the master height. In both
// cases the master rollback down to the fork point must not exceed
// MaxRollback. The longest qualifying fork wins.
func (s *State) maybeSwitchLocked(ctx context.Context) error {
	for {
		best, err := s.switchCandidateLocked()
		if err != nil || best == nil {
			return err
		}
		if err := s.switchLocked(ctx, best); err != nil {
			return err
		}
	}
}

func (s *State) switchCandidateLocked() (*Chain, error) {
	var best *Chain
	for _, f := range s.forks.sorted() {
		if f.EndHeight() <= s.height {
			continue
		}
		forkPoint, err := s.forkPointLocked(f)
		if err != nil {
			return nil, err
		}
		if forkPoint < 0 {
			continue
		}
		if forkPoint != s.height && f.EndHeight()-s.height <= s.params.ChainSwitchThreshold {
			continue
		}
		if depth := s.height - forkPoint; depth > s.params.MaxRollback {
			s.logger.Debug("fork is too deep to switch to",
				"chain", f.String(), "rollback", depth, "max_rollback", s.params.MaxRollback)
			continue
		}

		if best == nil || f.EndHeight() > best.EndHeight() {
			best = f
		}
	}
	return best, nil
}

// forkPointLocked returns the height of the last master block c builds on.
// Leading blocks of c that are already on the master chain are skipped. It
// returns -1 when c is not rooted on the master chain.
func (s *State) forkPointLocked(c *Chain) (int64, error) {
	rooted, err := s.onMasterLocked(c.PrevHash, c.StartHeight-1)
	if err != nil || !rooted {
		return -1, err
	}
	return s.sharedPrefixLocked(c)
}

// sharedPrefixLocked returns the height of the highest block of c, counted
// from its start, that is also on the master chain. It returns StartHeight-1
// when c shares no block with the master chain.
func (s *State) sharedPrefixLocked(c *Chain) (int64, error) {
	h := c.StartHeight - 1
	for _, hash := range c.Hashes {
		onMaster, err := s.onMasterLocked(hash, h+1)
		if err != nil {
			return -1, err
		}
		if !onMaster {
			break
		}
		h++
	}
	return h, nil
}

// switchLocked makes f the master chain. Master blocks above the fork point
// are reverted and kept as a new fork. A fork rejected by consensus is
// dropped instead. Any failure once the master chain has been touched moves
// the state into StatusException.
func (s *State) switchLocked(ctx context.Context, f *Chain) error {
	forkPoint, err := s.forkPointLocked(f)
	if err != nil {
		return s.failSwitch(err)
	}
	if forkPoint < 0 {
		return s.failSwitch(fmt.Errorf("%v is not rooted on the master chain", f))
	}

	// blocks below the fork point are already on the master chain
	shared := f.Hashes[:forkPoint-f.StartHeight+1]
	blocks, err := s.blockStore.GetBatch(f.Hashes[len(shared):])
	if err != nil {
		return s.failSwitch(fmt.Errorf("loading fork blocks: %w", err))
	}
	for _, b := range blocks {
		if !s.consensus.ValidateBlock(ctx, s.chainID, b, false) {
			s.logger.Info("dropping fork rejected by consensus", "chain", f.String(), "height", b.Height)
			return s.deleteChainLocked(f)
		}
	}

	reverted := make([]types.Hash, 0, s.height-forkPoint)
	for h := s.height; h > forkPoint; h-- {
		hash, ok, err := s.blockStore.HashAtHeight(h)
		if err != nil {
			return s.failSwitch(err)
		}
		if !ok {
			return s.failSwitch(fmt.Errorf("master chain has no block at height %d", h))
		}
		block, err := s.blockStore.Get(hash)
		if err != nil {
			return s.failSwitch(err)
		}
		if block == nil {
			return s.failSwitch(fmt.Errorf("master block %v at height %d is missing", hash, h))
		}

		if !s.ledger.RevertBlock(ctx, s.chainID, block) {
			return s.failSwitch(fmt.Errorf("%w: revert height %d", ErrLedgerRejected, h))
		}
		if err := s.blockStore.DeleteHeightIndex(h); err != nil {
			return s.failSwitch(err)
		}
		reverted = append(reverted, hash)
		s.height = h - 1
		s.tip = block.PrevHash
	}
	root := s.tip

	for _, b := range blocks {
		if !s.ledger.ApplyBlock(ctx, s.chainID, b) {
			return s.failSwitch(fmt.Errorf("%w: apply height %d", ErrLedgerRejected, b.Height))
		}
		if err := s.blockStore.SaveHeightIndex(b.Height, b.Hash()); err != nil {
			return s.failSwitch(err)
		}
		s.height = b.Height
		s.tip = b.Hash()
	}
	if err := s.paramStore.SaveLatest(s.height, s.tip); err != nil {
		return s.failSwitch(err)
	}

	// ownership of the fork blocks passes to the master chain, which already
	// holds the shared prefix
	if len(shared) > 0 {
		if err := s.blockStore.RemoveBatch(shared); err != nil {
			return s.failSwitch(err)
		}
	}
	s.forks.remove(f)
	for _, child := range s.childrenLocked(f) {
		child.Parent = nil
	}

	var old *Chain
	if len(reverted) > 0 {
		for i, j := 0, len(reverted)-1; i < j; i, j = i+1, j-1 {
			reverted[i], reverted[j] = reverted[j], reverted[i]
		}
		old = s.newChainLocked(KindFork, forkPoint+1, root, nil, reverted)
	}

	for _, c := range s.forks.sorted() {
		if c == old {
			continue
		}
		if err := s.trimMasterPrefixLocked(c); err != nil {
			return s.failSwitch(err)
		}
		if !s.forks.has(c) {
			continue
		}

		// forks rooted on a reverted block have lost their root
		rooted, err := s.onMasterLocked(c.PrevHash, c.StartHeight-1)
		if err != nil {
			return s.failSwitch(err)
		}
		if !rooted {
			s.forks.remove(c)
			c.Kind = KindOrphan
			s.orphans.add(c)
		}
	}
	if err := s.linkOrphansLocked(); err != nil {
		return s.failSwitch(err)
	}

	s.logger.Info("switched master chain",
		"fork_point", forkPoint, "reverted", len(reverted), "height", s.height, "tip", s.tip)
	return nil
}

// trimMasterPrefixLocked drops the leading blocks of c that the master chain
// now holds, releasing the references c kept on them. A chain left empty is
// deleted.
func (s *State) trimMasterPrefixLocked(c *Chain) error {
	rooted, err := s.onMasterLocked(c.PrevHash, c.StartHeight-1)
	if err != nil || !rooted {
		return err
	}
	top, err := s.sharedPrefixLocked(c)
	if err != nil {
		return err
	}
	n := top - c.StartHeight + 1
	if n <= 0 {
		return nil
	}
	if n == int64(len(c.Hashes)) {
		return s.deleteChainLocked(c)
	}

	if err := s.blockStore.RemoveBatch(c.Hashes[:n]); err != nil {
		return fmt.Errorf("releasing master prefix of %v: %w", c, err)
	}
	c.PrevHash = c.Hashes[n-1]
	c.Hashes = append([]types.Hash(nil), c.Hashes[n:]...)
	c.StartHeight = top + 1
	s.logger.Debug("trimmed master prefix", "chain", c.String(), "blocks", n)
	return nil
}

func (s *State) failSwitch(err error) error {
	err = fmt.Errorf("chain switch: %w", err)
	s.MarkException(err)
	return err
}
