package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/chainsync/types"
)

// ErrLockTimeout is returned by Maintain when the write lock was not
// acquired in time.
var ErrLockTimeout = errors.New("timed out acquiring chain state lock")

// Maintain runs fn with the write lock held and the status set to during,
// which must be StatusMaintainChains or StatusDatabaseCleaning. The lock is
// acquired within timeout or ErrLockTimeout is returned. The state must be
// running; the running status is restored when fn returns or panics.
func (s *State) Maintain(timeout time.Duration, during Status, fn func(*Cache) error) error {
	if during != StatusMaintainChains && during != StatusDatabaseCleaning {
		return fmt.Errorf("%w: cannot maintain under %v", ErrInvalidTransition, during)
	}
	if !s.mtx.TryLockTimeout(timeout) {
		return ErrLockTimeout
	}
	defer s.mtx.Unlock()

	if err := s.swapStatus(StatusRunning, during); err != nil {
		return err
	}
	defer func() {
		// a failure inside fn may already have moved the state into exception
		_ = s.swapStatus(during, StatusRunning)
	}()

	return fn(&Cache{s: s})
}

// Cache is the fork and orphan cache of a State as seen by the pruner. It is
// only valid inside the callback passed to Maintain.
type Cache struct {
	s *State
}

// MasterHeight is the master chain height.
func (c *Cache) MasterHeight() int64 { return c.s.height }

// Params are the active chain params.
func (c *Cache) Params() types.ChainParams { return c.s.params }

// Forks returns the fork chains in eviction order.
func (c *Cache) Forks() []*Chain { return c.s.forks.sorted() }

// Orphans returns the orphan chains in eviction order.
func (c *Cache) Orphans() []*Chain { return c.s.orphans.sorted() }

// BlockCount is the number of blocks held by fork and orphan chains.
func (c *Cache) BlockCount() int64 {
	return c.s.forks.blockCount() + c.s.orphans.blockCount()
}

// Contains reports whether ch is still cached.
func (c *Cache) Contains(ch *Chain) bool {
	return c.s.forks.has(ch) || c.s.orphans.has(ch)
}

// Children returns the chains that branched off parent.
func (c *Cache) Children(parent *Chain) []*Chain { return c.s.childrenLocked(parent) }

// Delete drops ch and releases its blocks. Its children are detached.
func (c *Cache) Delete(ch *Chain) error { return c.s.deleteChainLocked(ch) }
