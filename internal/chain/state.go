package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	tmsync "github.com/tendermint/chainsync/libs/sync"
	"github.com/tendermint/chainsync/types"
)

var (
	// ErrNotRunning is returned when an operation needs a running state.
	ErrNotRunning = errors.New("chain state is not running")
	// ErrBlockRejected is returned when consensus refuses a block.
	ErrBlockRejected = errors.New("block rejected by consensus")
	// ErrLedgerRejected is returned when the ledger cannot apply or revert a block.
	ErrLedgerRejected = errors.New("block rejected by ledger")
	// ErrNotContiguous is returned when a block does not extend the master tip.
	ErrNotContiguous = errors.New("block does not extend the master chain")
	// ErrBlockTooLarge is returned for blocks above the BlockMaxSize param.
	ErrBlockTooLarge = errors.New("block exceeds maximum size")
	// ErrNotLinked is returned for a segment whose blocks do not link up.
	ErrNotLinked = errors.New("blocks are not linked")
)

// AddResult reports where a gossiped block went.
type AddResult uint8

const (
	AddNone AddResult = iota
	AddDuplicate
	AddExtendedMaster
	AddExtendedChain
	AddNewFork
	AddNewOrphan
)

func (r AddResult) String() string {
	switch r {
	case AddNone:
		return "none"
	case AddDuplicate:
		return "duplicate"
	case AddExtendedMaster:
		return "extended_master"
	case AddExtendedChain:
		return "extended_chain"
	case AddNewFork:
		return "new_fork"
	case AddNewOrphan:
		return "new_orphan"
	default:
		return fmt.Sprintf("AddResult(%d)", uint8(r))
	}
}

// Info is a point in time summary of a State.
type Info struct {
	ChainID      types.ChainID
	Status       Status
	Err          error
	Height       int64
	Tip          types.Hash
	Forks        int
	Orphans      int
	CachedBlocks int64
}

// State tracks the master chain pointer and the fork and orphan chains of one
// network. All chain mutations happen under a single write lock; the status
// has its own lock so it can be read while the pruner holds the write lock.
type State struct {
	chainID types.ChainID
	logger  log.Logger

	blockStore *store.BlockStore
	paramStore *store.ParamStore
	consensus  Consensus
	ledger     Ledger

	mtx     *tmsync.TimedRWMutex
	params  types.ChainParams
	height  int64
	tip     types.Hash
	forks   chainSet
	orphans chainSet
	lastID  uint64

	statusMtx sync.Mutex
	status    Status
	cause     error
}

// NewState returns a State in StatusReady. params are used as defaults the
// first time the network is seen; afterwards the persisted values win.
func NewState(
	chainID types.ChainID,
	blockStore *store.BlockStore,
	paramStore *store.ParamStore,
	params types.ChainParams,
	consensus Consensus,
	ledger Ledger,
	logger log.Logger,
) *State {
	return &State{
		chainID:    chainID,
		logger:     logger.With("chain", chainID),
		blockStore: blockStore,
		paramStore: paramStore,
		consensus:  consensus,
		ledger:     ledger,
		mtx:        tmsync.NewTimedRWMutex(),
		params:     params,
		forks:      make(chainSet),
		orphans:    make(chainSet),
	}
}

// ChainID returns the network this state belongs to.
func (s *State) ChainID() types.ChainID { return s.chainID }

// BlockStore returns the store shared by every chain of this network.
func (s *State) BlockStore() *store.BlockStore { return s.blockStore }

// Start loads the persisted params and master tip and enters StatusRunning.
func (s *State) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if st := s.Status(); st != StatusReady {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, st, StatusRunning)
	}

	params, err := s.paramStore.LoadOrInit(s.params)
	if err != nil {
		return fmt.Errorf("loading chain params: %w", err)
	}
	height, tip, err := s.paramStore.LoadLatest()
	if err != nil {
		return fmt.Errorf("loading latest height: %w", err)
	}

	s.params = params
	s.height = height
	s.tip = tip

	if err := s.setStatus(StatusRunning); err != nil {
		return err
	}
	s.logger.Info("chain state started", "height", height, "tip", tip)
	return nil
}

//-----------------------------------------------------------------------------
// status

// Status returns the current status. It never blocks on the chain lock.
func (s *State) Status() Status {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()
	return s.status
}

// Err returns the error that moved the state into StatusException, if any.
func (s *State) Err() error {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()
	return s.cause
}

func (s *State) setStatus(next Status) error {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()

	status, err := s.status.Transition(next)
	if err != nil {
		return err
	}
	s.status = status
	return nil
}

// swapStatus moves from exactly one status to another.
func (s *State) swapStatus(from, to Status) error {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()

	if s.status != from {
		return fmt.Errorf("%w: status is %v", ErrNotRunning, s.status)
	}
	status, err := s.status.Transition(to)
	if err != nil {
		return err
	}
	s.status = status
	return nil
}

// MarkException moves the state into StatusException and records err.
func (s *State) MarkException(err error) {
	s.statusMtx.Lock()
	s.status, _ = s.status.Transition(StatusException)
	s.cause = err
	s.statusMtx.Unlock()

	s.logger.Error("chain state entered exception", "err", err)
}

// Reset leaves StatusException. The state must be started again.
func (s *State) Reset() error {
	s.statusMtx.Lock()
	defer s.statusMtx.Unlock()

	status, err := s.status.Transition(StatusReady)
	if err != nil {
		return err
	}
	s.status = status
	s.cause = nil
	return nil
}

func (s *State) requireRunning() error {
	if st := s.Status(); st != StatusRunning {
		return fmt.Errorf("%w: status is %v", ErrNotRunning, st)
	}
	return nil
}

//-----------------------------------------------------------------------------
// queries

// Params returns the active chain params.
func (s *State) Params() types.ChainParams {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.params
}

// Height returns the master chain height.
func (s *State) Height() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.height
}

// Tip returns the master chain height and tip hash.
func (s *State) Tip() (int64, types.Hash) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.height, s.tip
}

// Forks returns copies of the fork chains in eviction order. Parent links are
// not copied.
func (s *State) Forks() []*Chain {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return copyChains(s.forks.sorted())
}

// Orphans returns copies of the orphan chains in eviction order. Parent links
// are not copied.
func (s *State) Orphans() []*Chain {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return copyChains(s.orphans.sorted())
}

// CachedBlockCount is the number of blocks held by fork and orphan chains.
func (s *State) CachedBlockCount() int64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.forks.blockCount() + s.orphans.blockCount()
}

// Info returns a summary of the state.
func (s *State) Info() Info {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	s.statusMtx.Lock()
	status, cause := s.status, s.cause
	s.statusMtx.Unlock()

	return Info{
		ChainID:      s.chainID,
		Status:       status,
		Err:          cause,
		Height:       s.height,
		Tip:          s.tip,
		Forks:        len(s.forks),
		Orphans:      len(s.orphans),
		CachedBlocks: s.forks.blockCount() + s.orphans.blockCount(),
	}
}

func copyChains(chains []*Chain) []*Chain {
	out := make([]*Chain, len(chains))
	for i, c := range chains {
		cp := *c
		cp.Hashes = append([]types.Hash(nil), c.Hashes...)
		cp.Parent = nil
		out[i] = &cp
	}
	return out
}

//-----------------------------------------------------------------------------
// commit

// CommitBlock appends a downloaded block to the master chain. The block must
// extend the current tip and pass consensus validation; it is then stored,
// indexed, applied to the ledger and made the new tip.
func (s *State) CommitBlock(ctx context.Context, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.requireRunning(); err != nil {
		return err
	}
	return s.commitLocked(ctx, block, true)
}

func (s *State) commitLocked(ctx context.Context, block *types.Block, isDownload bool) error {
	hash := block.Hash()
	if block.Height != s.height+1 || block.PrevHash != s.tip {
		return fmt.Errorf("%w: block %d (prev %v) on tip %d (%v)",
			ErrNotContiguous, block.Height, block.PrevHash.Short(), s.height, s.tip.Short())
	}

	if size := int64(block.Size()); size > s.params.BlockMaxSize {
		return fmt.Errorf("%w: block %d is %d > %d bytes",
			ErrBlockTooLarge, block.Height, size, s.params.BlockMaxSize)
	}

	if !s.consensus.ValidateBlock(ctx, s.chainID, block, isDownload) {
		return fmt.Errorf("%w: height %d", ErrBlockRejected, block.Height)
	}

	if err := s.blockStore.PutBlock(block); err != nil {
		return fmt.Errorf("storing block %d: %w", block.Height, err)
	}
	if err := s.blockStore.SaveHeightIndex(block.Height, hash); err != nil {
		s.undoStore(block.Height, hash)
		return fmt.Errorf("indexing block %d: %w", block.Height, err)
	}

	if !s.ledger.ApplyBlock(ctx, s.chainID, block) {
		s.undoStore(block.Height, hash)
		return fmt.Errorf("%w: height %d", ErrLedgerRejected, block.Height)
	}

	if err := s.paramStore.SaveLatest(block.Height, hash); err != nil {
		// the ledger has moved past the persisted tip
		err = fmt.Errorf("saving latest height %d: %w", block.Height, err)
		s.MarkException(err)
		return err
	}

	s.height = block.Height
	s.tip = hash
	return nil
}

func (s *State) undoStore(height int64, hash types.Hash) {
	if err := s.blockStore.DeleteHeightIndex(height); err != nil {
		s.logger.Error("failed to drop height index", "height", height, "err", err)
	}
	if err := s.blockStore.Remove(hash); err != nil {
		s.logger.Error("failed to drop block", "height", height, "hash", hash, "err", err)
	}
}

//-----------------------------------------------------------------------------
// gossip intake

// AddBlock files a gossiped block. It extends the master chain, extends or
// branches a candidate chain, or starts a new orphan chain. Afterwards any
// orphan whose predecessor is now known is linked up, and a fork that has
// overtaken the master chain is switched in.
func (s *State) AddBlock(ctx context.Context, block *types.Block) (AddResult, error) {
	return s.AddChain(ctx, []*types.Block{block})
}

// AddChain files a gossiped segment of linked blocks in one locked section.
// It returns the result for the first block that was not already known.
func (s *State) AddChain(ctx context.Context, blocks []*types.Block) (AddResult, error) {
	if len(blocks) == 0 {
		return AddNone, nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.requireRunning(); err != nil {
		return AddNone, err
	}

	for i, block := range blocks {
		if err := block.ValidateBasic(); err != nil {
			return AddNone, fmt.Errorf("invalid block %d: %w", block.Height, err)
		}
		if size := int64(block.Size()); size > s.params.BlockMaxSize {
			return AddNone, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, s.params.BlockMaxSize)
		}
		if i > 0 {
			prev := blocks[i-1]
			if block.Height != prev.Height+1 || block.PrevHash != prev.Hash() {
				return AddNone, fmt.Errorf("%w: %d does not follow %d", ErrNotLinked, block.Height, prev.Height)
			}
		}
	}

	result := AddDuplicate
	for _, block := range blocks {
		res, err := s.insertLocked(ctx, block)
		if err != nil {
			return AddNone, err
		}
		if result == AddDuplicate {
			result = res
		}
	}
	if result == AddDuplicate {
		return result, nil
	}

	if err := s.linkOrphansLocked(); err != nil {
		return result, err
	}
	return result, s.maybeSwitchLocked(ctx)
}

func (s *State) insertLocked(ctx context.Context, block *types.Block) (AddResult, error) {
	hash := block.Hash()

	known, err := s.isKnownLocked(hash, block.Height)
	if err != nil {
		return AddNone, err
	}
	if known {
		return AddDuplicate, nil
	}

	if block.Height == s.height+1 && block.PrevHash == s.tip {
		if err := s.commitLocked(ctx, block, false); err != nil {
			return AddNone, err
		}
		return AddExtendedMaster, nil
	}

	chains := s.chainsLocked()
	for _, c := range chains {
		if c.Tip() == block.PrevHash && c.EndHeight()+1 == block.Height {
			if err := s.blockStore.PutBlock(block); err != nil {
				return AddNone, err
			}
			c.Hashes = append(c.Hashes, hash)
			return AddExtendedChain, nil
		}
	}

	onMaster, err := s.onMasterLocked(block.PrevHash, block.Height-1)
	if err != nil {
		return AddNone, err
	}
	if onMaster {
		if err := s.blockStore.PutBlock(block); err != nil {
			return AddNone, err
		}
		c := s.newChainLocked(KindFork, block.Height, block.PrevHash, nil, []types.Hash{hash})
		s.logger.Debug("new fork chain", "chain", c.String())
		return AddNewFork, nil
	}

	for _, c := range chains {
		if h, ok := c.HashAt(block.Height - 1); ok && h == block.PrevHash {
			prefix := append([]types.Hash(nil), c.Hashes[:block.Height-c.StartHeight]...)
			if err := s.blockStore.PutBlock(block); err != nil {
				return AddNone, err
			}
			if err := s.blockStore.Retain(prefix); err != nil {
				return AddNone, err
			}
			nc := s.newChainLocked(c.Kind, c.StartHeight, c.PrevHash, c, append(prefix, hash))
			s.logger.Debug("branched candidate chain", "chain", nc.String(), "parent", c.String())
			if nc.Kind == KindFork {
				return AddNewFork, nil
			}
			return AddNewOrphan, nil
		}
	}

	if err := s.blockStore.PutBlock(block); err != nil {
		return AddNone, err
	}
	c := s.newChainLocked(KindOrphan, block.Height, block.PrevHash, nil, []types.Hash{hash})
	s.logger.Debug("new orphan chain", "chain", c.String())
	return AddNewOrphan, nil
}

func (s *State) newChainLocked(kind Kind, start int64, prev types.Hash, parent *Chain, hashes []types.Hash) *Chain {
	s.lastID++
	c := &Chain{
		Kind:        kind,
		Hashes:      hashes,
		StartHeight: start,
		PrevHash:    prev,
		Parent:      parent,
		id:          s.lastID,
	}
	if kind == KindFork {
		s.forks.add(c)
	} else {
		s.orphans.add(c)
	}
	return c
}

// chainsLocked returns forks then orphans, each in eviction order.
func (s *State) chainsLocked() []*Chain {
	return append(s.forks.sorted(), s.orphans.sorted()...)
}

func (s *State) childrenLocked(parent *Chain) []*Chain {
	var out []*Chain
	for _, c := range s.chainsLocked() {
		if c.Parent == parent {
			out = append(out, c)
		}
	}
	return out
}

func (s *State) isKnownLocked(hash types.Hash, height int64) (bool, error) {
	if height <= s.height {
		h, ok, err := s.blockStore.HashAtHeight(height)
		if err != nil {
			return false, err
		}
		if ok && h == hash {
			return true, nil
		}
	}
	for _, c := range s.chainsLocked() {
		if h, ok := c.HashAt(height); ok && h == hash {
			return true, nil
		}
	}
	return false, nil
}

// onMasterLocked reports whether hash is the master chain block at height.
// Height zero is the empty parent of the first block.
func (s *State) onMasterLocked(hash types.Hash, height int64) (bool, error) {
	if height > s.height || height < 0 {
		return false, nil
	}
	if height == 0 {
		return hash.IsZero(), nil
	}
	if height == s.height {
		return hash == s.tip, nil
	}
	h, ok, err := s.blockStore.HashAtHeight(height)
	if err != nil {
		return false, err
	}
	return ok && h == hash, nil
}

// linkOrphansLocked attaches every orphan whose predecessor is known, until
// nothing changes.
func (s *State) linkOrphansLocked() error {
	for changed := true; changed; {
		changed = false
		for _, o := range s.orphans.sorted() {
			if !s.orphans.has(o) {
				continue
			}
			linked, err := s.linkOrphanLocked(o)
			if err != nil {
				return err
			}
			changed = changed || linked
		}
	}
	return nil
}

func (s *State) linkOrphanLocked(o *Chain) (bool, error) {
	predHeight := o.StartHeight - 1

	onMaster, err := s.onMasterLocked(o.PrevHash, predHeight)
	if err != nil {
		return false, err
	}
	if onMaster {
		s.orphans.remove(o)
		o.Kind = KindFork
		o.Parent = nil
		s.forks.add(o)
		s.logger.Debug("orphan chain joined master", "chain", o.String())
		return true, nil
	}

	for _, c := range s.chainsLocked() {
		if c == o {
			continue
		}

		if c.Tip() == o.PrevHash && c.EndHeight() == predHeight {
			c.Hashes = append(c.Hashes, o.Hashes...)
			s.orphans.remove(o)
			for _, child := range s.childrenLocked(o) {
				child.Parent = c
			}
			s.logger.Debug("orphan chain merged", "into", c.String())
			return true, nil
		}

		if h, ok := c.HashAt(predHeight); ok && h == o.PrevHash {
			prefix := append([]types.Hash(nil), c.Hashes[:predHeight-c.StartHeight+1]...)
			if err := s.blockStore.Retain(prefix); err != nil {
				return false, err
			}
			o.Hashes = append(prefix, o.Hashes...)
			o.StartHeight = c.StartHeight
			o.PrevHash = c.PrevHash
			o.Parent = c
			if c.Kind == KindFork {
				s.orphans.remove(o)
				o.Kind = KindFork
				s.forks.add(o)
			}
			s.logger.Debug("orphan chain linked", "chain", o.String(), "parent", c.String())
			return true, nil
		}
	}
	return false, nil
}

// deleteChainLocked drops c and its references on the store. Children are
// detached but otherwise left alone.
func (s *State) deleteChainLocked(c *Chain) error {
	if err := s.blockStore.RemoveBatch(c.Hashes); err != nil {
		return fmt.Errorf("removing %v: %w", c, err)
	}
	s.forks.remove(c)
	s.orphans.remove(c)
	for _, child := range s.childrenLocked(c) {
		child.Parent = nil
	}
	return nil
}
