package chain

import (
	"fmt"
	"sort"

	"github.com/tendermint/chainsync/types"
)

// Kind tags a candidate chain.
type Kind uint8

const (
	// KindFork chains descend from a block on the master chain.
	KindFork Kind = iota + 1
	// KindOrphan chains descend from a block that has not been received.
	KindOrphan
)

func (k Kind) String() string {
	switch k {
	case KindFork:
		return "fork"
	case KindOrphan:
		return "orphan"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Chain is a candidate sequence of blocks that is not part of the master
// chain. It holds hashes only; block bodies live in the BlockStore.
//
// Every chain is rooted on its own: Hashes[0] is at StartHeight and its
// predecessor is PrevHash. A chain that branched off the middle of another
// chain copies that chain's prefix, and the store counts the extra reference.
type Chain struct {
	Kind        Kind
	Hashes      []types.Hash
	StartHeight int64
	PrevHash    types.Hash
	// Age counts the pruning cycles the chain has survived.
	Age int64
	// Parent is the chain this one branched off, or nil.
	Parent *Chain

	id uint64
}

// EndHeight is the height of the last block.
func (c *Chain) EndHeight() int64 {
	return c.StartHeight + int64(len(c.Hashes)) - 1
}

// Len is the number of blocks in the chain.
func (c *Chain) Len() int { return len(c.Hashes) }

// Tip is the hash of the last block.
func (c *Chain) Tip() types.Hash {
	return c.Hashes[len(c.Hashes)-1]
}

// ID is a stable identifier, unique within one State.
func (c *Chain) ID() uint64 { return c.id }

// HashAt returns the hash at height.
func (c *Chain) HashAt(height int64) (types.Hash, bool) {
	i := height - c.StartHeight
	if i < 0 || i >= int64(len(c.Hashes)) {
		return types.Hash{}, false
	}
	return c.Hashes[i], true
}

// indexOf returns the position of hash, or -1.
func (c *Chain) indexOf(hash types.Hash) int {
	for i, h := range c.Hashes {
		if h == hash {
			return i
		}
	}
	return -1
}

func (c *Chain) String() string {
	if len(c.Hashes) == 0 {
		return fmt.Sprintf("Chain{%v #%d empty}", c.Kind, c.id)
	}
	return fmt.Sprintf("Chain{%v #%d %d..%d tip:%v age:%d}",
		c.Kind, c.id, c.StartHeight, c.EndHeight(), c.Tip().Short(), c.Age)
}

// SortChains orders chains for eviction: lowest start height first, then
// the older chain, then creation order.
func SortChains(chains []*Chain) {
	sort.Slice(chains, func(i, j int) bool {
		a, b := chains[i], chains[j]
		if a.StartHeight != b.StartHeight {
			return a.StartHeight < b.StartHeight
		}
		if a.Age != b.Age {
			return a.Age > b.Age
		}
		return a.id < b.id
	})
}

// chainSet is a set of chains of one kind.
type chainSet map[*Chain]struct{}

func (s chainSet) add(c *Chain)    { s[c] = struct{}{} }
func (s chainSet) remove(c *Chain) { delete(s, c) }

func (s chainSet) has(c *Chain) bool {
	_, ok := s[c]
	return ok
}

func (s chainSet) sorted() []*Chain {
	out := make([]*Chain, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	SortChains(out)
	return out
}

func (s chainSet) blockCount() int64 {
	var n int64
	for c := range s {
		n += int64(len(c.Hashes))
	}
	return n
}
