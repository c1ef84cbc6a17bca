package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/types"
)

var (
	// ErrBlockNotFound is returned by GetBatch when one of the hashes is unknown.
	ErrBlockNotFound = errors.New("block not found")
	// ErrDuplicateHeight is returned when a batch holds two blocks at one height.
	ErrDuplicateHeight = errors.New("duplicate block height in batch")
)

/*
BlockStore is a reference-counted key/value store of block bodies keyed by
block hash. It is shared by the master chain and every fork or orphan chain of
one network, so the same physical block may be owned by several chains.

Two kinds of record live in the database:
  - Block:    hash -> encoded block
  - RefCount: hash -> number of owners beyond the first writer

Storing a hash that already exists increments its count instead of
overwriting. Removing a hash with a positive count decrements it; only when the
count is zero is the body deleted. Count changes and body writes for one call
are committed in a single batch.

The master chain additionally keeps a height -> hash index.
*/
type BlockStore struct {
	mtx  sync.Mutex
	db   dbm.DB
	refs map[types.Hash]uint32
}

// NewBlockStore returns a BlockStore over db, loading any persisted
// reference counts.
func NewBlockStore(db dbm.DB) (*BlockStore, error) {
	bs := &BlockStore{
		db:   db,
		refs: make(map[types.Hash]uint32),
	}
	if err := bs.loadRefCounts(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BlockStore) loadRefCounts() error {
	iter, err := bs.db.Iterator(refCountKeyPrefix(), prefixEnd(prefixRefCount))
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		hash, err := decodeHashKey(iter.Key(), prefixRefCount)
		if err != nil {
			return fmt.Errorf("decoding ref count key: %w", err)
		}
		n, err := decodeCount(iter.Value())
		if err != nil {
			return fmt.Errorf("decoding ref count of %v: %w", hash, err)
		}
		bs.refs[hash] = uint32(n)
	}
	return iter.Error()
}

// Has reports whether a body for hash is stored.
func (bs *BlockStore) Has(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// RefCount returns the number of owners of hash beyond the first writer.
func (bs *BlockStore) RefCount(hash types.Hash) uint32 {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.refs[hash]
}

// Put stores bz under hash. If hash is already stored the body is left
// untouched and its reference count is incremented.
func (bs *BlockStore) Put(hash types.Hash, bz []byte) error {
	return bs.PutBatch(map[types.Hash][]byte{hash: bz})
}

// PutBlock encodes block and stores it under its hash.
func (bs *BlockStore) PutBlock(block *types.Block) error {
	bz, err := block.Marshal()
	if err != nil {
		return fmt.Errorf("encoding block %v: %w", block.Hash(), err)
	}
	return bs.Put(block.Hash(), bz)
}

// PutBlocks encodes and stores blocks in a single batch.
func (bs *BlockStore) PutBlocks(blocks []*types.Block) error {
	entries := make(map[types.Hash][]byte, len(blocks))
	for _, block := range blocks {
		bz, err := block.Marshal()
		if err != nil {
			return fmt.Errorf("encoding block %v: %w", block.Hash(), err)
		}
		entries[block.Hash()] = bz
	}
	return bs.PutBatch(entries)
}

// PutBatch stores every entry with the semantics of Put. Either all entries
// are applied or none are.
func (bs *BlockStore) PutBatch(entries map[types.Hash][]byte) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	batch := bs.db.NewBatch()
	defer batch.Close()

	pending := make(map[types.Hash]uint32)
	for hash, bz := range entries {
		if len(bz) == 0 {
			return fmt.Errorf("refusing to store empty body for %v", hash)
		}

		exists, err := bs.db.Has(blockKey(hash))
		if err != nil {
			return fmt.Errorf("checking %v: %w", hash, err)
		}

		if !exists {
			if err := batch.Set(blockKey(hash), bz); err != nil {
				return err
			}
			continue
		}

		n := bs.refs[hash] + 1
		if err := batch.Set(refCountKey(hash), encodeCount(uint64(n))); err != nil {
			return err
		}
		pending[hash] = n
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("writing block batch: %w", err)
	}

	for hash, n := range pending {
		bs.refs[hash] = n
	}
	return nil
}

// Retain adds one reference to every hash, which must already be stored.
// It is used when a new chain takes over a prefix of an existing one.
func (bs *BlockStore) Retain(hashes []types.Hash) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	batch := bs.db.NewBatch()
	defer batch.Close()

	pending := make(map[types.Hash]uint32)
	for _, hash := range hashes {
		exists, err := bs.db.Has(blockKey(hash))
		if err != nil {
			return fmt.Errorf("checking %v: %w", hash, err)
		}
		if !exists {
			return fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
		}

		n, seen := pending[hash]
		if !seen {
			n = bs.refs[hash]
		}
		n++
		if err := batch.Set(refCountKey(hash), encodeCount(uint64(n))); err != nil {
			return err
		}
		pending[hash] = n
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("writing retain batch: %w", err)
	}
	for hash, n := range pending {
		bs.refs[hash] = n
	}
	return nil
}

// Get returns the block stored under hash, or nil if there is none.
func (bs *BlockStore) Get(hash types.Hash) (*types.Block, error) {
	bz, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}

	block, err := types.BlockFromBytes(bz)
	if err != nil {
		return nil, fmt.Errorf("decoding block %v: %w", hash, err)
	}
	return block, nil
}

// GetBatch returns the blocks for hashes sorted by height. If any hash is
// missing or fails to decode no blocks are returned.
func (bs *BlockStore) GetBatch(hashes []types.Hash) ([]*types.Block, error) {
	blocks := make([]*types.Block, 0, len(hashes))
	for _, hash := range hashes {
		block, err := bs.Get(hash)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
		}
		blocks = append(blocks, block)
	}

	if err := SortByHeight(blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Remove drops one reference to hash, deleting the body when no other
// reference remains. Removing an unknown hash is a no-op.
func (bs *BlockStore) Remove(hash types.Hash) error {
	return bs.RemoveBatch([]types.Hash{hash})
}

// RemoveBatch applies Remove to every hash in one batch. A hash listed twice
// drops two references.
func (bs *BlockStore) RemoveBatch(hashes []types.Hash) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	batch := bs.db.NewBatch()
	defer batch.Close()

	pending := make(map[types.Hash]uint32)
	deleted := make(map[types.Hash]bool)
	for _, hash := range hashes {
		if deleted[hash] {
			continue
		}

		n, seen := pending[hash]
		if !seen {
			n = bs.refs[hash]
		}

		switch {
		case n > 1:
			if err := batch.Set(refCountKey(hash), encodeCount(uint64(n-1))); err != nil {
				return err
			}
			pending[hash] = n - 1

		case n == 1:
			if err := batch.Delete(refCountKey(hash)); err != nil {
				return err
			}
			pending[hash] = 0

		default:
			if err := batch.Delete(blockKey(hash)); err != nil {
				return err
			}
			deleted[hash] = true
		}
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("writing removal batch: %w", err)
	}

	for hash, n := range pending {
		if n == 0 {
			delete(bs.refs, hash)
		} else {
			bs.refs[hash] = n
		}
	}
	return nil
}

// SaveHeightIndex records hash as the master chain block at height.
func (bs *BlockStore) SaveHeightIndex(height int64, hash types.Hash) error {
	return bs.db.SetSync(heightKey(height), hash[:])
}

// DeleteHeightIndex removes the master chain entry at height.
func (bs *BlockStore) DeleteHeightIndex(height int64) error {
	return bs.db.DeleteSync(heightKey(height))
}

// HashAtHeight returns the master chain block hash at height.
func (bs *BlockStore) HashAtHeight(height int64) (types.Hash, bool, error) {
	bz, err := bs.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, false, err
	}
	if len(bz) == 0 {
		return types.Hash{}, false, nil
	}

	hash, err := types.HashFromBytes(bz)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("height index %d: %w", height, err)
	}
	return hash, true, nil
}

// Count returns the number of block bodies physically stored.
func (bs *BlockStore) Count() (int64, error) {
	iter, err := bs.db.Iterator(blockKeyPrefix(), prefixEnd(prefixBlock))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n int64
	for ; iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Destroy deletes every record owned by the store.
func (bs *BlockStore) Destroy() error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	for _, prefix := range []int64{prefixBlock, prefixRefCount, prefixHeight} {
		if err := deletePrefix(bs.db, prefix); err != nil {
			return fmt.Errorf("destroying block store: %w", err)
		}
	}
	bs.refs = make(map[types.Hash]uint32)
	return nil
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

// SortByHeight sorts blocks by ascending height in place. Two blocks at the
// same height indicate a defect in the caller and are reported.
func SortByHeight(blocks []*types.Block) error {
	sort.Sort(types.Blocks(blocks))
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Height == blocks[i-1].Height {
			return fmt.Errorf("%w: %d", ErrDuplicateHeight, blocks[i].Height)
		}
	}
	return nil
}

func deletePrefix(db dbm.DB, prefix int64) error {
	iter, err := db.Iterator(prefixStart(prefix), prefixEnd(prefix))
	if err != nil {
		return err
	}

	var keys [][]byte
	for ; iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	if err := iter.Close(); err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
// NB: the parameter table in params.go uses [10..11].
const (
	prefixBlock    = int64(0)
	prefixRefCount = int64(1)
	prefixHeight   = int64(2)
)

func prefixStart(prefix int64) []byte {
	key, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	return key
}

// prefixEnd is the exclusive upper bound of every key under prefix.
func prefixEnd(prefix int64) []byte {
	return prefixStart(prefix + 1)
}

func blockKeyPrefix() []byte    { return prefixStart(prefixBlock) }
func refCountKeyPrefix() []byte { return prefixStart(prefixRefCount) }

func blockKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func refCountKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixRefCount, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func heightKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeight, height)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeHashKey(key []byte, want int64) (types.Hash, error) {
	var (
		prefix int64
		raw    string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &raw)
	if err != nil {
		return types.Hash{}, err
	}
	if len(remaining) != 0 {
		return types.Hash{}, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != want {
		return types.Hash{}, fmt.Errorf("incorrect prefix. Expected %v, got %v", want, prefix)
	}
	return types.HashFromBytes([]byte(raw))
}

func encodeCount(n uint64) []byte {
	bz, err := orderedcode.Append(nil, n)
	if err != nil {
		panic(err)
	}
	return bz
}

func decodeCount(bz []byte) (uint64, error) {
	var n uint64
	remaining, err := orderedcode.Parse(string(bz), &n)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("trailing bytes after count: %X", remaining)
	}
	return n, nil
}
