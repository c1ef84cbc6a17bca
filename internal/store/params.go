package store

import (
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/types"
)

const (
	prefixParam  = int64(10)
	prefixLatest = int64(11)
)

const (
	latestHeightKey = "height"
	latestHashKey   = "hash"
)

// ParamStore persists the latest master chain pointer and the chain
// parameters of one network.
type ParamStore struct {
	db dbm.DB
}

// NewParamStore returns a ParamStore over db.
func NewParamStore(db dbm.DB) *ParamStore {
	return &ParamStore{db: db}
}

// paramFields lists every persisted parameter by name. Adding a field here is
// enough to persist it.
func paramFields(p *types.ChainParams) map[string]*int64 {
	return map[string]*int64{
		"block_max_size":         &p.BlockMaxSize,
		"chain_switch_threshold": &p.ChainSwitchThreshold,
		"cache_size":             &p.CacheSize,
		"height_range":           &p.HeightRange,
		"max_rollback":           &p.MaxRollback,
		"download_number":        &p.DownloadNumber,
		"orphan_chain_max_age":   &p.OrphanChainMaxAge,
	}
}

// LoadParams returns the persisted parameters. The bool result is false when
// no parameters have been saved yet.
func (ps *ParamStore) LoadParams() (types.ChainParams, bool, error) {
	var (
		params types.ChainParams
		found  int
	)
	fields := paramFields(&params)
	for name, ptr := range fields {
		bz, err := ps.db.Get(paramKey(name))
		if err != nil {
			return params, false, err
		}
		if len(bz) == 0 {
			continue
		}
		v, err := decodeInt64(bz)
		if err != nil {
			return params, false, fmt.Errorf("decoding param %s: %w", name, err)
		}
		*ptr = v
		found++
	}

	switch found {
	case 0:
		return params, false, nil
	case len(fields):
		return params, true, nil
	default:
		return params, false, fmt.Errorf("param table is incomplete: %d of %d entries", found, len(fields))
	}
}

// SaveParams writes params after validating them.
func (ps *ParamStore) SaveParams(params types.ChainParams) error {
	if err := params.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid chain params: %w", err)
	}

	batch := ps.db.NewBatch()
	defer batch.Close()

	for name, ptr := range paramFields(&params) {
		if err := batch.Set(paramKey(name), encodeInt64(*ptr)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// LoadOrInit returns the persisted parameters, saving defaults first if the
// table is empty.
func (ps *ParamStore) LoadOrInit(defaults types.ChainParams) (types.ChainParams, error) {
	params, ok, err := ps.LoadParams()
	if err != nil {
		return types.ChainParams{}, err
	}
	if ok {
		return params, nil
	}
	if err := ps.SaveParams(defaults); err != nil {
		return types.ChainParams{}, err
	}
	return defaults, nil
}

// LoadLatest returns the height and hash of the master chain tip. A store
// that was never written returns height zero and a zero hash.
func (ps *ParamStore) LoadLatest() (int64, types.Hash, error) {
	bz, err := ps.db.Get(latestKey(latestHeightKey))
	if err != nil {
		return 0, types.Hash{}, err
	}
	if len(bz) == 0 {
		return 0, types.Hash{}, nil
	}
	height, err := decodeInt64(bz)
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("decoding latest height: %w", err)
	}

	bz, err = ps.db.Get(latestKey(latestHashKey))
	if err != nil {
		return 0, types.Hash{}, err
	}
	hash, err := types.HashFromBytes(bz)
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("decoding latest hash: %w", err)
	}
	return height, hash, nil
}

// SaveLatest moves the master chain tip pointer.
func (ps *ParamStore) SaveLatest(height int64, hash types.Hash) error {
	batch := ps.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(latestKey(latestHeightKey), encodeInt64(height)); err != nil {
		return err
	}
	if err := batch.Set(latestKey(latestHashKey), hash.Bytes()); err != nil {
		return err
	}
	return batch.WriteSync()
}

// Close closes the underlying database.
func (ps *ParamStore) Close() error {
	return ps.db.Close()
}

func paramKey(name string) []byte {
	key, err := orderedcode.Append(nil, prefixParam, name)
	if err != nil {
		panic(err)
	}
	return key
}

func latestKey(name string) []byte {
	key, err := orderedcode.Append(nil, prefixLatest, name)
	if err != nil {
		panic(err)
	}
	return key
}

func encodeInt64(v int64) []byte {
	bz, err := orderedcode.Append(nil, v)
	if err != nil {
		panic(err)
	}
	return bz
}

func decodeInt64(bz []byte) (int64, error) {
	var v int64
	remaining, err := orderedcode.Parse(string(bz), &v)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("trailing bytes after value: %X", remaining)
	}
	return v, nil
}
