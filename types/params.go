package types

import (
	"errors"
	"fmt"
)

// ChainParams are the per-network runtime parameters persisted alongside the
// latest height pointer. All values are plain integers.
type ChainParams struct {
	// Largest encoded block accepted from peers, in bytes.
	BlockMaxSize int64 `json:"block_max_size"`
	// A fork is promoted once it is more than this many blocks above the master tip.
	ChainSwitchThreshold int64 `json:"chain_switch_threshold"`
	// Upper bound on the number of blocks held by fork and orphan chains.
	CacheSize int64 `json:"cache_size"`
	// Chains starting further than this from the master tip are pruned.
	HeightRange int64 `json:"height_range"`
	// Deepest master rollback a chain switch may perform.
	MaxRollback int64 `json:"max_rollback"`
	// Blocks requested from one peer per download task.
	DownloadNumber int64 `json:"download_number"`
	// Orphan chains surviving more pruning cycles than this are dropped.
	OrphanChainMaxAge int64 `json:"orphan_chain_max_age"`
}

// DefaultChainParams returns the parameters used when none are persisted.
func DefaultChainParams() ChainParams {
	return ChainParams{
		BlockMaxSize:         5 << 20,
		ChainSwitchThreshold: 3,
		CacheSize:            1000,
		HeightRange:          1000,
		MaxRollback:          20,
		DownloadNumber:       20,
		OrphanChainMaxAge:    10,
	}
}

// ValidateBasic performs basic validation.
func (p ChainParams) ValidateBasic() error {
	if p.BlockMaxSize <= 0 {
		return errors.New("block_max_size must be positive")
	}
	if p.ChainSwitchThreshold < 0 {
		return errors.New("chain_switch_threshold can't be negative")
	}
	if p.CacheSize <= 0 {
		return errors.New("cache_size must be positive")
	}
	if p.HeightRange <= 0 {
		return errors.New("height_range must be positive")
	}
	if p.MaxRollback < 0 {
		return errors.New("max_rollback can't be negative")
	}
	if p.DownloadNumber <= 0 {
		return fmt.Errorf("download_number must be positive, got %d", p.DownloadNumber)
	}
	if p.OrphanChainMaxAge < 0 {
		return errors.New("orphan_chain_max_age can't be negative")
	}
	return nil
}
