package blocksync

import (
	"errors"
)

var (
	// ErrNoPeers is returned when no connected peer can serve the sync target.
	ErrNoPeers = errors.New("no peers available")
	// ErrRetriesExhausted is returned when a batch failed on every retry.
	ErrRetriesExhausted = errors.New("download retries exhausted")
	// ErrSyncInProgress is returned when Sync is called during another run.
	ErrSyncInProgress = errors.New("sync already in progress")

	errShortBatch    = errors.New("peer returned a short batch")
	errBatchMismatch = errors.New("batch does not cover the requested range")
	errBlockTooLarge = errors.New("block exceeds maximum size")
	errStageMissing  = errors.New("downloaded batch is not staged")
	errDownloadPanic = errors.New("download panicked")
)
