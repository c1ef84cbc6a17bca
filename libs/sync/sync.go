package sync

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds the number of concurrent readers of a TimedRWMutex.
const maxReaders = 1 << 30

// TimedRWMutex is a reader/writer lock whose acquisition can be bounded by a
// timeout. Waiters are served in FIFO order, so a pending writer holds back
// readers that arrive after it.
//
// The zero value is not usable; use NewTimedRWMutex.
type TimedRWMutex struct {
	sem *semaphore.Weighted
}

// NewTimedRWMutex returns an unlocked TimedRWMutex.
func NewTimedRWMutex() *TimedRWMutex {
	return &TimedRWMutex{sem: semaphore.NewWeighted(maxReaders)}
}

// Lock blocks until the write lock is held.
func (m *TimedRWMutex) Lock() {
	_ = m.sem.Acquire(context.Background(), maxReaders)
}

// Unlock releases the write lock.
func (m *TimedRWMutex) Unlock() {
	m.sem.Release(maxReaders)
}

// RLock blocks until a read lock is held.
func (m *TimedRWMutex) RLock() {
	_ = m.sem.Acquire(context.Background(), 1)
}

// RUnlock releases a read lock.
func (m *TimedRWMutex) RUnlock() {
	m.sem.Release(1)
}

// LockContext acquires the write lock unless ctx ends first.
func (m *TimedRWMutex) LockContext(ctx context.Context) error {
	return m.sem.Acquire(ctx, maxReaders)
}

// TryLockTimeout attempts to acquire the write lock within d. It reports
// whether the lock is held.
func (m *TimedRWMutex) TryLockTimeout(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	return m.sem.Acquire(ctx, maxReaders) == nil
}

// TryRLockTimeout attempts to acquire a read lock within d.
func (m *TimedRWMutex) TryRLockTimeout(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	return m.sem.Acquire(ctx, 1) == nil
}
