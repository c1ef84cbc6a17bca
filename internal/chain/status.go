package chain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a status change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the running status of a State.
type Status uint8

const (
	// StatusReady is the initial status, before the state is loaded.
	StatusReady Status = iota
	// StatusRunning permits sync, gossip intake and queries.
	StatusRunning
	// StatusMaintainChains is held while the pruner mutates the fork and
	// orphan sets.
	StatusMaintainChains
	// StatusDatabaseCleaning is held while the pruner enforces the cache size.
	StatusDatabaseCleaning
	// StatusException means a background task failed. Only Reset leaves it.
	StatusException
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusMaintainChains:
		return "maintain_chains"
	case StatusDatabaseCleaning:
		return "database_cleaning"
	case StatusException:
		return "exception"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Active reports whether a state in status s accepts block sync. The
// maintenance statuses are only held together with the write lock, so a
// commit waits for the sweep instead of failing.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusMaintainChains, StatusDatabaseCleaning:
		return true
	}
	return false
}

// Transition returns the status after moving from s to next, or
// ErrInvalidTransition.
func (s Status) Transition(next Status) (Status, error) {
	if s.canTransition(next) {
		return next, nil
	}
	return s, fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, s, next)
}

func (s Status) canTransition(next Status) bool {
	if next == StatusException {
		return s <= StatusException
	}

	switch s {
	case StatusReady:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusMaintainChains || next == StatusDatabaseCleaning
	case StatusMaintainChains, StatusDatabaseCleaning:
		return next == StatusRunning
	case StatusException:
		return next == StatusReady
	}
	return false
}
