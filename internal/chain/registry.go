package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tendermint/chainsync/types"
)

// ErrDuplicateChain is returned when registering a second state for a network.
var ErrDuplicateChain = errors.New("chain already registered")

// Registry holds the State of every tracked network. It is owned by the node
// and handed to each component that needs it.
type Registry struct {
	mtx    sync.RWMutex
	states map[types.ChainID]*State
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[types.ChainID]*State)}
}

// Register adds s under its chain id.
func (r *Registry) Register(s *State) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.states[s.ChainID()]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateChain, s.ChainID())
	}
	r.states[s.ChainID()] = s
	return nil
}

// Get returns the state for id.
func (r *Registry) Get(id types.ChainID) (*State, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	s, ok := r.states[id]
	return s, ok
}

// IDs returns the registered chain ids in ascending order.
func (r *Registry) IDs() []types.ChainID {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	ids := make([]types.ChainID, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each calls fn for every state in chain id order. fn runs without the
// registry lock held.
func (r *Registry) Each(fn func(*State)) {
	for _, id := range r.IDs() {
		if s, ok := r.Get(id); ok {
			fn(s)
		}
	}
}
