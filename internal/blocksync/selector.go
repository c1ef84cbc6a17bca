package blocksync

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/tendermint/chainsync/types"
)

// Credit bounds and adjustments.
const (
	MaxCredit     = 100
	InitialCredit = MaxCredit

	fastCreditBonus      = 10
	slowCreditPenalty    = 5
	failureCreditPenalty = 20
)

// NodeSelector hands out peers in order of credit, highest first. Ties go to
// the lower node id. A peer is handed out to one taker at a time and must be
// given back with Return or Offer.
//
// Credits outlive the queue: a peer that is offered again keeps the credit it
// had earned.
type NodeSelector struct {
	slowThreshold time.Duration

	mtx     sync.Mutex
	queue   nodeHeap
	queued  map[types.NodeID]*nodeItem
	credits map[types.NodeID]int
	ready   chan struct{}
}

// NewNodeSelector returns an empty selector. Successful downloads slower than
// slowThreshold lower the peer's credit.
func NewNodeSelector(slowThreshold time.Duration) *NodeSelector {
	return &NodeSelector{
		slowThreshold: slowThreshold,
		queued:        make(map[types.NodeID]*nodeItem),
		credits:       make(map[types.NodeID]int),
		ready:         make(chan struct{}, 1),
	}
}

// Offer makes node available. Offering a queued node updates its height.
func (ns *NodeSelector) Offer(node types.NodeInfo) {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()

	ns.offerLocked(node)
}

func (ns *NodeSelector) offerLocked(node types.NodeInfo) {
	if item, ok := ns.queued[node.ID]; ok {
		item.node = node
		return
	}

	credit, ok := ns.credits[node.ID]
	if !ok {
		credit = InitialCredit
		ns.credits[node.ID] = credit
	}

	item := &nodeItem{node: node, credit: credit}
	heap.Push(&ns.queue, item)
	ns.queued[node.ID] = item
	ns.signal()
}

// Take removes and returns the best available node, blocking until one is
// available or ctx is done.
func (ns *NodeSelector) Take(ctx context.Context) (types.NodeInfo, error) {
	for {
		ns.mtx.Lock()
		if ns.queue.Len() > 0 {
			item := heap.Pop(&ns.queue).(*nodeItem)
			delete(ns.queued, item.node.ID)
			if ns.queue.Len() > 0 {
				// pass the wakeup on to the next waiter
				ns.signal()
			}
			ns.mtx.Unlock()
			return item.node, nil
		}
		ns.mtx.Unlock()

		select {
		case <-ctx.Done():
			return types.NodeInfo{}, ctx.Err()
		case <-ns.ready:
		}
	}
}

// Return adjusts the credit of node for a download attempt and makes it
// available again.
func (ns *NodeSelector) Return(node types.NodeInfo, success bool, duration time.Duration) {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()

	ns.adjustCreditLocked(node.ID, success, duration)
	ns.offerLocked(node)
}

// AdjustCredit records the outcome of a download attempt and returns the new
// credit of the node.
func (ns *NodeSelector) AdjustCredit(id types.NodeID, success bool, duration time.Duration) int {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()

	return ns.adjustCreditLocked(id, success, duration)
}

func (ns *NodeSelector) adjustCreditLocked(id types.NodeID, success bool, duration time.Duration) int {
	credit, ok := ns.credits[id]
	if !ok {
		credit = InitialCredit
	}

	switch {
	case !success:
		credit -= failureCreditPenalty
	case duration > ns.slowThreshold:
		credit -= slowCreditPenalty
	default:
		credit += fastCreditBonus
	}
	if credit > MaxCredit {
		credit = MaxCredit
	}
	if credit < 0 {
		credit = 0
	}
	ns.credits[id] = credit

	if item, ok := ns.queued[id]; ok {
		item.credit = credit
		heap.Fix(&ns.queue, item.index)
	}
	return credit
}

// Credit returns the current credit of a node.
func (ns *NodeSelector) Credit(id types.NodeID) int {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()

	if credit, ok := ns.credits[id]; ok {
		return credit
	}
	return InitialCredit
}

// Len returns the number of available nodes.
func (ns *NodeSelector) Len() int {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()
	return ns.queue.Len()
}

// Clear drops every available node. Credits are kept.
func (ns *NodeSelector) Clear() {
	ns.mtx.Lock()
	defer ns.mtx.Unlock()

	ns.queue = nil
	ns.queued = make(map[types.NodeID]*nodeItem)
}

func (ns *NodeSelector) signal() {
	select {
	case ns.ready <- struct{}{}:
	default:
	}
}

//-----------------------------------------------------------------------------

type nodeItem struct {
	node   types.NodeInfo
	credit int
	index  int
}

// nodeHeap implements heap.Interface as a max-heap on credit.
type nodeHeap []*nodeItem

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	if h[i].credit != h[j].credit {
		return h[i].credit > h[j].credit
	}
	return h[i].node.ID < h[j].node.ID
}

func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *nodeHeap) Push(x interface{}) {
	item := x.(*nodeItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
