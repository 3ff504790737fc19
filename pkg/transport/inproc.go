package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"raftvfs/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Stepper accepts consensus messages for one group on one node.
type Stepper interface {
	Step(ctx context.Context, msg raftpb.Message) error
}

type endpoint struct {
	group types.GroupID
	node  uint64
}

// Network is an in-memory message bus between nodes of the same process. Links can be cut
// per node or between sides of a partition. Used by multi-node tests.
type Network struct {
	mu        sync.RWMutex
	endpoints map[endpoint]Stepper
	isolated  map[uint64]bool
	side      map[uint64]int // partition side per node; nodes on different sides cannot talk
	timeout   time.Duration
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[endpoint]Stepper),
		isolated:  make(map[uint64]bool),
		side:      make(map[uint64]int),
		timeout:   time.Second,
	}
}

// Register attaches s as node's endpoint for group and returns the transport the node
// sends with.
func (nw *Network) Register(group types.GroupID, node uint64, s Stepper) *Inproc {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.endpoints[endpoint{group, node}] = s
	return nw.Transport(group, node)
}

// Transport returns node's sending side for group. It can be created before the node
// registers its endpoint.
func (nw *Network) Transport(group types.GroupID, node uint64) *Inproc {
	return &Inproc{nw: nw, group: group, from: node}
}

func (nw *Network) Unregister(group types.GroupID, node uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.endpoints, endpoint{group, node})
}

// Isolate drops every message to and from node until Heal.
func (nw *Network) Isolate(node uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.isolated[node] = true
}

// Partition splits the nodes into the given sides. Nodes not listed keep talking to everyone.
func (nw *Network) Partition(sides ...[]uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.side = make(map[uint64]int)
	for i, nodes := range sides {
		for _, id := range nodes {
			nw.side[id] = i + 1
		}
	}
}

// Heal restores every link.
func (nw *Network) Heal() {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.isolated = make(map[uint64]bool)
	nw.side = make(map[uint64]int)
}

func (nw *Network) connected(a, b uint64) bool {
	if nw.isolated[a] || nw.isolated[b] {
		return false
	}
	sa, sb := nw.side[a], nw.side[b]
	return sa == 0 || sb == 0 || sa == sb
}

func (nw *Network) deliver(group types.GroupID, msg raftpb.Message) error {
	nw.mu.RLock()
	target, ok := nw.endpoints[endpoint{group, msg.To}]
	linked := nw.connected(msg.From, msg.To)
	timeout := nw.timeout
	nw.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}
	if !linked {
		// dropped silently, like a lost packet
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return target.Step(ctx, msg)
}

// Inproc is the consensus transport of one node in one group on a Network.
type Inproc struct {
	nw    *Network
	group types.GroupID
	from  uint64
}

func (t *Inproc) Send(msg raftpb.Message) error {
	if msg.From == 0 {
		msg.From = t.from
	}
	return t.nw.deliver(t.group, msg)
}

// peers are resolved by id on the network, addresses are not used
func (t *Inproc) AddPeer(uint64, string)    {}
func (t *Inproc) RemovePeer(uint64)         {}
func (t *Inproc) UpdatePeer(uint64, string) {}
