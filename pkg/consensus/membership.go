package consensus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"raftvfs/pkg/types"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.etcd.io/etcd/raft/v3/tracker"
)

// confPoint is the voter set in effect from index on.
type confPoint struct {
	index uint64
	peers []types.Peer
}

// checkConfChange validates a proposed change against the committed membership and
// decodes it into cc.
func (n *Node) checkConfChange(data []byte, cc *raftpb.ConfChange) error {
	if n.pendingConfIndex > n.applied {
		return ErrConfChangePending
	}
	if err := cc.Unmarshal(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfChange, err)
	}
	if cc.NodeID == types.None {
		return fmt.Errorf("%w: node id must be non-zero", ErrInvalidConfChange)
	}
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeUpdateNode:
		if len(cc.Context) == 0 {
			return fmt.Errorf("%w: node %d has no address", ErrInvalidConfChange, cc.NodeID)
		}
		if _, ok := n.peers[cc.NodeID]; !ok && cc.Type == raftpb.ConfChangeUpdateNode {
			return fmt.Errorf("%w: node %d is not a member", ErrInvalidConfChange, cc.NodeID)
		}
	case raftpb.ConfChangeRemoveNode:
		if _, ok := n.peers[cc.NodeID]; ok && len(n.peers) == 1 {
			return fmt.Errorf("%w: cannot remove the last voter", ErrInvalidConfChange)
		}
	default:
		return fmt.Errorf("%w: unsupported type %s", ErrInvalidConfChange, cc.Type)
	}
	return nil
}

// applyConfChange hands a committed membership entry to raft and brings the transport,
// the persisted membership and the history in line with the resulting voter set.
func (n *Node) applyConfChange(e raftpb.Entry) {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(e.Data); err != nil {
		n.fail(fmt.Errorf("undecodable membership entry at %d: %w", e.Index, err))
		return
	}
	cs := n.rn.ApplyConfChange(cc)
	addr := string(cc.Context)

	// Обновляем транспорт
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeUpdateNode:
		old, known := n.addrs[cc.NodeID]
		if addr != "" {
			n.addrs[cc.NodeID] = addr
		}
		if cc.NodeID != n.id && addr != "" {
			switch {
			case !known:
				n.transport.AddPeer(cc.NodeID, addr)
			case old != addr:
				n.transport.UpdatePeer(cc.NodeID, addr)
			}
		}
	case raftpb.ConfChangeRemoveNode:
		if cc.NodeID != n.id {
			n.transport.RemovePeer(cc.NodeID)
			n.stopSender(cc.NodeID)
		}
		delete(n.addrs, cc.NodeID)
	}

	peers := make([]types.Peer, 0, len(cs.Voters))
	for _, id := range cs.Voters {
		peers = append(peers, types.Peer{ID: id, Address: n.addrs[id]})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	n.peers = make(map[uint64]string, len(peers))
	for _, p := range peers {
		n.peers[p.ID] = p.Address
	}
	n.confHistory = append(n.confHistory, confPoint{index: e.Index, peers: peers})
	if err := n.store.PersistMembership(peers); err != nil {
		n.fail(fmt.Errorf("persist membership at %d: %w", e.Index, err))
		return
	}
	n.metrics.SetGauge("raft_voters", n.labels, float64(len(peers)))
	n.logger.Info("membership changed",
		"index", e.Index, "type", cc.Type, "node_id", cc.NodeID, "address", addr, "voters", len(peers))

	if cc.Type == raftpb.ConfChangeRemoveNode && cc.NodeID == n.id && n.role == Leader {
		n.handOffLeadership()
	}
}

// handOffLeadership asks the most up-to-date remaining voter to take over. raft keeps a
// removed leader in charge otherwise.
func (n *Node) handOffLeadership() {
	var best, bestMatch uint64
	n.rn.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if id != n.id && (best == types.None || pr.Match > bestMatch) {
			best, bestMatch = id, pr.Match
		}
	})
	if best == types.None {
		return
	}
	n.logger.Info("leader removed from the group, handing off", "to", best, "match", bestMatch)
	n.rn.TransferLeader(best)
}

// setPeers replaces the voter set with the one carried by an installed snapshot.
func (n *Node) setPeers(peers []types.Peer) {
	next := make(map[uint64]string, len(peers))
	for _, p := range peers {
		next[p.ID] = p.Address
		old, known := n.addrs[p.ID]
		n.addrs[p.ID] = p.Address
		if p.ID == n.id {
			continue
		}
		switch {
		case !known:
			n.transport.AddPeer(p.ID, p.Address)
		case old != p.Address:
			n.transport.UpdatePeer(p.ID, p.Address)
		}
	}
	for id := range n.peers {
		if _, ok := next[id]; !ok && id != n.id {
			n.transport.RemovePeer(id)
			n.stopSender(id)
			delete(n.addrs, id)
		}
	}
	n.peers = next
	n.metrics.SetGauge("raft_voters", n.labels, float64(len(peers)))
}

// membershipAt returns the voter set in effect at index.
func (n *Node) membershipAt(index uint64) []types.Peer {
	peers := n.confHistory[0].peers
	for _, cp := range n.confHistory {
		if cp.index > index {
			break
		}
		peers = cp.peers
	}
	return peers
}

func confStateOf(peers []types.Peer) raftpb.ConfState {
	cs := raftpb.ConfState{Voters: make([]uint64, 0, len(peers))}
	for _, p := range peers {
		cs.Voters = append(cs.Voters, p.ID)
	}
	return cs
}

// handleCompact snapshots the state machine at c.index and drops the log prefix behind
// the catch-up tail.
func (n *Node) handleCompact(c *compactRequest) {
	cur, err := n.store.Snapshot()
	if err != nil {
		c.result <- err
		return
	}
	switch {
	case c.index > n.applied:
		c.result <- fmt.Errorf("compact at %d beyond applied index %d", c.index, n.applied)
		return
	case c.index <= cur.Metadata.Index:
		c.result <- nil
		return
	}

	peers := n.membershipAt(c.index)
	data, err := encodeSnapshotData(peers, c.data)
	if err != nil {
		c.result <- err
		return
	}
	snap, err := n.store.Compact(c.index, confStateOf(peers), data, c.catchUp)
	if err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			c.result <- nil
			return
		}
		n.fail(fmt.Errorf("compact at %d: %w", c.index, err))
		c.result <- n.halted
		return
	}

	// keep the entry in effect at the snapshot and everything after it
	keep := 0
	for i, cp := range n.confHistory {
		if cp.index <= c.index {
			keep = i
		}
	}
	n.confHistory = append([]confPoint(nil), n.confHistory[keep:]...)
	n.confHistory[0].index = c.index

	first, _ := n.store.FirstIndex()
	n.metrics.IncCounter("raft_snapshots_total", n.labels, 1)
	n.logger.Info("log compacted",
		"index", c.index, "term", snap.Metadata.Term, "first_index", first, "bytes", len(data))
	c.result <- nil
}

// Snapshot data is uvarint(len(peers)) | peers as JSON | state machine data. The voter set
// travels with the state so a follower installing it learns the membership too.
func encodeSnapshotData(peers []types.Peer, app []byte) ([]byte, error) {
	meta, err := json.Marshal(peers)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot membership: %w", err)
	}
	out := make([]byte, 0, binary.MaxVarintLen64+len(meta)+len(app))
	out = binary.AppendUvarint(out, uint64(len(meta)))
	out = append(out, meta...)
	return append(out, app...), nil
}

func decodeSnapshotData(data []byte) ([]types.Peer, []byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < size {
		return nil, nil, errors.New("consensus: malformed snapshot envelope")
	}
	var peers []types.Peer
	if err := json.Unmarshal(data[n:n+int(size)], &peers); err != nil {
		return nil, nil, fmt.Errorf("consensus: snapshot membership: %w", err)
	}
	return peers, data[n+int(size):], nil
}
