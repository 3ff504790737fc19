// Package consensus runs the Raft protocol of a single replication group on top of
// etcd's raft.RawNode.
//
// A Node owns the RawNode and drives it from one goroutine (Node.Run). Ticks, peer
// messages, proposals, read requests and compaction requests are posted to that
// goroutine over channels, so no state needs locks. After every event the loop drains
// Ready: the hard state, entries and any received snapshot are saved through LogStore
// first, then messages go to per-peer bounded send queues, committed entries go to the
// apply queue and membership entries go back into raft with ApplyConfChange.
//
// Committed entries and installed snapshots leave the node in log order on Committed().
// Proposals and ReadIndex are served by the leader only; followers answer with a
// NotLeaderError carrying the leader hint. A persistence failure halts the node.
package consensus
