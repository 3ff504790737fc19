package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"raftvfs/pkg/metrics"
	"raftvfs/pkg/types"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.etcd.io/etcd/raft/v3/tracker"
)

// proposals taken from the queue in one round
const maxProposalBatch = 64

// LogStore is the durable log of the group and the raft.Storage of its RawNode. Every
// mutating call must be durable when it returns.
type LogStore interface {
	raft.Storage
	Save(hs raftpb.HardState, entries []raftpb.Entry) error
	Membership() []types.Peer
	PersistMembership(peers []types.Peer) error
	ApplySnapshot(snap raftpb.Snapshot, peers []types.Peer) error
	Compact(index uint64, cs raftpb.ConfState, data []byte, catchUp uint64) (raftpb.Snapshot, error)
}

// Transport delivers messages to peers. Send may block; the node calls it from a
// per-peer sender goroutine.
type Transport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Apply is a batch of committed work for the state machine, in log order.
type Apply struct {
	Entries  []raftpb.Entry
	Snapshot *SnapshotApply
}

// SnapshotApply replaces the state machine with Data as of Index.
type SnapshotApply struct {
	Index uint64
	Term  uint64
	Data  []byte
}

type proposal struct {
	typ    raftpb.EntryType
	data   []byte
	index  uint64
	term   uint64
	result chan proposeResult
}

type proposeResult struct {
	index uint64
	err   error
}

type readRequest struct {
	result chan proposeResult
}

type compactRequest struct {
	index   uint64
	catchUp uint64
	data    []byte
	result  chan error
}

// Node runs one group's raft.RawNode on a single goroutine. Ticks, peer messages,
// proposals, reads and compactions reach that goroutine over channels; after each of
// them the node drains Ready: persist, send, hand committed entries to the apply queue,
// Advance.
type Node struct {
	id        uint64
	cfg       Config
	store     LogStore
	transport Transport
	logger    *slog.Logger
	metrics   metrics.Collector
	labels    map[string]string

	// state below is owned by the run loop
	rn               *raft.RawNode
	role             Role
	lead             uint64
	term             uint64
	peers            map[uint64]string
	addrs            map[uint64]string
	confHistory      []confPoint
	pendingConfIndex uint64
	applied          uint64
	proposals        map[uint64]*proposal
	reads            map[uint64]*readRequest
	readSeq          uint64
	senders          map[uint64]*peerSender

	applyQueue []Apply
	halted     error

	recvc    chan raftpb.Message
	propc    chan *proposal
	readc    chan *readRequest
	compactc chan *compactRequest
	reportc  chan sendReport
	applyc   chan Apply

	started  atomic.Bool
	stopc    chan struct{}
	stopOnce sync.Once
	donec    chan struct{}
	exitErr  error

	status atomic.Pointer[Status]
}

// New restores the node from store. An empty store is bootstrapped with cfg.Peers.
func New(cfg Config, store LogStore, transport Transport) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    cfg.Logger.With("group", cfg.GroupID, "node", cfg.ID),
		metrics:   cfg.Metrics,
		labels: map[string]string{
			"group": strconv.FormatUint(cfg.GroupID, 10),
			"node":  strconv.FormatUint(cfg.ID, 10),
		},
		peers:     make(map[uint64]string),
		addrs:     make(map[uint64]string),
		proposals: make(map[uint64]*proposal),
		reads:     make(map[uint64]*readRequest),
		senders:   make(map[uint64]*peerSender),
		recvc:     make(chan raftpb.Message, 256),
		propc:     make(chan *proposal, 256),
		readc:     make(chan *readRequest, 64),
		compactc:  make(chan *compactRequest),
		reportc:   make(chan sendReport, 64),
		applyc:    make(chan Apply),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
	}

	hs, _, err := store.InitialState()
	if err != nil {
		return nil, fmt.Errorf("load initial state: %w", err)
	}
	snap, err := store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	last, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("load last index: %w", err)
	}
	snapIndex := snap.Metadata.Index

	var snapPeers []types.Peer
	if !raft.IsEmptySnap(snap) {
		var app []byte
		snapPeers, app, err = decodeSnapshotData(snap.Data)
		if err != nil {
			return nil, err
		}
		n.applyQueue = append(n.applyQueue, Apply{Snapshot: &SnapshotApply{
			Index: snapIndex,
			Term:  snap.Metadata.Term,
			Data:  app,
		}})
	}
	persisted := store.Membership()

	bootstrap := raft.IsEmptyHardState(hs) && last == 0 && raft.IsEmptySnap(snap)
	switch {
	case bootstrap && len(cfg.Peers) == 0:
		return nil, errors.New("consensus: no bootstrap peers")
	case !bootstrap && len(persisted) == 0 && len(snapPeers) == 0 && len(cfg.Peers) == 0:
		return nil, errors.New("consensus: store has log state but no membership")
	}

	// адреса из всех источников, свежие перекрывают старые
	for _, src := range [][]types.Peer{cfg.Peers, snapPeers, persisted} {
		for _, p := range src {
			n.addrs[p.ID] = p.Address
		}
	}
	current := persisted
	switch {
	case bootstrap:
		current = cfg.Peers
	case len(current) == 0 && len(snapPeers) > 0:
		current = snapPeers
	}
	for _, p := range current {
		n.peers[p.ID] = p.Address
	}
	for id, addr := range n.addrs {
		if id != n.id {
			transport.AddPeer(id, addr)
		}
	}
	n.confHistory = []confPoint{{index: snapIndex, peers: snapPeers}}
	n.applied = snapIndex

	rn, err := raft.NewRawNode(cfg.toRaftConfig(store, snapIndex, n.logger))
	if err != nil {
		return nil, fmt.Errorf("consensus: %w", err)
	}
	if bootstrap {
		rp := make([]raft.Peer, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			rp = append(rp, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
		}
		if err := rn.Bootstrap(rp); err != nil {
			return nil, fmt.Errorf("consensus: bootstrap: %w", err)
		}
	}
	n.rn = rn
	n.syncSoftState()
	n.publishStatus()
	n.logger.Info("consensus node restored",
		"term", hs.Term, "commit", hs.Commit, "snapshot", snapIndex,
		"last_index", last, "peers", len(n.peers), "bootstrap", bootstrap)
	return n, nil
}

// Run drives the node until ctx is done, Stop is called or the node halts.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("consensus: node already running")
	}
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		n.processReady()
		if n.halted != nil {
			n.shutdown(n.halted)
			return n.halted
		}
		n.publishStatus()

		var (
			applyc chan Apply
			next   Apply
		)
		if len(n.applyQueue) > 0 {
			applyc = n.applyc
			next = n.applyQueue[0]
		}

		select {
		case <-ctx.Done():
			n.shutdown(ErrStopped)
			return ctx.Err()
		case <-n.stopc:
			n.shutdown(ErrStopped)
			return nil
		case <-ticker.C:
			n.rn.Tick()
		case m := <-n.recvc:
			if err := n.rn.Step(m); err != nil {
				n.logger.Debug("dropped raft message", "from", m.From, "type", m.Type, "error", err)
			}
		case p := <-n.propc:
			n.proposeBatch(n.drainProposals(p))
		case r := <-n.readc:
			n.handleReadIndex(r)
		case c := <-n.compactc:
			n.handleCompact(c)
		case rep := <-n.reportc:
			n.handleReport(rep)
		case applyc <- next:
			n.applyQueue[0] = Apply{}
			n.applyQueue = n.applyQueue[1:]
			if len(n.applyQueue) == 0 {
				n.applyQueue = nil
			}
		}
	}
}

func (n *Node) drainProposals(first *proposal) []*proposal {
	batch := []*proposal{first}
	for len(batch) < maxProposalBatch {
		select {
		case p := <-n.propc:
			batch = append(batch, p)
		default:
			return batch
		}
	}
	return batch
}

// processReady drains every pending Ready. A persistence failure halts the node before
// anything that depends on the failed write leaves it.
func (n *Node) processReady() {
	for n.halted == nil && n.rn.HasReady() {
		rd := n.rn.Ready()
		if rd.SoftState != nil {
			n.syncSoftState()
		}

		if !raft.IsEmptySnap(rd.Snapshot) {
			n.installSnapshot(rd.Snapshot)
			if n.halted != nil {
				return
			}
		}
		if err := n.store.Save(rd.HardState, rd.Entries); err != nil {
			n.fail(fmt.Errorf("save %d entries: %w", len(rd.Entries), err))
			return
		}
		if !raft.IsEmptyHardState(rd.HardState) && rd.HardState.Term != n.term {
			n.term = rd.HardState.Term
			n.metrics.SetGauge("raft_term", n.labels, float64(n.term))
		}

		for _, m := range rd.Messages {
			n.send(m)
		}
		for _, rs := range rd.ReadStates {
			n.resolveRead(rs)
		}
		if len(rd.CommittedEntries) > 0 {
			n.commit(rd.CommittedEntries)
			if n.halted != nil {
				return
			}
		}
		n.rn.Advance(rd)
	}
}

// commit applies membership entries to raft, settles local proposals and queues the
// batch for the state machine.
func (n *Node) commit(ents []raftpb.Entry) {
	for i := range ents {
		e := ents[i]
		switch e.Type {
		case raftpb.EntryConfChange:
			n.applyConfChange(e)
		case raftpb.EntryConfChangeV2:
			// never proposed here, but raft must see every committed change
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(e.Data); err != nil {
				n.fail(fmt.Errorf("undecodable membership entry at %d: %w", e.Index, err))
				return
			}
			n.rn.ApplyConfChange(cc)
			n.logger.Warn("applied joint membership entry without address update", "index", e.Index)
		}
		if n.halted != nil {
			return
		}
		if p, ok := n.proposals[e.Index]; ok {
			delete(n.proposals, e.Index)
			if e.Term != p.term || e.Type != p.typ {
				p.result <- proposeResult{err: ErrProposalDropped}
			} else {
				p.result <- proposeResult{index: e.Index}
			}
		}
	}
	n.applied = ents[len(ents)-1].Index
	n.applyQueue = append(n.applyQueue, Apply{Entries: ents})
}

func (n *Node) installSnapshot(snap raftpb.Snapshot) {
	peers, app, err := decodeSnapshotData(snap.Data)
	if err != nil {
		n.fail(fmt.Errorf("snapshot at %d: %w", snap.Metadata.Index, err))
		return
	}
	if err := n.store.ApplySnapshot(snap, peers); err != nil {
		n.fail(fmt.Errorf("install snapshot at %d: %w", snap.Metadata.Index, err))
		return
	}
	n.setPeers(peers)
	n.confHistory = []confPoint{{index: snap.Metadata.Index, peers: peers}}
	n.applied = snap.Metadata.Index

	// proposals at or below the snapshot were replaced by the leader's log
	for idx, p := range n.proposals {
		if idx <= snap.Metadata.Index {
			p.result <- proposeResult{err: ErrProposalDropped}
			delete(n.proposals, idx)
		}
	}
	n.applyQueue = append(n.applyQueue, Apply{Snapshot: &SnapshotApply{
		Index: snap.Metadata.Index,
		Term:  snap.Metadata.Term,
		Data:  app,
	}})
	n.logger.Info("installed snapshot from leader",
		"index", snap.Metadata.Index, "term", snap.Metadata.Term, "voters", len(peers))
}

// syncSoftState picks up role and leader changes from raft.
func (n *Node) syncSoftState() {
	st := n.rn.BasicStatus()
	role := roleOf(st.RaftState)
	if role != n.role {
		n.metrics.SetGauge("raft_is_leader", n.labels, boolGauge(role == Leader))
		if n.role == Leader {
			// ReadIndex requests of a deposed leader are never answered
			n.failReads(n.notLeader(st.Lead))
		}
		n.logger.Info("role changed", "role", role, "term", st.Term, "leader", st.Lead)
	}
	n.role, n.lead, n.term = role, st.Lead, st.Term
}

// Stop stops a running node and waits for the loop to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopc) })
	if n.started.Load() {
		<-n.donec
	}
}

// Done is closed when the run loop has exited.
func (n *Node) Done() <-chan struct{} {
	return n.donec
}

// Err returns why the loop exited, nil while running.
func (n *Node) Err() error {
	select {
	case <-n.donec:
		return n.exitErr
	default:
		return nil
	}
}

// Committed streams committed entries and installed snapshots in log order.
func (n *Node) Committed() <-chan Apply {
	return n.applyc
}

// Step delivers a message from a peer.
func (n *Node) Step(ctx context.Context, m raftpb.Message) error {
	select {
	case n.recvc <- m:
		return nil
	case <-n.donec:
		return n.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Propose appends data to the log and returns its index once it is committed.
// A cancelled ctx abandons the wait, not the entry.
func (n *Node) Propose(ctx context.Context, data []byte) (uint64, error) {
	return n.propose(ctx, &proposal{typ: raftpb.EntryNormal, data: data})
}

// ProposeConfChange proposes a single membership change. The address of an added or
// updated node travels in cc.Context.
func (n *Node) ProposeConfChange(ctx context.Context, cc raftpb.ConfChange) (uint64, error) {
	data, err := cc.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal conf change: %w", err)
	}
	return n.propose(ctx, &proposal{typ: raftpb.EntryConfChange, data: data})
}

func (n *Node) propose(ctx context.Context, p *proposal) (uint64, error) {
	p.result = make(chan proposeResult, 1)
	select {
	case n.propc <- p:
	case <-n.donec:
		return 0, n.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return n.wait(ctx, p.result)
}

func (n *Node) proposeBatch(batch []*proposal) {
	for _, p := range batch {
		if n.role != Leader {
			p.result <- proposeResult{err: n.notLeader(n.lead)}
			continue
		}
		var err error
		if p.typ == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err = n.checkConfChange(p.data, &cc); err == nil {
				err = n.rn.ProposeConfChange(cc)
			}
		} else {
			err = n.rn.Propose(p.data)
		}
		if errors.Is(err, raft.ErrProposalDropped) {
			err = ErrProposalDropped
		}
		if err != nil {
			p.result <- proposeResult{err: err}
			continue
		}

		// a leader appends the entry at once; its own match index is the entry's index
		p.index, p.term = n.selfMatch(), n.term
		n.proposals[p.index] = p
		if p.typ == raftpb.EntryConfChange {
			n.pendingConfIndex = p.index
		}
	}
}

func (n *Node) selfMatch() uint64 {
	var match uint64
	n.rn.WithProgress(func(id uint64, _ raft.ProgressType, pr tracker.Progress) {
		if id == n.id {
			match = pr.Match
		}
	})
	return match
}

// ReadIndex returns a commit index that is safe to serve a linearizable read at, once
// the state machine has applied it. Leader only.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	r := &readRequest{result: make(chan proposeResult, 1)}
	select {
	case n.readc <- r:
	case <-n.donec:
		return 0, n.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return n.wait(ctx, r.result)
}

func (n *Node) handleReadIndex(r *readRequest) {
	if n.role != Leader {
		r.result <- proposeResult{err: n.notLeader(n.lead)}
		return
	}
	n.readSeq++
	n.reads[n.readSeq] = r
	rctx := make([]byte, 8)
	binary.BigEndian.PutUint64(rctx, n.readSeq)
	n.rn.ReadIndex(rctx)
	n.metrics.IncCounter("raft_read_index_total", n.labels, 1)
}

func (n *Node) resolveRead(rs raft.ReadState) {
	if len(rs.RequestCtx) != 8 {
		return
	}
	seq := binary.BigEndian.Uint64(rs.RequestCtx)
	r, ok := n.reads[seq]
	if !ok {
		return
	}
	delete(n.reads, seq)
	r.result <- proposeResult{index: rs.Index}
}

func (n *Node) failReads(err error) {
	for seq, r := range n.reads {
		r.result <- proposeResult{err: err}
		delete(n.reads, seq)
	}
}

// Compact snapshots the state machine at index with data and drops the log prefix,
// keeping catchUp entries before index. index must already be applied by the caller.
func (n *Node) Compact(ctx context.Context, index, catchUp uint64, data []byte) error {
	c := &compactRequest{index: index, catchUp: catchUp, data: data, result: make(chan error, 1)}
	select {
	case n.compactc <- c:
	case <-n.donec:
		return n.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.result:
		return err
	case <-n.donec:
		select {
		case err := <-c.result:
			return err
		default:
			return n.exitErr
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) wait(ctx context.Context, result <-chan proposeResult) (uint64, error) {
	select {
	case res := <-result:
		return res.index, res.err
	case <-n.donec:
		select {
		case res := <-result:
			return res.index, res.err
		default:
			return 0, n.exitErr
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns the last published state. Safe from any goroutine.
func (n *Node) Status() Status {
	return *n.status.Load()
}

func (n *Node) IsLeader() bool {
	return n.Status().Role == Leader
}

// Membership returns the committed voter set.
func (n *Node) Membership() []types.Peer {
	return n.Status().Peers
}

func (n *Node) publishStatus() {
	st := n.rn.BasicStatus()
	first, _ := n.store.FirstIndex()
	last, _ := n.store.LastIndex()
	snap, _ := n.store.Snapshot()
	n.status.Store(&Status{
		ID:            n.id,
		GroupID:       n.cfg.GroupID,
		Role:          roleOf(st.RaftState),
		Term:          st.Term,
		Vote:          st.Vote,
		Lead:          st.Lead,
		Commit:        st.Commit,
		FirstIndex:    first,
		LastIndex:     last,
		SnapshotIndex: snap.Metadata.Index,
		Peers:         n.sortedPeers(),
		Halted:        n.halted != nil,
	})
}

func (n *Node) sortedPeers() []types.Peer {
	out := make([]types.Peer, 0, len(n.peers))
	for id, addr := range n.peers {
		out = append(out, types.Peer{ID: id, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// shutdown fails every waiter and closes donec. Loop goroutine only.
func (n *Node) shutdown(err error) {
	for idx, p := range n.proposals {
		p.result <- proposeResult{err: err}
		delete(n.proposals, idx)
	}
	n.failReads(err)
	for id, s := range n.senders {
		s.stop()
		delete(n.senders, id)
	}
	n.exitErr = err
	n.publishStatus()
	close(n.donec)
	n.logger.Info("consensus node stopped", "reason", err)
}

// fail halts the node after a persistence error. The loop exits after the current Ready.
func (n *Node) fail(err error) {
	if n.halted != nil {
		return
	}
	n.halted = fmt.Errorf("%w: %v", ErrHalted, err)
	n.logger.Error("persistence failure, halting group", "error", err)
}

// send queues m for its peer. A full queue drops the message and tells raft the peer is
// unreachable, which pauses optimistic replication to it.
func (n *Node) send(m raftpb.Message) {
	if m.To == n.id {
		return
	}
	s, ok := n.senders[m.To]
	if !ok {
		s = newPeerSender(m.To, n.cfg.SendQueueSize, n.transport.Send, n.report, n.logger)
		n.senders[m.To] = s
	}
	if !s.enqueue(m) {
		n.logger.Debug("send queue full, dropping message", "to", m.To, "type", m.Type)
		n.handleReport(sendReport{to: m.To, snapshot: m.Type == raftpb.MsgSnap, failed: true})
	}
}

// report is called from sender goroutines; dropping a report only delays recovery.
func (n *Node) report(r sendReport) {
	select {
	case n.reportc <- r:
	case <-n.donec:
	default:
	}
}

func (n *Node) handleReport(r sendReport) {
	if r.failed {
		n.rn.ReportUnreachable(r.to)
	}
	if r.snapshot {
		status := raft.SnapshotFinish
		if r.failed {
			status = raft.SnapshotFailure
		}
		n.rn.ReportSnapshot(r.to, status)
	}
}

func (n *Node) stopSender(id uint64) {
	if s, ok := n.senders[id]; ok {
		s.stop()
		delete(n.senders, id)
	}
}

func (n *Node) notLeader(lead uint64) *NotLeaderError {
	return &NotLeaderError{LeaderID: lead, LeaderAddr: n.addrs[lead]}
}

func roleOf(s raft.StateType) Role {
	switch s {
	case raft.StateLeader:
		return Leader
	case raft.StateCandidate:
		return Candidate
	case raft.StatePreCandidate:
		return PreCandidate
	default:
		return Follower
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
