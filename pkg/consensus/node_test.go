package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"raftvfs/pkg/logstore"
	"raftvfs/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(id uint64, peers ...uint64) Config {
	ps := make([]types.Peer, len(peers))
	for i, p := range peers {
		ps[i] = types.Peer{ID: p, Address: fmt.Sprintf("n%d", p)}
	}
	return Config{
		ID:            id,
		GroupID:       1,
		Peers:         ps,
		TickInterval:  5 * time.Millisecond,
		ElectionTick:  10,
		HeartbeatTick: 2,
		Logger:        discardLogger(),
	}
}

// recorder is a Transport that remembers peer table changes.
type recorder struct {
	mu    sync.Mutex
	peers map[uint64]string
}

func newRecorder() *recorder {
	return &recorder{peers: make(map[uint64]string)}
}

func (r *recorder) Send(raftpb.Message) error { return nil }

func (r *recorder) AddPeer(id uint64, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = addr
}

func (r *recorder) RemovePeer(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *recorder) UpdatePeer(id uint64, addr string) {
	r.AddPeer(id, addr)
}

func (r *recorder) addr(id uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.peers[id]
	return a, ok
}

// running is a node driven by its own loop with a goroutine draining Committed.
type running struct {
	n       *Node
	applied *applied
	cancel  context.CancelFunc
	runErr  chan error
	drained chan struct{}
}

func start(t *testing.T, cfg Config, store LogStore, tr Transport) *running {
	t.Helper()
	n, err := New(cfg, store, tr)
	if err != nil {
		t.Fatalf("New(%d): %v", cfg.ID, err)
	}
	return run(n)
}

func run(n *Node) *running {
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		n:       n,
		applied: &applied{},
		cancel:  cancel,
		runErr:  make(chan error, 1),
		drained: make(chan struct{}),
	}
	go func() { r.runErr <- n.Run(ctx) }()
	go func() {
		defer close(r.drained)
		for {
			select {
			case ap := <-n.Committed():
				r.applied.record(ap)
			case <-n.Done():
				return
			}
		}
	}()
	return r
}

// kill stops the loop and waits for both goroutines.
func (r *running) kill() {
	r.cancel()
	<-r.n.Done()
	<-r.drained
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startSingle(t *testing.T, store LogStore) *running {
	t.Helper()
	if store == nil {
		store = logstore.NewMemory()
	}
	r := start(t, testConfig(1, 1), store, newRecorder())
	t.Cleanup(r.kill)
	waitFor(t, "leadership", r.n.IsLeader)
	return r
}

func propose(t *testing.T, n *Node, data string) uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	idx, err := n.Propose(ctx, []byte(data))
	if err != nil {
		t.Fatalf("Propose(%q): %v", data, err)
	}
	return idx
}

func TestSingleNodeCommitsInOrder(t *testing.T) {
	r := startSingle(t, nil)

	var prev uint64
	for i := 0; i < 5; i++ {
		idx := propose(t, r.n, fmt.Sprint(i))
		if idx <= prev {
			t.Fatalf("proposal %d committed at %d after %d", i, idx, prev)
		}
		prev = idx
	}
	waitFor(t, "apply", func() bool {
		data, _ := r.applied.snapshot()
		return len(data) == 5
	})
	data, _ := r.applied.snapshot()
	for i, d := range data {
		if d != fmt.Sprint(i) {
			t.Fatalf("applied[%d] = %q", i, d)
		}
	}
	if st := r.n.Status(); st.Commit < prev || st.LastIndex < prev || st.Role != Leader {
		t.Fatalf("status = %+v, want commit >= %d", st, prev)
	}
}

func TestReadIndexCoversCommittedWrites(t *testing.T) {
	r := startSingle(t, nil)
	idx := propose(t, r.n, "x")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	read, err := r.n.ReadIndex(ctx)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if read < idx {
		t.Fatalf("read index %d below committed write %d", read, idx)
	}
}

func TestFollowerRejectsLeaderOnlyCalls(t *testing.T) {
	// peers never answer, so the node can not win an election
	r := start(t, testConfig(1, 1, 2, 3), logstore.NewMemory(), newRecorder())
	t.Cleanup(r.kill)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.n.Propose(ctx, []byte("x"))
	var nle *NotLeaderError
	if !errors.As(err, &nle) || !errors.Is(err, ErrNotLeader) {
		t.Fatalf("Propose on follower = %v, want NotLeaderError", err)
	}
	if _, err := r.n.ReadIndex(ctx); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("ReadIndex on follower = %v, want ErrNotLeader", err)
	}
}

func TestStopFailsPendingWaiters(t *testing.T) {
	n, err := New(testConfig(1, 1, 2, 3), logstore.NewMemory(), newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	n.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run after Stop = %v", err)
	}
	if _, err := n.Propose(context.Background(), []byte("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Propose after stop = %v, want ErrStopped", err)
	}
	if _, err := n.ReadIndex(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("ReadIndex after stop = %v, want ErrStopped", err)
	}
}

func TestAddNodeUpdatesTransportAndMembership(t *testing.T) {
	tr := newRecorder()
	r := start(t, testConfig(1, 1), logstore.NewMemory(), tr)
	t.Cleanup(r.kill)
	waitFor(t, "leadership", r.n.IsLeader)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("n2:7000")}
	if _, err := r.n.ProposeConfChange(ctx, cc); err != nil {
		t.Fatalf("ProposeConfChange: %v", err)
	}
	if addr, ok := tr.addr(2); !ok || addr != "n2:7000" {
		t.Fatalf("transport address of node 2 = %q, %v", addr, ok)
	}
	waitFor(t, "membership", func() bool { return len(r.n.Membership()) == 2 })
	if got := r.n.Membership()[1]; got.ID != 2 || got.Address != "n2:7000" {
		t.Fatalf("membership = %v", r.n.Membership())
	}
}

func TestCheckConfChange(t *testing.T) {
	n, err := New(testConfig(1, 1), logstore.NewMemory(), newRecorder())
	if err != nil {
		t.Fatal(err)
	}
	marshal := func(cc raftpb.ConfChange) []byte {
		data, err := cc.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	for _, tt := range []struct {
		name string
		cc   raftpb.ConfChange
		want error
	}{
		{"add", raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("a")}, nil},
		{"add without address", raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2}, ErrInvalidConfChange},
		{"zero id", raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, Context: []byte("a")}, ErrInvalidConfChange},
		{"update stranger", raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 9, Context: []byte("a")}, ErrInvalidConfChange},
		{"remove last voter", raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 1}, ErrInvalidConfChange},
		{"learner", raftpb.ConfChange{Type: raftpb.ConfChangeAddLearnerNode, NodeID: 2, Context: []byte("a")}, ErrInvalidConfChange},
	} {
		var cc raftpb.ConfChange
		if err := n.checkConfChange(marshal(tt.cc), &cc); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	n.pendingConfIndex = n.applied + 1
	var cc raftpb.ConfChange
	add := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("a")}
	if err := n.checkConfChange(marshal(add), &cc); !errors.Is(err, ErrConfChangePending) {
		t.Fatalf("second change while one is pending = %v", err)
	}
}

func TestMembershipAt(t *testing.T) {
	n := &Node{confHistory: []confPoint{
		{index: 0, peers: []types.Peer{{ID: 1}}},
		{index: 5, peers: []types.Peer{{ID: 1}, {ID: 2}}},
		{index: 9, peers: []types.Peer{{ID: 2}}},
	}}
	for _, tt := range []struct {
		index uint64
		want  int
	}{{3, 1}, {5, 2}, {8, 2}, {12, 1}} {
		if got := n.membershipAt(tt.index); len(got) != tt.want {
			t.Errorf("membershipAt(%d) = %v", tt.index, got)
		}
	}
}

func TestSnapshotEnvelope(t *testing.T) {
	peers := []types.Peer{{ID: 7, Address: "x:1"}}
	data, err := encodeSnapshotData(peers, []byte{0, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	got, app, err := decodeSnapshotData(data)
	if err != nil || len(got) != 1 || got[0] != peers[0] || len(app) != 3 {
		t.Fatalf("decode = %v %v %v", got, app, err)
	}
	if _, _, err := decodeSnapshotData(data[:3]); err == nil {
		t.Fatal("expected error for a truncated envelope")
	}
}

func TestCompactKeepsCatchUpEntries(t *testing.T) {
	r := startSingle(t, nil)
	var last uint64
	for i := 0; i < 10; i++ {
		last = propose(t, r.n, fmt.Sprint(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.n.Compact(ctx, last+100, 0, nil); err == nil {
		t.Fatal("compaction beyond the applied index succeeded")
	}
	if err := r.n.Compact(ctx, last, 4, []byte("state")); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	waitFor(t, "status", func() bool { return r.n.Status().SnapshotIndex == last })
	if st := r.n.Status(); st.FirstIndex != last-4+1 {
		t.Fatalf("first index after compaction = %d, want %d", st.FirstIndex, last-3)
	}
	// an older index is a no-op
	if err := r.n.Compact(ctx, last-1, 0, nil); err != nil {
		t.Fatalf("stale Compact: %v", err)
	}
}

func TestRestartReplaysCommittedEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := logstore.Open(dir, 2, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	r := start(t, testConfig(1, 1), store, newRecorder())
	waitFor(t, "leadership", r.n.IsLeader)
	for i := 0; i < 3; i++ {
		propose(t, r.n, fmt.Sprint(i))
	}
	r.kill()
	_ = store.Close()

	store, err = logstore.Open(dir, 2, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	r = start(t, testConfig(1, 1), store, newRecorder())
	defer r.kill()

	if st := r.n.Status(); st.Term == 0 || st.Commit < 4 {
		t.Fatalf("restored status = %+v", st)
	}
	waitFor(t, "replay", func() bool {
		data, _ := r.applied.snapshot()
		return len(data) >= 3
	})
	data, _ := r.applied.snapshot()
	for i := 0; i < 3; i++ {
		if data[i] != fmt.Sprint(i) {
			t.Fatalf("replayed[%d] = %q", i, data[i])
		}
	}
	if peers := r.n.Membership(); len(peers) != 1 || peers[0].ID != 1 {
		t.Fatalf("restored membership = %v", peers)
	}
}

func TestRestartFromSnapshotQueuesState(t *testing.T) {
	store := logstore.NewMemory()
	r := start(t, testConfig(1, 1), store, newRecorder())
	waitFor(t, "leadership", r.n.IsLeader)
	idx := propose(t, r.n, "a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.n.Compact(ctx, idx, 0, []byte("state")); err != nil {
		t.Fatal(err)
	}
	r.kill()

	r = start(t, testConfig(1, 1), store, newRecorder())
	defer r.kill()
	waitFor(t, "snapshot apply", func() bool {
		_, snaps := r.applied.snapshot()
		return len(snaps) == 1
	})
	_, snaps := r.applied.snapshot()
	if snaps[0].Index != idx || string(snaps[0].Data) != "state" {
		t.Fatalf("restored snapshot = %+v", snaps[0])
	}
}

// failingStore starts refusing writes once broken is set.
type failingStore struct {
	*logstore.Store
	broken atomic.Bool
}

func (s *failingStore) Save(hs raftpb.HardState, entries []raftpb.Entry) error {
	if s.broken.Load() && len(entries) > 0 {
		return errors.New("disk full")
	}
	return s.Store.Save(hs, entries)
}

func TestPersistenceFailureHaltsNode(t *testing.T) {
	store := &failingStore{Store: logstore.NewMemory()}
	r := start(t, testConfig(1, 1), store, newRecorder())
	waitFor(t, "leadership", r.n.IsLeader)
	propose(t, r.n, "ok")

	store.broken.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.n.Propose(ctx, []byte("lost")); !errors.Is(err, ErrHalted) {
		t.Fatalf("Propose on a failing disk = %v, want ErrHalted", err)
	}
	select {
	case err := <-r.runErr:
		if !errors.Is(err, ErrHalted) {
			t.Fatalf("Run = %v, want ErrHalted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the halt")
	}
	if !r.n.Status().Halted {
		t.Fatal("status does not report the halt")
	}
	<-r.drained
}

func TestPeerSenderDropsWhenQueueFull(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	reports := make(chan sendReport, 4)
	s := newPeerSender(2, 1, func(m raftpb.Message) error {
		started <- struct{}{}
		<-release
		if m.Type == raftpb.MsgSnap {
			return errors.New("connection reset")
		}
		return nil
	}, func(r sendReport) { reports <- r }, discardLogger())
	defer s.stop()

	if !s.enqueue(raftpb.Message{To: 2, Type: raftpb.MsgApp}) {
		t.Fatal("first message refused")
	}
	<-started // the sender holds it, the queue is empty
	if !s.enqueue(raftpb.Message{To: 2, Type: raftpb.MsgSnap}) {
		t.Fatal("queued message refused")
	}
	if s.enqueue(raftpb.Message{To: 2, Type: raftpb.MsgHeartbeat}) {
		t.Fatal("message accepted beyond the queue bound")
	}

	close(release)
	select {
	case r := <-reports:
		if r.to != 2 || !r.snapshot || !r.failed {
			t.Fatalf("report = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no report for the failed snapshot")
	}
}
