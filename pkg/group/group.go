package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"raftvfs/pkg/consensus"
	"raftvfs/pkg/listener"
	"raftvfs/pkg/logstore"
	"raftvfs/pkg/metrics"
	"raftvfs/pkg/snapshot"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	ErrGroupNotFound = errors.New("group: not found")
	ErrGroupExists   = errors.New("group: already exists")
)

// Options configure one group on this node.
type Options struct {
	ID        types.GroupID
	Consensus consensus.Config
	// DataDir is the group's own directory. Empty keeps the log in memory.
	DataDir string
	// Retain is the number of snapshot files kept on disk.
	Retain   int
	Snapshot snapshot.Policy
	Compress bool
	Limits   vfs.Limits

	Transport consensus.Transport
	Logger    *slog.Logger
	Metrics   metrics.Collector
}

// Result is the outcome of a committed command.
type Result struct {
	Index uint64
	vfs.Result
}

// Status is what a node knows about one of its groups.
type Status struct {
	consensus.Status
	Role       string `json:"role"`
	LeaderAddr string `json:"leader_addr"`
	Applied    uint64 `json:"applied"`
	Files      int    `json:"files"`
}

// Group is one replication group on this node: a log store, a consensus node, a VFS and
// the apply worker between them.
type Group struct {
	id      types.GroupID
	node    *consensus.Node
	store   *logstore.Store
	fs      *vfs.VFS
	snaps   *snapshot.Manager
	applier *listener.Listener[consensus.Apply]
	limits  vfs.Limits
	logger  *slog.Logger
	metrics metrics.Collector
	labels  map[string]string

	applied  atomic.Uint64
	notifier *appliedNotifier

	waitersMu sync.Mutex
	waiters   map[uuid.UUID]chan vfs.Result

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	failOnce sync.Once
	failc    chan struct{}
	failErr  error

	startOnce sync.Once
	stopOnce  sync.Once
}

// Open restores the group from its directory, or bootstraps it from opts.Consensus.Peers
// when the directory is empty. The group does nothing until Start.
func Open(opts Options) (*Group, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("group", opts.ID, "node", opts.Consensus.ID)
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop{}
	}

	var (
		store *logstore.Store
		err   error
	)
	if opts.DataDir == "" {
		store = logstore.NewMemory()
	} else {
		store, err = logstore.Open(filepath.Clean(opts.DataDir), opts.Retain, logger)
		if err != nil {
			return nil, fmt.Errorf("open log store of group %d: %w", opts.ID, err)
		}
	}

	ccfg := opts.Consensus
	ccfg.GroupID = uint64(opts.ID)
	ccfg.Logger = logger
	ccfg.Metrics = m
	node, err := consensus.New(ccfg, store, opts.Transport)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start consensus of group %d: %w", opts.ID, err)
	}

	g := &Group{
		id:       opts.ID,
		node:     node,
		store:    store,
		fs:       vfs.New(opts.ID),
		snaps:    snapshot.NewManager(opts.Snapshot, opts.Compress, logger),
		limits:   opts.Limits,
		logger:   logger,
		metrics:  m,
		labels:   map[string]string{"group": strconv.FormatUint(uint64(opts.ID), 10)},
		notifier: newAppliedNotifier(),
		waiters:  make(map[uuid.UUID]chan vfs.Result),
		runDone:  make(chan struct{}),
		failc:    make(chan struct{}),
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	if snap, err := store.Snapshot(); err == nil && snap.Metadata.Index > 0 {
		g.snaps.SetLast(snap.Metadata.Index)
	}
	g.applier = listener.New(node.Committed(), g.apply,
		listener.WithErrorHandler[consensus.Apply](g.fail),
		listener.WithStopHandler[consensus.Apply](func() {
			g.logger.Debug("apply worker stopped", "applied", g.applied.Load())
		}))
	return g, nil
}

func (g *Group) ID() types.GroupID {
	return g.id
}

// Start runs the consensus loop and the apply worker.
func (g *Group) Start() {
	g.startOnce.Do(func() {
		g.applier.Start(g.ctx)
		go func() {
			defer close(g.runDone)
			err := g.node.Run(g.ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("consensus loop exited", "error", err)
			}
		}()
		g.logger.Info("group started", "peers", len(g.node.Membership()))
	})
}

// Stop stops the group and closes its store. Pending callers fail with consensus.ErrStopped.
func (g *Group) Stop() {
	g.stopOnce.Do(func() {
		started := false
		g.startOnce.Do(func() { close(g.runDone) })
		select {
		case <-g.runDone:
		default:
			started = true
		}
		g.cancel()
		g.node.Stop()
		if started {
			<-g.runDone
		}
		g.applier.Stop()
		if err := g.store.Close(); err != nil {
			g.logger.Warn("failed to close log store", "error", err)
		}
		g.logger.Info("group stopped", "applied", g.applied.Load())
	})
}

// Step hands a peer message to the consensus node.
func (g *Group) Step(ctx context.Context, msg raftpb.Message) error {
	return g.node.Step(ctx, msg)
}

// ProposeCommand replicates cmd and waits until this node has applied it.
// Rejections by validation never reach the log.
func (g *Group) ProposeCommand(ctx context.Context, c vfs.Command) (Result, error) {
	if err := c.Validate(g.limits); err != nil {
		return Result{}, err
	}
	if n := c.Creates(); n > 0 && g.limits.MaxFiles > 0 && g.fs.Len()+n > g.limits.MaxFiles {
		return Result{}, fmt.Errorf("%w: limit %d", vfs.ErrTooManyFiles, g.limits.MaxFiles)
	}

	cmd := NewCmd(c)
	data, err := cmd.Marshal()
	if err != nil {
		return Result{}, err
	}

	resultc := make(chan vfs.Result, 1)
	g.waitersMu.Lock()
	g.waiters[cmd.ID] = resultc
	g.waitersMu.Unlock()
	defer func() {
		g.waitersMu.Lock()
		delete(g.waiters, cmd.ID)
		g.waitersMu.Unlock()
	}()

	index, err := g.node.Propose(ctx, data)
	if err != nil {
		return Result{}, err
	}
	g.metrics.IncCounter("vfs_commands_proposed_total", g.labels, 1)

	select {
	case res := <-resultc:
		return Result{Index: index, Result: res}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-g.failc:
		return Result{}, g.failErr
	case <-g.node.Done():
		// коммит уже был, но применить запись до остановки не успели
		select {
		case res := <-resultc:
			return Result{Index: index, Result: res}, nil
		default:
			return Result{}, consensus.ErrStopped
		}
	}
}

// ReadFile returns the file with id as of the requested consistency.
func (g *Group) ReadFile(ctx context.Context, id types.FileID, c types.Consistency) (vfs.FileRecord, error) {
	if err := g.sync(ctx, c); err != nil {
		return vfs.FileRecord{}, err
	}
	return g.fs.Get(id)
}

// ReadPath returns the file at path p.
func (g *Group) ReadPath(ctx context.Context, p string, c types.Consistency) (vfs.FileRecord, error) {
	if err := g.sync(ctx, c); err != nil {
		return vfs.FileRecord{}, err
	}
	return g.fs.GetByPath(p)
}

// List returns the files under dir ordered by path.
func (g *Group) List(ctx context.Context, dir string, c types.Consistency) ([]vfs.FileRecord, error) {
	if err := g.sync(ctx, c); err != nil {
		return nil, err
	}
	return g.fs.List(dir)
}

// Find returns the files whose path matches pattern, see vfs.VFS.Find.
func (g *Group) Find(ctx context.Context, pattern string, c types.Consistency) ([]vfs.FileRecord, error) {
	if err := g.sync(ctx, c); err != nil {
		return nil, err
	}
	return g.fs.Find(pattern)
}

// Subscribe streams the changes this replica applies from now on. Every replica
// publishes the same sequence, so a subscriber may sit on any of them.
func (g *Group) Subscribe(buffer int) (<-chan vfs.Event, func()) {
	return g.fs.Subscribe(buffer)
}

// sync makes a linearizable read safe: leadership is confirmed by a quorum and the read
// index is applied locally. Local reads return at once.
func (g *Group) sync(ctx context.Context, c types.Consistency) error {
	if c != types.Linearizable {
		return nil
	}
	index, err := g.node.ReadIndex(ctx)
	if err != nil {
		return err
	}
	return g.waitApplied(ctx, index)
}

func (g *Group) waitApplied(ctx context.Context, index uint64) error {
	for {
		if g.applied.Load() >= index {
			return nil
		}
		ch := g.notifier.wait()
		if g.applied.Load() >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-g.failc:
			return g.failErr
		case <-g.node.Done():
			return consensus.ErrStopped
		}
	}
}

// ChangeMembership proposes a single-node membership change and returns its log index
// once committed.
func (g *Group) ChangeMembership(ctx context.Context, ch types.MembershipChange) (uint64, error) {
	cc := raftpb.ConfChange{NodeID: ch.Peer.ID, Context: []byte(ch.Peer.Address)}
	switch ch.Op {
	case types.AddNode:
		cc.Type = raftpb.ConfChangeAddNode
	case types.RemoveNode:
		cc.Type = raftpb.ConfChangeRemoveNode
		cc.Context = nil
	case types.UpdateNode:
		cc.Type = raftpb.ConfChangeUpdateNode
	default:
		return 0, fmt.Errorf("%w: %s", consensus.ErrInvalidConfChange, ch.Op)
	}
	return g.node.ProposeConfChange(ctx, cc)
}

// Membership returns the committed voter set ordered by node id.
func (g *Group) Membership() []types.Peer {
	return g.node.Membership()
}

func (g *Group) Applied() uint64 {
	return g.applied.Load()
}

func (g *Group) IsLeader() bool {
	return g.node.IsLeader()
}

func (g *Group) Status() Status {
	st := g.node.Status()
	return Status{
		Status:     st,
		Role:       st.Role.String(),
		LeaderAddr: st.LeaderAddr(),
		Applied:    g.applied.Load(),
		Files:      g.fs.Len(),
	}
}

// apply runs on the apply worker for every batch the consensus node commits.
func (g *Group) apply(a consensus.Apply) error {
	if a.Snapshot != nil {
		if err := g.restore(*a.Snapshot); err != nil {
			return err
		}
	}
	for i := range a.Entries {
		g.applyEntry(a.Entries[i])
	}
	g.notifier.notify()

	_, err := g.snaps.Maybe(g.ctx, g.applied.Load(), g.fs.Snapshot, g.node)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, consensus.ErrStopped) {
		g.logger.Warn("failed to take snapshot", "applied", g.applied.Load(), "error", err)
	}
	return nil
}

func (g *Group) restore(s consensus.SnapshotApply) error {
	if s.Index <= g.applied.Load() {
		return nil
	}
	raw, err := snapshot.Decode(s.Data)
	if err != nil {
		return fmt.Errorf("decode snapshot at %d: %w", s.Index, err)
	}
	if err := g.fs.Restore(raw); err != nil {
		return fmt.Errorf("restore snapshot at %d: %w", s.Index, err)
	}
	g.applied.Store(s.Index)
	g.snaps.SetLast(s.Index)
	g.metrics.IncCounter("vfs_snapshots_restored_total", g.labels, 1)
	g.logger.Info("state restored from snapshot", "index", s.Index, "term", s.Term, "files", g.fs.Len())
	return nil
}

func (g *Group) applyEntry(e raftpb.Entry) {
	if e.Index <= g.applied.Load() {
		g.metrics.IncCounter("vfs_entries_skipped_total", g.labels, 1)
		return
	}
	// no-op записи лидера и смены состава только двигают applied
	if e.Type == raftpb.EntryNormal && len(e.Data) > 0 {
		cmd, err := UnmarshalCmd(e.Data)
		if err != nil {
			g.logger.Error("skipping undecodable entry", "index", e.Index, "error", err)
			g.metrics.IncCounter("vfs_apply_failures_total", g.labels, 1)
		} else {
			res := g.fs.Apply(cmd.Command)
			if res.Err != nil {
				g.logger.Debug("command failed to apply", "index", e.Index, "op", cmd.Op, "error", res.Err)
				g.metrics.IncCounter("vfs_apply_failures_total", g.labels, 1)
			}
			g.metrics.IncCounter("vfs_commands_applied_total", g.labels, 1)
			g.deliver(cmd.ID, res)
		}
	}
	g.applied.Store(e.Index)
}

func (g *Group) deliver(id uuid.UUID, res vfs.Result) {
	g.waitersMu.Lock()
	resultc, ok := g.waiters[id]
	g.waitersMu.Unlock()
	if !ok {
		// proposed on another node, or the proposer gave up
		return
	}
	select {
	case resultc <- res:
	default:
	}
}

// fail stops the group after the apply worker hit an unrecoverable error.
func (g *Group) fail(err error) {
	g.failOnce.Do(func() {
		g.failErr = fmt.Errorf("group %d: apply failed: %w", g.id, err)
		close(g.failc)
		g.logger.Error("apply worker failed, stopping group", "error", err)
		go g.node.Stop()
	})
}
