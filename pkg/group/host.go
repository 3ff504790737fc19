package group

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Host owns every group this node takes part in. Groups share nothing but the host map.
type Host struct {
	nodeID types.NodeID
	logger *slog.Logger

	groupsMu sync.RWMutex
	groups   map[types.GroupID]*Group
}

func NewHost(nodeID types.NodeID, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		nodeID: nodeID,
		logger: logger.With("node", nodeID),
		groups: make(map[types.GroupID]*Group),
	}
}

func (h *Host) NodeID() types.NodeID {
	return h.nodeID
}

// Add registers g and starts it.
func (h *Host) Add(g *Group) error {
	h.groupsMu.Lock()
	if _, ok := h.groups[g.ID()]; ok {
		h.groupsMu.Unlock()
		return fmt.Errorf("%w: %d", ErrGroupExists, g.ID())
	}
	h.groups[g.ID()] = g
	h.groupsMu.Unlock()

	g.Start()
	h.logger.Info("group added", "group", g.ID())
	return nil
}

// Remove stops the group and forgets it. Its directory is left in place.
func (h *Host) Remove(id types.GroupID) error {
	h.groupsMu.Lock()
	g, ok := h.groups[id]
	delete(h.groups, id)
	h.groupsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	g.Stop()
	h.logger.Info("group removed", "group", id)
	return nil
}

func (h *Host) Group(id types.GroupID) (*Group, error) {
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	g, ok := h.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	return g, nil
}

// Groups returns the ids of all groups in ascending order.
func (h *Host) Groups() []types.GroupID {
	h.groupsMu.RLock()
	ids := make([]types.GroupID, 0, len(h.groups))
	for id := range h.groups {
		ids = append(ids, id)
	}
	h.groupsMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Step routes an incoming consensus message to its group.
func (h *Host) Step(ctx context.Context, id types.GroupID, msg raftpb.Message) error {
	g, err := h.Group(id)
	if err != nil {
		return err
	}
	return g.Step(ctx, msg)
}

func (h *Host) ProposeCommand(ctx context.Context, id types.GroupID, cmd vfs.Command) (Result, error) {
	g, err := h.Group(id)
	if err != nil {
		return Result{}, err
	}
	return g.ProposeCommand(ctx, cmd)
}

func (h *Host) ReadFile(ctx context.Context, id types.GroupID, file types.FileID, c types.Consistency) (vfs.FileRecord, error) {
	g, err := h.Group(id)
	if err != nil {
		return vfs.FileRecord{}, err
	}
	return g.ReadFile(ctx, file, c)
}

func (h *Host) ReadPath(ctx context.Context, id types.GroupID, p string, c types.Consistency) (vfs.FileRecord, error) {
	g, err := h.Group(id)
	if err != nil {
		return vfs.FileRecord{}, err
	}
	return g.ReadPath(ctx, p, c)
}

func (h *Host) List(ctx context.Context, id types.GroupID, dir string, c types.Consistency) ([]vfs.FileRecord, error) {
	g, err := h.Group(id)
	if err != nil {
		return nil, err
	}
	return g.List(ctx, dir, c)
}

func (h *Host) Find(ctx context.Context, id types.GroupID, pattern string, c types.Consistency) ([]vfs.FileRecord, error) {
	g, err := h.Group(id)
	if err != nil {
		return nil, err
	}
	return g.Find(ctx, pattern, c)
}

func (h *Host) Status(id types.GroupID) (Status, error) {
	g, err := h.Group(id)
	if err != nil {
		return Status{}, err
	}
	return g.Status(), nil
}

// CurrentMembership returns the committed voter set of the group.
func (h *Host) CurrentMembership(id types.GroupID) ([]types.Peer, error) {
	g, err := h.Group(id)
	if err != nil {
		return nil, err
	}
	return g.Membership(), nil
}

func (h *Host) ChangeMembership(ctx context.Context, id types.GroupID, ch types.MembershipChange) (uint64, error) {
	g, err := h.Group(id)
	if err != nil {
		return 0, err
	}
	return g.ChangeMembership(ctx, ch)
}

// Close stops every group.
func (h *Host) Close() {
	h.groupsMu.Lock()
	groups := h.groups
	h.groups = make(map[types.GroupID]*Group)
	h.groupsMu.Unlock()

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *Group) {
			defer wg.Done()
			g.Stop()
		}(g)
	}
	wg.Wait()
	h.logger.Info("host closed", "groups", len(groups))
}
