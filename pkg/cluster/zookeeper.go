package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"raftvfs/pkg/types"

	"github.com/go-zookeeper/zk"
)

const (
	defaultResync  = 5 * time.Second
	proposeTimeout = 5 * time.Second
)

// iZK is the part of *zk.Conn used here.
type iZK interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// iGroup is the consensus group discovery feeds. Only its leader proposes changes.
type iGroup interface {
	IsLeader() bool
	Membership() []types.Peer
	ChangeMembership(ctx context.Context, ch types.MembershipChange) (uint64, error)
}

// ZKMembership publishes this node in ZooKeeper and turns nodes appearing there into
// membership changes of the groups. The group log stays the only source of membership:
// discovery only proposes.
type ZKMembership struct {
	conn     iZK
	rootPath string
	self     types.Peer
	resync   time.Duration
	logger   *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, self types.Peer, sessionTimeout time.Duration, logger *slog.Logger) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZKMembership(conn, rootPath, self, logger), nil
}

func newZKMembership(conn iZK, rootPath string, self types.Peer, logger *slog.Logger) *ZKMembership {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		self:     self,
		resync:   defaultResync,
		logger:   logger.With("component", "zk"),
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath(g types.GroupID) string {
	return path.Join(m.rootPath, "groups", strconv.FormatUint(uint64(g), 10), "nodes")
}

func (m *ZKMembership) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел текущей ноды в группе; данные узла - её адрес
func (m *ZKMembership) RegisterSelf(g types.GroupID) error {
	// ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	dir := m.nodesPath(g)
	if err := m.ensurePath(dir); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := path.Join(dir, strconv.FormatUint(m.self.ID, 10))
	addr := []byte(m.self.Address)
	_, err := m.conn.Create(nodePath, addr, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// узел от прошлой сессии ещё жив, обновим адрес
		_, err = m.conn.Set(nodePath, addr, -1)
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.logger.Info("registered node", "group", g, "path", nodePath, "address", m.self.Address)
	return nil
}

// Discover reads the nodes currently registered for the group, ordered by id.
func (m *ZKMembership) Discover(g types.GroupID) ([]types.Peer, error) {
	children, _, err := m.conn.Children(m.nodesPath(g))
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return m.readPeers(g, children)
}

func (m *ZKMembership) readPeers(g types.GroupID, children []string) ([]types.Peer, error) {
	dir := m.nodesPath(g)
	peers := make([]types.Peer, 0, len(children))
	for _, child := range children {
		id, err := strconv.ParseUint(child, 10, 64)
		if err != nil || id == types.None {
			m.logger.Warn("ignoring foreign znode", "path", path.Join(dir, child))
			continue
		}
		data, _, err := m.conn.Get(path.Join(dir, child))
		if errors.Is(err, zk.ErrNoNode) {
			// сессия ноды истекла между Children и Get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		peers = append(peers, types.Peer{ID: id, Address: string(data)})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

// PlanChanges returns the membership changes that bring current in line with the
// discovered nodes: additions and address updates. A node missing from ZooKeeper is not
// removed; removal is an explicit operation.
func PlanChanges(current, discovered []types.Peer) []types.MembershipChange {
	known := make(map[types.NodeID]string, len(current))
	for _, p := range current {
		known[p.ID] = p.Address
	}
	var out []types.MembershipChange
	for _, p := range discovered {
		addr, ok := known[p.ID]
		switch {
		case p.Address == "":
		case !ok:
			out = append(out, types.MembershipChange{Op: types.AddNode, Peer: p})
		case addr != p.Address:
			out = append(out, types.MembershipChange{Op: types.UpdateNode, Peer: p})
		}
	}
	return out
}

// RunWatch следит за /groups/<g>/nodes и, пока g - лидер, предлагает изменения состава.
// Работает, пока не отменён ctx.
func (m *ZKMembership) RunWatch(ctx context.Context, gid types.GroupID, g iGroup) {
	go func() {
		dir := m.nodesPath(gid)
		for {
			children, _, ch, err := m.conn.ChildrenW(dir)
			if err != nil {
				m.logger.Warn("ChildrenW failed", "group", gid, "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			peers, err := m.readPeers(gid, children)
			if err != nil {
				m.logger.Warn("failed to read registered nodes", "group", gid, "error", err)
			} else {
				m.reconcile(ctx, gid, g, peers)
			}

			// лидерство меняется без событий ZK, поэтому перечитываем и по таймеру
			select {
			case ev := <-ch:
				m.logger.Debug("zk event", "group", gid, "type", ev.Type, "path", ev.Path)
			case <-time.After(m.resync):
			case <-ctx.Done():
				m.logger.Info("watch stopped", "group", gid)
				return
			}
		}
	}()
}

func (m *ZKMembership) reconcile(ctx context.Context, gid types.GroupID, g iGroup, discovered []types.Peer) {
	if !g.IsLeader() {
		return
	}
	for _, ch := range PlanChanges(g.Membership(), discovered) {
		pctx, cancel := context.WithTimeout(ctx, proposeTimeout)
		index, err := g.ChangeMembership(pctx, ch)
		cancel()
		if err != nil {
			m.logger.Warn("membership change not committed", "group", gid, "op", ch.Op, "node", ch.Peer.ID, "error", err)
			return
		}
		m.logger.Info("membership change committed", "group", gid, "op", ch.Op, "node", ch.Peer.ID, "address", ch.Peer.Address, "index", index)
	}
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
