package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"raftvfs/pkg/types"
)

// Config is the root configuration of a vfs node.
// yaml tags drive parsing, Validate enforces the constraints.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Node      NodeConfig      `yaml:"node"`
	Raft      RaftConfig      `yaml:"raft"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	VFS       VFSConfig       `yaml:"vfs"`
	Groups    []GroupConfig   `yaml:"groups"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port                int `yaml:"port"`
	ReadHeaderTimeoutMs int `yaml:"read_header_timeout_ms"`
}

type NodeConfig struct {
	ID      types.NodeID `yaml:"id"`
	Address string       `yaml:"address"`
	DataDir string       `yaml:"data_dir"`
}

// RaftConfig holds the timing and flow control knobs of every consensus group on the node.
type RaftConfig struct {
	TickIntervalMs  int    `yaml:"tick_interval_ms"`
	ElectionTick    int    `yaml:"election_tick"`
	HeartbeatTick   int    `yaml:"heartbeat_tick"`
	MaxSizePerMsg   uint64 `yaml:"max_size_per_msg"`
	MaxInflightMsgs int    `yaml:"max_inflight_msgs"`
	SendQueueSize   int    `yaml:"send_queue_size"`
	CheckQuorum     bool   `yaml:"check_quorum"`
	PreVote         bool   `yaml:"pre_vote"`
}

type SnapshotConfig struct {
	// Threshold is the number of applied entries since the last snapshot that triggers a new one.
	Threshold uint64 `yaml:"threshold"`
	// CatchUpEntries stay in the log behind each snapshot for lagging followers.
	CatchUpEntries uint64 `yaml:"catch_up_entries"`
	Compress       bool   `yaml:"compress"`
	Retain         int    `yaml:"retain"`
}

type VFSConfig struct {
	MaxFileSize int `yaml:"max_file_size"`
	MaxFiles    int `yaml:"max_files"`
	MaxBatchOps int `yaml:"max_batch_ops"`
}

type GroupConfig struct {
	ID    types.GroupID `yaml:"id"`
	Peers []types.Peer  `yaml:"peers"`
}

type ZooKeeperConfig struct {
	Servers          []string `yaml:"servers"`
	Root             string   `yaml:"root"`
	SessionTimeoutMs int      `yaml:"session_timeout_ms"`
}

// TickInterval returns the consensus tick period.
func (c RaftConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// SessionTimeout returns the ZooKeeper session timeout.
func (c ZooKeeperConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// Enabled reports whether ZooKeeper discovery is configured.
func (c ZooKeeperConfig) Enabled() bool {
	return len(c.Servers) > 0
}

// Default returns a baseline development config: a single node running a single group.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:                8080,
			ReadHeaderTimeoutMs: 1000,
		},
		Node: NodeConfig{
			ID:      1,
			Address: "http://localhost:8080",
			DataDir: "./data",
		},
		Raft: DefaultRaft(),
		Snapshot: SnapshotConfig{
			Threshold:      1000,
			CatchUpEntries: 500,
			Compress:       true,
			Retain:         2,
		},
		VFS: VFSConfig{
			MaxFileSize: 10 * 1024 * 1024,
			MaxFiles:    0,
			MaxBatchOps: 1000,
		},
		Groups: []GroupConfig{
			{ID: 1, Peers: []types.Peer{{ID: 1, Address: "http://localhost:8080"}}},
		},
		ZooKeeper: ZooKeeperConfig{
			Root:             "/raftvfs",
			SessionTimeoutMs: 5000,
		},
	}
}

// DefaultRaft gives a 150-300ms election window and 45ms heartbeats.
func DefaultRaft() RaftConfig {
	return RaftConfig{
		TickIntervalMs:  15,
		ElectionTick:    10,
		HeartbeatTick:   3,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		SendQueueSize:   1024,
		CheckQuorum:     true,
		PreVote:         true,
	}
}

// Validate checks the config for values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: %d out of range", c.Server.Port))
	}
	if c.Node.ID == types.None {
		errs = append(errs, errors.New("node.id: must be non-zero"))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir: required"))
	}
	if err := c.Raft.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Snapshot.Threshold == 0 {
		errs = append(errs, errors.New("snapshot.threshold: must be positive"))
	}
	if c.VFS.MaxFileSize < 0 || c.VFS.MaxFiles < 0 || c.VFS.MaxBatchOps < 0 {
		errs = append(errs, errors.New("vfs: limits must not be negative"))
	}

	seen := make(map[types.GroupID]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		if _, ok := seen[g.ID]; ok {
			errs = append(errs, fmt.Errorf("groups: duplicate group %d", g.ID))
			continue
		}
		seen[g.ID] = struct{}{}
		if err := g.Validate(c.Node.ID); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Validate checks consensus timing relations.
func (c RaftConfig) Validate() error {
	switch {
	case c.TickIntervalMs <= 0:
		return errors.New("raft.tick_interval_ms: must be positive")
	case c.HeartbeatTick <= 0:
		return errors.New("raft.heartbeat_tick: must be positive")
	case c.ElectionTick <= c.HeartbeatTick:
		return fmt.Errorf("raft.election_tick (%d) must be greater than heartbeat_tick (%d)", c.ElectionTick, c.HeartbeatTick)
	case c.MaxSizePerMsg == 0:
		return errors.New("raft.max_size_per_msg: must be positive")
	case c.MaxInflightMsgs <= 0:
		return errors.New("raft.max_inflight_msgs: must be positive")
	case c.SendQueueSize <= 0:
		return errors.New("raft.send_queue_size: must be positive")
	}
	return nil
}

// Validate checks a group's bootstrap peer set; self must be one of the peers.
func (g GroupConfig) Validate(self types.NodeID) error {
	if len(g.Peers) == 0 {
		return fmt.Errorf("group %d: no peers", g.ID)
	}
	ids := make(map[types.NodeID]struct{}, len(g.Peers))
	member := false
	for _, p := range g.Peers {
		if p.ID == types.None {
			return fmt.Errorf("group %d: peer id must be non-zero", g.ID)
		}
		if _, ok := ids[p.ID]; ok {
			return fmt.Errorf("group %d: duplicate peer %d", g.ID, p.ID)
		}
		ids[p.ID] = struct{}{}
		if p.ID == self {
			member = true
		}
	}
	if !member {
		return fmt.Errorf("group %d: node %d is not a peer", g.ID, self)
	}
	return nil
}
