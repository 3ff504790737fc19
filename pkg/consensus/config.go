package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"raftvfs/pkg/metrics"
	"raftvfs/pkg/types"

	"go.etcd.io/etcd/raft/v3"
)

type Config struct {
	// ID of this node, non-zero.
	ID uint64
	// GroupID is used for logging and metric labels only.
	GroupID uint64
	// Peers is the bootstrap membership, used only when the store is empty.
	Peers []types.Peer

	TickInterval time.Duration
	// ElectionTick is the minimum election timeout in ticks; raft randomizes the actual
	// timeout in [ElectionTick, 2*ElectionTick).
	ElectionTick int
	// HeartbeatTick is the leader's heartbeat period in ticks.
	HeartbeatTick int
	// MaxSizePerMsg caps the bytes of entries carried by one append message.
	MaxSizePerMsg uint64
	// MaxInflightMsgs bounds the append messages in flight to one follower.
	MaxInflightMsgs int
	// SendQueueSize is the per-peer outbound queue. Messages beyond it are dropped and
	// the peer is reported unreachable.
	SendQueueSize int

	CheckQuorum bool
	PreVote     bool

	Logger  *slog.Logger
	Metrics metrics.Collector
}

func (c *Config) validate() error {
	switch {
	case c.ID == types.None:
		return errors.New("consensus: node id must be non-zero")
	case c.TickInterval <= 0:
		return errors.New("consensus: tick interval must be positive")
	case c.HeartbeatTick <= 0:
		return errors.New("consensus: heartbeat tick must be positive")
	case c.ElectionTick <= c.HeartbeatTick:
		return fmt.Errorf("consensus: election tick %d must exceed heartbeat tick %d", c.ElectionTick, c.HeartbeatTick)
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1 << 20
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop{}
	}
	return nil
}

func (c *Config) toRaftConfig(storage raft.Storage, applied uint64, logger *slog.Logger) *raft.Config {
	return &raft.Config{
		ID:                       c.ID,
		ElectionTick:             c.ElectionTick,
		HeartbeatTick:            c.HeartbeatTick,
		Storage:                  storage,
		Applied:                  applied,
		MaxSizePerMsg:            c.MaxSizePerMsg,
		MaxCommittedSizePerReady: 4 * c.MaxSizePerMsg,
		MaxInflightMsgs:          c.MaxInflightMsgs,
		CheckQuorum:              c.CheckQuorum,
		PreVote:                  c.PreVote,
		// предложения принимает только лидер, клиент сам ходит к нему по подсказке
		DisableProposalForwarding: true,
		Logger:                    &raftLogger{l: logger},
	}
}
