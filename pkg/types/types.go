package types

import (
	"fmt"
	"strings"
)

// GroupID identifies a replication group.
type GroupID uint64

// NodeID identifies a node inside a group. Zero means "none".
type NodeID = uint64

// FileID identifies a file inside a group's VFS. IDs are never reused.
type FileID uint64

// None is the reserved "no node" id.
const None NodeID = 0

// Peer is a voting member of a group and the address its transport reaches it at.
type Peer struct {
	ID      NodeID `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

// Consistency selects how a read is served.
type Consistency uint8

const (
	// Local reads the replica's applied state, possibly stale.
	Local Consistency = iota
	// Linearizable confirms leadership and waits for the read index to be applied.
	Linearizable
)

func (c Consistency) String() string {
	switch c {
	case Local:
		return "local"
	case Linearizable:
		return "linearizable"
	default:
		return fmt.Sprintf("consistency(%d)", uint8(c))
	}
}

// ParseConsistency accepts "", "local" and "linearizable".
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(s) {
	case "", "local":
		return Local, nil
	case "linearizable", "strong":
		return Linearizable, nil
	default:
		return Local, fmt.Errorf("unknown consistency %q", s)
	}
}

// ChangeOp is a membership change operation.
type ChangeOp uint8

const (
	AddNode ChangeOp = iota + 1
	RemoveNode
	UpdateNode
)

func (op ChangeOp) String() string {
	switch op {
	case AddNode:
		return "add"
	case RemoveNode:
		return "remove"
	case UpdateNode:
		return "update"
	default:
		return fmt.Sprintf("change(%d)", uint8(op))
	}
}

// ParseChangeOp is the inverse of ChangeOp.String.
func ParseChangeOp(s string) (ChangeOp, error) {
	switch strings.ToLower(s) {
	case "add":
		return AddNode, nil
	case "remove":
		return RemoveNode, nil
	case "update":
		return UpdateNode, nil
	default:
		return 0, fmt.Errorf("unknown membership change %q", s)
	}
}

// MembershipChange is a single-node change of a group's voter set.
type MembershipChange struct {
	Op   ChangeOp
	Peer Peer
}
