package consensus

import (
	"fmt"

	"raftvfs/pkg/types"
)

type Role uint8

const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case PreCandidate:
		return "pre-candidate"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Status is an immutable view of a node, published after every loop event.
type Status struct {
	ID            uint64       `json:"id"`
	GroupID       uint64       `json:"group_id"`
	Role          Role         `json:"-"`
	Term          uint64       `json:"term"`
	Vote          uint64       `json:"vote"`
	Lead          uint64       `json:"lead"`
	Commit        uint64       `json:"commit"`
	FirstIndex    uint64       `json:"first_index"`
	LastIndex     uint64       `json:"last_index"`
	SnapshotIndex uint64       `json:"snapshot_index"`
	Peers         []types.Peer `json:"peers"`
	Halted        bool         `json:"halted"`
}

// LeaderAddr returns the address of the known leader, "" if unknown.
func (s Status) LeaderAddr() string {
	for _, p := range s.Peers {
		if p.ID == s.Lead {
			return p.Address
		}
	}
	return ""
}
