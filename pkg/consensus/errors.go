package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrNotLeader         = errors.New("consensus: not the leader")
	ErrProposalDropped   = errors.New("consensus: proposal dropped")
	ErrStopped           = errors.New("consensus: node stopped")
	ErrHalted            = errors.New("consensus: node halted")
	ErrConfChangePending = errors.New("consensus: membership change already in progress")
	ErrInvalidConfChange = errors.New("consensus: invalid membership change")
)

// NotLeaderError is returned to callers of leader-only operations. LeaderID is zero
// when no leader is known.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "consensus: not the leader (leader unknown)"
	}
	return fmt.Sprintf("consensus: not the leader (leader %d at %s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
