package logstore

import (
	"errors"

	"go.etcd.io/etcd/raft/v3"
)

var (
	// ErrCompacted is returned for indexes folded into the snapshot.
	ErrCompacted = raft.ErrCompacted
	// ErrUnavailable is returned for indexes past the end of the log.
	ErrUnavailable = raft.ErrUnavailable
	// ErrSnapOutOfDate is returned when a snapshot is not newer than the current one.
	ErrSnapOutOfDate = raft.ErrSnapOutOfDate
	// ErrCorrupt is returned when the journal cannot be replayed into a consistent log.
	ErrCorrupt = errors.New("logstore: corrupt journal")
)
