package logstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"

	"raftvfs/pkg/snapshot"
	"raftvfs/pkg/types"
	"raftvfs/pkg/wal"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	walName = "raft.wal"
	snapDir = "snap"
)

const (
	recEntry wal.RecordType = iota + 1
	recTruncate
	recHardState
	recMembership
	recLogBase
)

type iJournal interface {
	Append(recs ...wal.Record) error
	Replay(fn func(wal.Record) error) error
	Rewrite(recs []wal.Record) error
	Close() error
}

var _ raft.Storage = (*Store)(nil)

type iSnapshots interface {
	Save(snap raftpb.Snapshot) error
	Load() (raftpb.Snapshot, error)
}

// Store is the persistent log of one consensus group: entries, term/vote, the committed
// membership and the latest snapshot. It is the raft.Storage of the group's RawNode.
// raft.MemoryStorage indexes the log in memory; every mutation is written to the journal
// and fsynced before the in-memory index changes.
type Store struct {
	mu    sync.Mutex
	mem   *raft.MemoryStorage
	jr    iJournal
	snaps iSnapshots
	hs    raftpb.HardState
	peers []types.Peer
}

// Open replays the group directory dir. retain bounds the number of snapshot files kept.
func Open(dir string, retain int, logger *slog.Logger) (*Store, error) {
	jr, err := wal.Open(dir, walName)
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.NewStore(filepath.Join(dir, snapDir), retain, logger)
	if err != nil {
		_ = jr.Close()
		return nil, err
	}
	s, err := newStore(jr, snaps)
	if err != nil {
		_ = jr.Close()
		return nil, err
	}
	return s, nil
}

// NewMemory returns a store that keeps everything in memory.
func NewMemory() *Store {
	s, err := newStore(nopJournal{}, &memSnapshots{})
	if err != nil {
		panic(err) // nothing to replay
	}
	return s
}

func newStore(jr iJournal, snaps iSnapshots) (*Store, error) {
	s := &Store{
		mem:   raft.NewMemoryStorage(),
		jr:    jr,
		snaps: snaps,
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	snap, err := s.snaps.Load()
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	default:
		if err := s.mem.ApplySnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	snapIndex := snap.Metadata.Index
	// the log starts after base; base is below the snapshot when a catch-up tail was kept
	base := snapIndex

	err = s.jr.Replay(func(rec wal.Record) error {
		switch rec.Type {
		case recEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("%w: entry: %v", ErrCorrupt, err)
			}
			if e.Index <= base {
				return nil
			}
			if last := s.lastIndex(); e.Index > last+1 {
				return fmt.Errorf("%w: entry %d after last index %d", ErrCorrupt, e.Index, last)
			}
			return s.mem.Append([]raftpb.Entry{e})
		case recTruncate:
			if len(rec.Data) != 8 {
				return fmt.Errorf("%w: truncate record", ErrCorrupt)
			}
			index := binary.LittleEndian.Uint64(rec.Data)
			if index <= base {
				index = base + 1
			}
			return s.truncateMem(index)
		case recLogBase:
			if len(rec.Data) != 16 {
				return fmt.Errorf("%w: log base record", ErrCorrupt)
			}
			index := binary.LittleEndian.Uint64(rec.Data[:8])
			term := binary.LittleEndian.Uint64(rec.Data[8:])
			if index >= snapIndex || s.lastIndex() != snapIndex {
				return nil
			}
			s.mem = raft.NewMemoryStorage()
			if index > 0 {
				stub := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
					Index: index, Term: term, ConfState: snap.Metadata.ConfState,
				}}
				if err := s.mem.ApplySnapshot(stub); err != nil {
					return err
				}
			}
			base = index
		case recHardState:
			var hs raftpb.HardState
			if err := hs.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("%w: hard state: %v", ErrCorrupt, err)
			}
			s.hs = hs
		case recMembership:
			var peers []types.Peer
			if err := json.Unmarshal(rec.Data, &peers); err != nil {
				return fmt.Errorf("%w: membership: %v", ErrCorrupt, err)
			}
			s.peers = peers
		default:
			return fmt.Errorf("%w: unknown record type %d", ErrCorrupt, rec.Type)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	if base < snapIndex {
		if s.lastIndex() < snapIndex {
			return fmt.Errorf("%w: catch-up tail ends at %d before snapshot %d", ErrCorrupt, s.lastIndex(), snapIndex)
		}
		if _, err := s.mem.CreateSnapshot(snapIndex, &snap.Metadata.ConfState, snap.Data); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	if s.hs.Commit < snapIndex {
		s.hs.Commit = snapIndex
	}
	if last := s.lastIndex(); s.hs.Commit > last {
		return fmt.Errorf("%w: commit index %d beyond last entry %d", ErrCorrupt, s.hs.Commit, last)
	}
	return s.mem.SetHardState(s.hs)
}

// HardState returns the persisted term, vote and commit index.
func (s *Store) HardState() raftpb.HardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs
}

// Membership returns the last persisted voter set.
func (s *Store) Membership() []types.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Peer(nil), s.peers...)
}

// InitialState returns the persisted hard state and the voter set of the snapshot. Voter
// changes after the snapshot are replayed from the committed log.
func (s *Store) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.InitialState()
}

// FirstIndex is the first index still present in the log.
func (s *Store) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.FirstIndex()
}

// LastIndex is the index of the last entry, or the snapshot index when the log is empty.
func (s *Store) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.LastIndex()
}

func (s *Store) lastIndex() uint64 {
	last, _ := s.mem.LastIndex()
	return last
}

// Term returns the term of the entry at index. The snapshot index itself is answerable.
func (s *Store) Term(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Term(index)
}

// Entries returns entries in [lo, hi), at most maxSize bytes of them but never fewer than one.
func (s *Store) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d)", lo, hi)
	}
	if hi > s.lastIndex()+1 {
		return nil, ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}
	return s.mem.Entries(lo, hi, maxSize)
}

// Save durably appends entries and then records hs, in one journal write. Entries that
// overlap the log replace its suffix; an empty hs leaves the hard state as it is.
func (s *Store) Save(hs raftpb.HardState, entries []raftpb.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, _ := s.mem.FirstIndex()
	if len(entries) > 0 && entries[0].Index < first {
		// the prefix is already in the snapshot
		skip := first - entries[0].Index
		if skip >= uint64(len(entries)) {
			entries = nil
		} else {
			entries = entries[skip:]
		}
	}

	last := s.lastIndex()
	recs := make([]wal.Record, 0, len(entries)+2)
	if len(entries) > 0 {
		at := entries[0].Index
		for i := range entries {
			if entries[i].Index != at+uint64(i) {
				return fmt.Errorf("save: entry %d has index %d, want %d", i, entries[i].Index, at+uint64(i))
			}
		}
		if at > last+1 {
			return fmt.Errorf("save at %d leaves a gap after %d: %w", at, last, ErrUnavailable)
		}
		if at <= last {
			if at <= s.hs.Commit {
				return fmt.Errorf("save at %d would replace committed entries (commit %d)", at, s.hs.Commit)
			}
			recs = append(recs, truncateRecord(at))
		}
		for i := range entries {
			data, err := entries[i].Marshal()
			if err != nil {
				return fmt.Errorf("marshal entry %d: %w", entries[i].Index, err)
			}
			recs = append(recs, wal.Record{Type: recEntry, Data: data})
		}
		last = entries[len(entries)-1].Index
	}

	saveHS := !raft.IsEmptyHardState(hs) && hs != s.hs
	if saveHS {
		if hs.Commit > last {
			return fmt.Errorf("save: commit %d beyond last entry %d", hs.Commit, last)
		}
		data, err := hs.Marshal()
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		recs = append(recs, wal.Record{Type: recHardState, Data: data})
	}
	if len(recs) == 0 {
		return nil
	}
	if err := s.jr.Append(recs...); err != nil {
		return err
	}
	if err := s.mem.Append(entries); err != nil {
		return err
	}
	if saveHS {
		s.hs = hs
		return s.mem.SetHardState(hs)
	}
	return nil
}

// truncateMem rebuilds the memory index without the suffix. MemoryStorage has no
// truncate of its own.
func (s *Store) truncateMem(index uint64) error {
	first, _ := s.mem.FirstIndex()
	if index > s.lastIndex() {
		return nil
	}
	var kept []raftpb.Entry
	if index > first {
		ents, err := s.mem.Entries(first, index, math.MaxUint64)
		if err != nil {
			return err
		}
		kept = ents
	}
	baseTerm, err := s.mem.Term(first - 1)
	if err != nil {
		return err
	}
	snap, err := s.mem.Snapshot()
	if err != nil {
		return err
	}

	mem := raft.NewMemoryStorage()
	if first > 1 {
		stub := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
			Index: first - 1, Term: baseTerm, ConfState: snap.Metadata.ConfState,
		}}
		if err := mem.ApplySnapshot(stub); err != nil {
			return err
		}
	}
	if err := mem.Append(kept); err != nil {
		return err
	}
	if snap.Metadata.Index > first-1 {
		if last, _ := mem.LastIndex(); last < snap.Metadata.Index {
			return fmt.Errorf("%w: truncate at %d below snapshot %d", ErrCorrupt, index, snap.Metadata.Index)
		}
		if _, err := mem.CreateSnapshot(snap.Metadata.Index, &snap.Metadata.ConfState, snap.Data); err != nil {
			return err
		}
	}
	if err := mem.SetHardState(s.hs); err != nil {
		return err
	}
	s.mem = mem
	return nil
}

// PersistMembership durably records the committed voter set.
func (s *Store) PersistMembership(peers []types.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := membershipRecord(peers)
	if err != nil {
		return err
	}
	if err := s.jr.Append(rec); err != nil {
		return err
	}
	s.peers = append([]types.Peer(nil), peers...)
	return nil
}

// Snapshot returns the latest snapshot, possibly empty.
func (s *Store) Snapshot() (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Snapshot()
}

// ApplySnapshot replaces the whole log with snap, as done by a follower that fell behind
// the leader's compaction point. peers is the membership carried by the snapshot.
func (s *Store) ApplySnapshot(snap raftpb.Snapshot, peers []types.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.mem.Snapshot()
	if err != nil {
		return err
	}
	if snap.Metadata.Index <= cur.Metadata.Index {
		return ErrSnapOutOfDate
	}
	if err := s.snaps.Save(snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	hs := s.hs
	if hs.Commit < snap.Metadata.Index {
		hs.Commit = snap.Metadata.Index
	}
	if err := s.rewrite(hs, peers, nil, nil); err != nil {
		return err
	}
	if err := s.mem.ApplySnapshot(snap); err != nil {
		return err
	}
	s.hs = hs
	s.peers = append([]types.Peer(nil), peers...)
	return s.mem.SetHardState(hs)
}

// Compact stores a snapshot of the state machine at index. The log is dropped up to
// catchUp entries behind index, so followers that lag a little get entries instead of
// the whole snapshot.
func (s *Store) Compact(index uint64, cs raftpb.ConfState, data []byte, catchUp uint64) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.lastIndex()
	if index > last {
		return raftpb.Snapshot{}, fmt.Errorf("compact at %d beyond last index %d: %w", index, last, ErrUnavailable)
	}
	snap, err := s.mem.CreateSnapshot(index, &cs, data)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if err := s.snaps.Save(snap); err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	first, _ := s.mem.FirstIndex()
	base := first - 1
	if index > catchUp && index-catchUp > base {
		base = index - catchUp
		if err := s.mem.Compact(base); err != nil {
			return raftpb.Snapshot{}, err
		}
	}
	baseTerm, err := s.mem.Term(base)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	var tail []raftpb.Entry
	if base < last {
		tail, err = s.mem.Entries(base+1, last+1, math.MaxUint64)
		if err != nil {
			return raftpb.Snapshot{}, err
		}
	}
	hs := s.hs
	if hs.Commit < index {
		hs.Commit = index
	}
	var lb *wal.Record
	if base < index {
		rec := logBaseRecord(base, baseTerm)
		lb = &rec
	}
	if err := s.rewrite(hs, s.peers, lb, tail); err != nil {
		return raftpb.Snapshot{}, err
	}
	s.hs = hs
	return snap, s.mem.SetHardState(hs)
}

// rewrite replaces the journal with the state that is not covered by the snapshot.
// logBase, when set, marks where a catch-up tail behind the snapshot starts.
func (s *Store) rewrite(hs raftpb.HardState, peers []types.Peer, logBase *wal.Record, tail []raftpb.Entry) error {
	recs := make([]wal.Record, 0, len(tail)+3)

	data, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("marshal hard state: %w", err)
	}
	recs = append(recs, wal.Record{Type: recHardState, Data: data})

	if len(peers) > 0 {
		rec, err := membershipRecord(peers)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if logBase != nil {
		recs = append(recs, *logBase)
	}
	for i := range tail {
		data, err := tail[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", tail[i].Index, err)
		}
		recs = append(recs, wal.Record{Type: recEntry, Data: data})
	}
	return s.jr.Rewrite(recs)
}

func (s *Store) Close() error {
	return s.jr.Close()
}

func truncateRecord(index uint64) wal.Record {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, index)
	return wal.Record{Type: recTruncate, Data: data}
}

func logBaseRecord(index, term uint64) wal.Record {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[:8], index)
	binary.LittleEndian.PutUint64(data[8:], term)
	return wal.Record{Type: recLogBase, Data: data}
}

func membershipRecord(peers []types.Peer) (wal.Record, error) {
	data, err := json.Marshal(peers)
	if err != nil {
		return wal.Record{}, fmt.Errorf("marshal membership: %w", err)
	}
	return wal.Record{Type: recMembership, Data: data}, nil
}

type nopJournal struct{}

func (nopJournal) Append(...wal.Record) error          { return nil }
func (nopJournal) Replay(func(wal.Record) error) error { return nil }
func (nopJournal) Rewrite([]wal.Record) error          { return nil }
func (nopJournal) Close() error                        { return nil }

type memSnapshots struct {
	snap raftpb.Snapshot
}

func (m *memSnapshots) Save(snap raftpb.Snapshot) error {
	m.snap = snap
	return nil
}

func (m *memSnapshots) Load() (raftpb.Snapshot, error) {
	if raft.IsEmptySnap(m.snap) {
		return raftpb.Snapshot{}, snapshot.ErrNoSnapshot
	}
	return m.snap, nil
}
