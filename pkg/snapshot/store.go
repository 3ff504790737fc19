package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const snapSuffix = ".snap"

var (
	// ErrNoSnapshot is returned by Load when the directory holds no readable snapshot.
	ErrNoSnapshot = errors.New("snapshot: no available snapshot")
	// ErrCorrupt marks a snapshot file whose checksum does not match.
	ErrCorrupt = errors.New("snapshot: corrupt file")
)

// Store keeps snapshot files of one group in a directory.
// File names are <term>-<index>.snap in hex so lexical order is index order.
type Store struct {
	dir    string
	retain int
	logger *slog.Logger
}

// NewStore creates dir if needed. retain is the number of newest files kept after Save.
func NewStore(dir string, retain int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if retain < 1 {
		retain = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, retain: retain, logger: logger}, nil
}

// Save writes snap durably and prunes older files.
func (s *Store) Save(snap raftpb.Snapshot) error {
	if snap.Metadata.Index == 0 {
		return errors.New("snapshot: refusing to save empty snapshot")
	}
	payload, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(payload))
	copy(buf[4:], payload)

	name := fileName(snap.Metadata.Term, snap.Metadata.Index)
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := writeFileSync(tmp, buf); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}

	s.prune()
	return nil
}

// Load returns the newest snapshot. A newest file that fails its checksum is an error:
// the log behind it is already compacted, so an older file would roll the group back.
func (s *Store) Load() (raftpb.Snapshot, error) {
	names, err := s.names()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if len(names) == 0 {
		return raftpb.Snapshot{}, ErrNoSnapshot
	}
	newest := names[len(names)-1]
	snap, err := s.read(newest)
	if err != nil {
		s.logger.Error("newest snapshot is unreadable", "file", newest, "error", err)
		return raftpb.Snapshot{}, fmt.Errorf("snapshot %s: %w", newest, err)
	}
	return snap, nil
}

func (s *Store) read(name string) (raftpb.Snapshot, error) {
	var snap raftpb.Snapshot
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) < 4 {
		return snap, ErrCorrupt
	}
	if crc32.ChecksumIEEE(raw[4:]) != binary.LittleEndian.Uint32(raw[:4]) {
		return snap, ErrCorrupt
	}
	if err := snap.Unmarshal(raw[4:]); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}

func (s *Store) names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return indexOf(names[i]) < indexOf(names[j]) })
	return names, nil
}

func (s *Store) prune() {
	names, err := s.names()
	if err != nil {
		s.logger.Warn("snapshot prune failed", "error", err)
		return
	}
	for len(names) > s.retain {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil {
			s.logger.Warn("failed to remove old snapshot", "file", names[0], "error", err)
		}
		names = names[1:]
	}
}

func fileName(term, index uint64) string {
	return fmt.Sprintf("%016x-%016x%s", term, index, snapSuffix)
}

func indexOf(name string) uint64 {
	var term, index uint64
	if _, err := fmt.Sscanf(name, "%016x-%016x", &term, &index); err != nil {
		return 0
	}
	return index
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync snapshot file: %w", err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open snapshot dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync snapshot dir: %w", err)
	}
	return nil
}
