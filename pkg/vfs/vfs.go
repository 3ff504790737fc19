package vfs

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"path"
	"sort"
	"strings"
	"sync"

	"raftvfs/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// FileRecord is an immutable version of a file. Updates store a new record.
type FileRecord struct {
	ID       types.FileID  `json:"id"`
	Path     string        `json:"path"`
	Version  uint64        `json:"version"`
	Content  string        `json:"content"`
	Group    types.GroupID `json:"group"`
	Checksum uint32        `json:"checksum"`
}

type (
	fileIndex = skipmap.FuncMap[types.FileID, *FileRecord]
	pathIndex = skipmap.FuncMap[string, types.FileID]
)

type state struct {
	files  *fileIndex
	paths  *pathIndex
	nextID uint64
}

func newState() *state {
	st := &state{
		files: skipmap.NewFunc[types.FileID, *FileRecord](func(a, b types.FileID) bool { return a < b }),
		paths: skipmap.NewFunc[string, types.FileID](func(a, b string) bool { return a < b }),
	}
	st.nextID = 1
	return st
}

// VFS is the replicated file tree of one group. Apply and Restore are called by the
// group's single apply worker; readers may run concurrently with it and never see a
// command half applied.
type VFS struct {
	group types.GroupID

	mu sync.RWMutex
	st *state

	events eventHub
}

func New(group types.GroupID) *VFS {
	return &VFS{group: group, st: newState()}
}

// Apply executes cmd. The outcome depends only on the current state and cmd.
func (v *VFS) Apply(cmd Command) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cmd.Op == OpBatch {
		return v.batch(v.st, cmd)
	}
	return v.apply(v.st, cmd)
}

func (v *VFS) apply(st *state, cmd Command) Result {
	switch cmd.Op {
	case OpCreate:
		return v.create(st, cmd)
	case OpUpdate:
		return v.update(st, cmd)
	case OpDelete:
		return v.delete(st, cmd)
	case OpRename:
		return v.rename(st, cmd)
	default:
		return Result{Err: fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)}
	}
}

func (v *VFS) create(st *state, cmd Command) Result {
	p, err := NormalizePath(cmd.Path)
	if err != nil {
		return Result{Err: err}
	}
	if _, ok := st.paths.Load(p); ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrPathExists, p)}
	}

	id := types.FileID(st.nextID)
	st.nextID++
	rec := &FileRecord{
		ID:       id,
		Path:     p,
		Version:  1,
		Content:  cmd.Content,
		Group:    v.group,
		Checksum: crc32.ChecksumIEEE([]byte(cmd.Content)),
	}
	st.files.Store(id, rec)
	st.paths.Store(p, id)
	v.events.publish(Event{Type: EventCreated, FileID: id, Path: p, Version: rec.Version})
	return Result{FileID: id, Version: rec.Version}
}

func (v *VFS) update(st *state, cmd Command) Result {
	cur, ok := st.files.Load(cmd.FileID)
	if !ok {
		return Result{FileID: cmd.FileID, Err: ErrNotFound}
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != cur.Version {
		return Result{
			FileID:  cur.ID,
			Version: cur.Version,
			Err:     fmt.Errorf("%w: expected %d, have %d", ErrVersionMismatch, *cmd.ExpectedVersion, cur.Version),
		}
	}

	next := *cur
	next.Content = cmd.Content
	next.Version++
	next.Checksum = crc32.ChecksumIEEE([]byte(cmd.Content))
	st.files.Store(next.ID, &next)
	v.events.publish(Event{Type: EventModified, FileID: next.ID, Path: next.Path, Version: next.Version})
	return Result{FileID: next.ID, Version: next.Version}
}

func (v *VFS) delete(st *state, cmd Command) Result {
	cur, ok := st.files.Load(cmd.FileID)
	if !ok {
		return Result{FileID: cmd.FileID, Err: ErrNotFound}
	}
	st.paths.Delete(cur.Path)
	st.files.Delete(cur.ID)
	v.events.publish(Event{Type: EventDeleted, FileID: cur.ID, Path: cur.Path, Version: cur.Version})
	return Result{FileID: cur.ID, Version: cur.Version}
}

func (v *VFS) rename(st *state, cmd Command) Result {
	cur, ok := st.files.Load(cmd.FileID)
	if !ok {
		return Result{FileID: cmd.FileID, Err: ErrNotFound}
	}
	p, err := NormalizePath(cmd.NewPath)
	if err != nil {
		return Result{FileID: cur.ID, Version: cur.Version, Err: err}
	}
	if holder, taken := st.paths.Load(p); taken && holder != cur.ID {
		return Result{FileID: cur.ID, Version: cur.Version, Err: fmt.Errorf("%w: %s", ErrPathExists, p)}
	}

	next := *cur
	next.Path = p
	next.Version++
	st.files.Store(next.ID, &next)
	if p != cur.Path {
		st.paths.Store(p, next.ID)
		st.paths.Delete(cur.Path)
	}
	v.events.publish(Event{Type: EventRenamed, FileID: next.ID, Path: p, OldPath: cur.Path, Version: next.Version})
	return Result{FileID: next.ID, Version: next.Version}
}

// batch applies the operations in order. Each succeeds or fails on its own; a failed
// operation does not undo the ones before it.
func (v *VFS) batch(st *state, cmd Command) Result {
	res := Result{Batch: make([]Result, 0, len(cmd.Ops))}
	for _, op := range cmd.Ops {
		if op.Op == OpBatch {
			res.Batch = append(res.Batch, Result{Err: fmt.Errorf("%w: nested batch", ErrUnknownOp)})
			continue
		}
		res.Batch = append(res.Batch, v.apply(st, op))
	}
	return res
}

// Get returns the file with id.
func (v *VFS) Get(id types.FileID) (FileRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rec, ok := v.st.files.Load(id)
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return *rec, nil
}

// GetByPath returns the file currently at path.
func (v *VFS) GetByPath(p string) (FileRecord, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return FileRecord{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.st.paths.Load(p)
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	rec, ok := v.st.files.Load(id)
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return *rec, nil
}

// List returns the files at or below dir, ordered by path. "" and "/" list everything.
func (v *VFS) List(dir string) ([]FileRecord, error) {
	if dir == "" {
		dir = "/"
	}
	if dir != "/" {
		var err error
		if dir, err = NormalizePath(dir); err != nil {
			return nil, err
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []FileRecord
	v.st.paths.Range(func(p string, id types.FileID) bool {
		if !inDir(p, dir) {
			return true
		}
		if rec, ok := v.st.files.Load(id); ok {
			out = append(out, *rec)
		}
		return true
	})
	return out, nil
}

// Find returns the files whose path matches pattern, ordered by path. A pattern with
// glob metacharacters is matched with path.Match against the whole path and against
// the base name; any other pattern is a substring match.
func (v *VFS) Find(pattern string) ([]FileRecord, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	glob := strings.ContainsAny(pattern, "*?[\\")
	if glob {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []FileRecord
	v.st.paths.Range(func(p string, id types.FileID) bool {
		var hit bool
		if glob {
			full, _ := path.Match(pattern, p)
			base, _ := path.Match(pattern, path.Base(p))
			hit = full || base
		} else {
			hit = strings.Contains(p, pattern)
		}
		if hit {
			if rec, ok := v.st.files.Load(id); ok {
				out = append(out, *rec)
			}
		}
		return true
	})
	return out, nil
}

// Len returns the number of live files.
func (v *VFS) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.st.files.Len()
}

// Subscribe returns a channel of the changes made by Apply from now on, buffered to
// buffer events. A subscriber that falls behind misses events and is told how many
// through Event.Missed on the next one it gets. cancel closes the channel.
func (v *VFS) Subscribe(buffer int) (<-chan Event, func()) {
	return v.events.subscribe(buffer)
}

type snapshotState struct {
	Group  types.GroupID `json:"group"`
	NextID uint64        `json:"next_id"`
	Files  []FileRecord  `json:"files"`
}

// Snapshot serializes the whole tree. Equal states produce equal bytes.
func (v *VFS) Snapshot() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	st := v.st
	snap := snapshotState{
		Group:  v.group,
		NextID: st.nextID,
		Files:  make([]FileRecord, 0, st.files.Len()),
	}
	st.files.Range(func(_ types.FileID, rec *FileRecord) bool {
		snap.Files = append(snap.Files, *rec)
		return true
	})
	// Range is already ordered by id; keep the guarantee explicit
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].ID < snap.Files[j].ID })

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal vfs snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the whole tree with a snapshot. Readers switch over atomically and
// subscribers get a single EventRestored in place of per-file events.
func (v *VFS) Restore(data []byte) error {
	var snap snapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal vfs snapshot: %w", err)
	}

	st := newState()
	maxID := types.FileID(0)
	for i := range snap.Files {
		rec := snap.Files[i]
		if _, dup := st.paths.Load(rec.Path); dup {
			return fmt.Errorf("vfs snapshot: duplicate path %q", rec.Path)
		}
		st.files.Store(rec.ID, &rec)
		st.paths.Store(rec.Path, rec.ID)
		if rec.ID > maxID {
			maxID = rec.ID
		}
	}
	next := snap.NextID
	if next <= uint64(maxID) {
		next = uint64(maxID) + 1
	}
	st.nextID = next

	v.mu.Lock()
	v.st = st
	v.mu.Unlock()
	v.events.publish(Event{Type: EventRestored})
	return nil
}
