package vfs

import (
	"fmt"

	"raftvfs/pkg/types"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpRename Op = "rename"
	// OpBatch applies Ops in order, each with its own result.
	OpBatch Op = "batch"
)

// Command is a state machine command carried in the log.
type Command struct {
	Op      Op           `json:"op"`
	Path    string       `json:"path,omitempty"`
	FileID  types.FileID `json:"file_id,omitempty"`
	Content string       `json:"content,omitempty"`
	NewPath string       `json:"new_path,omitempty"`
	// ExpectedVersion makes an update conditional on the current version.
	ExpectedVersion *uint64   `json:"expected_version,omitempty"`
	Ops             []Command `json:"ops,omitempty"`
}

func CreateFile(path, content string) Command {
	return Command{Op: OpCreate, Path: path, Content: content}
}

func UpdateFile(id types.FileID, content string) Command {
	return Command{Op: OpUpdate, FileID: id, Content: content}
}

// UpdateFileIfVersion updates only when the file is still at version.
func UpdateFileIfVersion(id types.FileID, content string, version uint64) Command {
	return Command{Op: OpUpdate, FileID: id, Content: content, ExpectedVersion: &version}
}

func DeleteFile(id types.FileID) Command {
	return Command{Op: OpDelete, FileID: id}
}

func RenameFile(id types.FileID, newPath string) Command {
	return Command{Op: OpRename, FileID: id, NewPath: newPath}
}

// Batch groups commands into one log entry. They are applied in order and
// independently of each other.
func Batch(ops ...Command) Command {
	return Command{Op: OpBatch, Ops: ops}
}

// Creates counts the files cmd may create.
func (c Command) Creates() int {
	switch c.Op {
	case OpCreate:
		return 1
	case OpBatch:
		n := 0
		for _, op := range c.Ops {
			if op.Op == OpCreate {
				n++
			}
		}
		return n
	}
	return 0
}

// Limits are checked before a command is proposed.
type Limits struct {
	MaxFileSize int
	MaxFiles    int
	MaxBatchOps int
}

// Validate rejects commands that can never succeed, so they do not take a log slot.
// Outcome-dependent failures (missing file, taken path) are left to apply.
func (c Command) Validate(l Limits) error {
	if c.Op == OpBatch {
		if len(c.Ops) == 0 {
			return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
		}
		if l.MaxBatchOps > 0 && len(c.Ops) > l.MaxBatchOps {
			return fmt.Errorf("%w: %d operations, limit %d", ErrInvalidBatch, len(c.Ops), l.MaxBatchOps)
		}
		for i, op := range c.Ops {
			if op.Op == OpBatch {
				return fmt.Errorf("%w: nested batch at %d", ErrInvalidBatch, i)
			}
			if err := op.Validate(l); err != nil {
				return fmt.Errorf("batch operation %d: %w", i, err)
			}
		}
		return nil
	}
	if l.MaxFileSize > 0 && len(c.Content) > l.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(c.Content), l.MaxFileSize)
	}
	switch c.Op {
	case OpCreate:
		if _, err := NormalizePath(c.Path); err != nil {
			return fmt.Errorf("%w: %q", err, c.Path)
		}
	case OpUpdate, OpDelete:
		if c.FileID == 0 {
			return fmt.Errorf("%w: file id required", ErrNotFound)
		}
	case OpRename:
		if c.FileID == 0 {
			return fmt.Errorf("%w: file id required", ErrNotFound)
		}
		if _, err := NormalizePath(c.NewPath); err != nil {
			return fmt.Errorf("%w: %q", err, c.NewPath)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
	return nil
}

// Result is the outcome of applying one command. Err is an apply failure, recorded for
// the entry; it does not stop the apply pipeline.
type Result struct {
	FileID  types.FileID
	Version uint64
	Err     error
	// Batch holds one result per operation of an OpBatch command.
	Batch []Result
}
