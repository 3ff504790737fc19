package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Compactor takes a snapshot of state at index and discards the log prefix it covers,
// except for the last catchUp entries before index.
type Compactor interface {
	Compact(ctx context.Context, index, catchUp uint64, data []byte) error
}

// Policy decides when a new snapshot is due.
type Policy struct {
	// Threshold is the number of entries applied since the last snapshot.
	Threshold uint64
	// CatchUpEntries stay in the log behind a new snapshot, so a slightly lagging
	// follower is caught up with entries instead of a full snapshot transfer.
	CatchUpEntries uint64
}

// Due reports whether applied has moved far enough past last.
func (p Policy) Due(applied, last uint64) bool {
	return p.Threshold > 0 && applied > last && applied-last >= p.Threshold
}

// Manager triggers snapshots for one group.
type Manager struct {
	policy   Policy
	compress bool
	logger   *slog.Logger

	last    atomic.Uint64
	running atomic.Bool
}

func NewManager(policy Policy, compress bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{policy: policy, compress: compress, logger: logger}
}

// SetLast records the index covered by an existing snapshot, e.g. after restore.
func (m *Manager) SetLast(index uint64) {
	for {
		cur := m.last.Load()
		if index <= cur || m.last.CompareAndSwap(cur, index) {
			return
		}
	}
}

// Last returns the index of the newest snapshot taken or installed.
func (m *Manager) Last() uint64 {
	return m.last.Load()
}

// Maybe takes a snapshot at applied when the policy says so.
// state must return the serialized state machine exactly as of applied.
func (m *Manager) Maybe(ctx context.Context, applied uint64, state func() ([]byte, error), c Compactor) (bool, error) {
	if !m.policy.Due(applied, m.last.Load()) {
		return false, nil
	}
	return true, m.Take(ctx, applied, state, c)
}

// Take snapshots unconditionally.
func (m *Manager) Take(ctx context.Context, applied uint64, state func() ([]byte, error), c Compactor) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	defer m.running.Store(false)

	raw, err := state()
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	data, err := Encode(raw, m.compress)
	if err != nil {
		return err
	}
	if err := c.Compact(ctx, applied, m.policy.CatchUpEntries, data); err != nil {
		return fmt.Errorf("compact at %d: %w", applied, err)
	}

	m.SetLast(applied)
	m.logger.Info("snapshot taken", "index", applied, "raw_bytes", len(raw), "stored_bytes", len(data))
	return nil
}
