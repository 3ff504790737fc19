package vfs

import (
	"sync"

	"raftvfs/pkg/types"
)

type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
	EventRenamed  EventType = "renamed"
	// EventRestored replaces the whole tree; FileID and Path are empty.
	EventRestored EventType = "restored"
)

// Event is one change made to the tree by Apply or Restore.
type Event struct {
	Type    EventType    `json:"type"`
	FileID  types.FileID `json:"file_id,omitempty"`
	Path    string       `json:"path,omitempty"`
	OldPath string       `json:"old_path,omitempty"`
	Version uint64       `json:"version,omitempty"`
	// Missed counts events dropped for this subscriber before this one.
	Missed uint64 `json:"missed,omitempty"`
}

type subscriber struct {
	ch     chan Event
	missed uint64
}

// eventHub fans events out to subscribers without ever blocking the publisher.
type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]*subscriber)
	}
	id := h.next
	h.next++
	s := &subscriber{ch: make(chan Event, buffer)}
	h.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(s.ch)
		})
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		ev.Missed = s.missed
		select {
		case s.ch <- ev:
			s.missed = 0
		default:
			s.missed++
		}
	}
}
