package group

import "sync"

// appliedNotifier wakes readers waiting for the applied index to move.
type appliedNotifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newAppliedNotifier() *appliedNotifier {
	return &appliedNotifier{ch: make(chan struct{})}
}

// wait returns a channel closed on the next notify.
func (n *appliedNotifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *appliedNotifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
