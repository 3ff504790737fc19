package consensus

import (
	"log/slog"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// sendReport tells the run loop how a message to a peer went.
type sendReport struct {
	to       uint64
	snapshot bool
	failed   bool
}

// peerSender drains a bounded queue of messages to one peer on its own goroutine, so a
// slow peer blocks neither the run loop nor the other peers.
type peerSender struct {
	to     uint64
	queue  chan raftpb.Message
	stopc  chan struct{}
	send   func(raftpb.Message) error
	report func(sendReport)
	logger *slog.Logger
}

func newPeerSender(to uint64, size int, send func(raftpb.Message) error, report func(sendReport), logger *slog.Logger) *peerSender {
	s := &peerSender{
		to:     to,
		queue:  make(chan raftpb.Message, size),
		stopc:  make(chan struct{}),
		send:   send,
		report: report,
		logger: logger,
	}
	go s.run()
	return s
}

// enqueue never blocks. false means the queue is full and m was dropped.
func (s *peerSender) enqueue(m raftpb.Message) bool {
	select {
	case s.queue <- m:
		return true
	default:
		return false
	}
}

func (s *peerSender) run() {
	for {
		select {
		case <-s.stopc:
			return
		case m := <-s.queue:
			err := s.send(m)
			if err != nil {
				s.logger.Debug("failed to send raft message",
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
			if err != nil || m.Type == raftpb.MsgSnap {
				s.report(sendReport{to: s.to, snapshot: m.Type == raftpb.MsgSnap, failed: err != nil})
			}
		}
	}
}

// stop drops whatever is still queued. A send in flight finishes on its own.
func (s *peerSender) stop() {
	close(s.stopc)
}
