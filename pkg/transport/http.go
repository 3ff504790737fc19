package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"raftvfs/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// RaftPath is the ingress route; the group id follows it.
const RaftPath = "/api/internal/raft/"

const (
	defaultTimeout    = 3 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

type HTTPOption func(*HTTP)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTP) { t.client = c }
}

func WithRetries(n int, delay time.Duration) HTTPOption {
	return func(t *HTTP) {
		t.maxRetries = n
		t.retryDelay = delay
	}
}

func WithLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTP) { t.logger = l }
}

// HTTP sends consensus messages of one group to peers as JSON over HTTP.
type HTTP struct {
	group types.GroupID

	peersMu sync.RWMutex
	peers   map[uint64]string

	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewHTTP(group types.GroupID, opts ...HTTPOption) *HTTP {
	t := &HTTP{
		group:      group,
		peers:      make(map[uint64]string),
		client:     &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("group", group)
	return t
}

func (t *HTTP) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = BaseURL(addr)
}

func (t *HTTP) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *HTTP) UpdatePeer(nodeID uint64, addr string) {
	t.AddPeer(nodeID, addr)
}

// Send delivers msg, retrying network failures with a growing delay.
func (t *HTTP) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	base, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	url := base + RaftPath + strconv.FormatUint(uint64(t.group), 10)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// повторяем только сетевые ошибки, ответ 4xx не исправится повтором
	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		retry, err := t.post(url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		t.logger.Debug("failed to send raft message, retrying",
			"attempt", attempt+1,
			"to", msg.To,
			"type", msg.Type,
			"error", err)
		time.Sleep(t.retryDelay * time.Duration(attempt+1))
	}

	return fmt.Errorf("send %s to %d: %w", msg.Type, msg.To, lastErr)
}

func (t *HTTP) post(url string, body []byte) (bool, error) {
	timeout := t.client.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode >= http.StatusInternalServerError,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return false, nil
}

// BaseURL turns a peer address into a URL prefix. Bare host:port gets http://.
func BaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// DecodeMessage reads a message posted by HTTP.Send.
func DecodeMessage(r io.Reader) (raftpb.Message, error) {
	var msg raftpb.Message
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return raftpb.Message{}, fmt.Errorf("decode raft message: %w", err)
	}
	return msg, nil
}
