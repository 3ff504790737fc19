// Package client talks to the HTTP API of a raftvfs cluster. Requests for a group go to
// the last known leader of that group; a 421 answer with a leader hint moves them there.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	apihttp "raftvfs/internal/http"
	"raftvfs/pkg/consensus"
	"raftvfs/pkg/group"
	"raftvfs/pkg/transport"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"

	"github.com/zhangyunhao116/fastrand"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRedirects = 5
	defaultRetryDelay   = 50 * time.Millisecond
)

// Error is a non-2xx answer of the API.
type Error struct {
	Status     int
	Code       string
	Message    string
	LeaderID   uint64
	LeaderAddr string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Is matches the sentinel errors of the server side, so callers can use errors.Is with
// vfs, consensus and group errors.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case "":
		return false
	case "not_leader":
		return target == consensus.ErrNotLeader
	case "group_not_found":
		return target == group.ErrGroupNotFound
	default:
		return target == vfs.FromCode(e.Code)
	}
}

// CommandResult is the outcome of a committed command.
type CommandResult struct {
	Index   uint64
	FileID  types.FileID
	Version uint64
	// Batch holds the per-operation outcomes of a batch, in order.
	Batch []OpResult
}

// OpResult is one operation of a batch. Err matches the vfs sentinel errors.
type OpResult struct {
	FileID  types.FileID
	Version uint64
	Err     error
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithMaxRedirects(n int) Option {
	return func(cl *Client) { cl.maxRedirects = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

type Client struct {
	endpoints    []string
	http         *http.Client
	maxRedirects int
	logger       *slog.Logger

	mu      sync.Mutex
	leaders map[types.GroupID]string
	next    int
}

// New returns a client for the nodes at endpoints. Any node will do; the client finds
// leaders on its own.
func New(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("client: no endpoints")
	}
	c := &Client{
		http:         &http.Client{Timeout: defaultTimeout},
		maxRedirects: defaultMaxRedirects,
		logger:       slog.Default(),
		leaders:      make(map[types.GroupID]string),
	}
	for _, e := range endpoints {
		c.endpoints = append(c.endpoints, transport.BaseURL(e))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Create(ctx context.Context, g types.GroupID, path, content string) (CommandResult, error) {
	return c.Apply(ctx, g, vfs.CreateFile(path, content))
}

func (c *Client) Update(ctx context.Context, g types.GroupID, id types.FileID, content string) (CommandResult, error) {
	return c.Apply(ctx, g, vfs.UpdateFile(id, content))
}

// UpdateIfVersion fails with vfs.ErrVersionMismatch when the file is no longer at version.
func (c *Client) UpdateIfVersion(ctx context.Context, g types.GroupID, id types.FileID, content string, version uint64) (CommandResult, error) {
	return c.Apply(ctx, g, vfs.UpdateFileIfVersion(id, content, version))
}

func (c *Client) Delete(ctx context.Context, g types.GroupID, id types.FileID) (CommandResult, error) {
	return c.Apply(ctx, g, vfs.DeleteFile(id))
}

func (c *Client) Rename(ctx context.Context, g types.GroupID, id types.FileID, newPath string) (CommandResult, error) {
	return c.Apply(ctx, g, vfs.RenameFile(id, newPath))
}

// Apply submits cmd to the group's leader. A command that committed but failed to apply
// returns its Index together with the error.
func (c *Client) Apply(ctx context.Context, g types.GroupID, cmd vfs.Command) (CommandResult, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return CommandResult{}, fmt.Errorf("marshal command: %w", err)
	}
	var resp apihttp.CommandResponse
	err = c.do(ctx, g, http.MethodPost, groupPath(g, "commands"), body, &resp)
	res := CommandResult{Index: resp.Index, FileID: resp.FileID, Version: resp.Version}
	for _, r := range resp.Results {
		op := OpResult{FileID: r.FileID, Version: r.Version}
		if r.Code != "" {
			op.Err = &Error{Status: http.StatusOK, Code: r.Code, Message: r.Error}
		}
		res.Batch = append(res.Batch, op)
	}
	return res, err
}

// Batch commits ops as one log entry. Each operation succeeds or fails on its own; see
// CommandResult.Batch.
func (c *Client) Batch(ctx context.Context, g types.GroupID, ops ...vfs.Command) (CommandResult, error) {
	return c.Apply(ctx, g, vfs.Batch(ops...))
}

func (c *Client) Read(ctx context.Context, g types.GroupID, id types.FileID, cons types.Consistency) (vfs.FileRecord, error) {
	var rec vfs.FileRecord
	p := groupPath(g, "files/"+strconv.FormatUint(uint64(id), 10)) + "?consistency=" + cons.String()
	err := c.do(ctx, g, http.MethodGet, p, nil, &rec)
	return rec, err
}

func (c *Client) ReadPath(ctx context.Context, g types.GroupID, path string, cons types.Consistency) (vfs.FileRecord, error) {
	var rec vfs.FileRecord
	q := url.Values{"path": {path}, "consistency": {cons.String()}}
	err := c.do(ctx, g, http.MethodGet, groupPath(g, "files")+"?"+q.Encode(), nil, &rec)
	return rec, err
}

func (c *Client) List(ctx context.Context, g types.GroupID, prefix string, cons types.Consistency) ([]vfs.FileRecord, error) {
	var resp apihttp.FilesResponse
	q := url.Values{"prefix": {prefix}, "consistency": {cons.String()}}
	err := c.do(ctx, g, http.MethodGet, groupPath(g, "files")+"?"+q.Encode(), nil, &resp)
	return resp.Files, err
}

// Find returns the files whose path matches pattern: a glob when it has metacharacters,
// a substring otherwise.
func (c *Client) Find(ctx context.Context, g types.GroupID, pattern string, cons types.Consistency) ([]vfs.FileRecord, error) {
	var resp apihttp.FilesResponse
	q := url.Values{"match": {pattern}, "consistency": {cons.String()}}
	err := c.do(ctx, g, http.MethodGet, groupPath(g, "files")+"?"+q.Encode(), nil, &resp)
	return resp.Files, err
}

func (c *Client) Status(ctx context.Context, g types.GroupID) (group.Status, error) {
	var st group.Status
	err := c.do(ctx, g, http.MethodGet, groupPath(g, "status"), nil, &st)
	return st, err
}

func (c *Client) Members(ctx context.Context, g types.GroupID) ([]types.Peer, error) {
	var resp apihttp.MembersResponse
	err := c.do(ctx, g, http.MethodGet, groupPath(g, "members"), nil, &resp)
	return resp.Members, err
}

// ChangeMembership proposes ch on the group's leader and returns its log index.
func (c *Client) ChangeMembership(ctx context.Context, g types.GroupID, ch types.MembershipChange) (uint64, error) {
	body, err := json.Marshal(apihttp.MembershipRequest{Op: ch.Op.String(), ID: ch.Peer.ID, Address: ch.Peer.Address})
	if err != nil {
		return 0, fmt.Errorf("marshal membership change: %w", err)
	}
	var resp apihttp.IndexResponse
	err = c.do(ctx, g, http.MethodPost, groupPath(g, "members"), body, &resp)
	return resp.Index, err
}

func groupPath(g types.GroupID, rest string) string {
	return "/api/groups/" + strconv.FormatUint(uint64(g), 10) + "/" + rest
}

// do sends the request to the group's leader, following leader hints and moving on to
// the next endpoint when a node cannot be reached.
func (c *Client) do(ctx context.Context, g types.GroupID, method, path string, body []byte, out any) error {
	var lastErr error
	attempts := c.maxRedirects + len(c.endpoints)
	for attempt := 0; attempt <= attempts; attempt++ {
		base := c.target(g)
		status, raw, err := c.send(ctx, method, base+path, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("node unreachable, trying next", "endpoint", base, "error", err)
			c.forget(g, base)
			lastErr = err
			continue
		}

		if status >= 200 && status < 300 {
			if out == nil || len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		apiErr := decodeError(status, raw)
		if status != http.StatusMisdirectedRequest {
			// apply failures still carry the committed index
			if out != nil {
				_ = json.Unmarshal(raw, out)
			}
			return apiErr
		}

		lastErr = apiErr
		if apiErr.LeaderAddr != "" {
			c.setLeader(g, transport.BaseURL(apiErr.LeaderAddr))
			continue
		}
		// no leader known yet, give the election a moment
		c.forget(g, base)
		select {
		case <-time.After(retryDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("client: giving up on group %d: %w", g, lastErr)
}

// retryDelay grows linearly with attempt plus up to one step of jitter, so clients that
// lost the same leader do not come back in lockstep.
func retryDelay(attempt int) time.Duration {
	return defaultRetryDelay*time.Duration(attempt+1) + time.Duration(fastrand.Int63n(int64(defaultRetryDelay)))
}

func (c *Client) send(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func decodeError(status int, raw []byte) *Error {
	var resp apihttp.Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Error == "" {
		return &Error{Status: status, Message: string(bytes.TrimSpace(raw))}
	}
	return &Error{
		Status:     status,
		Code:       resp.Code,
		Message:    resp.Error,
		LeaderID:   resp.LeaderID,
		LeaderAddr: resp.LeaderAddr,
	}
}

func (c *Client) target(g types.GroupID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr, ok := c.leaders[g]; ok {
		return addr
	}
	return c.endpoints[c.next%len(c.endpoints)]
}

func (c *Client) setLeader(g types.GroupID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaders[g] = addr
}

// forget drops a stale leader and rotates to the next endpoint.
func (c *Client) forget(g types.GroupID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaders[g] == addr {
		delete(c.leaders, g)
		return
	}
	c.next++
}
