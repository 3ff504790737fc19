package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"raftvfs/pkg/consensus"
	"raftvfs/pkg/group"
	"raftvfs/pkg/metrics"
	"raftvfs/pkg/transport"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// fakeHost is a single-group host backed by a plain VFS. It can pretend to be a follower.
type fakeHost struct {
	mu       sync.Mutex
	fs       *vfs.VFS
	index    uint64
	follower bool
	stepped  []raftpb.Message
	changes  []types.MembershipChange
	lastRead types.Consistency
}

func newFakeHost() *fakeHost {
	return &fakeHost{fs: vfs.New(1)}
}

func (h *fakeHost) check(id types.GroupID) error {
	if id != 1 {
		return fmt.Errorf("%w: %d", group.ErrGroupNotFound, id)
	}
	return nil
}

func (h *fakeHost) notLeader() error {
	return &consensus.NotLeaderError{LeaderID: 2, LeaderAddr: "http://n2:8080"}
}

func (h *fakeHost) Groups() []types.GroupID { return []types.GroupID{1} }

func (h *fakeHost) Step(_ context.Context, id types.GroupID, msg raftpb.Message) error {
	if err := h.check(id); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stepped = append(h.stepped, msg)
	return nil
}

func (h *fakeHost) ProposeCommand(_ context.Context, id types.GroupID, cmd vfs.Command) (group.Result, error) {
	if err := h.check(id); err != nil {
		return group.Result{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.follower {
		return group.Result{}, h.notLeader()
	}
	if err := cmd.Validate(vfs.Limits{}); err != nil {
		return group.Result{}, err
	}
	h.index++
	return group.Result{Index: h.index, Result: h.fs.Apply(cmd)}, nil
}

func (h *fakeHost) read(id types.GroupID, c types.Consistency) error {
	if err := h.check(id); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRead = c
	if c == types.Linearizable && h.follower {
		return h.notLeader()
	}
	return nil
}

func (h *fakeHost) ReadFile(_ context.Context, id types.GroupID, file types.FileID, c types.Consistency) (vfs.FileRecord, error) {
	if err := h.read(id, c); err != nil {
		return vfs.FileRecord{}, err
	}
	return h.fs.Get(file)
}

func (h *fakeHost) ReadPath(_ context.Context, id types.GroupID, p string, c types.Consistency) (vfs.FileRecord, error) {
	if err := h.read(id, c); err != nil {
		return vfs.FileRecord{}, err
	}
	return h.fs.GetByPath(p)
}

func (h *fakeHost) List(_ context.Context, id types.GroupID, dir string, c types.Consistency) ([]vfs.FileRecord, error) {
	if err := h.read(id, c); err != nil {
		return nil, err
	}
	return h.fs.List(dir)
}

func (h *fakeHost) Find(_ context.Context, id types.GroupID, pattern string, c types.Consistency) ([]vfs.FileRecord, error) {
	if err := h.read(id, c); err != nil {
		return nil, err
	}
	return h.fs.Find(pattern)
}

func (h *fakeHost) Status(id types.GroupID) (group.Status, error) {
	if err := h.check(id); err != nil {
		return group.Status{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return group.Status{
		Status:  consensus.Status{ID: 1, GroupID: 1, Role: consensus.Leader, Term: 3, Lead: 1},
		Role:    "leader",
		Applied: h.index,
		Files:   h.fs.Len(),
	}, nil
}

func (h *fakeHost) CurrentMembership(id types.GroupID) ([]types.Peer, error) {
	if err := h.check(id); err != nil {
		return nil, err
	}
	return []types.Peer{{ID: 1, Address: "http://n1:8080"}}, nil
}

func (h *fakeHost) ChangeMembership(_ context.Context, id types.GroupID, ch types.MembershipChange) (uint64, error) {
	if err := h.check(id); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, ch)
	h.index++
	return h.index, nil
}

func (h *fakeHost) recorded() (types.Consistency, []types.MembershipChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRead, append([]types.MembershipChange(nil), h.changes...)
}

func newTestServer(t *testing.T, h *fakeHost, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(h, "0", opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeHost())
	var resp Response
	if code := do(t, http.MethodGet, srv.URL+"/health", "", &resp); code != http.StatusOK || resp.Status != StatusOK {
		t.Fatalf("health = %d %+v", code, resp)
	}
}

func TestCommandAndReads(t *testing.T) {
	h := newFakeHost()
	srv := newTestServer(t, h)
	base := srv.URL + "/api/groups/1"

	var created CommandResponse
	code := do(t, http.MethodPost, base+"/commands", `{"op":"create","path":"/docs/a.txt","content":"hello"}`, &created)
	if code != http.StatusOK || created.Index != 1 || created.FileID == 0 || created.Version != 1 {
		t.Fatalf("create = %d %+v", code, created)
	}

	var rec vfs.FileRecord
	code = do(t, http.MethodGet, fmt.Sprintf("%s/files/%d?consistency=linearizable", base, created.FileID), "", &rec)
	if code != http.StatusOK || rec.Content != "hello" || rec.Path != "/docs/a.txt" {
		t.Fatalf("read by id = %d %+v", code, rec)
	}
	if c, _ := h.recorded(); c != types.Linearizable {
		t.Fatalf("consistency = %s, want linearizable", c)
	}

	code = do(t, http.MethodGet, base+"/files?path=/docs/a.txt", "", &rec)
	if code != http.StatusOK || rec.ID != created.FileID {
		t.Fatalf("read by path = %d %+v", code, rec)
	}

	var list FilesResponse
	code = do(t, http.MethodGet, base+"/files?prefix=/docs", "", &list)
	if code != http.StatusOK || len(list.Files) != 1 {
		t.Fatalf("list = %d %+v", code, list)
	}
	code = do(t, http.MethodGet, base+"/files?prefix=/empty", "", &list)
	if code != http.StatusOK || list.Files == nil || len(list.Files) != 0 {
		t.Fatalf("empty list = %d %+v", code, list)
	}
}

func TestBatchCommandReportsEachOperation(t *testing.T) {
	srv := newTestServer(t, newFakeHost())
	base := srv.URL + "/api/groups/1"

	body := `{"op":"batch","ops":[
		{"op":"create","path":"/src/a.go","content":"a"},
		{"op":"create","path":"/src/a.go","content":"again"},
		{"op":"create","path":"/src/b_test.go","content":"b"}]}`
	var resp CommandResponse
	code := do(t, http.MethodPost, base+"/commands", body, &resp)
	if code != http.StatusOK || resp.Status != StatusSuccess || len(resp.Results) != 3 {
		t.Fatalf("batch = %d %+v", code, resp)
	}
	if resp.Results[0].FileID == 0 || resp.Results[0].Code != "" {
		t.Fatalf("first op = %+v", resp.Results[0])
	}
	if resp.Results[1].Code != "path_exists" {
		t.Fatalf("duplicate create = %+v", resp.Results[1])
	}
	if resp.Results[2].FileID == 0 {
		t.Fatalf("third op = %+v", resp.Results[2])
	}

	code = do(t, http.MethodPost, base+"/commands", `{"op":"batch"}`, &resp)
	if code != http.StatusBadRequest || resp.Code != "invalid_batch" {
		t.Fatalf("empty batch = %d %+v", code, resp)
	}

	var found FilesResponse
	code = do(t, http.MethodGet, base+"/files?match=*_test.go", "", &found)
	if code != http.StatusOK || len(found.Files) != 1 || found.Files[0].Path != "/src/b_test.go" {
		t.Fatalf("glob find = %d %+v", code, found)
	}
	code = do(t, http.MethodGet, base+"/files?match=src/", "", &found)
	if code != http.StatusOK || len(found.Files) != 2 {
		t.Fatalf("substring find = %d %+v", code, found)
	}
	var errResp Response
	code = do(t, http.MethodGet, base+"/files?match=%5B", "", &errResp)
	if code != http.StatusBadRequest || errResp.Code != "invalid_pattern" {
		t.Fatalf("bad pattern = %d %+v", code, errResp)
	}
}

func TestCommandApplyFailureKeepsIndex(t *testing.T) {
	srv := newTestServer(t, newFakeHost())

	var resp CommandResponse
	code := do(t, http.MethodPost, srv.URL+"/api/groups/1/commands", `{"op":"update","file_id":42,"content":"x"}`, &resp)
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if resp.Index != 1 || resp.Code != "not_found" || resp.Status != StatusError {
		t.Fatalf("response = %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, newFakeHost())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		errc   string
	}{
		{"unknown group", http.MethodGet, "/api/groups/9/status", "", http.StatusNotFound, "group_not_found"},
		{"bad group id", http.MethodGet, "/api/groups/x/status", "", http.StatusBadRequest, ""},
		{"missing file", http.MethodGet, "/api/groups/1/files/5", "", http.StatusNotFound, "not_found"},
		{"bad consistency", http.MethodGet, "/api/groups/1/files/5?consistency=eventual", "", http.StatusBadRequest, ""},
		{"invalid path", http.MethodPost, "/api/groups/1/commands", `{"op":"create","path":"/"}`, http.StatusBadRequest, "invalid_path"},
		{"unknown op", http.MethodPost, "/api/groups/1/commands", `{"op":"chmod"}`, http.StatusBadRequest, "unknown_op"},
		{"broken body", http.MethodPost, "/api/groups/1/commands", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			code := do(t, tt.method, srv.URL+tt.path, tt.body, &resp)
			if code != tt.code || resp.Code != tt.errc || resp.Status != StatusError {
				t.Fatalf("got %d %+v, want %d code %q", code, resp, tt.code, tt.errc)
			}
		})
	}
}

func TestNotLeaderReturnsHint(t *testing.T) {
	h := newFakeHost()
	h.follower = true
	srv := newTestServer(t, h)

	for _, req := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/groups/1/commands", `{"op":"create","path":"/a"}`},
		{http.MethodGet, "/api/groups/1/files/1?consistency=linearizable", ""},
	} {
		var resp Response
		code := do(t, req.method, srv.URL+req.path, req.body, &resp)
		if code != http.StatusMisdirectedRequest {
			t.Fatalf("%s %s = %d, want 421", req.method, req.path, code)
		}
		if resp.LeaderID != 2 || resp.LeaderAddr != "http://n2:8080" || resp.Code != "not_leader" {
			t.Fatalf("hint = %+v", resp)
		}
	}

	// local reads are still served by a follower
	var resp Response
	if code := do(t, http.MethodGet, srv.URL+"/api/groups/1/files/1", "", &resp); code != http.StatusNotFound {
		t.Fatalf("local read on follower = %d", code)
	}
}

func TestRaftIngress(t *testing.T) {
	h := newFakeHost()
	srv := newTestServer(t, h)

	tr := transport.NewHTTP(1)
	tr.AddPeer(2, srv.URL)
	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 4}
	if err := tr.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.mu.Lock()
	got := h.stepped
	h.mu.Unlock()
	if len(got) != 1 || got[0].Term != 4 || got[0].To != 2 {
		t.Fatalf("stepped = %+v", got)
	}

	other := transport.NewHTTP(9, transport.WithRetries(1, 0))
	other.AddPeer(2, srv.URL)
	if err := other.Send(msg); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Send to unknown group = %v", err)
	}
}

func TestMembersAndStatus(t *testing.T) {
	h := newFakeHost()
	srv := newTestServer(t, h)
	base := srv.URL + "/api/groups/1"

	var members MembersResponse
	if code := do(t, http.MethodGet, base+"/members", "", &members); code != http.StatusOK || len(members.Members) != 1 {
		t.Fatalf("members = %d %+v", code, members)
	}

	var idx IndexResponse
	code := do(t, http.MethodPost, base+"/members", `{"op":"add","id":4,"address":"http://n4:8080"}`, &idx)
	if code != http.StatusOK || idx.Index == 0 {
		t.Fatalf("add member = %d %+v", code, idx)
	}
	if _, changes := h.recorded(); len(changes) != 1 || changes[0].Op != types.AddNode || changes[0].Peer.Address != "http://n4:8080" {
		t.Fatalf("changes = %+v", changes)
	}

	var bad Response
	if code := do(t, http.MethodPost, base+"/members", `{"op":"promote","id":4}`, &bad); code != http.StatusBadRequest {
		t.Fatalf("unknown op = %d", code)
	}

	var st map[string]any
	if code := do(t, http.MethodGet, base+"/status", "", &st); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if st["role"] != "leader" || st["term"] != float64(3) {
		t.Fatalf("status body = %v", st)
	}

	var groups GroupsResponse
	if code := do(t, http.MethodGet, srv.URL+"/api/groups", "", &groups); code != http.StatusOK || len(groups.Groups) != 1 {
		t.Fatalf("groups = %d %+v", code, groups)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.IncCounter("vfs_commands_applied_total", map[string]string{"group": "1"}, 3)
	srv := newTestServer(t, newFakeHost(), WithMetrics(reg))

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "vfs_commands_applied_total") {
		t.Fatalf("metrics body:\n%s", body)
	}
}
