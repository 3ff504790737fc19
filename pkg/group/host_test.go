package group

import (
	"context"
	"errors"
	"testing"

	"raftvfs/pkg/transport"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"
)

func openSingle(t *testing.T, nw *transport.Network, id types.GroupID) *Group {
	t.Helper()
	opts := testOptions(1, 1)
	opts.ID = id
	opts.Transport = nw.Transport(id, 1)
	g, err := Open(opts)
	if err != nil {
		t.Fatalf("Open(%d): %v", id, err)
	}
	nw.Register(id, 1, g)
	return g
}

func TestHostRoutesByGroup(t *testing.T) {
	nw := transport.NewNetwork()
	h := NewHost(1, discardLogger())
	defer h.Close()

	for _, id := range []types.GroupID{3, 1, 2} {
		if err := h.Add(openSingle(t, nw, id)); err != nil {
			t.Fatalf("Add(%d): %v", id, err)
		}
	}
	if got := h.Groups(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Groups() = %v", got)
	}

	for _, id := range h.Groups() {
		g, _ := h.Group(id)
		waitFor(t, "group leader", g.IsLeader)
	}

	ctx := context.Background()
	res, err := h.ProposeCommand(ctx, 2, vfs.CreateFile("/only/in/two", "x"))
	if err != nil || res.Err != nil {
		t.Fatalf("propose: %v %v", err, res.Err)
	}
	rec, err := h.ReadFile(ctx, 2, res.FileID, types.Linearizable)
	if err != nil || rec.Group != 2 {
		t.Fatalf("ReadFile = %+v, %v", rec, err)
	}
	if _, err := h.ReadPath(ctx, 1, "/only/in/two", types.Local); !errors.Is(err, vfs.ErrNotFound) {
		t.Fatalf("file leaked into group 1: %v", err)
	}
	files, err := h.List(ctx, 2, "/only", types.Local)
	if err != nil || len(files) != 1 {
		t.Fatalf("List = %v, %v", files, err)
	}

	st, err := h.Status(2)
	if err != nil || st.Role != "leader" || st.Files != 1 || st.Applied < res.Index {
		t.Fatalf("Status = %+v, %v", st, err)
	}
	peers, err := h.CurrentMembership(3)
	if err != nil || len(peers) != 1 || peers[0].ID != 1 {
		t.Fatalf("CurrentMembership = %v, %v", peers, err)
	}
}

func TestHostRejectsUnknownAndDuplicateGroups(t *testing.T) {
	nw := transport.NewNetwork()
	h := NewHost(1, discardLogger())
	defer h.Close()

	g := openSingle(t, nw, 5)
	if err := h.Add(g); err != nil {
		t.Fatal(err)
	}
	dup := openSingle(t, nw, 5)
	defer dup.Stop()
	if err := h.Add(dup); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("duplicate Add = %v", err)
	}

	ctx := context.Background()
	if _, err := h.ProposeCommand(ctx, 9, vfs.CreateFile("/a", "")); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("propose to unknown group = %v", err)
	}
	if _, err := h.ReadFile(ctx, 9, 1, types.Local); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("read from unknown group = %v", err)
	}
	if _, err := h.ChangeMembership(ctx, 9, types.MembershipChange{Op: types.AddNode}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("membership change of unknown group = %v", err)
	}

	if err := h.Remove(5); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.Status(5); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("Status after Remove = %v", err)
	}
	if err := h.Remove(5); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("second Remove = %v", err)
	}
}
