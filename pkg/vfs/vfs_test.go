package vfs

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"raftvfs/pkg/types"
)

func mustApply(t *testing.T, v *VFS, cmd Command) Result {
	t.Helper()
	res := v.Apply(cmd)
	if res.Err != nil {
		t.Fatalf("Apply(%+v): %v", cmd, res.Err)
	}
	return res
}

func TestCreateUpdateVersions(t *testing.T) {
	v := New(1)

	res := mustApply(t, v, CreateFile("/a.rs", "x"))
	if res.FileID != 1 || res.Version != 1 {
		t.Fatalf("create = %+v", res)
	}
	id := res.FileID

	for want := uint64(2); want <= 3; want++ {
		res = mustApply(t, v, UpdateFile(id, "y"))
		if res.Version != want {
			t.Fatalf("update version = %d, want %d", res.Version, want)
		}
	}

	rec, err := v.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Path != "/a.rs" || rec.Version != 3 || rec.Content != "y" || rec.Group != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestApplyFailures(t *testing.T) {
	v := New(1)
	a := mustApply(t, v, CreateFile("/a", "1")).FileID
	mustApply(t, v, CreateFile("/b", "2"))

	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"create existing path", CreateFile("/a", "x"), ErrPathExists},
		{"create normalized duplicate", CreateFile("/dir/../a", "x"), ErrPathExists},
		{"create root", CreateFile("/", "x"), ErrInvalidPath},
		{"update missing", UpdateFile(42, "x"), ErrNotFound},
		{"update stale version", UpdateFileIfVersion(a, "x", 7), ErrVersionMismatch},
		{"delete missing", DeleteFile(42), ErrNotFound},
		{"rename missing", RenameFile(42, "/c"), ErrNotFound},
		{"rename onto other file", RenameFile(a, "/b"), ErrPathExists},
		{"unknown op", Command{Op: "chmod"}, ErrUnknownOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Apply(tt.cmd)
			if !errors.Is(res.Err, tt.want) {
				t.Fatalf("Apply err = %v, want %v", res.Err, tt.want)
			}
		})
	}

	// failed commands leave the state untouched
	rec, _ := v.Get(a)
	if rec.Version != 1 || rec.Content != "1" || v.Len() != 2 {
		t.Fatalf("state changed by failed commands: %+v, len %d", rec, v.Len())
	}
}

func TestConditionalUpdate(t *testing.T) {
	v := New(1)
	id := mustApply(t, v, CreateFile("/f", "v1")).FileID
	res := mustApply(t, v, UpdateFileIfVersion(id, "v2", 1))
	if res.Version != 2 {
		t.Fatalf("version = %d", res.Version)
	}
	if res := v.Apply(UpdateFileIfVersion(id, "v3", 1)); !errors.Is(res.Err, ErrVersionMismatch) || res.Version != 2 {
		t.Fatalf("stale conditional update = %+v", res)
	}
}

func TestRenameAndDelete(t *testing.T) {
	v := New(1)
	id := mustApply(t, v, CreateFile("/src/main.rs", "fn main() {}")).FileID

	res := mustApply(t, v, RenameFile(id, "src/./bin/../lib.rs"))
	if res.Version != 2 {
		t.Fatalf("rename version = %d, want 2", res.Version)
	}
	if _, err := v.GetByPath("/src/main.rs"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old path still resolves: %v", err)
	}
	rec, err := v.GetByPath("/src/lib.rs")
	if err != nil || rec.ID != id {
		t.Fatalf("GetByPath(new) = %+v, %v", rec, err)
	}

	// the freed path can be reused, the id cannot
	other := mustApply(t, v, CreateFile("/src/main.rs", "")).FileID
	if other == id {
		t.Fatalf("file id %d reused", id)
	}

	mustApply(t, v, DeleteFile(id))
	if _, err := v.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted file still visible: %v", err)
	}
	again := mustApply(t, v, CreateFile("/src/lib.rs", "")).FileID
	if again == id || again == other {
		t.Fatalf("file id reused after delete: %d", again)
	}
}

func TestList(t *testing.T) {
	v := New(1)
	for _, p := range []string{"/src/b.rs", "/src/a.rs", "/srcx/c.rs", "/README.md", "/src/nested/d.rs"} {
		mustApply(t, v, CreateFile(p, ""))
	}

	got, err := v.List("/src")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/src/a.rs", "/src/b.rs", "/src/nested/d.rs"}
	if len(got) != len(want) {
		t.Fatalf("List(/src) = %d files, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Path != want[i] {
			t.Fatalf("List(/src)[%d] = %s, want %s", i, got[i].Path, want[i])
		}
	}

	all, _ := v.List("")
	if len(all) != 5 {
		t.Fatalf("List(all) = %d files", len(all))
	}
}

func script() []Command {
	return []Command{
		CreateFile("/a", "1"),
		CreateFile("/b", "2"),
		UpdateFile(1, "11"),
		RenameFile(2, "/c"),
		CreateFile("/a", "dup"), // fails
		DeleteFile(1),
		CreateFile("/d", "4"),
		UpdateFileIfVersion(3, "44", 1),
	}
}

func TestDeterministicReplicas(t *testing.T) {
	a, b := New(7), New(7)
	for _, cmd := range script() {
		ra, rb := a.Apply(cmd), b.Apply(cmd)
		if ra.FileID != rb.FileID || ra.Version != rb.Version || Code(ra.Err) != Code(rb.Err) {
			t.Fatalf("replicas diverged on %+v: %+v vs %+v", cmd, ra, rb)
		}
	}
	sa, err := a.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sa, sb) {
		t.Fatalf("snapshots differ:\n%s\n%s", sa, sb)
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := New(3)
	for _, cmd := range script() {
		src.Apply(cmd)
	}
	data, err := src.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	dst := New(3)
	mustApply(t, dst, CreateFile("/stale", ""))
	if err := dst.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := dst.GetByPath("/stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("restore kept stale file: %v", err)
	}
	if dst.Len() != src.Len() {
		t.Fatalf("len = %d, want %d", dst.Len(), src.Len())
	}
	rec, err := dst.GetByPath("/c")
	if err != nil || rec.ID != 2 || rec.Version != 2 {
		t.Fatalf("GetByPath(/c) = %+v, %v", rec, err)
	}

	// id allocation continues after the restored counter
	res := mustApply(t, dst, CreateFile("/e", ""))
	want := mustApply(t, src, CreateFile("/e", ""))
	if res.FileID != want.FileID {
		t.Fatalf("next id after restore = %d, want %d", res.FileID, want.FileID)
	}
}

func TestValidate(t *testing.T) {
	l := Limits{MaxFileSize: 4}
	if err := CreateFile("/a", "12345").Validate(l); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("oversized create = %v", err)
	}
	if err := CreateFile("", "").Validate(l); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("empty path = %v", err)
	}
	if err := RenameFile(1, "/").Validate(l); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("rename to root = %v", err)
	}
	if err := (Command{Op: "noop"}).Validate(l); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("unknown op = %v", err)
	}
	if err := UpdateFile(types.FileID(1), "ok").Validate(l); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for _, err := range []error{ErrNotFound, ErrPathExists, ErrVersionMismatch, ErrInvalidPath} {
		if got := FromCode(Code(err)); !errors.Is(got, err) {
			t.Errorf("FromCode(Code(%v)) = %v", err, got)
		}
	}
	if Code(nil) != "" || FromCode("") != nil {
		t.Fatal("nil error must map to empty code")
	}
}

func TestRenameSwapIsAtomicForReaders(t *testing.T) {
	v := New(1)
	a := mustApply(t, v, CreateFile("/a", "x")).FileID

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; !stop.Load(); i++ {
			next := "/b"
			if i%2 == 1 {
				next = "/a"
			}
			if res := v.Apply(RenameFile(a, next)); res.Err != nil {
				t.Errorf("rename to %s: %v", next, res.Err)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		files, err := v.List("/")
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 1 || files[0].ID != a {
			stop.Store(true)
			wg.Wait()
			t.Fatalf("List during rename = %+v, want the file exactly once", files)
		}
		if _, err := v.GetByPath(files[0].Path); err != nil && !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetByPath: %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()
}

func TestBatchAppliesEachOperation(t *testing.T) {
	v := New(1)
	a := mustApply(t, v, CreateFile("/a", "1")).FileID

	res := v.Apply(Batch(
		CreateFile("/b", "2"),
		UpdateFile(42, "x"),
		UpdateFile(a, "3"),
		RenameFile(a, "/b"),
		DeleteFile(a),
	))
	if res.Err != nil || len(res.Batch) != 5 {
		t.Fatalf("batch = %+v", res)
	}
	wantErr := []error{nil, ErrNotFound, nil, ErrPathExists, nil}
	for i, want := range wantErr {
		if got := res.Batch[i].Err; !errors.Is(got, want) || (want == nil && got != nil) {
			t.Errorf("op %d: err = %v, want %v", i, got, want)
		}
	}
	if res.Batch[0].FileID != 2 || res.Batch[2].Version != 2 {
		t.Fatalf("batch results = %+v", res.Batch)
	}
	if _, err := v.Get(a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted file still readable: %v", err)
	}
	if v.Len() != 1 {
		t.Fatalf("Len = %d, want 1", v.Len())
	}

	nested := v.Apply(Batch(Batch(CreateFile("/c", ""))))
	if len(nested.Batch) != 1 || !errors.Is(nested.Batch[0].Err, ErrUnknownOp) {
		t.Fatalf("nested batch = %+v", nested)
	}
}

func TestBatchValidate(t *testing.T) {
	l := Limits{MaxFileSize: 4, MaxBatchOps: 2}
	for _, tt := range []struct {
		name string
		cmd  Command
		want error
	}{
		{"ok", Batch(CreateFile("/a", "x"), DeleteFile(1)), nil},
		{"empty", Batch(), ErrInvalidBatch},
		{"too many", Batch(DeleteFile(1), DeleteFile(2), DeleteFile(3)), ErrInvalidBatch},
		{"nested", Batch(Batch(DeleteFile(1))), ErrInvalidBatch},
		{"bad operation", Batch(CreateFile("/a", "too long")), ErrFileTooLarge},
	} {
		if err := tt.cmd.Validate(l); !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
			t.Errorf("%s: Validate = %v, want %v", tt.name, err, tt.want)
		}
	}
	if n := Batch(CreateFile("/a", ""), DeleteFile(1), CreateFile("/b", "")).Creates(); n != 2 {
		t.Fatalf("Creates = %d, want 2", n)
	}
}

func TestFind(t *testing.T) {
	v := New(1)
	for _, p := range []string{"/src/main.go", "/src/main_test.go", "/src/lib/util.go", "/README.md"} {
		mustApply(t, v, CreateFile(p, ""))
	}
	for _, tt := range []struct {
		pattern string
		want    []string
	}{
		{"main", []string{"/src/main.go", "/src/main_test.go"}},
		{"*.go", []string{"/src/lib/util.go", "/src/main.go", "/src/main_test.go"}},
		{"/src/*.go", []string{"/src/main.go", "/src/main_test.go"}},
		{"README.?d", []string{"/README.md"}},
		{"nothing", nil},
	} {
		files, err := v.Find(tt.pattern)
		if err != nil {
			t.Fatalf("Find(%q): %v", tt.pattern, err)
		}
		var got []string
		for _, f := range files {
			got = append(got, f.Path)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("Find(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("Find(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		}
	}
	for _, bad := range []string{"", "[a-"} {
		if _, err := v.Find(bad); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("Find(%q) = %v, want ErrInvalidPattern", bad, err)
		}
	}
}
