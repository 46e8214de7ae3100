package worktree

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestWorktree_CreateEntry(t *testing.T) {
	w := New(1, "zed", "/home/a/zed")
	mtime := time.Unix(10, 0)

	batch, err := w.CreateEntry("src/main.rs", false, mtime)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if batch.ScanID != 2 {
		t.Errorf("expected scan id 2, got %d", batch.ScanID)
	}

	if _, ok := w.Entry("src"); !ok {
		t.Error("expected parent directory to be created")
	}
	e, ok := w.Entry("src/main.rs")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if e.IsDir {
		t.Error("expected a file entry")
	}

	if _, err := w.CreateEntry("src/main.rs", false, mtime); !errors.Is(err, ErrPathConflict) {
		t.Errorf("expected ErrPathConflict, got %v", err)
	}
}

func TestWorktree_ScanIDMonotonic(t *testing.T) {
	w := New(1, "root", "/root-dir")
	last := w.ScanID()
	for i, p := range []string{"a.rs", "b.rs", "dir/c.rs"} {
		if _, err := w.CreateEntry(p, false, time.Unix(int64(i), 0)); err != nil {
			t.Fatal(err)
		}
		if w.ScanID() <= last {
			t.Fatalf("scan id did not advance: %d -> %d", last, w.ScanID())
		}
		last = w.ScanID()
	}
}

func TestReplica_ConvergesWithHost(t *testing.T) {
	host := New(3, "proj", "/p")
	host.CreateEntry("main.rs", false, time.Unix(1, 0))

	guest := NewReplica(host.Snapshot())

	batch, err := host.CreateEntry("lib/util.rs", false, time.Unix(2, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !guest.Apply(batch) {
		t.Fatal("expected batch to apply")
	}

	hostSnap := host.Snapshot()
	guestSnap := guest.Snapshot()
	if guestSnap.RootName != hostSnap.RootName {
		t.Errorf("root names differ: %q vs %q", guestSnap.RootName, hostSnap.RootName)
	}
	if guestSnap.ScanID != hostSnap.ScanID {
		t.Errorf("scan ids differ: %d vs %d", guestSnap.ScanID, hostSnap.ScanID)
	}
	if !reflect.DeepEqual(guestSnap.Entries, hostSnap.Entries) {
		t.Errorf("entry sets differ:\nguest: %+v\nhost:  %+v", guestSnap.Entries, hostSnap.Entries)
	}
}

func TestReplica_DiscardsStaleBatches(t *testing.T) {
	host := New(1, "proj", "/p")
	b1, _ := host.CreateEntry("one.rs", false, time.Unix(1, 0))
	b2, _ := host.CreateEntry("two.rs", false, time.Unix(2, 0))

	guest := NewReplica(Snapshot{WorktreeID: 1, ScanID: 1, RootName: "proj", AbsPath: "/p", Entries: map[string]Entry{}})

	if !guest.Apply(b2) {
		t.Fatal("expected newer batch to apply")
	}
	if guest.Apply(b1) {
		t.Error("expected stale batch to be discarded")
	}
	if guest.Apply(b2) {
		t.Error("expected duplicate batch to be discarded")
	}
	if guest.ScanID() != b2.ScanID {
		t.Errorf("expected scan id %d, got %d", b2.ScanID, guest.ScanID())
	}
}

func TestDiff_UpsertsAndRemovals(t *testing.T) {
	prev := Snapshot{
		WorktreeID: 1,
		ScanID:     4,
		Entries: map[string]Entry{
			"keep.rs":   {Path: "keep.rs"},
			"gone.rs":   {Path: "gone.rs"},
			"change.rs": {Path: "change.rs", Mtime: time.Unix(1, 0)},
		},
	}
	next := Snapshot{
		WorktreeID: 1,
		ScanID:     5,
		Entries: map[string]Entry{
			"keep.rs":   {Path: "keep.rs"},
			"change.rs": {Path: "change.rs", Mtime: time.Unix(9, 0)},
			"new.rs":    {Path: "new.rs"},
		},
	}

	batch := Diff(prev, next)
	if batch.ScanID != 5 {
		t.Errorf("expected scan id 5, got %d", batch.ScanID)
	}

	got := map[string]bool{}
	for _, u := range batch.Updates {
		got[u.Path] = u.Removed
	}
	want := map[string]bool{"change.rs": false, "new.rs": false, "gone.rs": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diff mismatch: got %v, want %v", got, want)
	}
}

func TestWorktree_RemoveEntryMarksSubtreeDeleted(t *testing.T) {
	w := New(1, "proj", "/p")
	w.CreateEntry("dir/a.rs", false, time.Unix(1, 0))
	w.CreateEntry("dir/b.rs", false, time.Unix(1, 0))

	guest := NewReplica(w.Snapshot())

	batch, err := w.RemoveEntry("dir")
	if err != nil {
		t.Fatal(err)
	}
	guest.Apply(batch)

	for _, p := range []string{"dir", "dir/a.rs", "dir/b.rs"} {
		e, ok := guest.Entry(p)
		if !ok {
			t.Fatalf("expected %s to remain as tombstone", p)
		}
		if !e.Deleted {
			t.Errorf("expected %s to be marked deleted", p)
		}
	}
}
