package worktree

import (
	"errors"
	"path"
	"sort"
	"strings"
	"time"
)

var ErrPathConflict = errors.New("path already exists in worktree")

// Entry is one file or directory in a worktree, identified by its path
// relative to the worktree root.
type Entry struct {
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Deleted bool      `json:"deleted"`
	Mtime   time.Time `json:"mtime"`
}

// Snapshot is an immutable view of a worktree's entry set at one scan
// generation. Two replicas of a worktree are converged iff their entry sets
// and scan ids are equal.
type Snapshot struct {
	WorktreeID uint64           `json:"worktree_id"`
	ScanID     uint64           `json:"scan_id"`
	RootName   string           `json:"root_name"`
	AbsPath    string           `json:"abs_path"`
	Entries    map[string]Entry `json:"entries"`
}

// SortedEntries returns the snapshot's entries ordered by path.
func (s Snapshot) SortedEntries() []Entry {
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// EntryUpdate is one element of the ordered change stream between two scans.
type EntryUpdate struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed"`
	Entry   *Entry `json:"entry,omitempty"`
}

// UpdateBatch carries every change produced by a single scan, tagged with the
// producing scan id so replicas can discard stale or duplicate deliveries.
type UpdateBatch struct {
	WorktreeID uint64        `json:"worktree_id"`
	ScanID     uint64        `json:"scan_id"`
	Updates    []EntryUpdate `json:"updates"`
}

// Worktree is the host-side, authoritative file-tree state for one project
// root. Every mutation runs a scan, which bumps the scan id and yields the
// update batch to relay to guests.
type Worktree struct {
	id       uint64
	rootName string
	absPath  string
	scanID   uint64
	entries  map[string]Entry
}

func New(id uint64, rootName, absPath string) *Worktree {
	return &Worktree{
		id:       id,
		rootName: rootName,
		absPath:  absPath,
		scanID:   1,
		entries:  make(map[string]Entry),
	}
}

func (w *Worktree) ID() uint64       { return w.id }
func (w *Worktree) RootName() string { return w.rootName }
func (w *Worktree) AbsPath() string  { return w.absPath }
func (w *Worktree) ScanID() uint64   { return w.scanID }

func (w *Worktree) Entry(p string) (Entry, bool) {
	e, ok := w.entries[p]
	return e, ok
}

// CreateEntry adds a file or directory, creating missing parent directories,
// and returns the update batch for the resulting scan.
func (w *Worktree) CreateEntry(p string, isDir bool, mtime time.Time) (UpdateBatch, error) {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	if p == "." || p == "" {
		return UpdateBatch{}, ErrPathConflict
	}
	if _, exists := w.entries[p]; exists {
		return UpdateBatch{}, ErrPathConflict
	}

	prev := w.Snapshot()
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, exists := w.entries[dir]; !exists {
			w.entries[dir] = Entry{Path: dir, IsDir: true, Mtime: mtime}
		}
	}
	w.entries[p] = Entry{Path: p, IsDir: isDir, Mtime: mtime}
	w.scanID++
	return Diff(prev, w.Snapshot()), nil
}

// RemoveEntry marks an entry and everything below it deleted and returns the
// update batch for the resulting scan. Deletions propagate to guests through
// the same stream as upserts; there is no guest-initiated removal.
func (w *Worktree) RemoveEntry(p string) (UpdateBatch, error) {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	if _, exists := w.entries[p]; !exists {
		return UpdateBatch{}, errors.New("entry not found")
	}
	prev := w.Snapshot()
	for entryPath, e := range w.entries {
		if entryPath == p || strings.HasPrefix(entryPath, p+"/") {
			e.Deleted = true
			w.entries[entryPath] = e
		}
	}
	w.scanID++
	return Diff(prev, w.Snapshot()), nil
}

// Snapshot returns an immutable copy of the current scan state.
func (w *Worktree) Snapshot() Snapshot {
	entries := make(map[string]Entry, len(w.entries))
	for p, e := range w.entries {
		entries[p] = e
	}
	return Snapshot{
		WorktreeID: w.id,
		ScanID:     w.scanID,
		RootName:   w.rootName,
		AbsPath:    w.absPath,
		Entries:    entries,
	}
}

// Diff computes the ordered update stream that takes prev to next, tagged
// with next's scan id.
func Diff(prev, next Snapshot) UpdateBatch {
	batch := UpdateBatch{WorktreeID: next.WorktreeID, ScanID: next.ScanID}

	paths := make([]string, 0, len(next.Entries))
	for p := range next.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		entry := next.Entries[p]
		if old, ok := prev.Entries[p]; !ok || old != entry {
			e := entry
			batch.Updates = append(batch.Updates, EntryUpdate{Path: p, Entry: &e})
		}
	}

	removed := make([]string, 0)
	for p := range prev.Entries {
		if _, ok := next.Entries[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	for _, p := range removed {
		batch.Updates = append(batch.Updates, EntryUpdate{Path: p, Removed: true})
	}
	return batch
}
