package worktree

// Replica is the guest-side copy of a host worktree. Updates are applied
// idempotently keyed by path; a batch whose scan id is not newer than the
// last applied one is discarded, which makes redelivery and reordering safe.
type Replica struct {
	id         uint64
	rootName   string
	absPath    string
	lastScanID uint64
	entries    map[string]Entry
}

// NewReplica builds a guest replica from a host snapshot.
func NewReplica(snap Snapshot) *Replica {
	entries := make(map[string]Entry, len(snap.Entries))
	for p, e := range snap.Entries {
		entries[p] = e
	}
	return &Replica{
		id:         snap.WorktreeID,
		rootName:   snap.RootName,
		absPath:    snap.AbsPath,
		lastScanID: snap.ScanID,
		entries:    entries,
	}
}

func (r *Replica) ID() uint64       { return r.id }
func (r *Replica) RootName() string { return r.rootName }
func (r *Replica) ScanID() uint64   { return r.lastScanID }

func (r *Replica) Entry(p string) (Entry, bool) {
	e, ok := r.entries[p]
	return e, ok
}

// Apply incorporates an update batch. Stale batches are dropped; applying the
// newest batch twice leaves the replica unchanged.
func (r *Replica) Apply(batch UpdateBatch) bool {
	if batch.WorktreeID != r.id || batch.ScanID <= r.lastScanID {
		return false
	}
	for _, u := range batch.Updates {
		if u.Removed {
			delete(r.entries, u.Path)
		} else if u.Entry != nil {
			r.entries[u.Path] = *u.Entry
		}
	}
	r.lastScanID = batch.ScanID
	return true
}

// Snapshot returns the replica's current view, for convergence comparison
// against the host.
func (r *Replica) Snapshot() Snapshot {
	entries := make(map[string]Entry, len(r.entries))
	for p, e := range r.entries {
		entries[p] = e
	}
	return Snapshot{
		WorktreeID: r.id,
		ScanID:     r.lastScanID,
		RootName:   r.rootName,
		AbsPath:    r.absPath,
		Entries:    entries,
	}
}
