package buffer

// SnapshotElement is the wire form of one text element, tombstones included.
type SnapshotElement struct {
	ID        ElementID `json:"id"`
	Lamport   uint64    `json:"lamport"`
	Byte      byte      `json:"byte"`
	DeletedBy []OpID    `json:"deleted_by,omitempty"`
}

type UndoCount struct {
	Op    OpID   `json:"op"`
	Count uint32 `json:"count"`
}

// Snapshot carries the complete replicated state of a buffer, used to build
// a guest replica when a buffer is opened remotely.
type Snapshot struct {
	RemoteID   uint64            `json:"remote_id"`
	Elements   []SnapshotElement `json:"elements"`
	UndoCounts []UndoCount       `json:"undo_counts,omitempty"`
	Version    Version           `json:"version"`
	Lamport    uint64            `json:"lamport"`
	File       *File             `json:"file,omitempty"`
}

// Snapshot captures the buffer's full state for replication.
func (b *Buffer) Snapshot() Snapshot {
	snap := Snapshot{
		RemoteID: b.remoteID,
		Elements: make([]SnapshotElement, len(b.elements)),
		Version:  b.version.Clone(),
		Lamport:  b.lamport,
	}
	for i, e := range b.elements {
		deletedBy := make([]OpID, len(e.deletedBy))
		copy(deletedBy, e.deletedBy)
		snap.Elements[i] = SnapshotElement{
			ID:        e.id,
			Lamport:   e.lamport,
			Byte:      e.b,
			DeletedBy: deletedBy,
		}
	}
	for op, count := range b.undoCounts {
		snap.UndoCounts = append(snap.UndoCounts, UndoCount{Op: op, Count: count})
	}
	if b.file != nil {
		f := *b.file
		snap.File = &f
	}
	return snap
}

// FromSnapshot builds a replica of a buffer at the state captured in snap.
func FromSnapshot(replica ReplicaID, snap Snapshot) *Buffer {
	b := &Buffer{
		remoteID:   snap.RemoteID,
		replica:    replica,
		lamport:    snap.Lamport,
		version:    snap.Version.Clone(),
		elements:   make([]element, len(snap.Elements)),
		undoCounts: make(map[OpID]uint32, len(snap.UndoCounts)),
	}
	for i, e := range snap.Elements {
		deletedBy := make([]OpID, len(e.DeletedBy))
		copy(deletedBy, e.DeletedBy)
		b.elements[i] = element{
			id:        e.ID,
			lamport:   e.Lamport,
			b:         e.Byte,
			deletedBy: deletedBy,
		}
	}
	for _, uc := range snap.UndoCounts {
		b.undoCounts[uc.Op] = uc.Count
	}
	if snap.File != nil {
		f := *snap.File
		b.file = &f
	}
	return b
}
