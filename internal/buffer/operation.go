package buffer

type OpKind string

const (
	OpEdit OpKind = "edit"
	OpUndo OpKind = "undo"
	OpRedo OpKind = "redo"
)

// ElementID names a single byte of inserted text: the operation that inserted
// it and the byte's offset within that operation's inserted text. The zero
// ElementID is the sentinel anchor for the start of the buffer.
type ElementID struct {
	Op  OpID `json:"op"`
	Off int  `json:"off"`
}

// Operation is one replicated buffer mutation. Deps is the originating
// replica's version vector at the moment the operation was produced; a
// receiver may only apply the operation once its own vector has observed all
// of Deps. Lamport orders concurrent insertions at the same anchor.
type Operation struct {
	ID      OpID    `json:"id"`
	Lamport uint64  `json:"lamport"`
	Deps    Version `json:"deps"`
	Kind    OpKind  `json:"kind"`

	// Edit fields. Ref anchors the inserted text after an existing element
	// (zero for buffer start); Deleted lists the elements tombstoned by this
	// operation.
	Ref     ElementID   `json:"ref,omitempty"`
	Text    string      `json:"text,omitempty"`
	Deleted []ElementID `json:"deleted,omitempty"`

	// Undo/redo field: the edit operation whose effect is toggled.
	Target OpID `json:"target,omitempty"`
}

// greater orders operations for anchor conflicts: later Lamport time wins,
// replica id breaks ties.
func greater(aLamport uint64, aReplica ReplicaID, bLamport uint64, bReplica ReplicaID) bool {
	if aLamport != bLamport {
		return aLamport > bLamport
	}
	return aReplica > bReplica
}
