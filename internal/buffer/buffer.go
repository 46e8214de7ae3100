package buffer

import (
	"bytes"
	"fmt"
	"time"
)

// File is the filesystem binding of a buffer, replicated from the host.
type File struct {
	Path    string    `json:"path"`
	Mtime   time.Time `json:"mtime"`
	Deleted bool      `json:"deleted"`
}

type element struct {
	id        ElementID
	lamport   uint64
	b         byte
	deletedBy []OpID
}

// Buffer is one replica of a shared text buffer. Text is stored as a sequence
// of single-byte elements with stable identities; concurrent edits converge
// because insertion anchors to element identity rather than offset, and
// deletion tombstones elements instead of removing them. Operations whose
// dependency vector has not been observed yet wait in the deferred queue and
// are replayed whenever the vector advances.
type Buffer struct {
	remoteID   uint64
	replica    ReplicaID
	lamport    uint64
	version    Version
	elements   []element
	undoCounts map[OpID]uint32
	deferred   []Operation
	history    []OpID
	redoStack  []OpID
	file       *File
	dirty      bool
}

// New creates the authoritative copy of a buffer with the given base text.
func New(remoteID uint64, replica ReplicaID, text string) *Buffer {
	b := &Buffer{
		remoteID:   remoteID,
		replica:    replica,
		version:    NewVersion(),
		undoCounts: make(map[OpID]uint32),
	}
	if text != "" {
		// The base text is an ordinary first operation; replicas built from a
		// snapshot receive it as elements.
		b.Edit(0, 0, text)
	}
	return b
}

func (b *Buffer) RemoteID() uint64   { return b.remoteID }
func (b *Buffer) Replica() ReplicaID { return b.replica }
func (b *Buffer) DeferredLen() int   { return len(b.deferred) }
func (b *Buffer) IsDirty() bool      { return b.dirty }

func (b *Buffer) File() *File { return b.file }

func (b *Buffer) SetFile(f *File) { b.file = f }

// Version returns a copy of the replica's current version vector.
func (b *Buffer) Version() Version {
	return b.version.Clone()
}

func (b *Buffer) active(op OpID) bool {
	return b.undoCounts[op]%2 == 0
}

func (b *Buffer) visible(e *element) bool {
	if !b.active(e.id.Op) {
		return false
	}
	for _, d := range e.deletedBy {
		if b.active(d) {
			return false
		}
	}
	return true
}

// Text returns the visible content of the buffer.
func (b *Buffer) Text() string {
	var out bytes.Buffer
	for i := range b.elements {
		if b.visible(&b.elements[i]) {
			out.WriteByte(b.elements[i].b)
		}
	}
	return out.String()
}

// Len returns the visible length in bytes.
func (b *Buffer) Len() int {
	n := 0
	for i := range b.elements {
		if b.visible(&b.elements[i]) {
			n++
		}
	}
	return n
}

func (b *Buffer) nextOpID() OpID {
	return OpID{Replica: b.replica, Seq: b.version[b.replica] + 1}
}

// Edit replaces the visible byte range [start, end) with text and returns the
// operation to broadcast to the other replicas.
func (b *Buffer) Edit(start, end int, text string) (Operation, error) {
	if start < 0 || end < start {
		return Operation{}, fmt.Errorf("invalid edit range [%d, %d)", start, end)
	}

	var anchor ElementID
	var deleted []ElementID
	pos := 0
	for i := range b.elements {
		e := &b.elements[i]
		if !b.visible(e) {
			continue
		}
		if pos < start {
			anchor = e.id
		} else if pos < end {
			deleted = append(deleted, e.id)
		}
		pos++
	}
	if end > pos {
		return Operation{}, fmt.Errorf("edit range [%d, %d) exceeds buffer length %d", start, end, pos)
	}

	b.lamport++
	op := Operation{
		ID:      b.nextOpID(),
		Lamport: b.lamport,
		Deps:    b.version.Clone(),
		Kind:    OpEdit,
		Ref:     anchor,
		Text:    text,
		Deleted: deleted,
	}
	b.integrate(op)
	b.version.Observe(op.ID)
	b.history = append(b.history, op.ID)
	b.redoStack = nil
	b.dirty = true
	return op, nil
}

// Undo reverts this replica's most recent not-yet-undone edit. It returns
// false when there is nothing to undo.
func (b *Buffer) Undo() (Operation, bool) {
	if len(b.history) == 0 {
		return Operation{}, false
	}
	target := b.history[len(b.history)-1]
	b.history = b.history[:len(b.history)-1]
	b.redoStack = append(b.redoStack, target)
	return b.toggle(OpUndo, target), true
}

// Redo reapplies this replica's most recently undone edit.
func (b *Buffer) Redo() (Operation, bool) {
	if len(b.redoStack) == 0 {
		return Operation{}, false
	}
	target := b.redoStack[len(b.redoStack)-1]
	b.redoStack = b.redoStack[:len(b.redoStack)-1]
	b.history = append(b.history, target)
	return b.toggle(OpRedo, target), true
}

func (b *Buffer) toggle(kind OpKind, target OpID) Operation {
	b.lamport++
	op := Operation{
		ID:      b.nextOpID(),
		Lamport: b.lamport,
		Deps:    b.version.Clone(),
		Kind:    kind,
		Target:  target,
	}
	b.integrate(op)
	b.version.Observe(op.ID)
	b.dirty = true
	return op
}

// Apply incorporates an operation produced by another replica. Operations
// whose dependencies have not been observed are queued and replayed once the
// version vector catches up; re-delivery of an observed operation is a no-op.
func (b *Buffer) Apply(op Operation) error {
	if b.version.Observed(op.ID) {
		return nil
	}
	if !b.version.ObservedAll(op.Deps) {
		b.deferred = append(b.deferred, op)
		return nil
	}
	b.integrate(op)
	b.version.Observe(op.ID)
	b.dirty = true
	b.flushDeferred()
	return nil
}

func (b *Buffer) flushDeferred() {
	for {
		applied := false
		remaining := b.deferred[:0]
		for _, op := range b.deferred {
			if b.version.Observed(op.ID) {
				applied = true
				continue
			}
			if b.version.ObservedAll(op.Deps) {
				b.integrate(op)
				b.version.Observe(op.ID)
				applied = true
			} else {
				remaining = append(remaining, op)
			}
		}
		b.deferred = remaining
		if !applied || len(b.deferred) == 0 {
			return
		}
	}
}

func (b *Buffer) integrate(op Operation) {
	if op.Lamport > b.lamport {
		b.lamport = op.Lamport
	}
	switch op.Kind {
	case OpUndo, OpRedo:
		b.undoCounts[op.Target]++
		return
	}

	for _, id := range op.Deleted {
		if i := b.findElement(id); i >= 0 {
			b.elements[i].deletedBy = append(b.elements[i].deletedBy, op.ID)
		}
	}
	if op.Text == "" {
		return
	}

	idx := 0
	if !op.Ref.Op.IsZero() || op.Ref.Off != 0 {
		idx = b.findElement(op.Ref) + 1
	}
	// Concurrent insertions at the same anchor: later operations sort closer
	// to the anchor, so skip past any element produced by an operation that
	// orders above this one.
	for idx < len(b.elements) {
		e := &b.elements[idx]
		if !greater(e.lamport, e.id.Op.Replica, op.Lamport, op.ID.Replica) {
			break
		}
		idx++
	}

	inserted := make([]element, len(op.Text))
	for i := 0; i < len(op.Text); i++ {
		inserted[i] = element{
			id:      ElementID{Op: op.ID, Off: i},
			lamport: op.Lamport,
			b:       op.Text[i],
		}
	}
	b.elements = append(b.elements[:idx], append(inserted, b.elements[idx:]...)...)
}

func (b *Buffer) findElement(id ElementID) int {
	for i := range b.elements {
		if b.elements[i].id == id {
			return i
		}
	}
	return -1
}

// DidSave records a completed save: the buffer is clean again and the bound
// file's metadata reflects the host's filesystem.
func (b *Buffer) DidSave(mtime time.Time) {
	b.dirty = false
	if b.file != nil {
		b.file.Mtime = mtime
	}
}
