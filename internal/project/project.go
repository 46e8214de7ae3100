package project

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-sync-server/internal/buffer"
	"collab-sync-server/internal/worktree"
)

var (
	// ErrProjectReadOnly is permanent for a replica: once its host is gone the
	// replica never becomes writable again and a fresh join is required.
	ErrProjectReadOnly = errors.New("project is read only")
	ErrDisconnected    = errors.New("disconnected from host")
	ErrNotShared       = errors.New("project is not shared")
	ErrNoSuchWorktree  = errors.New("no such worktree")
	ErrNoSuchBuffer    = errors.New("no such buffer")
	// ErrSaveInconsistent means the save acknowledgement did not observe the
	// version recorded at submission; the caller must retry the save.
	ErrSaveInconsistent = errors.New("save acknowledgement missed submitted edits")
)

// Session is a guest replica's link to the authoritative side of its project.
// The production implementation speaks the websocket relay; tests connect two
// in-process projects directly.
type Session interface {
	CreateEntry(ctx context.Context, worktreeID uint64, path string, isDir bool) error
	OpenBuffer(ctx context.Context, worktreeID uint64, path string) (buffer.Snapshot, error)
	SaveBuffer(ctx context.Context, bufferID uint64, version buffer.Version) (buffer.Version, time.Time, error)
	SendOperation(bufferID uint64, op buffer.Operation) error
	Capability(ctx context.Context, req CapabilityRequest) (*CapabilityResponse, error)
}

// JoinState is the host-produced state a guest needs to build its replica.
type JoinState struct {
	RemoteID  uint64              `json:"remote_id"`
	Replica   buffer.ReplicaID    `json:"replica"`
	Worktrees []worktree.Snapshot `json:"worktrees"`
}

// Project is either the authoritative (local) copy of a workspace or a guest
// replica of a remote host's. The host owns worktrees and buffers; a replica
// owns disposable copies that are rebuilt on a fresh join.
type Project struct {
	mu       sync.Mutex
	remoteID uint64
	local    bool
	shared   bool
	readOnly bool
	replica  buffer.ReplicaID

	worktrees map[uint64]*worktree.Worktree
	replicas  map[uint64]*worktree.Replica
	buffers   map[uint64]*buffer.Buffer

	session Session

	nextWorktreeID uint64
	nextBufferID   uint64
	nextReplica    buffer.ReplicaID
}

// NewLocal creates an authoritative, unshared project.
func NewLocal() *Project {
	return &Project{
		local:     true,
		worktrees: make(map[uint64]*worktree.Worktree),
		buffers:   make(map[uint64]*buffer.Buffer),
	}
}

// NewRemote builds a guest replica from a join response.
func NewRemote(state JoinState, session Session) *Project {
	p := &Project{
		remoteID: state.RemoteID,
		replica:  state.Replica,
		replicas: make(map[uint64]*worktree.Replica, len(state.Worktrees)),
		buffers:  make(map[uint64]*buffer.Buffer),
		session:  session,
	}
	for _, snap := range state.Worktrees {
		p.replicas[snap.WorktreeID] = worktree.NewReplica(snap)
	}
	return p
}

func (p *Project) IsLocal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Project) IsRemote() bool { return !p.IsLocal() }

func (p *Project) IsShared() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shared
}

func (p *Project) IsReadOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readOnly
}

func (p *Project) RemoteID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

// Share marks a local project shared under the server-assigned remote id.
func (p *Project) Share(remoteID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.local {
		return ErrNotShared
	}
	if p.shared {
		return fmt.Errorf("project already shared as %d", p.remoteID)
	}
	p.remoteID = remoteID
	p.shared = true
	return nil
}

// Unshare revokes sharing on the host side. Guest replicas of the project are
// downgraded separately via MarkReadOnly.
func (p *Project) Unshare() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared = false
}

// MarkReadOnly irreversibly downgrades a guest replica after its host became
// unreachable.
func (p *Project) MarkReadOnly() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.local {
		p.readOnly = true
	}
}

// AddWorktree registers a new worktree on the host.
func (p *Project) AddWorktree(rootName, absPath string) (*worktree.Worktree, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.local {
		return nil, ErrNotShared
	}
	p.nextWorktreeID++
	w := worktree.New(p.nextWorktreeID, rootName, absPath)
	p.worktrees[w.ID()] = w
	return w, nil
}

// Worktree returns a host worktree by id.
func (p *Project) Worktree(id uint64) (*worktree.Worktree, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.worktrees[id]
	return w, ok
}

// WorktreeReplica returns a guest worktree replica by id.
func (p *Project) WorktreeReplica(id uint64) (*worktree.Replica, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[id]
	return r, ok
}

// WorktreeSnapshots returns a snapshot of every worktree, host or guest side.
func (p *Project) WorktreeSnapshots() []worktree.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []worktree.Snapshot
	for _, w := range p.worktrees {
		out = append(out, w.Snapshot())
	}
	for _, r := range p.replicas {
		out = append(out, r.Snapshot())
	}
	return out
}

// JoinStateFor produces the state for a newly joining guest, assigning it a
// fresh buffer replica id.
func (p *Project) JoinStateFor() (JoinState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.local || !p.shared {
		return JoinState{}, ErrNotShared
	}
	p.nextReplica++
	state := JoinState{RemoteID: p.remoteID, Replica: p.nextReplica}
	for _, w := range p.worktrees {
		state.Worktrees = append(state.Worktrees, w.Snapshot())
	}
	return state, nil
}

// Buffer returns a registered buffer by remote id.
func (p *Project) Buffer(id uint64) (*buffer.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[id]
	return b, ok
}

// Buffers returns every buffer registered in this project.
func (p *Project) Buffers() []*buffer.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*buffer.Buffer, 0, len(p.buffers))
	for _, b := range p.buffers {
		out = append(out, b)
	}
	return out
}

// DropBuffer discards a replica's interest in a buffer.
func (p *Project) DropBuffer(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buffers, id)
}

// CreateEntry creates a file or directory. On the host it mutates the
// worktree directly and returns the update batch to relay. On a guest it only
// forwards the request: the entry appears locally when the host's resulting
// scan arrives, never optimistically.
func (p *Project) CreateEntry(ctx context.Context, worktreeID uint64, path string, isDir bool) (worktree.UpdateBatch, error) {
	p.mu.Lock()
	if p.readOnly {
		p.mu.Unlock()
		return worktree.UpdateBatch{}, ErrProjectReadOnly
	}
	if p.local {
		w, ok := p.worktrees[worktreeID]
		if !ok {
			p.mu.Unlock()
			return worktree.UpdateBatch{}, ErrNoSuchWorktree
		}
		batch, err := w.CreateEntry(path, isDir, time.Now().UTC())
		p.mu.Unlock()
		return batch, err
	}
	session := p.session
	p.mu.Unlock()
	return worktree.UpdateBatch{}, session.CreateEntry(ctx, worktreeID, path, isDir)
}

// ApplyWorktreeUpdate applies a relayed scan batch to a guest replica.
func (p *Project) ApplyWorktreeUpdate(batch worktree.UpdateBatch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.replicas[batch.WorktreeID]; ok {
		r.Apply(batch)
	}
}

// OpenBuffer opens the buffer for a worktree path. The host creates the
// authoritative buffer on first open; a guest asks the host for a snapshot
// and registers the replica into its buffer set.
func (p *Project) OpenBuffer(ctx context.Context, worktreeID uint64, path string) (*buffer.Buffer, error) {
	p.mu.Lock()
	if p.readOnly {
		p.mu.Unlock()
		return nil, ErrProjectReadOnly
	}
	if p.local {
		defer p.mu.Unlock()
		return p.openLocalBuffer(worktreeID, path)
	}
	for _, b := range p.buffers {
		if f := b.File(); f != nil && f.Path == path {
			p.mu.Unlock()
			return b, nil
		}
	}
	session := p.session
	replica := p.replica
	p.mu.Unlock()

	snap, err := session.OpenBuffer(ctx, worktreeID, path)
	if err != nil {
		return nil, err
	}
	b := buffer.FromSnapshot(replica, snap)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.buffers[b.RemoteID()]; ok {
		return existing, nil
	}
	p.buffers[b.RemoteID()] = b
	return b, nil
}

func (p *Project) openLocalBuffer(worktreeID uint64, path string) (*buffer.Buffer, error) {
	w, ok := p.worktrees[worktreeID]
	if !ok {
		return nil, ErrNoSuchWorktree
	}
	entry, ok := w.Entry(path)
	if !ok || entry.IsDir {
		return nil, fmt.Errorf("no file at %q in worktree %d", path, worktreeID)
	}
	for _, b := range p.buffers {
		if f := b.File(); f != nil && f.Path == path {
			return b, nil
		}
	}
	p.nextBufferID++
	b := buffer.New(p.nextBufferID, 0, "")
	b.SetFile(&buffer.File{Path: path, Mtime: entry.Mtime, Deleted: entry.Deleted})
	p.buffers[p.nextBufferID] = b
	return b, nil
}

// HandleOpenBuffer services a guest's open request on the host.
func (p *Project) HandleOpenBuffer(worktreeID uint64, path string) (buffer.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.local {
		return buffer.Snapshot{}, ErrNotShared
	}
	b, err := p.openLocalBuffer(worktreeID, path)
	if err != nil {
		return buffer.Snapshot{}, err
	}
	return b.Snapshot(), nil
}

// ApplyBufferOperation applies a relayed edit to the identified buffer.
// Unknown buffers are ignored: the replica never opened them.
func (p *Project) ApplyBufferOperation(bufferID uint64, op buffer.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[bufferID]
	if !ok {
		return nil
	}
	return b.Apply(op)
}

// EditBuffer performs a local edit and returns the operation to relay.
func (p *Project) EditBuffer(bufferID uint64, start, end int, text string) (buffer.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return buffer.Operation{}, ErrProjectReadOnly
	}
	b, ok := p.buffers[bufferID]
	if !ok {
		return buffer.Operation{}, ErrNoSuchBuffer
	}
	return b.Edit(start, end, text)
}

// SaveBuffer runs the save round trip. The version vector at submission time
// is recorded; the acknowledgement must have observed all of it or the save
// is reported inconsistent for the caller to retry. The core never retries
// internally.
func (p *Project) SaveBuffer(ctx context.Context, bufferID uint64) (buffer.Version, time.Time, error) {
	p.mu.Lock()
	if p.readOnly {
		p.mu.Unlock()
		return nil, time.Time{}, ErrProjectReadOnly
	}
	b, ok := p.buffers[bufferID]
	if !ok {
		p.mu.Unlock()
		return nil, time.Time{}, ErrNoSuchBuffer
	}
	requested := b.Version()
	local := p.local
	session := p.session
	p.mu.Unlock()

	if local {
		mtime := time.Now().UTC()
		b.DidSave(mtime)
		return requested, mtime, nil
	}

	saved, mtime, err := session.SaveBuffer(ctx, bufferID, requested)
	if err != nil {
		return nil, time.Time{}, err
	}
	if !saved.ObservedAll(requested) {
		return nil, time.Time{}, ErrSaveInconsistent
	}
	b.DidSave(mtime)
	return saved, mtime, nil
}

// HandleSaveBuffer services a guest's save request on the host and returns
// the host's version vector and the new file mtime.
func (p *Project) HandleSaveBuffer(bufferID uint64) (buffer.Version, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[bufferID]
	if !ok {
		return nil, time.Time{}, ErrNoSuchBuffer
	}
	mtime := time.Now().UTC()
	b.DidSave(mtime)
	return b.Version(), mtime, nil
}

// AdoptLocations registers buffers introduced by an awaited capability result
// (definition targets, search hits) into this replica's buffer set. Detached
// requests never adopt.
func (p *Project) AdoptLocations(locations []Location) []*buffer.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*buffer.Buffer
	for _, loc := range locations {
		if existing, ok := p.buffers[loc.Buffer.RemoteID]; ok {
			out = append(out, existing)
			continue
		}
		b := buffer.FromSnapshot(p.replica, loc.Buffer)
		p.buffers[b.RemoteID()] = b
		out = append(out, b)
	}
	return out
}
