package project

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"collab-sync-server/internal/buffer"
	"collab-sync-server/internal/worktree"
)

// simSession connects one guest to the simulated host. Worktree batches fan
// out to every guest through the harness, standing in for the server relay.
type simSession struct {
	sim *simulation
}

func (s *simSession) CreateEntry(ctx context.Context, worktreeID uint64, path string, isDir bool) error {
	batch, err := s.sim.host.CreateEntry(ctx, worktreeID, path, isDir)
	if err != nil {
		return err
	}
	s.sim.broadcastBatch(batch)
	return nil
}

func (s *simSession) OpenBuffer(ctx context.Context, worktreeID uint64, path string) (buffer.Snapshot, error) {
	return s.sim.host.HandleOpenBuffer(worktreeID, path)
}

func (s *simSession) SaveBuffer(ctx context.Context, bufferID uint64, version buffer.Version) (buffer.Version, time.Time, error) {
	return s.sim.host.HandleSaveBuffer(bufferID)
}

func (s *simSession) SendOperation(bufferID uint64, op buffer.Operation) error {
	return s.sim.host.ApplyBufferOperation(bufferID, op)
}

func (s *simSession) Capability(ctx context.Context, req CapabilityRequest) (*CapabilityResponse, error) {
	return &CapabilityResponse{}, nil
}

// delivery is one buffer operation in flight to one replica. Deliveries sit
// in a queue and land in random order, which is what drives the deferred
// path.
type delivery struct {
	target   *Project
	bufferID uint64
	op       buffer.Operation
}

type simulation struct {
	t        *testing.T
	rng      *rand.Rand
	host     *Project
	guests   []*Project
	all      []*Project
	wtID     uint64
	paths    []string
	nextFile int
	pending  []delivery
}

func newSimulation(t *testing.T, seed int64, guestCount int) *simulation {
	t.Helper()
	sim := &simulation{
		t:   t,
		rng: rand.New(rand.NewSource(seed)),
	}

	sim.host = NewLocal()
	w, err := sim.host.AddWorktree("proj", "/home/host/proj")
	if err != nil {
		t.Fatal(err)
	}
	sim.wtID = w.ID()
	if _, err := w.CreateEntry("main.rs", false, time.Unix(1, 0)); err != nil {
		t.Fatal(err)
	}
	sim.paths = []string{"main.rs"}

	if err := sim.host.Share(1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < guestCount; i++ {
		state, err := sim.host.JoinStateFor()
		if err != nil {
			t.Fatal(err)
		}
		guest := NewRemote(state, &simSession{sim: sim})
		sim.guests = append(sim.guests, guest)
	}
	sim.all = append([]*Project{sim.host}, sim.guests...)
	return sim
}

func (sim *simulation) broadcastBatch(batch worktree.UpdateBatch) {
	for _, guest := range sim.guests {
		guest.ApplyWorktreeUpdate(batch)
	}
}

// broadcastOp relays an operation. The host applies it immediately, since it
// serves snapshots to late joiners and must stay current; guest deliveries
// are queued and land in random order. ApplyBufferOperation ignores buffers a
// replica never opened, so queuing to every guest is safe: anything dropped
// before an open is covered by the snapshot that open fetches.
func (sim *simulation) broadcastOp(origin *Project, bufferID uint64, op buffer.Operation) {
	if origin != sim.host {
		if err := sim.host.ApplyBufferOperation(bufferID, op); err != nil {
			sim.t.Fatalf("host ApplyBufferOperation() unexpected error = %v", err)
		}
	}
	for _, guest := range sim.guests {
		if guest == origin {
			continue
		}
		sim.pending = append(sim.pending, delivery{target: guest, bufferID: bufferID, op: op})
	}
}

func (sim *simulation) deliverOne() {
	if len(sim.pending) == 0 {
		return
	}
	i := sim.rng.Intn(len(sim.pending))
	d := sim.pending[i]
	sim.pending = append(sim.pending[:i], sim.pending[i+1:]...)
	if err := d.target.ApplyBufferOperation(d.bufferID, d.op); err != nil {
		sim.t.Fatalf("ApplyBufferOperation() unexpected error = %v", err)
	}
}

func (sim *simulation) quiesce() {
	for len(sim.pending) > 0 {
		sim.deliverOne()
	}
}

func (sim *simulation) randomReplica() *Project {
	return sim.all[sim.rng.Intn(len(sim.all))]
}

func (sim *simulation) randomText() string {
	const charset = "abcdefgh \n"
	n := 1 + sim.rng.Intn(4)
	out := make([]byte, n)
	for i := range out {
		out[i] = charset[sim.rng.Intn(len(charset))]
	}
	return string(out)
}

func (sim *simulation) randomOpenBuffer(p *Project) *buffer.Buffer {
	buffers := p.Buffers()
	if len(buffers) == 0 {
		return nil
	}
	return buffers[sim.rng.Intn(len(buffers))]
}

func (sim *simulation) stepEdit() {
	p := sim.randomReplica()
	b := sim.randomOpenBuffer(p)
	if b == nil {
		return
	}
	length := b.Len()
	start := sim.rng.Intn(length + 1)
	end := start + sim.rng.Intn(length-start+1)
	text := ""
	if end == start || sim.rng.Intn(2) == 0 {
		text = sim.randomText()
	}

	op, err := p.EditBuffer(b.RemoteID(), start, end, text)
	if err != nil {
		sim.t.Fatalf("EditBuffer() unexpected error = %v", err)
	}
	sim.broadcastOp(p, b.RemoteID(), op)
}

func (sim *simulation) stepUndoRedo() {
	p := sim.randomReplica()
	b := sim.randomOpenBuffer(p)
	if b == nil {
		return
	}
	var op buffer.Operation
	var ok bool
	if sim.rng.Intn(3) == 0 {
		op, ok = b.Redo()
	} else {
		op, ok = b.Undo()
	}
	if ok {
		sim.broadcastOp(p, b.RemoteID(), op)
	}
}

func (sim *simulation) stepOpenBuffer() {
	p := sim.randomReplica()
	path := sim.paths[sim.rng.Intn(len(sim.paths))]
	if _, err := p.OpenBuffer(context.Background(), sim.wtID, path); err != nil {
		sim.t.Fatalf("OpenBuffer(%q) unexpected error = %v", path, err)
	}
}

func (sim *simulation) stepCreateEntry() {
	p := sim.randomReplica()
	sim.nextFile++
	path := fmt.Sprintf("src/file_%d.rs", sim.nextFile)

	if p.IsLocal() {
		batch, err := p.CreateEntry(context.Background(), sim.wtID, path, false)
		if err != nil {
			sim.t.Fatalf("CreateEntry(%q) unexpected error = %v", path, err)
		}
		sim.broadcastBatch(batch)
	} else {
		if _, err := p.CreateEntry(context.Background(), sim.wtID, path, false); err != nil {
			sim.t.Fatalf("guest CreateEntry(%q) unexpected error = %v", path, err)
		}
	}
	sim.paths = append(sim.paths, path)
}

func (sim *simulation) stepSave() {
	p := sim.randomReplica()
	b := sim.randomOpenBuffer(p)
	if b == nil {
		return
	}
	_, _, err := p.SaveBuffer(context.Background(), b.RemoteID())
	if err != nil && !errors.Is(err, ErrSaveInconsistent) {
		sim.t.Fatalf("SaveBuffer() unexpected error = %v", err)
	}
}

func (sim *simulation) step() {
	switch roll := sim.rng.Intn(100); {
	case roll < 35:
		sim.stepEdit()
	case roll < 45:
		sim.stepUndoRedo()
	case roll < 55:
		sim.stepOpenBuffer()
	case roll < 65:
		sim.stepCreateEntry()
	case roll < 72:
		sim.stepSave()
	default:
		sim.deliverOne()
	}
}

func (sim *simulation) assertConverged() {
	sim.t.Helper()

	hostTree, ok := sim.host.Worktree(sim.wtID)
	if !ok {
		sim.t.Fatal("host lost its worktree")
	}
	hostSnap := hostTree.Snapshot()

	for i, guest := range sim.guests {
		replica, ok := guest.WorktreeReplica(sim.wtID)
		if !ok {
			sim.t.Fatalf("guest %d lost its worktree replica", i)
		}
		guestSnap := replica.Snapshot()
		if guestSnap.ScanID != hostSnap.ScanID {
			sim.t.Errorf("guest %d scan id = %d, host = %d", i, guestSnap.ScanID, hostSnap.ScanID)
		}
		if guestSnap.RootName != hostSnap.RootName {
			sim.t.Errorf("guest %d root name = %q, host = %q", i, guestSnap.RootName, hostSnap.RootName)
		}
		if !reflect.DeepEqual(guestSnap.Entries, hostSnap.Entries) {
			sim.t.Errorf("guest %d worktree entries diverged from host", i)
		}

		for _, b := range guest.Buffers() {
			hostBuf, ok := sim.host.Buffer(b.RemoteID())
			if !ok {
				sim.t.Errorf("guest %d has buffer %d the host never opened", i, b.RemoteID())
				continue
			}
			if b.DeferredLen() != 0 {
				sim.t.Errorf("guest %d buffer %d still has %d deferred operations", i, b.RemoteID(), b.DeferredLen())
			}
			if hostBuf.DeferredLen() != 0 {
				sim.t.Errorf("host buffer %d still has %d deferred operations", b.RemoteID(), hostBuf.DeferredLen())
			}
			if b.Text() != hostBuf.Text() {
				sim.t.Errorf("guest %d buffer %d text %q diverged from host %q", i, b.RemoteID(), b.Text(), hostBuf.Text())
			}
		}
	}
}

func TestSimulation_RandomizedCollaborationConverges(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1999} {
		seed := seed
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			sim := newSimulation(t, seed, 3)

			// Everyone opens the seed file so edits start flowing early.
			for _, p := range sim.all {
				if _, err := p.OpenBuffer(context.Background(), sim.wtID, "main.rs"); err != nil {
					t.Fatalf("OpenBuffer(main.rs) unexpected error = %v", err)
				}
			}

			for i := 0; i < 400; i++ {
				sim.step()
			}
			sim.quiesce()
			sim.assertConverged()
		})
	}
}
