package project

import (
	"context"

	"collab-sync-server/internal/buffer"
)

type CapabilityKind string

const (
	CapCompletions        CapabilityKind = "completions"
	CapCodeActions        CapabilityKind = "code_actions"
	CapPrepareRename      CapabilityKind = "prepare_rename"
	CapDefinition         CapabilityKind = "definition"
	CapDocumentHighlights CapabilityKind = "document_highlights"
	CapSearch             CapabilityKind = "search"
)

// CapabilityRequest routes a language/search query from a replica to the
// authoritative side. The core only dispatches; producing results is the
// provider's concern.
type CapabilityRequest struct {
	Kind     CapabilityKind `json:"kind"`
	BufferID uint64         `json:"buffer_id,omitempty"`
	Start    int            `json:"start,omitempty"`
	End      int            `json:"end,omitempty"`
	Query    string         `json:"query,omitempty"`
}

type Completion struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	NewText string `json:"new_text"`
}

type CodeAction struct {
	Title string `json:"title"`
}

// Location points into a buffer that may be new to the requesting replica;
// the full snapshot rides along so the replica can register it.
type Location struct {
	WorktreeID uint64          `json:"worktree_id"`
	Path       string          `json:"path"`
	Start      int             `json:"start"`
	End        int             `json:"end"`
	Buffer     buffer.Snapshot `json:"buffer"`
}

type CapabilityResponse struct {
	Completions []Completion `json:"completions,omitempty"`
	Actions     []CodeAction `json:"actions,omitempty"`
	RenameRange *[2]int      `json:"rename_range,omitempty"`
	Locations   []Location   `json:"locations,omitempty"`
	Highlights  [][2]int     `json:"highlights,omitempty"`
}

// CapabilityProvider is the host-side implementation boundary for language
// features and project-wide search. The engine dispatches, cancels, and
// merges; it never interprets results.
type CapabilityProvider interface {
	Handle(ctx context.Context, p *Project, req CapabilityRequest) (*CapabilityResponse, error)
}

func (p *Project) capability(ctx context.Context, provider CapabilityProvider, req CapabilityRequest) (*CapabilityResponse, error) {
	p.mu.Lock()
	readOnly := p.readOnly
	local := p.local
	session := p.session
	p.mu.Unlock()

	if readOnly {
		return nil, ErrProjectReadOnly
	}
	if local {
		if provider == nil {
			return nil, ErrNoSuchBuffer
		}
		return provider.Handle(ctx, p, req)
	}
	return session.Capability(ctx, req)
}

// request starts a capability round trip as a detachable task.
func (p *Project) request(ctx context.Context, provider CapabilityProvider, req CapabilityRequest) *Task[*CapabilityResponse] {
	return Start(ctx, func(ctx context.Context) (*CapabilityResponse, error) {
		return p.capability(ctx, provider, req)
	})
}

// Completions requests completion items at a buffer offset.
func (p *Project) Completions(ctx context.Context, provider CapabilityProvider, bufferID uint64, offset int) *Task[*CapabilityResponse] {
	return p.request(ctx, provider, CapabilityRequest{Kind: CapCompletions, BufferID: bufferID, Start: offset, End: offset})
}

// CodeActions requests code actions for a buffer range.
func (p *Project) CodeActions(ctx context.Context, provider CapabilityProvider, bufferID uint64, start, end int) *Task[*CapabilityResponse] {
	return p.request(ctx, provider, CapabilityRequest{Kind: CapCodeActions, BufferID: bufferID, Start: start, End: end})
}

// PrepareRename asks whether the symbol at an offset can be renamed.
func (p *Project) PrepareRename(ctx context.Context, provider CapabilityProvider, bufferID uint64, offset int) *Task[*CapabilityResponse] {
	return p.request(ctx, provider, CapabilityRequest{Kind: CapPrepareRename, BufferID: bufferID, Start: offset, End: offset})
}

// Definition resolves the definition targets for the symbol at an offset.
func (p *Project) Definition(ctx context.Context, provider CapabilityProvider, bufferID uint64, offset int) *Task[*CapabilityResponse] {
	return p.request(ctx, provider, CapabilityRequest{Kind: CapDefinition, BufferID: bufferID, Start: offset, End: offset})
}

// DocumentHighlights requests highlight ranges for the symbol at an offset.
func (p *Project) DocumentHighlights(ctx context.Context, provider CapabilityProvider, bufferID uint64, offset int) *Task[*CapabilityResponse] {
	return p.request(ctx, provider, CapabilityRequest{Kind: CapDocumentHighlights, BufferID: bufferID, Start: offset, End: offset})
}

// Search runs a project-wide text search.
func (p *Project) Search(ctx context.Context, provider CapabilityProvider, query string) *Task[*CapabilityResponse] {
	return p.request(ctx, provider, CapabilityRequest{Kind: CapSearch, Query: query})
}
