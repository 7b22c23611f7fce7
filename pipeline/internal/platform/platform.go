// Package platform defines the contract every social platform adapter implements and
// the uniform failure taxonomy callers program against.
package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

type Direction int

const (
	VoteDown Direction = -1
	VoteNone Direction = 0
	VoteUp   Direction = 1
)

// Candidate is one post or comment as returned by a platform listing.
type Candidate struct {
	PlatformID       string
	Location         string
	Author           string
	AuthorReputation int
	Title            string
	Content          string
	URL              string
	Score            int
	CommentCount     int
	CreatedAt        time.Time
}

// ListFilter carries the platform-side listing options. Monitoring rules are applied
// by the caller.
type ListFilter struct {
	Sort  string
	Limit int
	// NeedReputation asks the adapter to resolve author reputation, which may cost an
	// extra request per author.
	NeedReputation bool
}

type Page struct {
	Items      []Candidate
	NextCursor string
}

// Adapter performs authenticated reads and writes against one platform on behalf of an
// owner. Methods fail with ErrAuthInvalid, *RateLimitedError, *TransientError or
// *RejectedError.
type Adapter interface {
	Platform() models.Platform
	ListCandidates(ctx context.Context, owner, location string, filter ListFilter, cursor string) (Page, error)
	Vote(ctx context.Context, owner, itemID string, dir Direction) error
	Reply(ctx context.Context, owner, itemID, text string) (string, error)
	// FindReply looks for a reply by the owner's account under itemID whose text matches.
	FindReply(ctx context.Context, owner, itemID, text string) (string, bool, error)
}

// Registry resolves the adapter for a platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Platform]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

func (r *Registry) Get(p models.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform %q", p)
	}
	return a, nil
}
