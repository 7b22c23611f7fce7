// Package automation tracks which background activities are running for a campaign.
package automation

import (
	"sync"

	"github.com/google/uuid"
)

type Activity int

const (
	Discovery Activity = iota
	Generation
	Posting
	numActivities
)

func (a Activity) String() string {
	switch a {
	case Discovery:
		return "discovery"
	case Generation:
		return "generation"
	case Posting:
		return "posting"
	}
	return "unknown"
}

// Tracker counts in-flight activities per campaign. The zero value is not usable; use
// NewTracker. A nil *Tracker ignores every call.
type Tracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]*[numActivities]int
}

func NewTracker() *Tracker {
	return &Tracker{running: make(map[uuid.UUID]*[numActivities]int)}
}

// Begin marks one run of activity a for the campaign and returns the func that ends it.
func (t *Tracker) Begin(campaignID uuid.UUID, a Activity) func() {
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	t.counters(campaignID)[a]++
	t.mu.Unlock()
	return t.endOnce(campaignID, a)
}

// TryBegin is Begin that refuses to start a second concurrent run.
func (t *Tracker) TryBegin(campaignID uuid.UUID, a Activity) (func(), bool) {
	if t == nil {
		return func() {}, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters(campaignID)
	if c[a] > 0 {
		return nil, false
	}
	c[a]++
	return t.endOnce(campaignID, a), true
}

func (t *Tracker) Running(campaignID uuid.UUID, a Activity) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.running[campaignID]
	return ok && c[a] > 0
}

func (t *Tracker) counters(id uuid.UUID) *[numActivities]int {
	c, ok := t.running[id]
	if !ok {
		c = new([numActivities]int)
		t.running[id] = c
	}
	return c
}

func (t *Tracker) endOnce(id uuid.UUID, a Activity) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			c := t.running[id]
			c[a]--
			if *c == ([numActivities]int{}) {
				delete(t.running, id)
			}
		})
	}
}
