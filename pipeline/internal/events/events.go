// Package events publishes response lifecycle events and operator alerts.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

const (
	ResponseSubmitted = "response.submitted"
	ResponseApproved  = "response.approved"
	ResponseRejected  = "response.rejected"
	ResponsePosted    = "response.posted"

	AlertDispatchRejected = "alert.dispatch_rejected"
	AlertAuthInvalid      = "alert.auth_invalid"
	AlertStateMismatch    = "alert.state_mismatch"
)

type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	Owner      string                 `json:"owner"`
	Platform   models.Platform        `json:"platform,omitempty"`
	CampaignID *uuid.UUID             `json:"campaignId,omitempty"`
	ResponseID *uuid.UUID             `json:"responseId,omitempty"`
	At         time.Time              `json:"at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// ForResponse builds an event describing r.
func ForResponse(eventType string, r models.CandidateResponse, data map[string]interface{}) Event {
	campaignID, responseID := r.CampaignID, r.ID
	return Event{
		Type:       eventType,
		Owner:      r.Owner,
		Platform:   r.Platform,
		CampaignID: &campaignID,
		ResponseID: &responseID,
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
