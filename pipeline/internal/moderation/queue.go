// Package moderation gates generated responses behind human review or the campaign's
// auto-approval policy.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/events"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/fingerprint"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/metrics"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

const (
	actorAuto  = "auto"
	actorHuman = "human"
)

type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error)
	CreateResponse(ctx context.Context, r models.CandidateResponse) (models.CandidateResponse, error)
	GetResponse(ctx context.Context, id uuid.UUID) (models.CandidateResponse, error)
	TransitionResponse(ctx context.Context, in store.ResponseTransition) (models.CandidateResponse, error)
	UpdateResponseText(ctx context.Context, id uuid.UUID, text string) (models.CandidateResponse, error)
	ListPostedTexts(ctx context.Context, campaignID uuid.UUID) ([]store.PostedText, error)
	AppendEngagement(ctx context.Context, id uuid.UUID, snap models.EngagementSnapshot) (models.CandidateResponse, error)
}

// Draft is a generated reply awaiting review.
type Draft struct {
	Text       string
	Confidence float64
	Sentiment  float64
	Priority   models.Priority
}

type Queue struct {
	store     Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewQueue(st Store, publisher events.Publisher, logger *zap.Logger) *Queue {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: st, publisher: publisher, logger: logger.Named("moderation"), now: time.Now}
}

// Submit records a pending response for item. When the campaign enables auto-approval,
// the draft clears both thresholds and no prior posted reply in the campaign is a near
// duplicate, the response is approved immediately. A duplicate always stays pending.
func (q *Queue) Submit(ctx context.Context, item models.DiscoveredItem, d Draft) (models.CandidateResponse, error) {
	d.Text = strings.TrimSpace(d.Text)
	verr := &models.ValidationError{}
	if d.Text == "" {
		verr.Problems = append(verr.Problems, "text required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		verr.Problems = append(verr.Problems, "confidence must be within [0,1]")
	}
	if d.Sentiment < -1 || d.Sentiment > 1 {
		verr.Problems = append(verr.Problems, "sentiment must be within [-1,1]")
	}
	if d.Priority == "" {
		d.Priority = models.PriorityMedium
	}
	if !d.Priority.Valid() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("priority %q unknown", d.Priority))
	}
	if len(verr.Problems) > 0 {
		return models.CandidateResponse{}, verr
	}

	campaign, err := q.store.GetCampaign(ctx, item.CampaignID)
	if err != nil {
		return models.CandidateResponse{}, fmt.Errorf("load campaign: %w", err)
	}
	duplicateOf, err := q.findDuplicate(ctx, campaign, d.Text)
	if err != nil {
		return models.CandidateResponse{}, err
	}

	r, err := q.store.CreateResponse(ctx, models.CandidateResponse{
		ItemID:      item.ID,
		CampaignID:  campaign.ID,
		Owner:       campaign.Owner,
		Platform:    campaign.Platform,
		TargetID:    item.PlatformID,
		Text:        d.Text,
		Confidence:  d.Confidence,
		Sentiment:   d.Sentiment,
		Priority:    d.Priority,
		Status:      models.ResponsePending,
		DuplicateOf: duplicateOf,
	})
	if err != nil {
		return models.CandidateResponse{}, fmt.Errorf("create response: %w", err)
	}
	metrics.ModerationTransitions.WithLabelValues(string(models.ResponsePending), actorAuto).Inc()
	q.publish(ctx, events.ForResponse(events.ResponseSubmitted, r, map[string]interface{}{
		"confidence": r.Confidence,
		"sentiment":  r.Sentiment,
		"duplicate":  duplicateOf != nil,
	}))

	if !autoApprove(campaign.AI, d, duplicateOf != nil) {
		return r, nil
	}
	approved, err := q.store.TransitionResponse(ctx, store.ResponseTransition{
		ID: r.ID, From: models.ResponsePending, To: models.ResponseApproved, At: q.now().UTC(),
	})
	if err != nil {
		return models.CandidateResponse{}, fmt.Errorf("auto-approve response: %w", err)
	}
	metrics.ModerationTransitions.WithLabelValues(string(models.ResponseApproved), actorAuto).Inc()
	q.publish(ctx, events.ForResponse(events.ResponseApproved, approved, map[string]interface{}{"actor": actorAuto}))
	return approved, nil
}

func autoApprove(ai models.AISettings, d Draft, duplicate bool) bool {
	return ai.AutoApprove && !duplicate &&
		d.Confidence >= ai.MinConfidence &&
		d.Sentiment >= ai.MinSentiment
}

func (q *Queue) findDuplicate(ctx context.Context, c models.Campaign, text string) (*uuid.UUID, error) {
	posted, err := q.store.ListPostedTexts(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load posted replies: %w", err)
	}
	threshold := c.AI.DuplicateThreshold
	if threshold <= 0 {
		threshold = models.DefaultDuplicateThreshold
	}
	sketch := fingerprint.Shingles(text, fingerprint.DefaultShingleSize)
	for _, p := range posted {
		if fingerprint.Similarity(sketch, fingerprint.Shingles(p.Text, fingerprint.DefaultShingleSize)) >= threshold {
			id := p.ID
			return &id, nil
		}
	}
	return nil, nil
}

// Get returns the response when it belongs to owner.
func (q *Queue) Get(ctx context.Context, owner string, id uuid.UUID) (models.CandidateResponse, error) {
	r, err := q.store.GetResponse(ctx, id)
	if err != nil {
		return models.CandidateResponse{}, err
	}
	if r.Owner != owner {
		return models.CandidateResponse{}, store.ErrNotFound
	}
	return r, nil
}

func (q *Queue) Approve(ctx context.Context, owner string, id uuid.UUID) (models.CandidateResponse, error) {
	if _, err := q.Get(ctx, owner, id); err != nil {
		return models.CandidateResponse{}, err
	}
	r, err := q.store.TransitionResponse(ctx, store.ResponseTransition{
		ID: id, From: models.ResponsePending, To: models.ResponseApproved, At: q.now().UTC(),
	})
	if err != nil {
		return models.CandidateResponse{}, q.transitionErr(err, id, models.ResponseApproved)
	}
	metrics.ModerationTransitions.WithLabelValues(string(models.ResponseApproved), actorHuman).Inc()
	q.publish(ctx, events.ForResponse(events.ResponseApproved, r, map[string]interface{}{"actor": actorHuman}))
	return r, nil
}

// Reject is terminal. A new response for the same item needs a fresh submission.
func (q *Queue) Reject(ctx context.Context, owner string, id uuid.UUID, reason string) (models.CandidateResponse, error) {
	if _, err := q.Get(ctx, owner, id); err != nil {
		return models.CandidateResponse{}, err
	}
	reason = strings.TrimSpace(reason)
	in := store.ResponseTransition{ID: id, From: models.ResponsePending, To: models.ResponseRejected, At: q.now().UTC()}
	if reason != "" {
		in.Reason = &reason
	}
	r, err := q.store.TransitionResponse(ctx, in)
	if err != nil {
		return models.CandidateResponse{}, q.transitionErr(err, id, models.ResponseRejected)
	}
	metrics.ModerationTransitions.WithLabelValues(string(models.ResponseRejected), actorHuman).Inc()
	q.publish(ctx, events.ForResponse(events.ResponseRejected, r, map[string]interface{}{"reason": reason}))
	return r, nil
}

// Edit overrides the published text while the response is pending or approved.
func (q *Queue) Edit(ctx context.Context, owner string, id uuid.UUID, text string) (models.CandidateResponse, error) {
	current, err := q.Get(ctx, owner, id)
	if err != nil {
		return models.CandidateResponse{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.CandidateResponse{}, &models.ValidationError{Problems: []string{"text required"}}
	}
	campaign, err := q.store.GetCampaign(ctx, current.CampaignID)
	if err != nil {
		return models.CandidateResponse{}, fmt.Errorf("load campaign: %w", err)
	}
	if max := campaign.Engagement.MaxLength; max > 0 && utf8.RuneCountInString(text) > max {
		return models.CandidateResponse{}, &models.ValidationError{Problems: []string{fmt.Sprintf("text exceeds maxLength %d", max)}}
	}
	r, err := q.store.UpdateResponseText(ctx, id, text)
	if errors.Is(err, store.ErrConflict) {
		return models.CandidateResponse{}, fmt.Errorf("%w: response %s can no longer be edited", models.ErrInvalidTransition, id)
	}
	if err != nil {
		return models.CandidateResponse{}, err
	}
	return r, nil
}

// RecordEngagement appends a metrics snapshot to a posted response.
func (q *Queue) RecordEngagement(ctx context.Context, owner string, id uuid.UUID, score, replies int) (models.CandidateResponse, error) {
	if _, err := q.Get(ctx, owner, id); err != nil {
		return models.CandidateResponse{}, err
	}
	if replies < 0 {
		return models.CandidateResponse{}, &models.ValidationError{Problems: []string{"replyCount must be >= 0"}}
	}
	r, err := q.store.AppendEngagement(ctx, id, models.EngagementSnapshot{Score: score, ReplyCount: replies, RecordedAt: q.now().UTC()})
	if errors.Is(err, store.ErrConflict) {
		return models.CandidateResponse{}, fmt.Errorf("%w: engagement is recorded only for posted responses", models.ErrInvalidTransition)
	}
	return r, err
}

func (q *Queue) transitionErr(err error, id uuid.UUID, to models.ResponseStatus) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: response %s is no longer pending, cannot become %s", models.ErrInvalidTransition, id, to)
	}
	return err
}

func (q *Queue) publish(ctx context.Context, ev events.Event) {
	if err := q.publisher.Publish(ctx, ev); err != nil {
		q.logger.Warn("publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}
