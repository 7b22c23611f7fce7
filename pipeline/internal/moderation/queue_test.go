package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/events"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

type fixture struct {
	store    *store.MemoryStore
	queue    *Queue
	events   *events.Recorder
	campaign models.Campaign
	item     models.DiscoveredItem
}

func newFixture(t *testing.T, ai models.AISettings) fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := models.Campaign{
		Owner:     "owner-1",
		Name:      "launch",
		Platform:  models.PlatformReddit,
		Locations: []string{"r/golang"},
		Status:    models.CampaignActive,
	}
	c.ApplyDefaults()
	c.AI = ai
	c.Engagement.MaxLength = 40
	c, err := st.CreateCampaign(ctx, c)
	require.NoError(t, err)
	item, err := st.InsertItem(ctx, models.DiscoveredItem{
		CampaignID: c.ID,
		Platform:   models.PlatformReddit,
		PlatformID: "t3_abc",
		Title:      "question about generics",
		Status:     models.ItemNew,
	})
	require.NoError(t, err)
	rec := &events.Recorder{}
	return fixture{store: st, queue: NewQueue(st, rec, nil), events: rec, campaign: c, item: item}
}

func autoSettings() models.AISettings {
	return models.AISettings{AutoApprove: true, MinConfidence: 0.8, MinSentiment: 0.5, DuplicateThreshold: 0.8}
}

func TestSubmitAutoApprovesAboveThresholds(t *testing.T) {
	f := newFixture(t, autoSettings())
	r, err := f.queue.Submit(context.Background(), f.item, Draft{Text: "Type parameters help here.", Confidence: 0.95, Sentiment: 0.8})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseApproved, r.Status)
	assert.Equal(t, "t3_abc", r.TargetID)
	assert.Equal(t, "owner-1", r.Owner)
	assert.Equal(t, models.PriorityMedium, r.Priority)
	assert.Equal(t, []string{events.ResponseSubmitted, events.ResponseApproved}, f.events.Types())
}

func TestSubmitBelowThresholdStaysPending(t *testing.T) {
	cases := []struct {
		name  string
		ai    models.AISettings
		draft Draft
	}{
		{"low confidence", autoSettings(), Draft{Text: "hi there", Confidence: 0.7, Sentiment: 0.9}},
		{"low sentiment", autoSettings(), Draft{Text: "hi there", Confidence: 0.9, Sentiment: 0.2}},
		{"auto approve off", models.AISettings{MinConfidence: 0.1}, Draft{Text: "hi there", Confidence: 0.99, Sentiment: 0.9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.ai)
			r, err := f.queue.Submit(context.Background(), f.item, tc.draft)
			require.NoError(t, err)
			assert.Equal(t, models.ResponsePending, r.Status)
			assert.Equal(t, []string{events.ResponseSubmitted}, f.events.Types())
		})
	}
}

func TestSubmitNearDuplicateIsHeldForReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, autoSettings())
	text := "Have you tried the errgroup package for this kind of fan out"
	first, err := f.queue.Submit(ctx, f.item, Draft{Text: text, Confidence: 0.95, Sentiment: 0.8})
	require.NoError(t, err)
	_, err = f.store.MarkPosted(ctx, first.ID, "t1_first", time.Now().UTC())
	require.NoError(t, err)

	second, err := f.queue.Submit(ctx, f.item, Draft{Text: "Have you tried the errgroup package for this kind of fan-out?", Confidence: 0.95, Sentiment: 0.8})
	require.NoError(t, err)
	assert.Equal(t, models.ResponsePending, second.Status)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, first.ID, *second.DuplicateOf)

	third, err := f.queue.Submit(ctx, f.item, Draft{Text: "Channels with a bounded worker pool work well too", Confidence: 0.95, Sentiment: 0.8})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseApproved, third.Status)
	assert.Nil(t, third.DuplicateOf)
}

func TestSubmitValidatesDraft(t *testing.T) {
	f := newFixture(t, autoSettings())
	_, err := f.queue.Submit(context.Background(), f.item, Draft{Text: "  ", Confidence: 1.5, Sentiment: -2, Priority: "urgent"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 4)
}

func TestApproveRejectLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.AISettings{})
	a, err := f.queue.Submit(ctx, f.item, Draft{Text: "first"})
	require.NoError(t, err)
	b, err := f.queue.Submit(ctx, f.item, Draft{Text: "second"})
	require.NoError(t, err)

	approved, err := f.queue.Approve(ctx, "owner-1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseApproved, approved.Status)
	assert.NotNil(t, approved.ReviewedAt)

	rejected, err := f.queue.Reject(ctx, "owner-1", b.ID, "off topic")
	require.NoError(t, err)
	assert.Equal(t, models.ResponseRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "off topic", *rejected.RejectionReason)

	_, err = f.queue.Approve(ctx, "owner-1", b.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.queue.Reject(ctx, "owner-1", a.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestOtherOwnerCannotSeeResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.AISettings{})
	r, err := f.queue.Submit(ctx, f.item, Draft{Text: "hello"})
	require.NoError(t, err)

	_, err = f.queue.Approve(ctx, "intruder", r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.queue.Get(ctx, "owner-1", uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditOverridesText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.AISettings{})
	r, err := f.queue.Submit(ctx, f.item, Draft{Text: "original"})
	require.NoError(t, err)

	edited, err := f.queue.Edit(ctx, "owner-1", r.ID, " tightened wording ")
	require.NoError(t, err)
	assert.Equal(t, "original", edited.Text)
	assert.Equal(t, "tightened wording", edited.FinalText())

	_, err = f.queue.Edit(ctx, "owner-1", r.ID, "this replacement text is far longer than forty characters")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.queue.Reject(ctx, "owner-1", r.ID, "")
	require.NoError(t, err)
	_, err = f.queue.Edit(ctx, "owner-1", r.ID, "too late")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRecordEngagementOnlyAfterPosting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, autoSettings())
	r, err := f.queue.Submit(ctx, f.item, Draft{Text: "useful answer", Confidence: 0.9, Sentiment: 0.9})
	require.NoError(t, err)

	_, err = f.queue.RecordEngagement(ctx, "owner-1", r.ID, 3, 1)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.store.MarkPosted(ctx, r.ID, "t1_x", time.Now().UTC())
	require.NoError(t, err)
	got, err := f.queue.RecordEngagement(ctx, "owner-1", r.ID, 3, 1)
	require.NoError(t, err)
	require.Len(t, got.Engagement, 1)
	assert.Equal(t, 3, got.Engagement[0].Score)
	assert.Equal(t, 1, got.Engagement[0].ReplyCount)
}
