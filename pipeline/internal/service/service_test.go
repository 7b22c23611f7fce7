package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/discovery"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/documents"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	ensured []models.AccountKey
}

func (f *fakeDispatcher) Ensure(account models.AccountKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, account)
}

func (f *fakeDispatcher) Running(account models.AccountKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.ensured {
		if a == account {
			return true
		}
	}
	return false
}

type fakeScanner struct {
	calls int
}

func (f *fakeScanner) Scan(_ context.Context, c models.Campaign) (discovery.Report, error) {
	f.calls++
	return discovery.Report{CampaignID: c.ID, Platform: c.Platform}, nil
}

type fakeVerifier struct {
	objects map[string]int64
}

func (f fakeVerifier) Verify(_ context.Context, bucket, key string) (models.DocumentRef, error) {
	size, ok := f.objects[bucket+"/"+key]
	if !ok {
		return models.DocumentRef{}, documents.ErrNotFound
	}
	return models.DocumentRef{Bucket: bucket, Key: key, Size: size, AttachedAt: time.Now().UTC()}, nil
}

type fixture struct {
	svc        *Service
	store      *store.MemoryStore
	scanner    *fakeScanner
	dispatcher *fakeDispatcher
	tracker    *automation.Tracker
}

func newFixture() fixture {
	st := store.NewMemoryStore()
	f := fixture{store: st, scanner: &fakeScanner{}, dispatcher: &fakeDispatcher{}, tracker: automation.NewTracker()}
	verifier := fakeVerifier{objects: map[string]int64{"docs/brand/voice.pdf": 2048}}
	f.svc = New(st, f.scanner, f.dispatcher, verifier, f.tracker, nil)
	return f
}

func validRequest() CampaignRequest {
	req := CampaignRequest{
		Name:      "Launch week",
		Platform:  models.PlatformReddit,
		Locations: []string{"r/golang"},
	}
	req.Schedule.PostsPerHour = 4
	return req
}

func TestCreateCampaignStartsAsDraft(t *testing.T) {
	f := newFixture()
	c, err := f.svc.CreateCampaign(context.Background(), "owner-1", validRequest())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, models.CampaignDraft, c.Status)
	assert.Equal(t, "owner-1", c.Owner)
	require.NotNil(t, c.PlatformSettings.Reddit)
	assert.Equal(t, models.DefaultRedditSort, c.PlatformSettings.Reddit.Sort)
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.Locations = nil
	req.Monitoring.MinComments = 10
	req.Monitoring.MaxComments = 2
	_, err := f.svc.CreateCampaign(context.Background(), "owner-1", req)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Problems), 2)
}

func TestCampaignsAreScopedToOwner(t *testing.T) {
	f := newFixture()
	c, err := f.svc.CreateCampaign(context.Background(), "owner-1", validRequest())
	require.NoError(t, err)
	_, err = f.svc.GetCampaign(context.Background(), "owner-2", c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.TransitionCampaign(context.Background(), "owner-2", c.ID, models.CampaignActive)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCampaignStateMachine(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c, err := f.svc.CreateCampaign(ctx, "owner-1", validRequest())
	require.NoError(t, err)

	steps := []models.CampaignStatus{models.CampaignActive, models.CampaignPaused, models.CampaignActive, models.CampaignCompleted}
	for _, to := range steps {
		c, err = f.svc.TransitionCampaign(ctx, "owner-1", c.ID, to)
		require.NoError(t, err, "to %s", to)
		assert.Equal(t, to, c.Status)
	}
	_, err = f.svc.TransitionCampaign(ctx, "owner-1", c.ID, models.CampaignActive)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "completed is terminal")
}

func TestTriggerScanOnlyForActiveCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c, err := f.svc.CreateCampaign(ctx, "owner-1", validRequest())
	require.NoError(t, err)

	_, err = f.svc.TriggerScan(ctx, "owner-1", c.ID, models.PlatformReddit)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.svc.TransitionCampaign(ctx, "owner-1", c.ID, models.CampaignActive)
	require.NoError(t, err)
	_, err = f.svc.TriggerScan(ctx, "owner-1", c.ID, "twitter")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	report, err := f.svc.TriggerScan(ctx, "owner-1", c.ID, models.PlatformReddit)
	require.NoError(t, err)
	assert.Equal(t, c.ID, report.CampaignID)
	assert.Equal(t, 1, f.scanner.calls)
}

func TestDispatchStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c, err := f.svc.CreateCampaign(ctx, "owner-1", validRequest())
	require.NoError(t, err)

	st, err := f.svc.StartDispatch(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	assert.False(t, st.SchedulerRunning, "draft campaigns do not dispatch")
	assert.Empty(t, f.dispatcher.ensured)

	_, err = f.svc.TransitionCampaign(ctx, "owner-1", c.ID, models.CampaignActive)
	require.NoError(t, err)
	require.Len(t, f.dispatcher.ensured, 1)
	assert.Equal(t, models.AccountKey{Owner: "owner-1", Platform: models.PlatformReddit}, f.dispatcher.ensured[0])

	st, err = f.svc.AutomationStatus(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	assert.True(t, st.SchedulerRunning)

	end := f.tracker.Begin(c.ID, automation.Posting)
	st, err = f.svc.StopDispatch(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	assert.False(t, st.SchedulerRunning)
	assert.True(t, st.PostingRunning, "an in-flight post is still reported")
	end()
}

func TestAttachDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	c, err := f.svc.CreateCampaign(ctx, "owner-1", validRequest())
	require.NoError(t, err)

	updated, err := f.svc.AttachDocument(ctx, "owner-1", c.ID, "docs", "/brand/voice.pdf")
	require.NoError(t, err)
	require.Len(t, updated.Documents, 1)
	assert.Equal(t, "brand/voice.pdf", updated.Documents[0].Key)
	assert.Equal(t, int64(2048), updated.Documents[0].Size)

	_, err = f.svc.AttachDocument(ctx, "owner-1", c.ID, "docs", "missing.pdf")
	assert.ErrorIs(t, err, documents.ErrNotFound)
}

func TestDeleteItemChecksCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	a, err := f.svc.CreateCampaign(ctx, "owner-1", validRequest())
	require.NoError(t, err)
	b, err := f.svc.CreateCampaign(ctx, "owner-1", validRequest())
	require.NoError(t, err)
	item, err := f.store.InsertItem(ctx, models.DiscoveredItem{CampaignID: a.ID, Platform: models.PlatformReddit, PlatformID: "t3_x", Status: models.ItemNew})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteItem(ctx, "owner-1", b.ID, item.ID), store.ErrNotFound)
	require.NoError(t, f.svc.DeleteItem(ctx, "owner-1", a.ID, item.ID))
	items, err := f.svc.ListItems(ctx, "owner-1", a.ID, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}
