package generation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/generator"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/moderation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

type scriptedGenerator struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
	out   generator.Result
}

func (g *scriptedGenerator) Generate(_ context.Context, req generator.Request) (generator.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail[req.Item.PlatformID] {
		return generator.Result{}, errors.New("generator unavailable")
	}
	return g.out, nil
}

func setup(t *testing.T, ai models.AISettings) (*store.MemoryStore, models.Campaign) {
	t.Helper()
	st := store.NewMemoryStore()
	c := models.Campaign{
		Owner: "owner-1", Name: "launch", Platform: models.PlatformReddit,
		Locations: []string{"r/golang"}, Status: models.CampaignActive,
	}
	c.ApplyDefaults()
	c.AI = ai
	c.Engagement.MaxLength = 20
	c, err := st.CreateCampaign(context.Background(), c)
	require.NoError(t, err)
	return st, c
}

func insert(t *testing.T, st *store.MemoryStore, c models.Campaign, id string, score int) models.DiscoveredItem {
	t.Helper()
	item, err := st.InsertItem(context.Background(), models.DiscoveredItem{
		CampaignID: c.ID, Platform: c.Platform, PlatformID: id, Score: score, Title: id, Status: models.ItemNew,
	})
	require.NoError(t, err)
	return item
}

func TestRunSubmitsDraftsAndMarksReviewed(t *testing.T) {
	ctx := context.Background()
	st, c := setup(t, models.AISettings{AutoApprove: true, MinConfidence: 0.8, MinSentiment: 0.5})
	hot := insert(t, st, c, "t3_hot", 150)
	insert(t, st, c, "t3_mild", 30)
	gen := &scriptedGenerator{out: generator.Result{Text: "This reply is definitely longer than twenty runes", Confidence: 0.9, Sentiment: 0.7}}
	w := NewWorker(st, gen, moderation.NewQueue(st, nil, nil), Config{})

	report, err := w.Run(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Examined)
	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 2, report.AutoApproved)

	left, err := st.ListItems(ctx, store.ItemFilter{CampaignID: c.ID, Status: models.ItemNew})
	require.NoError(t, err)
	assert.Empty(t, left)

	rs, err := st.ListResponses(ctx, store.ResponseFilter{ItemID: hot.ID})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, models.PriorityHigh, rs[0].Priority)
	assert.LessOrEqual(t, len([]rune(rs[0].Text)), 20)
}

func TestRunSkipsItemsWithLiveResponse(t *testing.T) {
	ctx := context.Background()
	st, c := setup(t, models.AISettings{})
	item := insert(t, st, c, "t3_a", 5)
	queue := moderation.NewQueue(st, nil, nil)
	_, err := queue.Submit(ctx, item, moderation.Draft{Text: "earlier"})
	require.NoError(t, err)
	gen := &scriptedGenerator{out: generator.Result{Text: "new", Confidence: 0.5}}

	report, err := NewWorker(st, gen, queue, Config{}).Run(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, gen.calls)
	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemReviewed, got.Status)
}

func TestRunLeavesFailedItemsForRetry(t *testing.T) {
	ctx := context.Background()
	st, c := setup(t, models.AISettings{})
	insert(t, st, c, "t3_bad", 5)
	insert(t, st, c, "t3_ok", 5)
	gen := &scriptedGenerator{fail: map[string]bool{"t3_bad": true}, out: generator.Result{Text: "ok", Confidence: 0.5}}

	report, err := NewWorker(st, gen, moderation.NewQueue(st, nil, nil), Config{}).Run(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Submitted)

	left, err := st.ListItems(ctx, store.ItemFilter{CampaignID: c.ID, Status: models.ItemNew})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "t3_bad", left[0].PlatformID)
}

func TestRunRequiresActiveCampaign(t *testing.T) {
	st, c := setup(t, models.AISettings{})
	c.Status = models.CampaignDraft
	_, err := NewWorker(st, &scriptedGenerator{}, moderation.NewQueue(st, nil, nil), Config{}).Run(context.Background(), c)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestPriorityForScore(t *testing.T) {
	assert.Equal(t, models.PriorityHigh, PriorityForScore(100))
	assert.Equal(t, models.PriorityMedium, PriorityForScore(20))
	assert.Equal(t, models.PriorityLow, PriorityForScore(19))
}
