package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

func TestMemoryInsertItemIsCompareAndInsert(t *testing.T) {
	st := NewMemoryStore()
	campaignID := uuid.New()
	var inserted, duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.InsertItem(context.Background(), models.DiscoveredItem{
				CampaignID: campaignID,
				PlatformID: "t3_same",
			})
			switch err {
			case nil:
				inserted.Add(1)
			case ErrDuplicate:
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inserted.Load())
	assert.Equal(t, int32(15), duplicates.Load())

	_, err := st.InsertItem(context.Background(), models.DiscoveredItem{CampaignID: uuid.New(), PlatformID: "t3_same"})
	assert.NoError(t, err, "same platform id in another campaign is a new item")
}

func TestMemoryDeleteItemDoesNotCascade(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	item, err := st.InsertItem(ctx, models.DiscoveredItem{CampaignID: uuid.New(), PlatformID: "t3_x"})
	require.NoError(t, err)
	resp, err := st.CreateResponse(ctx, models.CandidateResponse{ItemID: item.ID, CampaignID: item.CampaignID, Status: models.ResponsePending})
	require.NoError(t, err)

	require.NoError(t, st.DeleteItem(ctx, item.ID))
	_, err = st.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetResponse(ctx, resp.ID)
	assert.NoError(t, err)
}

func TestMemoryResponseLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	resp, err := st.CreateResponse(ctx, models.CandidateResponse{
		Owner: "o", Platform: models.PlatformReddit, Status: models.ResponsePending, Priority: models.PriorityLow,
	})
	require.NoError(t, err)

	_, err = st.MarkPosted(ctx, resp.ID, "t1_x", time.Now())
	assert.ErrorIs(t, err, ErrConflict, "pending responses cannot be posted")

	_, err = st.TransitionResponse(ctx, ResponseTransition{ID: resp.ID, From: models.ResponsePending, To: models.ResponsePosted})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = st.TransitionResponse(ctx, ResponseTransition{ID: resp.ID, From: models.ResponsePending, To: models.ResponseApproved, At: time.Now()})
	require.NoError(t, err)

	posted, err := st.MarkPosted(ctx, resp.ID, "t1_x", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ResponsePosted, posted.Status)

	_, err = st.MarkPosted(ctx, resp.ID, "t1_y", time.Now())
	assert.ErrorIs(t, err, ErrConflict, "posting is exactly once")

	_, err = st.UpdateResponseText(ctx, resp.ID, "too late")
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := st.AppendEngagement(ctx, resp.ID, models.EngagementSnapshot{Score: 3, ReplyCount: 1})
	require.NoError(t, err)
	updated, err = st.AppendEngagement(ctx, resp.ID, models.EngagementSnapshot{Score: 7, ReplyCount: 2})
	require.NoError(t, err)
	assert.Len(t, updated.Engagement, 2)
}

func TestMemoryListDispatchableOrdering(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	account := models.AccountKey{Owner: "o", Platform: models.PlatformReddit}
	mk := func(p models.Priority) uuid.UUID {
		r, err := st.CreateResponse(ctx, models.CandidateResponse{Owner: account.Owner, Platform: account.Platform, Status: models.ResponseApproved, Priority: p})
		require.NoError(t, err)
		return r.ID
	}
	lowOld := mk(models.PriorityLow)
	highNew := mk(models.PriorityHigh)
	medium := mk(models.PriorityMedium)
	highNewer := mk(models.PriorityHigh)
	held := mk(models.PriorityHigh)
	require.NoError(t, st.RecordDispatchFailure(ctx, held, "spam filter", true))

	out, err := st.ListDispatchable(ctx, account)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, r := range out {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []uuid.UUID{highNew, highNewer, medium, lowOld}, ids)

	_, err = st.UpdateResponseText(ctx, held, "reworded")
	require.NoError(t, err)
	out, err = st.ListDispatchable(ctx, account)
	require.NoError(t, err)
	assert.Len(t, out, 5, "editing releases the hold")
}

func TestMemoryCampaignStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	c, err := st.CreateCampaign(ctx, models.Campaign{Owner: "o", Status: models.CampaignDraft})
	require.NoError(t, err)

	_, err = st.UpdateCampaignStatus(ctx, c.ID, models.CampaignActive, models.CampaignPaused)
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := st.UpdateCampaignStatus(ctx, c.ID, models.CampaignDraft, models.CampaignActive)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignActive, updated.Status)

	active, err := st.ListCampaigns(ctx, CampaignFilter{Statuses: []models.CampaignStatus{models.CampaignActive}})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestMemoryCredentialSupersedes(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	put := func(v string) {
		require.NoError(t, st.PutCredential(ctx, models.Credential{Owner: "o", Platform: models.PlatformReddit, Kind: models.CredentialAccessToken, Value: v}))
	}
	put("first")
	put("second")
	cred, err := st.GetCredential(ctx, "o", models.PlatformReddit, models.CredentialAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "second", cred.Value)

	require.NoError(t, st.DeleteCredentials(ctx, "o", models.PlatformReddit, models.CredentialAccessToken))
	_, err = st.GetCredential(ctx, "o", models.PlatformReddit, models.CredentialAccessToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEditBlockedByUnresolvedDispatch(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r, err := st.CreateResponse(ctx, models.CandidateResponse{Status: models.ResponseApproved})
	require.NoError(t, err)
	_, err = st.ClaimDispatch(ctx, r.ID, time.Now())
	require.NoError(t, err)

	_, err = st.UpdateResponseText(ctx, r.ID, "new")
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, st.ClearDispatchAttempt(ctx, r.ID))
	_, err = st.UpdateResponseText(ctx, r.ID, "new")
	assert.NoError(t, err)
}

func TestMemoryClaimDispatchIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r, err := st.CreateResponse(ctx, models.CandidateResponse{Status: models.ResponseApproved, Text: "draft"})
	require.NoError(t, err)
	_, err = st.UpdateResponseText(ctx, r.ID, "edited")
	require.NoError(t, err)

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.ClaimDispatch(ctx, r.ID, time.Now())
			if err == nil {
				claimed.Add(1)
				assert.Equal(t, "edited", got.FinalText())
				assert.NotNil(t, got.DispatchAttemptedAt)
				return
			}
			assert.ErrorIs(t, err, ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())
}

func TestMemoryClaimDispatchSkipsHeld(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	r, err := st.CreateResponse(ctx, models.CandidateResponse{Status: models.ResponseApproved})
	require.NoError(t, err)
	require.NoError(t, st.RecordDispatchFailure(ctx, r.ID, "locked thread", true))

	_, err = st.ClaimDispatch(ctx, r.ID, time.Now())
	assert.ErrorIs(t, err, ErrConflict)
	_, err = st.ClaimDispatch(ctx, uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAccountLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	account := models.AccountKey{Owner: "o", Platform: models.PlatformReddit}

	release, ok, err := st.TryLockAccount(ctx, account)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = st.TryLockAccount(ctx, account)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = st.TryLockAccount(ctx, models.AccountKey{Owner: "other", Platform: models.PlatformReddit})
	assert.True(t, ok, "accounts lock independently")

	release()
	release()
	again, ok, err := st.TryLockAccount(ctx, account)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestMemoryInsertItemSuppressesFingerprint(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	campaignID := uuid.New()
	first, err := st.InsertItem(ctx, models.DiscoveredItem{CampaignID: campaignID, PlatformID: "t3_a", Fingerprint: "fp"})
	require.NoError(t, err)
	_, err = st.InsertItem(ctx, models.DiscoveredItem{CampaignID: campaignID, PlatformID: "t3_b", Fingerprint: "fp"})
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = st.InsertItem(ctx, models.DiscoveredItem{CampaignID: uuid.New(), PlatformID: "t3_b", Fingerprint: "fp"})
	assert.NoError(t, err, "fingerprints are scoped to the campaign")
	_, err = st.InsertItem(ctx, models.DiscoveredItem{CampaignID: campaignID, PlatformID: "t3_c"})
	assert.NoError(t, err)
	_, err = st.InsertItem(ctx, models.DiscoveredItem{CampaignID: campaignID, PlatformID: "t3_d"})
	assert.NoError(t, err, "empty fingerprints never collide")

	require.NoError(t, st.DeleteItem(ctx, first.ID))
	_, err = st.InsertItem(ctx, models.DiscoveredItem{CampaignID: campaignID, PlatformID: "t3_e", Fingerprint: "fp"})
	assert.NoError(t, err)
}
