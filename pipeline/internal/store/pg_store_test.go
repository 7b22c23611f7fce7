package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

var responseCols = []string{"id", "item_id", "campaign_id", "owner", "platform", "target_id", "text", "edited_text", "confidence", "sentiment", "priority", "status", "rejection_reason", "duplicate_of", "platform_reply_id", "dispatch_attempted_at", "dispatch_hold", "last_dispatch_error", "engagement", "created_at", "reviewed_at", "posted_at", "updated_at"}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGInsertItemReportsDuplicate(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO discovered_items").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "t3_abc", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.InsertItem(context.Background(), models.DiscoveredItem{
		CampaignID: uuid.New(),
		Platform:   models.PlatformReddit,
		PlatformID: "t3_abc",
		CreatedAt:  time.Now(),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTransitionResponseDetectsConflict(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("UPDATE candidate_responses").
		WithArgs(id, models.ResponsePending, models.ResponseApproved, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(responseCols))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := st.TransitionResponse(context.Background(), ResponseTransition{
		ID:   id,
		From: models.ResponsePending,
		To:   models.ResponseApproved,
		At:   time.Now(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTransitionResponseRejectsSkippingApproval(t *testing.T) {
	st, mock := newMockStore(t)
	_, err := st.TransitionResponse(context.Background(), ResponseTransition{
		ID:   uuid.New(),
		From: models.ResponsePending,
		To:   models.ResponsePosted,
	})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected: %v", err)
	}
}

func TestPGMarkPostedReturnsRow(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows(responseCols).AddRow(
		id.String(), uuid.NewString(), uuid.NewString(), "owner-1", "reddit", "t3_abc", "hello", nil, 0.9, 0.6, "high", "posted",
		nil, nil, "t1_reply", now, false, nil, []byte(`[]`), now, now, now, now,
	)
	mock.ExpectQuery("UPDATE candidate_responses").
		WithArgs(id, "t1_reply", now).
		WillReturnRows(rows)

	r, err := st.MarkPosted(context.Background(), id, "t1_reply", now)
	if err != nil {
		t.Fatalf("mark posted: %v", err)
	}
	if r.Status != models.ResponsePosted || r.PlatformReplyID == nil || *r.PlatformReplyID != "t1_reply" {
		t.Fatalf("unexpected response: %+v", r)
	}
	if r.DispatchAttemptedAt == nil {
		t.Fatalf("expected dispatch attempt timestamp to be scanned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGPutCredentialUpserts(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO credentials .* ON CONFLICT \\(owner, platform, kind\\) DO UPDATE").
		WithArgs("owner-1", models.PlatformReddit, models.CredentialAccessToken, "tok", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.PutCredential(context.Background(), models.Credential{
		Owner:    "owner-1",
		Platform: models.PlatformReddit,
		Kind:     models.CredentialAccessToken,
		Value:    "tok",
		IssuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("put credential: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGetCredentialNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT owner, platform, kind, value").
		WillReturnRows(sqlmock.NewRows([]string{"owner", "platform", "kind", "value", "issued_at", "expires_at"}))

	_, err := st.GetCredential(context.Background(), "owner-1", models.PlatformReddit, models.CredentialRefreshToken)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGListDispatchableOrdersByPriority(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("WHERE owner = \\$1 AND platform = \\$2 AND status = 'approved' AND NOT dispatch_hold\\s+ORDER BY CASE priority").
		WithArgs("owner-1", models.PlatformReddit).
		WillReturnRows(sqlmock.NewRows(responseCols))

	out, err := st.ListDispatchable(context.Background(), models.AccountKey{Owner: "owner-1", Platform: models.PlatformReddit})
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no rows, got %d", len(out))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGClaimDispatchReturnsClaimedRow(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows(responseCols).AddRow(
		id.String(), uuid.NewString(), uuid.NewString(), "owner-1", "reddit", "t3_abc", "hello", "edited", 0.9, 0.6, "high", "approved",
		nil, nil, nil, now, false, nil, []byte(`[]`), now, now, nil, now,
	)
	mock.ExpectQuery("(?s)UPDATE candidate_responses\\s+SET dispatch_attempted_at = \\$2.*AND NOT dispatch_hold AND dispatch_attempted_at IS NULL").
		WithArgs(id, now).
		WillReturnRows(rows)

	r, err := st.ClaimDispatch(context.Background(), id, now)
	if err != nil {
		t.Fatalf("claim dispatch: %v", err)
	}
	if r.FinalText() != "edited" || r.DispatchAttemptedAt == nil {
		t.Fatalf("unexpected response: %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGClaimDispatchLostClaimIsConflict(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("UPDATE candidate_responses").
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(responseCols))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := st.ClaimDispatch(context.Background(), id, time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTryLockAccountHeldElsewhere(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock\\(hashtext\\(\\$1\\)\\)").
		WithArgs("owner-1/reddit").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	_, ok, err := st.TryLockAccount(context.Background(), models.AccountKey{Owner: "owner-1", Platform: models.PlatformReddit})
	if err != nil || ok {
		t.Fatalf("expected lock held elsewhere, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTryLockAccountReleasesOnRollback(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock").
		WithArgs("owner-1/reddit").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	release, ok, err := st.TryLockAccount(context.Background(), models.AccountKey{Owner: "owner-1", Platform: models.PlatformReddit})
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	release()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
