package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports that the campaign already holds an item with the same platform
	// id or the same content fingerprint. Discovery treats it as an expected outcome.
	ErrDuplicate = errors.New("duplicate suppressed")
	// ErrConflict reports a lost compare-and-set: the row exists but is no longer in the
	// expected state.
	ErrConflict = errors.New("state changed concurrently")
)

type Store interface {
	CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error)
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]models.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to models.CampaignStatus) (models.Campaign, error)
	SetDispatchEnabled(ctx context.Context, id uuid.UUID, enabled bool) (models.Campaign, error)
	AddCampaignDocument(ctx context.Context, id uuid.UUID, doc models.DocumentRef) (models.Campaign, error)

	PutCredential(ctx context.Context, cred models.Credential) error
	GetCredential(ctx context.Context, owner string, platform models.Platform, kind models.CredentialKind) (models.Credential, error)
	DeleteCredentials(ctx context.Context, owner string, platform models.Platform, kinds ...models.CredentialKind) error

	InsertItem(ctx context.Context, item models.DiscoveredItem) (models.DiscoveredItem, error)
	GetItem(ctx context.Context, id uuid.UUID) (models.DiscoveredItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]models.DiscoveredItem, error)
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus) (models.DiscoveredItem, error)
	DeleteItem(ctx context.Context, id uuid.UUID) error

	CreateResponse(ctx context.Context, r models.CandidateResponse) (models.CandidateResponse, error)
	GetResponse(ctx context.Context, id uuid.UUID) (models.CandidateResponse, error)
	ListResponses(ctx context.Context, filter ResponseFilter) ([]models.CandidateResponse, error)
	TransitionResponse(ctx context.Context, in ResponseTransition) (models.CandidateResponse, error)
	// UpdateResponseText sets the override text of a pending or approved response and
	// releases a dispatch hold. It fails with ErrConflict while a dispatch attempt is
	// unresolved.
	UpdateResponseText(ctx context.Context, id uuid.UUID, text string) (models.CandidateResponse, error)
	ListDispatchable(ctx context.Context, account models.AccountKey) ([]models.CandidateResponse, error)
	// ClaimDispatch sets the attempt marker of an approved, unheld response that has no
	// marker yet and returns the row as claimed. A lost claim is ErrConflict.
	ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (models.CandidateResponse, error)
	ClearDispatchAttempt(ctx context.Context, id uuid.UUID) error
	// TryLockAccount takes the account's dispatch lock without waiting. ok is false when
	// another holder has it. release must be called once the dispatch is recorded.
	TryLockAccount(ctx context.Context, account models.AccountKey) (release func(), ok bool, err error)
	RecordDispatchFailure(ctx context.Context, id uuid.UUID, reason string, hold bool) error
	MarkPosted(ctx context.Context, id uuid.UUID, platformReplyID string, at time.Time) (models.CandidateResponse, error)
	ListPostedSince(ctx context.Context, account models.AccountKey, since time.Time) ([]time.Time, error)
	ListPostedTexts(ctx context.Context, campaignID uuid.UUID) ([]PostedText, error)
	AppendEngagement(ctx context.Context, id uuid.UUID, snap models.EngagementSnapshot) (models.CandidateResponse, error)

	Ping(ctx context.Context) error
}

type CampaignFilter struct {
	Owner    string
	Statuses []models.CampaignStatus
}

type ItemFilter struct {
	CampaignID uuid.UUID
	Status     models.ItemStatus
	Limit      int
	Offset     int
}

type ResponseFilter struct {
	CampaignID uuid.UUID
	ItemID     uuid.UUID
	Status     models.ResponseStatus
	Limit      int
	Offset     int
}

// ResponseTransition moves a response From -> To only if it is still in From.
type ResponseTransition struct {
	ID     uuid.UUID
	From   models.ResponseStatus
	To     models.ResponseStatus
	Reason *string
	At     time.Time
}

type PostedText struct {
	ID   uuid.UUID
	Text string
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
