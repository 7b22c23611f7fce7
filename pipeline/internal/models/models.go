package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid status transition")

type Platform string

const PlatformReddit Platform = "reddit"

func (p Platform) Supported() bool {
	return p == PlatformReddit
}

// AccountKey identifies one platform account. All writes against an account are
// serialized through a single dispatch worker.
type AccountKey struct {
	Owner    string   `json:"owner"`
	Platform Platform `json:"platform"`
}

func (k AccountKey) String() string {
	return k.Owner + "/" + string(k.Platform)
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:  {CampaignActive, CampaignCompleted},
	CampaignActive: {CampaignPaused, CampaignCompleted},
	CampaignPaused: {CampaignActive, CampaignCompleted},
}

// CanTransitionTo reports whether the campaign state machine permits s -> next.
// Transitions are monotone except active<->paused; completed is terminal.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignCompleted:
		return true
	}
	return false
}

// Duration marshals as a Go duration string ("24h", "90s"). Numbers are read as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		if strings.TrimSpace(v) == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

type MonitoringRules struct {
	IncludeKeywords     []string `json:"includeKeywords"`
	ExcludeKeywords     []string `json:"excludeKeywords"`
	MinScore            int      `json:"minScore"`
	MaxAge              Duration `json:"maxAge"`
	MinComments         int      `json:"minComments"`
	MaxComments         int      `json:"maxComments"`
	MinAuthorReputation int      `json:"minAuthorReputation"`
}

type EngagementRules struct {
	Style        string `json:"style"`
	Tone         string `json:"tone"`
	MaxLength    int    `json:"maxLength"`
	UseEmoji     bool   `json:"useEmoji"`
	AskQuestions bool   `json:"askQuestions"`
}

// HourWindow is a half-open [Start, End) range of local hours. Start == End covers the
// whole day; Start > End wraps past midnight.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type ScheduleSettings struct {
	Timezone     string     `json:"timezone"`
	ActiveDays   []int      `json:"activeDays"`
	ActiveHours  HourWindow `json:"activeHours"`
	PostsPerHour int        `json:"postsPerHour"`
	MinDelay     Duration   `json:"minDelay"`
	MaxDelay     Duration   `json:"maxDelay"`
	Randomize    bool       `json:"randomize"`
	BatchSize    int        `json:"batchSize"`
}

type AISettings struct {
	AutoApprove        bool    `json:"autoApprove"`
	MinConfidence      float64 `json:"minConfidence"`
	MinSentiment       float64 `json:"minSentiment"`
	DuplicateThreshold float64 `json:"duplicateThreshold"`
}

type RedditSettings struct {
	Sort     string `json:"sort"`
	PageSize int    `json:"pageSize"`
	MaxPages int    `json:"maxPages"`
}

// PlatformSettings is keyed by Platform; only the matching variant may be set.
type PlatformSettings struct {
	Platform Platform        `json:"platform"`
	Reddit   *RedditSettings `json:"reddit,omitempty"`
}

type DocumentRef struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag,omitempty"`
	AttachedAt  time.Time `json:"attachedAt"`
}

type Campaign struct {
	ID               uuid.UUID        `json:"id"`
	Owner            string           `json:"owner"`
	Name             string           `json:"name"`
	Platform         Platform         `json:"platform"`
	Locations        []string         `json:"locations"`
	Monitoring       MonitoringRules  `json:"monitoring"`
	Engagement       EngagementRules  `json:"engagement"`
	Schedule         ScheduleSettings `json:"schedule"`
	AI               AISettings       `json:"ai"`
	PlatformSettings PlatformSettings `json:"platformSettings"`
	Documents        []DocumentRef    `json:"documents"`
	Status           CampaignStatus   `json:"status"`
	DispatchEnabled  bool             `json:"dispatchEnabled"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (c Campaign) Account() AccountKey {
	return AccountKey{Owner: c.Owner, Platform: c.Platform}
}

type CredentialKind string

const (
	CredentialClientID     CredentialKind = "client_id"
	CredentialClientSecret CredentialKind = "client_secret"
	CredentialAccessToken  CredentialKind = "access_token"
	CredentialRefreshToken CredentialKind = "refresh_token"
	CredentialUsername     CredentialKind = "username"
)

type Credential struct {
	Owner     string         `json:"owner"`
	Platform  Platform       `json:"platform"`
	Kind      CredentialKind `json:"kind"`
	Value     string         `json:"-"`
	IssuedAt  time.Time      `json:"issuedAt"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

type ItemStatus string

const (
	ItemNew       ItemStatus = "new"
	ItemReviewed  ItemStatus = "reviewed"
	ItemResponded ItemStatus = "responded"
	ItemIgnored   ItemStatus = "ignored"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemNew, ItemReviewed, ItemResponded, ItemIgnored:
		return true
	}
	return false
}

type DiscoveredItem struct {
	ID               uuid.UUID  `json:"id"`
	CampaignID       uuid.UUID  `json:"campaignId"`
	Platform         Platform   `json:"platform"`
	PlatformID       string     `json:"platformId"`
	Location         string     `json:"location"`
	Author           string     `json:"author"`
	AuthorReputation int        `json:"authorReputation"`
	Title            string     `json:"title"`
	Content          string     `json:"content"`
	URL              string     `json:"url"`
	Score            int        `json:"score"`
	CommentCount     int        `json:"commentCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	MatchedKeyword   *string    `json:"matchedKeyword,omitempty"`
	Fingerprint      string     `json:"fingerprint"`
	Status           ItemStatus `json:"status"`
	DiscoveredAt     time.Time  `json:"discoveredAt"`
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities for dispatch; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "pending"
	ResponseApproved ResponseStatus = "approved"
	ResponseRejected ResponseStatus = "rejected"
	ResponsePosted   ResponseStatus = "posted"
)

var responseTransitions = map[ResponseStatus][]ResponseStatus{
	ResponsePending:  {ResponseApproved, ResponseRejected},
	ResponseApproved: {ResponsePosted},
}

func (s ResponseStatus) CanTransitionTo(next ResponseStatus) bool {
	for _, allowed := range responseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type EngagementSnapshot struct {
	Score      int       `json:"score"`
	ReplyCount int       `json:"replyCount"`
	RecordedAt time.Time `json:"recordedAt"`
}

type CandidateResponse struct {
	ID                  uuid.UUID            `json:"id"`
	ItemID              uuid.UUID            `json:"itemId"`
	CampaignID          uuid.UUID            `json:"campaignId"`
	Owner               string               `json:"owner"`
	Platform            Platform             `json:"platform"`
	TargetID            string               `json:"targetId"`
	Text                string               `json:"text"`
	EditedText          *string              `json:"editedText,omitempty"`
	Confidence          float64              `json:"confidence"`
	Sentiment           float64              `json:"sentiment"`
	Priority            Priority             `json:"priority"`
	Status              ResponseStatus       `json:"status"`
	RejectionReason     *string              `json:"rejectionReason,omitempty"`
	DuplicateOf         *uuid.UUID           `json:"duplicateOf,omitempty"`
	PlatformReplyID     *string              `json:"platformReplyId,omitempty"`
	DispatchAttemptedAt *time.Time           `json:"dispatchAttemptedAt,omitempty"`
	DispatchHold        bool                 `json:"dispatchHold"`
	LastDispatchError   *string              `json:"lastDispatchError,omitempty"`
	Engagement          []EngagementSnapshot `json:"engagement,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	ReviewedAt          *time.Time           `json:"reviewedAt,omitempty"`
	PostedAt            *time.Time           `json:"postedAt,omitempty"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

// FinalText is what gets published: the human override when present.
func (r CandidateResponse) FinalText() string {
	if r.EditedText != nil {
		return *r.EditedText
	}
	return r.Text
}

func (r CandidateResponse) Account() AccountKey {
	return AccountKey{Owner: r.Owner, Platform: r.Platform}
}

// AutomationStatus reports what is currently running on behalf of a campaign.
type AutomationStatus struct {
	CampaignID        uuid.UUID      `json:"campaignId"`
	Status            CampaignStatus `json:"status"`
	DiscoveryRunning  bool           `json:"discoveryRunning"`
	GenerationRunning bool           `json:"generationRunning"`
	PostingRunning    bool           `json:"postingRunning"`
	SchedulerRunning  bool           `json:"schedulerRunning"`
}
