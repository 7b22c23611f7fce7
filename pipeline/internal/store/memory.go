package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

type credentialKey struct {
	owner    string
	platform models.Platform
	kind     models.CredentialKind
}

type itemKey struct {
	campaignID uuid.UUID
	platformID string
}

type fingerprintKey struct {
	campaignID  uuid.UUID
	fingerprint string
}

type MemoryStore struct {
	mu          sync.RWMutex
	campaigns   map[uuid.UUID]models.Campaign
	credentials map[credentialKey]models.Credential
	items       map[uuid.UUID]models.DiscoveredItem
	itemIndex   map[itemKey]uuid.UUID
	fpIndex     map[fingerprintKey]uuid.UUID
	responses   map[uuid.UUID]models.CandidateResponse
	locked      map[models.AccountKey]bool
	lastStamp   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:   map[uuid.UUID]models.Campaign{},
		credentials: map[credentialKey]models.Credential{},
		items:       map[uuid.UUID]models.DiscoveredItem{},
		itemIndex:   map[itemKey]uuid.UUID{},
		fpIndex:     map[fingerprintKey]uuid.UUID{},
		responses:   map[uuid.UUID]models.CandidateResponse{},
		locked:      map[models.AccountKey]bool{},
	}
}

// stamp returns a strictly increasing creation time so insertion order survives
// sorting. Callers hold m.mu.
func (m *MemoryStore) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Nanosecond)
	}
	m.lastStamp = now
	return now
}

func copyCampaign(c models.Campaign) models.Campaign {
	c.Locations = append([]string(nil), c.Locations...)
	c.Documents = append([]models.DocumentRef{}, c.Documents...)
	c.Monitoring.IncludeKeywords = append([]string(nil), c.Monitoring.IncludeKeywords...)
	c.Monitoring.ExcludeKeywords = append([]string(nil), c.Monitoring.ExcludeKeywords...)
	c.Schedule.ActiveDays = append([]int(nil), c.Schedule.ActiveDays...)
	if c.PlatformSettings.Reddit != nil {
		rs := *c.PlatformSettings.Reddit
		c.PlatformSettings.Reddit = &rs
	}
	return c
}

func copyResponse(r models.CandidateResponse) models.CandidateResponse {
	r.Engagement = append([]models.EngagementSnapshot(nil), r.Engagement...)
	return r
}

func (m *MemoryStore) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c = copyCampaign(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = m.stamp()
	c.UpdatedAt = c.CreatedAt
	m.campaigns[c.ID] = c
	return copyCampaign(c), nil
}

func (m *MemoryStore) GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return models.Campaign{}, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (m *MemoryStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Campaign
	for _, c := range m.campaigns {
		if filter.Owner != "" && c.Owner != filter.Owner {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
			continue
		}
		out = append(out, copyCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func containsStatus(statuses []models.CampaignStatus, s models.CampaignStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to models.CampaignStatus) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return models.Campaign{}, ErrNotFound
	}
	if c.Status != from {
		return models.Campaign{}, ErrConflict
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return copyCampaign(c), nil
}

func (m *MemoryStore) SetDispatchEnabled(ctx context.Context, id uuid.UUID, enabled bool) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return models.Campaign{}, ErrNotFound
	}
	c.DispatchEnabled = enabled
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return copyCampaign(c), nil
}

func (m *MemoryStore) AddCampaignDocument(ctx context.Context, id uuid.UUID, doc models.DocumentRef) (models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return models.Campaign{}, ErrNotFound
	}
	c = copyCampaign(c)
	c.Documents = append(c.Documents, doc)
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return copyCampaign(c), nil
}

func (m *MemoryStore) PutCredential(ctx context.Context, cred models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[credentialKey{cred.Owner, cred.Platform, cred.Kind}] = cred
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, owner string, platform models.Platform, kind models.CredentialKind) (models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[credentialKey{owner, platform, kind}]
	if !ok {
		return models.Credential{}, ErrNotFound
	}
	return cred, nil
}

func (m *MemoryStore) DeleteCredentials(ctx context.Context, owner string, platform models.Platform, kinds ...models.CredentialKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range kinds {
		delete(m.credentials, credentialKey{owner, platform, kind})
	}
	return nil
}

func (m *MemoryStore) InsertItem(ctx context.Context, item models.DiscoveredItem) (models.DiscoveredItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = models.ItemNew
	}
	key := itemKey{item.CampaignID, item.PlatformID}
	fp := fingerprintKey{item.CampaignID, item.Fingerprint}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.itemIndex[key]; exists {
		return models.DiscoveredItem{}, ErrDuplicate
	}
	if item.Fingerprint != "" {
		if _, exists := m.fpIndex[fp]; exists {
			return models.DiscoveredItem{}, ErrDuplicate
		}
		m.fpIndex[fp] = item.ID
	}
	item.DiscoveredAt = m.stamp()
	m.items[item.ID] = item
	m.itemIndex[key] = item.ID
	return item, nil
}

func (m *MemoryStore) GetItem(ctx context.Context, id uuid.UUID) (models.DiscoveredItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return models.DiscoveredItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) ListItems(ctx context.Context, filter ItemFilter) ([]models.DiscoveredItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []models.DiscoveredItem
	for _, item := range m.items {
		if item.CampaignID != filter.CampaignID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DiscoveredAt.Equal(items[j].DiscoveredAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].DiscoveredAt.Before(items[j].DiscoveredAt)
	})
	return page(items, filter.Offset, filter.Limit), nil
}

func page[T any](all []T, offset, limit int) []T {
	start := offset
	if start > len(all) {
		start = len(all)
	}
	if start < 0 {
		start = 0
	}
	end := start + normalizeLimit(limit)
	if end > len(all) {
		end = len(all)
	}
	result := make([]T, end-start)
	copy(result, all[start:end])
	return result
}

func (m *MemoryStore) UpdateItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus) (models.DiscoveredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.DiscoveredItem{}, ErrNotFound
	}
	item.Status = status
	m.items[id] = item
	return item, nil
}

func (m *MemoryStore) DeleteItem(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	delete(m.itemIndex, itemKey{item.CampaignID, item.PlatformID})
	if fp := (fingerprintKey{item.CampaignID, item.Fingerprint}); m.fpIndex[fp] == id {
		delete(m.fpIndex, fp)
	}
	return nil
}

func (m *MemoryStore) CreateResponse(ctx context.Context, r models.CandidateResponse) (models.CandidateResponse, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = m.stamp()
	r.UpdatedAt = r.CreatedAt
	m.responses[r.ID] = copyResponse(r)
	return copyResponse(r), nil
}

func (m *MemoryStore) GetResponse(ctx context.Context, id uuid.UUID) (models.CandidateResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.responses[id]
	if !ok {
		return models.CandidateResponse{}, ErrNotFound
	}
	return copyResponse(r), nil
}

func (m *MemoryStore) ListResponses(ctx context.Context, filter ResponseFilter) ([]models.CandidateResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CandidateResponse
	for _, r := range m.responses {
		if filter.CampaignID != uuid.Nil && r.CampaignID != filter.CampaignID {
			continue
		}
		if filter.ItemID != uuid.Nil && r.ItemID != filter.ItemID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, copyResponse(r))
	}
	sortByCreated(out)
	return page(out, filter.Offset, filter.Limit), nil
}

func sortByCreated(rs []models.CandidateResponse) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID.String() < rs[j].ID.String()
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func (m *MemoryStore) TransitionResponse(ctx context.Context, in ResponseTransition) (models.CandidateResponse, error) {
	if !in.From.CanTransitionTo(in.To) {
		return models.CandidateResponse{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, in.From, in.To)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[in.ID]
	if !ok {
		return models.CandidateResponse{}, ErrNotFound
	}
	if r.Status != in.From {
		return models.CandidateResponse{}, ErrConflict
	}
	r.Status = in.To
	if in.Reason != nil {
		reason := *in.Reason
		r.RejectionReason = &reason
	}
	at := in.At
	r.ReviewedAt = &at
	r.UpdatedAt = time.Now().UTC()
	m.responses[in.ID] = r
	return copyResponse(r), nil
}

func (m *MemoryStore) UpdateResponseText(ctx context.Context, id uuid.UUID, text string) (models.CandidateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return models.CandidateResponse{}, ErrNotFound
	}
	if r.Status != models.ResponsePending && r.Status != models.ResponseApproved {
		return models.CandidateResponse{}, ErrConflict
	}
	if r.DispatchAttemptedAt != nil {
		return models.CandidateResponse{}, ErrConflict
	}
	r.EditedText = &text
	r.DispatchHold = false
	r.LastDispatchError = nil
	r.UpdatedAt = time.Now().UTC()
	m.responses[id] = r
	return copyResponse(r), nil
}

func (m *MemoryStore) ListDispatchable(ctx context.Context, account models.AccountKey) ([]models.CandidateResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CandidateResponse
	for _, r := range m.responses {
		if r.Owner != account.Owner || r.Platform != account.Platform {
			continue
		}
		if r.Status != models.ResponseApproved || r.DispatchHold {
			continue
		}
		out = append(out, copyResponse(r))
	}
	sortByCreated(out)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() > out[j].Priority.Rank()
	})
	return out, nil
}

func (m *MemoryStore) ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (models.CandidateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return models.CandidateResponse{}, ErrNotFound
	}
	if r.Status != models.ResponseApproved || r.DispatchHold || r.DispatchAttemptedAt != nil {
		return models.CandidateResponse{}, ErrConflict
	}
	at = at.UTC()
	r.DispatchAttemptedAt = &at
	r.UpdatedAt = time.Now().UTC()
	m.responses[id] = r
	return copyResponse(r), nil
}

func (m *MemoryStore) ClearDispatchAttempt(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.ResponseApproved {
		return ErrConflict
	}
	r.DispatchAttemptedAt = nil
	r.UpdatedAt = time.Now().UTC()
	m.responses[id] = r
	return nil
}

func (m *MemoryStore) TryLockAccount(ctx context.Context, account models.AccountKey) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[account] {
		return nil, false, nil
	}
	m.locked[account] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locked, account)
			m.mu.Unlock()
		})
	}, true, nil
}

func (m *MemoryStore) RecordDispatchFailure(ctx context.Context, id uuid.UUID, reason string, hold bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return ErrNotFound
	}
	r.LastDispatchError = &reason
	r.DispatchHold = r.DispatchHold || hold
	r.UpdatedAt = time.Now().UTC()
	m.responses[id] = r
	return nil
}

func (m *MemoryStore) MarkPosted(ctx context.Context, id uuid.UUID, platformReplyID string, at time.Time) (models.CandidateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return models.CandidateResponse{}, ErrNotFound
	}
	if r.Status != models.ResponseApproved {
		return models.CandidateResponse{}, ErrConflict
	}
	r.Status = models.ResponsePosted
	r.PlatformReplyID = &platformReplyID
	r.PostedAt = &at
	r.LastDispatchError = nil
	r.UpdatedAt = time.Now().UTC()
	m.responses[id] = r
	return copyResponse(r), nil
}

func (m *MemoryStore) ListPostedSince(ctx context.Context, account models.AccountKey, since time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []time.Time
	for _, r := range m.responses {
		if r.Owner != account.Owner || r.Platform != account.Platform || r.Status != models.ResponsePosted || r.PostedAt == nil {
			continue
		}
		if r.PostedAt.After(since) {
			out = append(out, *r.PostedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *MemoryStore) ListPostedTexts(ctx context.Context, campaignID uuid.UUID) ([]PostedText, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PostedText
	for _, r := range m.responses {
		if r.CampaignID == campaignID && r.Status == models.ResponsePosted {
			out = append(out, PostedText{ID: r.ID, Text: r.FinalText()})
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEngagement(ctx context.Context, id uuid.UUID, snap models.EngagementSnapshot) (models.CandidateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[id]
	if !ok {
		return models.CandidateResponse{}, ErrNotFound
	}
	if r.Status != models.ResponsePosted {
		return models.CandidateResponse{}, ErrConflict
	}
	r = copyResponse(r)
	r.Engagement = append(r.Engagement, snap)
	r.UpdatedAt = time.Now().UTC()
	m.responses[id] = r
	return copyResponse(r), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
