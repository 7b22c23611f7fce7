// Package service implements the campaign operations behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/discovery"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/documents"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

type Scanner interface {
	Scan(ctx context.Context, c models.Campaign) (discovery.Report, error)
}

// Dispatcher is the scheduler's control surface.
type Dispatcher interface {
	Ensure(account models.AccountKey)
	Running(account models.AccountKey) bool
}

type Service struct {
	store      store.Store
	scanner    Scanner
	dispatcher Dispatcher
	documents  documents.Verifier
	tracker    *automation.Tracker
	logger     *zap.Logger
}

func New(st store.Store, scanner Scanner, dispatcher Dispatcher, docs documents.Verifier, tracker *automation.Tracker, logger *zap.Logger) *Service {
	if docs == nil {
		docs = documents.Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      st,
		scanner:    scanner,
		dispatcher: dispatcher,
		documents:  docs,
		tracker:    tracker,
		logger:     logger.Named("service"),
	}
}

type CampaignRequest struct {
	Name             string                  `json:"name"`
	Platform         models.Platform         `json:"platform"`
	Locations        []string                `json:"locations"`
	Monitoring       models.MonitoringRules  `json:"monitoring"`
	Engagement       models.EngagementRules  `json:"engagement"`
	Schedule         models.ScheduleSettings `json:"schedule"`
	AI               models.AISettings       `json:"ai"`
	PlatformSettings models.PlatformSettings `json:"platformSettings"`
}

// CreateCampaign validates the request and stores a draft campaign.
func (s *Service) CreateCampaign(ctx context.Context, owner string, req CampaignRequest) (models.Campaign, error) {
	c := models.Campaign{
		Owner:            owner,
		Name:             strings.TrimSpace(req.Name),
		Platform:         req.Platform,
		Locations:        append([]string(nil), req.Locations...),
		Monitoring:       req.Monitoring,
		Engagement:       req.Engagement,
		Schedule:         req.Schedule,
		AI:               req.AI,
		PlatformSettings: req.PlatformSettings,
		Status:           models.CampaignDraft,
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return models.Campaign{}, err
	}
	created, err := s.store.CreateCampaign(ctx, c)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	s.logger.Info("campaign created", zap.String("campaign_id", created.ID.String()), zap.String("owner", owner))
	return created, nil
}

// GetCampaign reports campaigns of other owners as not found.
func (s *Service) GetCampaign(ctx context.Context, owner string, id uuid.UUID) (models.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return models.Campaign{}, err
	}
	if c.Owner != owner {
		return models.Campaign{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Service) ListCampaigns(ctx context.Context, owner string) ([]models.Campaign, error) {
	return s.store.ListCampaigns(ctx, store.CampaignFilter{Owner: owner})
}

// TransitionCampaign moves a campaign along draft -> active <-> paused -> completed.
func (s *Service) TransitionCampaign(ctx context.Context, owner string, id uuid.UUID, to models.CampaignStatus) (models.Campaign, error) {
	c, err := s.GetCampaign(ctx, owner, id)
	if err != nil {
		return models.Campaign{}, err
	}
	if !to.Valid() {
		return models.Campaign{}, &models.ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", to)}}
	}
	if !c.Status.CanTransitionTo(to) {
		return models.Campaign{}, fmt.Errorf("%w: campaign %s cannot go from %s to %s", models.ErrInvalidTransition, id, c.Status, to)
	}
	updated, err := s.store.UpdateCampaignStatus(ctx, id, c.Status, to)
	if errors.Is(err, store.ErrConflict) {
		return models.Campaign{}, fmt.Errorf("%w: campaign %s changed concurrently", models.ErrInvalidTransition, id)
	}
	if err != nil {
		return models.Campaign{}, err
	}
	s.logger.Info("campaign status changed",
		zap.String("campaign_id", id.String()),
		zap.String("from", string(c.Status)),
		zap.String("to", string(to)))
	if to == models.CampaignActive && updated.DispatchEnabled {
		s.dispatcher.Ensure(updated.Account())
	}
	return updated, nil
}

// TriggerScan runs discovery for the campaign now and returns the per-location report.
func (s *Service) TriggerScan(ctx context.Context, owner string, id uuid.UUID, platform models.Platform) (discovery.Report, error) {
	c, err := s.GetCampaign(ctx, owner, id)
	if err != nil {
		return discovery.Report{}, err
	}
	if platform != "" && platform != c.Platform {
		return discovery.Report{}, &models.ValidationError{Problems: []string{
			fmt.Sprintf("campaign %s targets %s, not %s", id, c.Platform, platform),
		}}
	}
	if c.Status != models.CampaignActive {
		return discovery.Report{}, fmt.Errorf("%w: only active campaigns are scanned, %s is %s", models.ErrInvalidTransition, id, c.Status)
	}
	return s.scanner.Scan(ctx, c)
}

func (s *Service) ListItems(ctx context.Context, owner string, id uuid.UUID, status models.ItemStatus, limit, offset int) ([]models.DiscoveredItem, error) {
	if _, err := s.GetCampaign(ctx, owner, id); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, &models.ValidationError{Problems: []string{fmt.Sprintf("unknown item status %q", status)}}
	}
	return s.store.ListItems(ctx, store.ItemFilter{CampaignID: id, Status: status, Limit: limit, Offset: offset})
}

// DeleteItem removes a discovered item on explicit user request. Responses drafted for
// it are left alone.
func (s *Service) DeleteItem(ctx context.Context, owner string, campaignID, itemID uuid.UUID) error {
	if _, err := s.GetCampaign(ctx, owner, campaignID); err != nil {
		return err
	}
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.CampaignID != campaignID {
		return store.ErrNotFound
	}
	return s.store.DeleteItem(ctx, itemID)
}

func (s *Service) ListResponses(ctx context.Context, owner string, id uuid.UUID, status models.ResponseStatus, limit, offset int) ([]models.CandidateResponse, error) {
	if _, err := s.GetCampaign(ctx, owner, id); err != nil {
		return nil, err
	}
	return s.store.ListResponses(ctx, store.ResponseFilter{CampaignID: id, Status: status, Limit: limit, Offset: offset})
}

// AttachDocument records an uploaded business-context document after checking that the
// object exists.
func (s *Service) AttachDocument(ctx context.Context, owner string, id uuid.UUID, bucket, key string) (models.Campaign, error) {
	c, err := s.GetCampaign(ctx, owner, id)
	if err != nil {
		return models.Campaign{}, err
	}
	if c.Status == models.CampaignCompleted {
		return models.Campaign{}, fmt.Errorf("%w: campaign %s is completed", models.ErrInvalidTransition, id)
	}
	bucket, key = strings.TrimSpace(bucket), strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return models.Campaign{}, &models.ValidationError{Problems: []string{"key required"}}
	}
	ref, err := s.documents.Verify(ctx, bucket, key)
	if err != nil {
		return models.Campaign{}, err
	}
	return s.store.AddCampaignDocument(ctx, id, ref)
}

// StartDispatch lets the scheduler post the campaign's approved responses.
func (s *Service) StartDispatch(ctx context.Context, owner string, id uuid.UUID) (models.AutomationStatus, error) {
	c, err := s.setDispatch(ctx, owner, id, true)
	if err != nil {
		return models.AutomationStatus{}, err
	}
	if c.Status == models.CampaignActive {
		s.dispatcher.Ensure(c.Account())
	}
	return s.status(c), nil
}

// StopDispatch removes the campaign from dispatch. A reply already being sent completes.
func (s *Service) StopDispatch(ctx context.Context, owner string, id uuid.UUID) (models.AutomationStatus, error) {
	c, err := s.setDispatch(ctx, owner, id, false)
	if err != nil {
		return models.AutomationStatus{}, err
	}
	return s.status(c), nil
}

func (s *Service) setDispatch(ctx context.Context, owner string, id uuid.UUID, enabled bool) (models.Campaign, error) {
	c, err := s.GetCampaign(ctx, owner, id)
	if err != nil {
		return models.Campaign{}, err
	}
	if enabled && c.Status == models.CampaignCompleted {
		return models.Campaign{}, fmt.Errorf("%w: campaign %s is completed", models.ErrInvalidTransition, id)
	}
	return s.store.SetDispatchEnabled(ctx, id, enabled)
}

func (s *Service) AutomationStatus(ctx context.Context, owner string, id uuid.UUID) (models.AutomationStatus, error) {
	c, err := s.GetCampaign(ctx, owner, id)
	if err != nil {
		return models.AutomationStatus{}, err
	}
	return s.status(c), nil
}

func (s *Service) status(c models.Campaign) models.AutomationStatus {
	return models.AutomationStatus{
		CampaignID:        c.ID,
		Status:            c.Status,
		DiscoveryRunning:  s.tracker.Running(c.ID, automation.Discovery),
		GenerationRunning: s.tracker.Running(c.ID, automation.Generation),
		PostingRunning:    s.tracker.Running(c.ID, automation.Posting),
		SchedulerRunning:  c.Status == models.CampaignActive && c.DispatchEnabled && s.dispatcher.Running(c.Account()),
	}
}
