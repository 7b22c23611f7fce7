// Package generation drafts replies for newly discovered items and hands them to
// moderation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/generator"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/moderation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

var ErrNotActive = errors.New("campaign is not active")

const (
	defaultConcurrency = 4
	defaultTimeout     = 45 * time.Second
	defaultBatch       = 50
)

type Store interface {
	ListItems(ctx context.Context, filter store.ItemFilter) ([]models.DiscoveredItem, error)
	ListResponses(ctx context.Context, filter store.ResponseFilter) ([]models.CandidateResponse, error)
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus) (models.DiscoveredItem, error)
}

type Submitter interface {
	Submit(ctx context.Context, item models.DiscoveredItem, d moderation.Draft) (models.CandidateResponse, error)
}

type Config struct {
	Concurrency int
	// Timeout bounds one generator call.
	Timeout time.Duration
	// Batch caps the items drafted per run; the rest wait for the next run.
	Batch   int
	Tracker *automation.Tracker
	Logger  *zap.Logger
}

type Report struct {
	CampaignID   uuid.UUID `json:"campaignId"`
	Examined     int       `json:"examined"`
	Submitted    int       `json:"submitted"`
	AutoApproved int       `json:"autoApproved"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
}

type Worker struct {
	store     Store
	generator generator.Generator
	queue     Submitter
	cfg       Config
	logger    *zap.Logger
}

func NewWorker(st Store, gen generator.Generator, queue Submitter, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{store: st, generator: gen, queue: queue, cfg: cfg, logger: logger.Named("generation")}
}

// Run drafts a reply for each new item of the campaign and submits it for review. Items
// that already have a live response are only marked reviewed. A failed draft leaves the
// item new so the next run retries it.
func (w *Worker) Run(ctx context.Context, c models.Campaign) (Report, error) {
	report := Report{CampaignID: c.ID}
	if c.Status != models.CampaignActive {
		return report, fmt.Errorf("%w: %s is %s", ErrNotActive, c.ID, c.Status)
	}
	end := w.cfg.Tracker.Begin(c.ID, automation.Generation)
	defer end()

	items, err := w.store.ListItems(ctx, store.ItemFilter{CampaignID: c.ID, Status: models.ItemNew, Limit: w.cfg.Batch})
	if err != nil {
		return report, fmt.Errorf("list new items: %w", err)
	}
	logger := w.logger.With(zap.String("campaign_id", c.ID.String()))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			res := w.process(gctx, logger, c, item)
			mu.Lock()
			defer mu.Unlock()
			report.Examined++
			switch res {
			case resultSubmitted:
				report.Submitted++
			case resultAutoApproved:
				report.Submitted++
				report.AutoApproved++
			case resultSkipped:
				report.Skipped++
			case resultFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}
	logger.Info("generation finished",
		zap.Int("examined", report.Examined),
		zap.Int("submitted", report.Submitted),
		zap.Int("auto_approved", report.AutoApproved),
		zap.Int("failed", report.Failed))
	return report, nil
}

type result int

const (
	resultSkipped result = iota
	resultSubmitted
	resultAutoApproved
	resultFailed
)

func (w *Worker) process(ctx context.Context, logger *zap.Logger, c models.Campaign, item models.DiscoveredItem) result {
	logger = logger.With(zap.String("item_id", item.ID.String()))
	existing, err := w.store.ListResponses(ctx, store.ResponseFilter{ItemID: item.ID})
	if err != nil {
		logger.Warn("list responses for item", zap.Error(err))
		return resultFailed
	}
	for _, r := range existing {
		if r.Status != models.ResponseRejected {
			w.markReviewed(ctx, logger, item)
			return resultSkipped
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	draft, err := w.generator.Generate(callCtx, generator.Request{
		Item:       item,
		Engagement: c.Engagement,
		Documents:  c.Documents,
	})
	cancel()
	if err != nil {
		logger.Warn("generate reply", zap.Error(err))
		return resultFailed
	}
	priority := draft.Priority
	if priority == "" {
		priority = PriorityForScore(item.Score)
	}
	r, err := w.queue.Submit(ctx, item, moderation.Draft{
		Text:       generator.Truncate(draft.Text, c.Engagement.MaxLength),
		Confidence: draft.Confidence,
		Sentiment:  draft.Sentiment,
		Priority:   priority,
	})
	if err != nil {
		logger.Warn("submit reply for review", zap.Error(err))
		return resultFailed
	}
	w.markReviewed(ctx, logger, item)
	if r.Status == models.ResponseApproved {
		return resultAutoApproved
	}
	return resultSubmitted
}

func (w *Worker) markReviewed(ctx context.Context, logger *zap.Logger, item models.DiscoveredItem) {
	if _, err := w.store.UpdateItemStatus(ctx, item.ID, models.ItemReviewed); err != nil {
		logger.Warn("mark item reviewed", zap.Error(err))
	}
}

// PriorityForScore ranks an item by its platform score when the generator gives no
// priority.
func PriorityForScore(score int) models.Priority {
	switch {
	case score >= 100:
		return models.PriorityHigh
	case score >= 20:
		return models.PriorityMedium
	}
	return models.PriorityLow
}
