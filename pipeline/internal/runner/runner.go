// Package runner drives discovery and generation for every active campaign on a fixed
// interval.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/discovery"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/generation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

type CampaignSource interface {
	ListCampaigns(ctx context.Context, filter store.CampaignFilter) ([]models.Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error)
}

type Scanner interface {
	Scan(ctx context.Context, c models.Campaign) (discovery.Report, error)
}

type Drafter interface {
	Run(ctx context.Context, c models.Campaign) (generation.Report, error)
}

type Config struct {
	PollInterval time.Duration
	// Concurrency bounds how many campaigns run at once.
	Concurrency int
	Logger      *zap.Logger
}

// Runner runs each active campaign as an independent task: a discovery scan followed by
// reply generation. A campaign whose previous run is still going is skipped.
type Runner struct {
	campaigns CampaignSource
	scanner   Scanner
	drafter   Drafter
	interval  time.Duration
	logger    *zap.Logger
	slots     chan struct{}

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
	wg       sync.WaitGroup
}

func New(campaigns CampaignSource, scanner Scanner, drafter Drafter, cfg Config) *Runner {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		campaigns: campaigns,
		scanner:   scanner,
		drafter:   drafter,
		interval:  interval,
		logger:    logger.Named("runner"),
		slots:     make(chan struct{}, concurrency),
		inflight:  make(map[uuid.UUID]bool),
	}
}

// Run starts a cycle every poll interval until ctx is cancelled, then waits for running
// campaigns to finish.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("start campaign runs", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

// RunOnce launches a run for every active campaign that is not already running and
// returns how many were started.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	campaigns, err := r.campaigns.ListCampaigns(ctx, store.CampaignFilter{
		Statuses: []models.CampaignStatus{models.CampaignActive},
	})
	if err != nil {
		return 0, err
	}
	started := 0
	for _, c := range campaigns {
		if !r.claim(c.ID) {
			continue
		}
		started++
		r.wg.Add(1)
		go func(c models.Campaign) {
			defer r.wg.Done()
			defer r.release(c.ID)
			select {
			case r.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-r.slots }()
			r.runCampaign(ctx, c)
		}(c)
	}
	return started, nil
}

// Wait blocks until every launched run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) claim(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Runner) release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

func (r *Runner) runCampaign(ctx context.Context, c models.Campaign) {
	logger := r.logger.With(zap.String("campaign_id", c.ID.String()))
	report, err := r.scanner.Scan(ctx, c)
	switch {
	case errors.Is(err, discovery.ErrNotActive):
		return
	case err != nil:
		logger.Error("scan campaign", zap.Error(err))
	default:
		totals := report.Totals()
		logger.Info("scan finished",
			zap.Int("examined", totals.Examined),
			zap.Int("stored", totals.Stored),
			zap.Int("duplicates", totals.Duplicates),
			zap.Int("errors", len(totals.Errors)))
	}
	if ctx.Err() != nil {
		return
	}
	// A scan can take minutes; generate only if the campaign is still active.
	c, err = r.campaigns.GetCampaign(ctx, c.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			logger.Error("reload campaign", zap.Error(err))
		}
		return
	}
	if c.Status != models.CampaignActive {
		logger.Info("campaign no longer active, skipping generation", zap.String("status", string(c.Status)))
		return
	}
	if _, err := r.drafter.Run(ctx, c); err != nil && !errors.Is(err, generation.ErrNotActive) && ctx.Err() == nil {
		logger.Error("generate replies", zap.Error(err))
	}
}
