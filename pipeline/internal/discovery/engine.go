// Package discovery pulls candidate content for a campaign, filters it with the
// campaign's monitoring rules and stores each new item exactly once.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/fingerprint"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/metrics"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

var ErrNotActive = errors.New("campaign is not active")

// ItemStore is the compare-and-insert the engine relies on: InsertItem must return
// store.ErrDuplicate when the campaign already holds the platform id or the content
// fingerprint, so a cross-post under another id is counted as a duplicate.
type ItemStore interface {
	InsertItem(ctx context.Context, item models.DiscoveredItem) (models.DiscoveredItem, error)
}

type AdapterSource interface {
	Get(p models.Platform) (platform.Adapter, error)
}

type LocationReport struct {
	Location   string   `json:"location"`
	Pages      int      `json:"pages"`
	Examined   int      `json:"examined"`
	Matched    int      `json:"matched"`
	Stored     int      `json:"stored"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors,omitempty"`
}

type Report struct {
	CampaignID uuid.UUID        `json:"campaignId"`
	Platform   models.Platform  `json:"platform"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Locations  []LocationReport `json:"locations"`
}

// Totals sums the per-location counters.
func (r Report) Totals() LocationReport {
	var t LocationReport
	for _, l := range r.Locations {
		t.Pages += l.Pages
		t.Examined += l.Examined
		t.Matched += l.Matched
		t.Stored += l.Stored
		t.Duplicates += l.Duplicates
		t.Errors = append(t.Errors, l.Errors...)
	}
	return t
}

type Config struct {
	// Concurrency bounds how many locations of one campaign are scanned at once.
	Concurrency int
	Retry       platform.RetryPolicy
	Tracker     *automation.Tracker
	Logger      *zap.Logger
}

type Engine struct {
	adapters    AdapterSource
	items       ItemStore
	concurrency int
	retry       failsafe.Executor[platform.Page]
	tracker     *automation.Tracker
	logger      *zap.Logger
	now         func() time.Time
}

func NewEngine(adapters AdapterSource, items ItemStore, cfg Config) *Engine {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = platform.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		adapters:    adapters,
		items:       items,
		concurrency: concurrency,
		retry:       platform.NewRetryExecutor[platform.Page](retry),
		tracker:     cfg.Tracker,
		logger:      logger.Named("discovery"),
		now:         time.Now,
	}
}

// Scan runs every location of an active campaign. A failing location is recorded in
// its report and does not stop the others.
func (e *Engine) Scan(ctx context.Context, c models.Campaign) (Report, error) {
	if c.Status != models.CampaignActive {
		return Report{}, ErrNotActive
	}
	adapter, err := e.adapters.Get(c.Platform)
	if err != nil {
		return Report{}, err
	}
	end := e.tracker.Begin(c.ID, automation.Discovery)
	defer end()
	report := Report{
		CampaignID: c.ID,
		Platform:   c.Platform,
		StartedAt:  e.now().UTC(),
		Locations:  make([]LocationReport, len(c.Locations)),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, loc := range c.Locations {
		g.Go(func() error {
			report.Locations[i] = e.scanLocation(gctx, adapter, c, loc)
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = e.now().UTC()

	t := report.Totals()
	e.logger.Info("scan finished",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("locations", len(c.Locations)),
		zap.Int("examined", t.Examined),
		zap.Int("stored", t.Stored),
		zap.Int("duplicates", t.Duplicates),
		zap.Int("errors", len(t.Errors)))
	return report, nil
}

func (e *Engine) scanLocation(ctx context.Context, adapter platform.Adapter, c models.Campaign, location string) LocationReport {
	rep := LocationReport{Location: location}
	opts := listOptions(c)
	log := e.logger.With(zap.String("campaign_id", c.ID.String()), zap.String("location", location))
	p := string(c.Platform)

	cursor := ""
	for rep.Pages < opts.maxPages {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err().Error())
			return rep
		}
		page, err := e.retry.WithContext(ctx).Get(func() (platform.Page, error) {
			return adapter.ListCandidates(ctx, c.Owner, location, opts.filter, cursor)
		})
		if err != nil {
			metrics.ScanErrors.WithLabelValues(p, platform.Kind(err)).Inc()
			log.Warn("list candidates failed", zap.Int("page", rep.Pages+1), zap.Error(err))
			rep.Errors = append(rep.Errors, err.Error())
			return rep
		}
		rep.Pages++
		now := e.now()
		stale := 0
		for _, cand := range page.Items {
			rep.Examined++
			keyword, ok := Match(c.Monitoring, cand, now)
			if !ok {
				if c.Monitoring.MaxAge.Duration > 0 && now.Sub(cand.CreatedAt) > c.Monitoring.MaxAge.Duration {
					stale++
				}
				continue
			}
			rep.Matched++
			_, err := e.items.InsertItem(ctx, toItem(c, location, cand, keyword))
			switch {
			case errors.Is(err, store.ErrDuplicate):
				rep.Duplicates++
			case err != nil:
				rep.Errors = append(rep.Errors, fmt.Sprintf("store %s: %v", cand.PlatformID, err))
				log.Error("store discovered item", zap.String("platform_id", cand.PlatformID), zap.Error(err))
			default:
				rep.Stored++
			}
		}
		// A chronological listing that has gone past maxAge has nothing newer to offer.
		if opts.chronological && len(page.Items) > 0 && stale == len(page.Items) {
			break
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	metrics.ScanItems.WithLabelValues(p, "examined").Add(float64(rep.Examined))
	metrics.ScanItems.WithLabelValues(p, "matched").Add(float64(rep.Matched))
	metrics.ScanItems.WithLabelValues(p, "stored").Add(float64(rep.Stored))
	metrics.ScanItems.WithLabelValues(p, "duplicate").Add(float64(rep.Duplicates))
	return rep
}

type scanOptions struct {
	filter        platform.ListFilter
	maxPages      int
	chronological bool
}

func listOptions(c models.Campaign) scanOptions {
	opts := scanOptions{
		filter: platform.ListFilter{
			Sort:           models.DefaultRedditSort,
			Limit:          models.DefaultRedditPageSize,
			NeedReputation: c.Monitoring.MinAuthorReputation > 0,
		},
		maxPages: models.DefaultRedditMaxPages,
	}
	if rs := c.PlatformSettings.Reddit; rs != nil {
		if rs.Sort != "" {
			opts.filter.Sort = rs.Sort
		}
		if rs.PageSize > 0 {
			opts.filter.Limit = rs.PageSize
		}
		if rs.MaxPages > 0 {
			opts.maxPages = rs.MaxPages
		}
	}
	opts.chronological = opts.filter.Sort == "new"
	return opts
}

func toItem(c models.Campaign, location string, cand platform.Candidate, keyword *string) models.DiscoveredItem {
	loc := cand.Location
	if loc == "" {
		loc = location
	}
	return models.DiscoveredItem{
		CampaignID:       c.ID,
		Platform:         c.Platform,
		PlatformID:       cand.PlatformID,
		Location:         loc,
		Author:           cand.Author,
		AuthorReputation: cand.AuthorReputation,
		Title:            cand.Title,
		Content:          cand.Content,
		URL:              cand.URL,
		Score:            cand.Score,
		CommentCount:     cand.CommentCount,
		CreatedAt:        cand.CreatedAt,
		MatchedKeyword:   keyword,
		Fingerprint:      contentFingerprint(cand),
		Status:           models.ItemNew,
	}
}

// contentFingerprint is empty for candidates with no text, which never collide.
func contentFingerprint(cand platform.Candidate) string {
	if fingerprint.Normalize(cand.Title) == "" && fingerprint.Normalize(cand.Content) == "" {
		return ""
	}
	return fingerprint.Content(cand.Title, cand.Content)
}
