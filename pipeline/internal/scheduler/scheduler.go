// Package scheduler publishes approved responses. Each (owner, platform) account gets
// exactly one dispatch worker, shared by every campaign posting through that account, so
// the account's cooldown, hourly ceiling and platform rate limits are enforced in one
// place. Across replicas the store's account lock serializes dispatch, and each worker
// reloads the account's post history under that lock before posting.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/documents"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/events"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

const (
	defaultTick          = 30 * time.Second
	defaultCooldownFloor = 2 * time.Minute
	defaultCallTimeout   = 30 * time.Second
	defaultBackoffFloor  = 30 * time.Second
	defaultBackoffMax    = 15 * time.Minute
	defaultAuthBackoff   = 15 * time.Minute
)

type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error)
	ListCampaigns(ctx context.Context, filter store.CampaignFilter) ([]models.Campaign, error)
	ListDispatchable(ctx context.Context, account models.AccountKey) ([]models.CandidateResponse, error)
	GetResponse(ctx context.Context, id uuid.UUID) (models.CandidateResponse, error)
	ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (models.CandidateResponse, error)
	ClearDispatchAttempt(ctx context.Context, id uuid.UUID) error
	TryLockAccount(ctx context.Context, account models.AccountKey) (release func(), ok bool, err error)
	RecordDispatchFailure(ctx context.Context, id uuid.UUID, reason string, hold bool) error
	MarkPosted(ctx context.Context, id uuid.UUID, platformReplyID string, at time.Time) (models.CandidateResponse, error)
	ListPostedSince(ctx context.Context, account models.AccountKey, since time.Time) ([]time.Time, error)
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus) (models.DiscoveredItem, error)
}

type AdapterSource interface {
	Get(p models.Platform) (platform.Adapter, error)
}

type Config struct {
	// Tick is how often an idle worker looks for work and how often Run resyncs workers
	// with the campaigns that have dispatch enabled.
	Tick          time.Duration
	CooldownFloor time.Duration
	// CallTimeout bounds a single adapter call.
	CallTimeout  time.Duration
	BackoffFloor time.Duration
	BackoffMax   time.Duration
	AuthBackoff  time.Duration

	Publisher events.Publisher
	Archiver  documents.Archiver
	Tracker   *automation.Tracker
	Clock     Clock
	// Rand returns a value in [0,1) for delay randomization.
	Rand   func() float64
	Logger *zap.Logger
}

type Scheduler struct {
	store    Store
	adapters AdapterSource
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers map[models.AccountKey]*worker
	wg      sync.WaitGroup
}

func New(st Store, adapters AdapterSource, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.CooldownFloor <= 0 {
		cfg.CooldownFloor = defaultCooldownFloor
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.AuthBackoff <= 0 {
		cfg.AuthBackoff = defaultAuthBackoff
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Archiver == nil {
		cfg.Archiver = documents.Disabled{}
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		store:    st,
		adapters: adapters,
		cfg:      cfg,
		logger:   cfg.Logger.Named("scheduler"),
		workers:  make(map[models.AccountKey]*worker),
	}
}

// Run keeps one worker alive per account that has an active, dispatch-enabled campaign
// until ctx ends, then waits for the workers to finish their in-flight dispatch.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for {
		s.resync(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.cfg.Clock.After(s.cfg.Tick):
		}
	}
}

func (s *Scheduler) resync(ctx context.Context) {
	campaigns, err := s.store.ListCampaigns(ctx, store.CampaignFilter{Statuses: []models.CampaignStatus{models.CampaignActive}})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list campaigns for dispatch", zap.Error(err))
		}
		return
	}
	for _, c := range campaigns {
		if c.DispatchEnabled {
			s.Ensure(c.Account())
		}
	}
}

// Ensure starts the account's worker if it is not running and wakes it otherwise. It is
// a no-op before Run.
func (s *Scheduler) Ensure(account models.AccountKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if w, ok := s.workers[account]; ok {
		w.kicked = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return
	}
	w := s.newWorker(account)
	s.workers[account] = w
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(ctx)
	}()
}

// Running reports whether the account currently has a dispatch worker.
func (s *Scheduler) Running(account models.AccountKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[account]
	return ok
}

// retire removes w unless Ensure asked it to keep going since its last check.
func (s *Scheduler) retire(w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.kicked && s.ctx.Err() == nil {
		w.kicked = false
		return false
	}
	delete(s.workers, w.account)
	return true
}
