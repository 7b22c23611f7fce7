package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/events"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/metrics"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/vault"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePosted
	outcomeHeld
	// outcomeStop ends the tick; the account waits for notBefore.
	outcomeStop
)

// worker serializes every write for one account. Its fields other than kicked are
// only touched by the worker goroutine.
type worker struct {
	s       *Scheduler
	account models.AccountKey
	logger  *zap.Logger
	wake    chan struct{}
	kicked  bool // guarded by s.mu

	seeded    bool
	posted    []time.Time
	notBefore time.Time
	failures  int
}

func (s *Scheduler) newWorker(account models.AccountKey) *worker {
	return &worker{
		s:       s,
		account: account,
		logger:  s.logger.With(zap.String("owner", account.Owner), zap.String("platform", string(account.Platform))),
		wake:    make(chan struct{}, 1),
	}
}

func (w *worker) run(ctx context.Context) {
	metrics.DispatchWorkers.Inc()
	defer metrics.DispatchWorkers.Dec()
	w.logger.Info("dispatch worker started")
	defer w.logger.Info("dispatch worker stopped")

	for {
		w.s.mu.Lock()
		w.kicked = false
		w.s.mu.Unlock()

		wait, active := w.tick(ctx)
		if ctx.Err() != nil {
			w.s.retire(w)
			return
		}
		if !active {
			if w.s.retire(w) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			w.s.retire(w)
			return
		case <-w.wake:
		case <-w.s.cfg.Clock.After(wait):
		}
	}
}

// participants are the account's campaigns that currently take part in dispatch.
func (w *worker) participants(ctx context.Context) (map[uuid.UUID]models.Campaign, []models.Campaign, error) {
	all, err := w.s.store.ListCampaigns(ctx, store.CampaignFilter{
		Owner:    w.account.Owner,
		Statuses: []models.CampaignStatus{models.CampaignActive},
	})
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[uuid.UUID]models.Campaign)
	var list []models.Campaign
	for _, c := range all {
		if c.Platform != w.account.Platform || !c.DispatchEnabled {
			continue
		}
		byID[c.ID] = c
		list = append(list, c)
	}
	return byID, list, nil
}

// tick dispatches at most one batch and returns how long to wait before the next one.
// active is false once no campaign on the account participates in dispatch.
func (w *worker) tick(ctx context.Context) (time.Duration, bool) {
	clock := w.s.cfg.Clock
	byID, campaigns, err := w.participants(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("load dispatch campaigns", zap.Error(err))
		}
		return w.s.cfg.Tick, true
	}
	if len(campaigns) == 0 {
		return 0, false
	}
	lim := strictest(campaigns)
	now := clock.Now()
	if !w.seeded {
		if err := w.seed(ctx, lim, now); err != nil {
			w.logger.Error("load recent posts", zap.Error(err))
			return w.s.cfg.Tick, true
		}
	}
	if wait := w.notBefore.Sub(now); wait > 0 {
		return wait, true
	}

	queue, err := w.s.store.ListDispatchable(ctx, w.account)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("list dispatchable responses", zap.Error(err))
		}
		return w.s.cfg.Tick, true
	}

	dispatched := 0
	for _, r := range queue {
		if dispatched >= lim.batchSize || ctx.Err() != nil {
			break
		}
		c, ok := byID[r.CampaignID]
		if !ok || !withinActiveWindow(c.Schedule, now) {
			continue
		}
		if wait := w.hourlyWait(lim, now); wait > 0 {
			return wait, true
		}
		if wait := w.notBefore.Sub(now); wait > 0 {
			select {
			case <-ctx.Done():
				return 0, true
			case <-clock.After(wait):
			}
			now = clock.Now()
			if !withinActiveWindow(c.Schedule, now) {
				continue
			}
		}

		// The campaign may have been paused or stopped since the tick began.
		c, err = w.s.store.GetCampaign(ctx, c.ID)
		if err != nil || c.Status != models.CampaignActive || !c.DispatchEnabled {
			delete(byID, r.CampaignID)
			continue
		}

		res := w.dispatch(ctx, c, r, lim)
		now = clock.Now()
		switch res {
		case outcomePosted:
			dispatched++
		case outcomeStop:
			return w.untilNext(now), true
		}
	}
	return w.untilNext(now), true
}

func (w *worker) untilNext(now time.Time) time.Duration {
	wait := w.s.cfg.Tick
	if d := w.notBefore.Sub(now); d > wait {
		wait = d
	}
	return wait
}

func (w *worker) seed(ctx context.Context, lim limits, now time.Time) error {
	times, err := w.s.store.ListPostedSince(ctx, w.account, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	w.absorb(times, lim)
	w.seeded = true
	return nil
}

// absorb folds the account's recorded posts into the worker's pacing state. Posts made
// by another process show up here before this worker dispatches again.
func (w *worker) absorb(times []time.Time, lim limits) {
	if len(times) > len(w.posted) {
		w.posted = times
	}
	if n := len(times); n > 0 {
		if next := times[n-1].Add(lim.interval(w.s.cfg.CooldownFloor, nil)); next.After(w.notBefore) {
			w.notBefore = next
		}
	}
}

// hourlyWait prunes posts older than an hour and returns how long until the account
// may post again under its hourly ceiling.
func (w *worker) hourlyWait(lim limits, now time.Time) time.Duration {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(w.posted) && !w.posted[i].After(cutoff) {
		i++
	}
	w.posted = w.posted[i:]
	if lim.postsPerHour <= 0 || len(w.posted) < lim.postsPerHour {
		return 0
	}
	return w.posted[0].Add(time.Hour).Sub(now)
}

func (w *worker) dispatch(ctx context.Context, c models.Campaign, r models.CandidateResponse, lim limits) outcome {
	adapter, err := w.s.adapters.Get(r.Platform)
	if err != nil {
		w.logger.Error("no adapter for platform", zap.Error(err))
		w.notBefore = w.s.cfg.Clock.Now().Add(w.s.cfg.AuthBackoff)
		return outcomeStop
	}
	logger := w.logger.With(zap.String("campaign_id", c.ID.String()), zap.String("response_id", r.ID.String()))
	// Once a reply is attempted it runs to completion and its result is recorded, even
	// if the campaign is paused or the service shuts down meanwhile.
	committed := context.WithoutCancel(ctx)

	release, ok, err := w.s.store.TryLockAccount(committed, w.account)
	if err != nil {
		logger.Error("lock account for dispatch", zap.Error(err))
		w.notBefore = w.s.cfg.Clock.Now().Add(w.backoff())
		return outcomeStop
	}
	if !ok {
		logger.Debug("account is dispatching in another process")
		return outcomeStop
	}
	defer release()

	now := w.s.cfg.Clock.Now()
	times, err := w.s.store.ListPostedSince(committed, w.account, now.Add(-time.Hour))
	if err != nil {
		logger.Error("load recent posts", zap.Error(err))
		return outcomeStop
	}
	w.absorb(times, lim)
	if w.notBefore.After(now) {
		return outcomeStop
	}
	if wait := w.hourlyWait(lim, now); wait > 0 {
		w.notBefore = now.Add(wait)
		return outcomeStop
	}

	if r.DispatchAttemptedAt != nil {
		cur, err := w.s.store.GetResponse(committed, r.ID)
		if errors.Is(err, store.ErrNotFound) {
			return outcomeSkipped
		}
		if err != nil {
			logger.Error("reload response", zap.Error(err))
			w.notBefore = now.Add(w.backoff())
			return outcomeStop
		}
		if cur.Status != models.ResponseApproved || cur.DispatchHold {
			return outcomeSkipped
		}
		r = cur
	}

	end := w.s.cfg.Tracker.Begin(c.ID, automation.Posting)
	defer end()

	if r.DispatchAttemptedAt != nil {
		callCtx, cancel := context.WithTimeout(committed, w.s.cfg.CallTimeout)
		replyID, found, err := adapter.FindReply(callCtx, r.Owner, r.TargetID, r.FinalText())
		cancel()
		if err != nil {
			logger.Warn("check earlier dispatch attempt", zap.Error(err))
			return w.lookupFailed(committed, r, err)
		}
		if found {
			logger.Info("earlier dispatch attempt already posted", zap.String("platform_reply_id", replyID))
			return w.complete(committed, logger, r, replyID, lim)
		}
	} else {
		// The claim returns the row as it stands now: text edited or a hold placed while
		// the worker waited out the cooldown is what gets posted or skipped.
		claimed, err := w.s.store.ClaimDispatch(committed, r.ID, now.UTC())
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				return outcomeSkipped
			}
			logger.Error("record dispatch attempt", zap.Error(err))
			w.notBefore = now.Add(w.backoff())
			return outcomeStop
		}
		r = claimed
	}

	callCtx, cancel := context.WithTimeout(committed, w.s.cfg.CallTimeout)
	replyID, err := adapter.Reply(callCtx, r.Owner, r.TargetID, r.FinalText())
	cancel()
	if err != nil {
		return w.replyFailed(committed, logger, r, err, lim)
	}
	return w.complete(committed, logger, r, replyID, lim)
}

func (w *worker) complete(ctx context.Context, logger *zap.Logger, r models.CandidateResponse, replyID string, lim limits) outcome {
	at := w.s.cfg.Clock.Now().UTC()
	w.posted = append(w.posted, at)
	w.notBefore = at.Add(lim.interval(w.s.cfg.CooldownFloor, w.s.cfg.Rand))
	w.failures = 0

	posted, err := w.s.store.MarkPosted(ctx, r.ID, replyID, at)
	if err != nil {
		// The attempt marker stays set, so the next attempt finds this reply instead of
		// posting it again.
		logger.Error("record posted reply", zap.String("platform_reply_id", replyID), zap.Error(err))
		metrics.Dispatches.WithLabelValues(string(r.Platform), "record_failed").Inc()
		return outcomeStop
	}
	metrics.Dispatches.WithLabelValues(string(r.Platform), "posted").Inc()
	logger.Info("reply posted", zap.String("platform_reply_id", replyID))

	if _, err := w.s.store.UpdateItemStatus(ctx, r.ItemID, models.ItemResponded); err != nil {
		logger.Warn("mark item responded", zap.Error(err))
	}
	w.publish(ctx, events.ForResponse(events.ResponsePosted, posted, map[string]interface{}{
		"platformReplyId": replyID,
	}))
	if key, err := w.s.cfg.Archiver.ArchiveReply(ctx, posted); err != nil {
		logger.Warn("archive posted reply", zap.Error(err))
	} else if key != "" {
		logger.Debug("archived posted reply", zap.String("key", key))
	}
	return outcomePosted
}

// replyFailed handles a failed reply call. Outcomes known not to have posted clear the
// attempt marker; anything ambiguous keeps it so the next attempt looks before posting.
func (w *worker) replyFailed(ctx context.Context, logger *zap.Logger, r models.CandidateResponse, err error, lim limits) outcome {
	now := w.s.cfg.Clock.Now()
	kind := kindOf(err)
	metrics.Dispatches.WithLabelValues(string(r.Platform), kind).Inc()
	logger = logger.With(zap.String("kind", kind), zap.Error(err))

	switch kind {
	case "auth_invalid":
		logger.Error("dispatch refused: account authorization invalid")
		w.clearAttempt(ctx, logger, r)
		w.recordFailure(ctx, logger, r, err, false)
		w.notBefore = now.Add(w.s.cfg.AuthBackoff)
		w.publish(ctx, events.ForResponse(events.AlertAuthInvalid, r, map[string]interface{}{"error": err.Error()}))
		return outcomeStop
	case "rate_limited":
		logger.Warn("dispatch rate limited")
		w.clearAttempt(ctx, logger, r)
		w.recordFailure(ctx, logger, r, err, false)
		w.pushRateLimit(now, err)
		return outcomeStop
	case "rejected":
		logger.Warn("dispatch rejected by platform, holding response")
		w.clearAttempt(ctx, logger, r)
		w.recordFailure(ctx, logger, r, err, true)
		w.notBefore = now.Add(lim.interval(w.s.cfg.CooldownFloor, w.s.cfg.Rand))
		w.publish(ctx, events.ForResponse(events.AlertDispatchRejected, r, map[string]interface{}{"error": err.Error()}))
		return outcomeHeld
	default:
		logger.Warn("dispatch failed, will verify before retrying")
		w.recordFailure(ctx, logger, r, err, false)
		w.failures++
		w.notBefore = now.Add(w.backoff())
		return outcomeStop
	}
}

// lookupFailed handles a failed check for an earlier attempt. The marker always stays.
func (w *worker) lookupFailed(ctx context.Context, r models.CandidateResponse, err error) outcome {
	now := w.s.cfg.Clock.Now()
	kind := kindOf(err)
	metrics.Dispatches.WithLabelValues(string(r.Platform), "lookup_"+kind).Inc()
	switch kind {
	case "auth_invalid":
		w.notBefore = now.Add(w.s.cfg.AuthBackoff)
		w.publish(ctx, events.ForResponse(events.AlertAuthInvalid, r, map[string]interface{}{"error": err.Error()}))
	case "rate_limited":
		w.pushRateLimit(now, err)
	default:
		w.failures++
		w.notBefore = now.Add(w.backoff())
	}
	return outcomeStop
}

// pushRateLimit delays the whole account by the platform's retry-after.
func (w *worker) pushRateLimit(now time.Time, err error) {
	d, ok := platform.RetryAfter(err)
	if !ok {
		d = w.backoff()
	}
	if until := now.Add(d); until.After(w.notBefore) {
		w.notBefore = until
	}
}

func (w *worker) backoff() time.Duration {
	d := w.s.cfg.BackoffFloor
	for i := 1; i < w.failures; i++ {
		d *= 2
		if d >= w.s.cfg.BackoffMax {
			return w.s.cfg.BackoffMax
		}
	}
	return d
}

func (w *worker) clearAttempt(ctx context.Context, logger *zap.Logger, r models.CandidateResponse) {
	if err := w.s.store.ClearDispatchAttempt(ctx, r.ID); err != nil {
		logger.Warn("clear dispatch attempt", zap.Error(err))
	}
}

func (w *worker) recordFailure(ctx context.Context, logger *zap.Logger, r models.CandidateResponse, err error, hold bool) {
	if rerr := w.s.store.RecordDispatchFailure(ctx, r.ID, err.Error(), hold); rerr != nil {
		logger.Warn("record dispatch failure", zap.Error(rerr))
	}
}

func (w *worker) publish(ctx context.Context, ev events.Event) {
	if err := w.s.cfg.Publisher.Publish(ctx, ev); err != nil {
		w.logger.Warn("publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// kindOf extends platform.Kind with credential failures raised before the platform was
// reached.
func kindOf(err error) string {
	switch {
	case errors.Is(err, vault.ErrNotAuthenticated),
		errors.Is(err, vault.ErrTokenExpired),
		errors.Is(err, vault.ErrRefreshDenied),
		errors.Is(err, vault.ErrNoAppCredentials):
		return "auth_invalid"
	}
	return platform.Kind(err)
}
