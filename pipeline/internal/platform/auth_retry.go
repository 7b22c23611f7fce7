package platform

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

// Refresher forces a token refresh for an owner's platform account.
type Refresher interface {
	Refresh(ctx context.Context, owner string, platform models.Platform) (string, error)
}

// WithAuthRetry wraps next so that an ErrAuthInvalid result triggers one credential
// refresh followed by exactly one retry. A second ErrAuthInvalid is returned as is.
func WithAuthRetry(next Adapter, refresher Refresher, logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &authRetry{next: next, refresher: refresher, logger: logger}
}

type authRetry struct {
	next      Adapter
	refresher Refresher
	logger    *zap.Logger
}

func (a *authRetry) Platform() models.Platform { return a.next.Platform() }

func (a *authRetry) ListCandidates(ctx context.Context, owner, location string, filter ListFilter, cursor string) (Page, error) {
	return withRefresh(ctx, a, owner, func() (Page, error) {
		return a.next.ListCandidates(ctx, owner, location, filter, cursor)
	})
}

func (a *authRetry) Vote(ctx context.Context, owner, itemID string, dir Direction) error {
	_, err := withRefresh(ctx, a, owner, func() (struct{}, error) {
		return struct{}{}, a.next.Vote(ctx, owner, itemID, dir)
	})
	return err
}

func (a *authRetry) Reply(ctx context.Context, owner, itemID, text string) (string, error) {
	return withRefresh(ctx, a, owner, func() (string, error) {
		return a.next.Reply(ctx, owner, itemID, text)
	})
}

func (a *authRetry) FindReply(ctx context.Context, owner, itemID, text string) (string, bool, error) {
	type found struct {
		id string
		ok bool
	}
	res, err := withRefresh(ctx, a, owner, func() (found, error) {
		id, ok, err := a.next.FindReply(ctx, owner, itemID, text)
		return found{id, ok}, err
	})
	return res.id, res.ok, err
}

func withRefresh[T any](ctx context.Context, a *authRetry, owner string, call func() (T, error)) (T, error) {
	out, err := call()
	if !errors.Is(err, ErrAuthInvalid) {
		return out, err
	}
	a.logger.Info("access token refused, refreshing",
		zap.String("owner", owner),
		zap.String("platform", string(a.next.Platform())))
	if _, rerr := a.refresher.Refresh(ctx, owner, a.next.Platform()); rerr != nil {
		var zero T
		return zero, fmt.Errorf("%w: refresh failed: %w", ErrAuthInvalid, rerr)
	}
	return call()
}
