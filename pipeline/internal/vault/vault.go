// Package vault owns platform credentials: app client pairs, the authorization-code
// flow and the access/refresh token lifecycle.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/metrics"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

var (
	ErrNotAuthenticated = errors.New("account not authenticated")
	ErrTokenExpired     = errors.New("access token expired and no refresh token is available")
	ErrRefreshDenied    = errors.New("platform denied token refresh")
	ErrStateMismatch    = errors.New("authorization state mismatch")
	ErrNoAppCredentials = errors.New("app credentials not configured")
)

const (
	defaultRefreshTimeout = 20 * time.Second
	// Tokens this close to expiry are refreshed ahead of use.
	expirySkew = 30 * time.Second
)

// CredentialStore is the persistence the vault needs.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred models.Credential) error
	GetCredential(ctx context.Context, owner string, platform models.Platform, kind models.CredentialKind) (models.Credential, error)
	DeleteCredentials(ctx context.Context, owner string, platform models.Platform, kinds ...models.CredentialKind) error
}

// IdentityFunc resolves the account name behind a fresh access token.
type IdentityFunc func(ctx context.Context, accessToken string) (string, error)

type Provider struct {
	AuthURL     string
	TokenURL    string
	RevokeURL   string
	RedirectURL string
	Scopes      []string
	UserAgent   string
	// AuthParams are appended to the authorization URL.
	AuthParams map[string]string
	Identify   IdentityFunc
}

type Config struct {
	Store          CredentialStore
	States         StateStore
	StateSecret    []byte
	StateTTL       time.Duration
	Providers      map[models.Platform]Provider
	HTTPClient     *http.Client
	RefreshTimeout time.Duration
	Logger         *zap.Logger
}

type Authorization struct {
	URL   string `json:"authorizationUrl"`
	State string `json:"state"`
}

type TokenBundle struct {
	Owner        string          `json:"owner"`
	Platform     models.Platform `json:"platform"`
	AccessToken  string          `json:"-"`
	RefreshToken string          `json:"-"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	Username     string          `json:"username,omitempty"`
}

type Vault struct {
	store          CredentialStore
	states         StateStore
	signer         *StateSigner
	stateTTL       time.Duration
	providers      map[models.Platform]Provider
	httpClient     *http.Client
	refreshTimeout time.Duration
	refreshes      singleflight.Group
	logger         *zap.Logger
	now            func() time.Time
}

func New(cfg Config) (*Vault, error) {
	if cfg.Store == nil {
		return nil, errors.New("credential store required")
	}
	signer, err := NewStateSigner(cfg.StateSecret, cfg.StateTTL)
	if err != nil {
		return nil, err
	}
	states := cfg.States
	if states == nil {
		states = NewMemoryStateStore()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		store:          cfg.Store,
		states:         states,
		signer:         signer,
		stateTTL:       signer.ttl,
		providers:      cfg.Providers,
		httpClient:     client,
		refreshTimeout: timeout,
		logger:         logger.Named("vault"),
		now:            time.Now,
	}, nil
}

func (v *Vault) StoreAppCredentials(ctx context.Context, owner string, platform models.Platform, clientID, clientSecret string) error {
	if _, err := v.provider(platform); err != nil {
		return err
	}
	clientID, clientSecret = strings.TrimSpace(clientID), strings.TrimSpace(clientSecret)
	if owner == "" || clientID == "" || clientSecret == "" {
		return &models.ValidationError{Problems: []string{"owner, clientId and clientSecret required"}}
	}
	now := v.now().UTC()
	for kind, value := range map[models.CredentialKind]string{
		models.CredentialClientID:     clientID,
		models.CredentialClientSecret: clientSecret,
	} {
		if err := v.store.PutCredential(ctx, models.Credential{
			Owner: owner, Platform: platform, Kind: kind, Value: value, IssuedAt: now,
		}); err != nil {
			return fmt.Errorf("store %s: %w", kind, err)
		}
	}
	return nil
}

// BeginAuthorization issues a new state for owner, invalidating any earlier one, and
// returns the platform consent URL.
func (v *Vault) BeginAuthorization(ctx context.Context, owner string, platform models.Platform) (Authorization, error) {
	cfg, err := v.oauthConfig(ctx, owner, platform)
	if err != nil {
		return Authorization{}, err
	}
	state, nonce, err := v.signer.Issue(owner, platform)
	if err != nil {
		return Authorization{}, err
	}
	if err := v.states.Put(ctx, owner, nonce, v.stateTTL); err != nil {
		return Authorization{}, err
	}
	p := v.providers[platform]
	opts := make([]oauth2.AuthCodeOption, 0, len(p.AuthParams))
	for k, val := range p.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, val))
	}
	return Authorization{URL: cfg.AuthCodeURL(state, opts...), State: state}, nil
}

// CompleteAuthorization exchanges code for tokens. The state must be the one most
// recently issued for its owner and can be used once.
func (v *Vault) CompleteAuthorization(ctx context.Context, code, state string) (TokenBundle, error) {
	owner, platform, nonce, err := v.signer.Parse(state)
	if err != nil {
		return TokenBundle{}, err
	}
	ok, err := v.states.Consume(ctx, owner, nonce)
	if err != nil {
		return TokenBundle{}, err
	}
	if !ok {
		return TokenBundle{}, fmt.Errorf("%w: not the most recent state for owner", ErrStateMismatch)
	}
	if strings.TrimSpace(code) == "" {
		return TokenBundle{}, &models.ValidationError{Problems: []string{"code required"}}
	}
	cfg, err := v.oauthConfig(ctx, owner, platform)
	if err != nil {
		return TokenBundle{}, err
	}
	tok, err := cfg.Exchange(v.clientContext(ctx, platform), code)
	if err != nil {
		return TokenBundle{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	bundle, err := v.persistToken(ctx, owner, platform, tok, true)
	if err != nil {
		return TokenBundle{}, err
	}
	if identify := v.providers[platform].Identify; identify != nil {
		name, err := identify(ctx, bundle.AccessToken)
		if err != nil {
			v.logger.Warn("resolve account name", zap.String("owner", owner), zap.Error(err))
		} else if name != "" {
			if err := v.store.PutCredential(ctx, models.Credential{
				Owner: owner, Platform: platform, Kind: models.CredentialUsername, Value: name, IssuedAt: v.now().UTC(),
			}); err != nil {
				return TokenBundle{}, fmt.Errorf("store username: %w", err)
			}
			bundle.Username = name
		}
	}
	v.logger.Info("account authorized", zap.String("owner", owner), zap.String("platform", string(platform)))
	return bundle, nil
}

// GetValidToken returns a usable access token, refreshing it once when it has expired.
func (v *Vault) GetValidToken(ctx context.Context, owner string, platform models.Platform) (string, error) {
	access, err := v.store.GetCredential(ctx, owner, platform, models.CredentialAccessToken)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", fmt.Errorf("load access token: %w", err)
	}
	if access.ExpiresAt == nil || v.now().Add(expirySkew).Before(*access.ExpiresAt) {
		return access.Value, nil
	}
	_, err = v.store.GetCredential(ctx, owner, platform, models.CredentialRefreshToken)
	if errors.Is(err, store.ErrNotFound) {
		if v.now().Before(*access.ExpiresAt) {
			return access.Value, nil
		}
		return "", ErrTokenExpired
	}
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	return v.Refresh(ctx, owner, platform)
}

// Refresh obtains a new access token. Concurrent calls for the same account share one
// request to the platform and all observe its result.
func (v *Vault) Refresh(ctx context.Context, owner string, platform models.Platform) (string, error) {
	key := owner + "|" + string(platform)
	ch := v.refreshes.DoChan(key, func() (interface{}, error) {
		// Callers may give up; the refresh itself must finish so the rotated
		// refresh token is not lost.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.refreshTimeout)
		defer cancel()
		return v.refresh(rctx, owner, platform)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (v *Vault) refresh(ctx context.Context, owner string, platform models.Platform) (string, error) {
	rt, err := v.store.GetCredential(ctx, owner, platform, models.CredentialRefreshToken)
	if errors.Is(err, store.ErrNotFound) {
		metrics.TokenRefreshes.WithLabelValues(string(platform), "no_refresh_token").Inc()
		return "", fmt.Errorf("%w: no refresh token", ErrRefreshDenied)
	}
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	cfg, err := v.oauthConfig(ctx, owner, platform)
	if err != nil {
		return "", err
	}
	tok, err := cfg.TokenSource(v.clientContext(ctx, platform), &oauth2.Token{RefreshToken: rt.Value}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			metrics.TokenRefreshes.WithLabelValues(string(platform), "denied").Inc()
			v.logger.Warn("refresh denied", zap.String("owner", owner), zap.String("platform", string(platform)), zap.Error(err))
			return "", fmt.Errorf("%w: %v", ErrRefreshDenied, err)
		}
		metrics.TokenRefreshes.WithLabelValues(string(platform), "error").Inc()
		return "", fmt.Errorf("refresh token: %w", err)
	}
	metrics.TokenRefreshes.WithLabelValues(string(platform), "ok").Inc()
	bundle, err := v.persistToken(ctx, owner, platform, tok, false)
	if err != nil {
		return "", err
	}
	return bundle.AccessToken, nil
}

// Revoke asks the platform to revoke the refresh token (best effort) and drops the
// account's tokens. App credentials are kept.
func (v *Vault) Revoke(ctx context.Context, owner string, platform models.Platform) error {
	p, err := v.provider(platform)
	if err != nil {
		return err
	}
	if p.RevokeURL != "" {
		if err := v.revokeRemote(ctx, owner, platform, p); err != nil {
			v.logger.Warn("revoke at platform failed", zap.String("owner", owner), zap.String("platform", string(platform)), zap.Error(err))
		}
	}
	if err := v.store.DeleteCredentials(ctx, owner, platform,
		models.CredentialAccessToken, models.CredentialRefreshToken, models.CredentialUsername); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	v.logger.Info("account revoked", zap.String("owner", owner), zap.String("platform", string(platform)))
	return nil
}

// Username returns the platform account name recorded at authorization.
func (v *Vault) Username(ctx context.Context, owner string, platform models.Platform) (string, error) {
	cred, err := v.store.GetCredential(ctx, owner, platform, models.CredentialUsername)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", fmt.Errorf("load username: %w", err)
	}
	return cred.Value, nil
}

func (v *Vault) revokeRemote(ctx context.Context, owner string, platform models.Platform, p Provider) error {
	token, hint := "", "refresh_token"
	if rt, err := v.store.GetCredential(ctx, owner, platform, models.CredentialRefreshToken); err == nil {
		token = rt.Value
	} else if at, err := v.store.GetCredential(ctx, owner, platform, models.CredentialAccessToken); err == nil {
		token, hint = at.Value, "access_token"
	}
	if token == "" {
		return nil
	}
	id, secret, err := v.appCredentials(ctx, owner, platform)
	if err != nil {
		return err
	}
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.SetBasicAuth(id, secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke rejected: %s", resp.Status)
	}
	return nil
}

// persistToken writes the issued tokens, superseding the previous ones. A refresh
// response without a new refresh token keeps the existing one; a fresh authorization
// without one drops it.
func (v *Vault) persistToken(ctx context.Context, owner string, platform models.Platform, tok *oauth2.Token, initial bool) (TokenBundle, error) {
	if tok == nil || tok.AccessToken == "" {
		return TokenBundle{}, errors.New("platform returned no access token")
	}
	now := v.now().UTC()
	bundle := TokenBundle{Owner: owner, Platform: platform, AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		bundle.ExpiresAt = &exp
	}
	if err := v.store.PutCredential(ctx, models.Credential{
		Owner: owner, Platform: platform, Kind: models.CredentialAccessToken,
		Value: tok.AccessToken, IssuedAt: now, ExpiresAt: bundle.ExpiresAt,
	}); err != nil {
		return TokenBundle{}, fmt.Errorf("store access token: %w", err)
	}
	switch {
	case tok.RefreshToken != "":
		if err := v.store.PutCredential(ctx, models.Credential{
			Owner: owner, Platform: platform, Kind: models.CredentialRefreshToken,
			Value: tok.RefreshToken, IssuedAt: now,
		}); err != nil {
			return TokenBundle{}, fmt.Errorf("store refresh token: %w", err)
		}
	case initial:
		if err := v.store.DeleteCredentials(ctx, owner, platform, models.CredentialRefreshToken); err != nil {
			return TokenBundle{}, fmt.Errorf("drop stale refresh token: %w", err)
		}
	}
	return bundle, nil
}

func (v *Vault) provider(platform models.Platform) (Provider, error) {
	p, ok := v.providers[platform]
	if !ok {
		return Provider{}, &models.ValidationError{Problems: []string{fmt.Sprintf("platform %q not supported", platform)}}
	}
	return p, nil
}

func (v *Vault) appCredentials(ctx context.Context, owner string, platform models.Platform) (string, string, error) {
	id, err := v.store.GetCredential(ctx, owner, platform, models.CredentialClientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrNoAppCredentials
	}
	if err != nil {
		return "", "", fmt.Errorf("load client id: %w", err)
	}
	secret, err := v.store.GetCredential(ctx, owner, platform, models.CredentialClientSecret)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", ErrNoAppCredentials
	}
	if err != nil {
		return "", "", fmt.Errorf("load client secret: %w", err)
	}
	return id.Value, secret.Value, nil
}

func (v *Vault) oauthConfig(ctx context.Context, owner string, platform models.Platform) (*oauth2.Config, error) {
	p, err := v.provider(platform)
	if err != nil {
		return nil, err
	}
	id, secret, err := v.appCredentials(ctx, owner, platform)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     id,
		ClientSecret: secret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}, nil
}

func (v *Vault) clientContext(ctx context.Context, platform models.Platform) context.Context {
	client := v.httpClient
	if ua := v.providers[platform].UserAgent; ua != "" {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client = &http.Client{Timeout: client.Timeout, Transport: userAgentTransport{base: base, agent: ua}}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t userAgentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(r)
}
