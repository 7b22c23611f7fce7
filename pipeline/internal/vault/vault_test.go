package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
)

type tokenServer struct {
	*httptest.Server
	refreshCalls atomic.Int32
	revokeCalls  atomic.Int32
	// refreshGate, when set, holds refresh responses until closed.
	refreshGate chan struct{}
	refreshSeen chan struct{}

	mu           sync.Mutex
	validRefresh string
	generation   int
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{validRefresh: "rt-0", refreshSeen: make(chan struct{}, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if id, secret, ok := r.BasicAuth(); !ok || id != "client" || secret != "secret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				writeTokenError(w)
				return
			}
			writeToken(w, "at-0", "rt-0")
		case "refresh_token":
			ts.refreshCalls.Add(1)
			ts.refreshSeen <- struct{}{}
			if ts.refreshGate != nil {
				<-ts.refreshGate
			}
			ts.mu.Lock()
			defer ts.mu.Unlock()
			// Refresh tokens are single use: a second refresh with the same token fails.
			if r.Form.Get("refresh_token") != ts.validRefresh {
				writeTokenError(w)
				return
			}
			ts.generation++
			ts.validRefresh = fmt.Sprintf("rt-%d", ts.generation)
			writeToken(w, fmt.Sprintf("at-%d", ts.generation), ts.validRefresh)
		default:
			writeTokenError(w)
		}
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		ts.revokeCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func writeToken(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
	})
}

func writeTokenError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
}

func newTestVault(t *testing.T, ts *tokenServer) (*Vault, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	v, err := New(Config{
		Store:       st,
		StateSecret: []byte("state-secret"),
		Providers: map[models.Platform]Provider{
			models.PlatformReddit: {
				AuthURL:     ts.URL + "/authorize",
				TokenURL:    ts.URL + "/token",
				RevokeURL:   ts.URL + "/revoke",
				RedirectURL: "https://app.example/oauth/callback",
				Scopes:      []string{"identity", "submit"},
				UserAgent:   "test-agent/1.0",
				AuthParams:  map[string]string{"duration": "permanent"},
				Identify: func(context.Context, string) (string, error) {
					return "engage_bot", nil
				},
			},
		},
		HTTPClient: ts.Client(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, v.StoreAppCredentials(context.Background(), "owner-1", models.PlatformReddit, "client", "secret"))
	return v, st
}

func TestBeginAuthorizationBuildsConsentURL(t *testing.T) {
	ts := newTokenServer(t)
	v, _ := newTestVault(t, ts)

	auth, err := v.BeginAuthorization(context.Background(), "owner-1", models.PlatformReddit)
	require.NoError(t, err)
	u, err := url.Parse(auth.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "permanent", q.Get("duration"))
	assert.Equal(t, auth.State, q.Get("state"))
}

func TestBeginAuthorizationRequiresAppCredentials(t *testing.T) {
	ts := newTokenServer(t)
	v, _ := newTestVault(t, ts)
	_, err := v.BeginAuthorization(context.Background(), "owner-2", models.PlatformReddit)
	assert.ErrorIs(t, err, ErrNoAppCredentials)
}

func TestCompleteAuthorizationRejectsSupersededState(t *testing.T) {
	ctx := context.Background()
	ts := newTokenServer(t)
	v, st := newTestVault(t, ts)

	first, err := v.BeginAuthorization(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)
	second, err := v.BeginAuthorization(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)

	_, err = v.CompleteAuthorization(ctx, "good-code", first.State)
	assert.ErrorIs(t, err, ErrStateMismatch)

	_, err = v.CompleteAuthorization(ctx, "good-code", "not-a-state")
	assert.ErrorIs(t, err, ErrStateMismatch)

	bundle, err := v.CompleteAuthorization(ctx, "good-code", second.State)
	require.NoError(t, err)
	assert.Equal(t, "at-0", bundle.AccessToken)
	assert.Equal(t, "engage_bot", bundle.Username)
	require.NotNil(t, bundle.ExpiresAt)

	_, err = v.CompleteAuthorization(ctx, "good-code", second.State)
	assert.ErrorIs(t, err, ErrStateMismatch, "state is single use")

	access, err := st.GetCredential(ctx, "owner-1", models.PlatformReddit, models.CredentialAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-0", access.Value)
	name, err := v.Username(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)
	assert.Equal(t, "engage_bot", name)
}

func TestCompleteAuthorizationRejectsForgedState(t *testing.T) {
	ctx := context.Background()
	ts := newTokenServer(t)
	v, _ := newTestVault(t, ts)
	_, err := v.BeginAuthorization(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)

	forger, err := NewStateSigner([]byte("other-secret"), time.Minute)
	require.NoError(t, err)
	forged, _, err := forger.Issue("owner-1", models.PlatformReddit)
	require.NoError(t, err)

	_, err = v.CompleteAuthorization(ctx, "good-code", forged)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestGetValidToken(t *testing.T) {
	ctx := context.Background()
	ts := newTokenServer(t)
	v, st := newTestVault(t, ts)

	_, err := v.GetValidToken(ctx, "owner-1", models.PlatformReddit)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.PutCredential(ctx, models.Credential{
		Owner: "owner-1", Platform: models.PlatformReddit, Kind: models.CredentialAccessToken, Value: "stale", ExpiresAt: &past,
	}))
	_, err = v.GetValidToken(ctx, "owner-1", models.PlatformReddit)
	assert.ErrorIs(t, err, ErrTokenExpired)

	require.NoError(t, st.PutCredential(ctx, models.Credential{
		Owner: "owner-1", Platform: models.PlatformReddit, Kind: models.CredentialRefreshToken, Value: "rt-0",
	}))
	tok, err := v.GetValidToken(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, int32(1), ts.refreshCalls.Load())

	tok, err = v.GetValidToken(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok, "fresh token is reused")
	assert.Equal(t, int32(1), ts.refreshCalls.Load())

	rt, err := st.GetCredential(ctx, "owner-1", models.PlatformReddit, models.CredentialRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", rt.Value, "rotated refresh token supersedes the old one")
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	ts := newTokenServer(t)
	ts.refreshGate = make(chan struct{})
	v, st := newTestVault(t, ts)
	require.NoError(t, st.PutCredential(ctx, models.Credential{
		Owner: "owner-1", Platform: models.PlatformReddit, Kind: models.CredentialRefreshToken, Value: "rt-0",
	}))

	const callers = 8
	var (
		started sync.WaitGroup
		done    sync.WaitGroup
		tokens  = make([]string, callers)
		errs    = make([]error, callers)
	)
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			tokens[i], errs[i] = v.Refresh(ctx, "owner-1", models.PlatformReddit)
		}(i)
	}
	started.Wait()
	<-ts.refreshSeen
	time.Sleep(50 * time.Millisecond)
	close(ts.refreshGate)
	done.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, int32(1), ts.refreshCalls.Load())
}

func TestRefreshDenied(t *testing.T) {
	ctx := context.Background()
	ts := newTokenServer(t)
	v, st := newTestVault(t, ts)
	require.NoError(t, st.PutCredential(ctx, models.Credential{
		Owner: "owner-1", Platform: models.PlatformReddit, Kind: models.CredentialRefreshToken, Value: "revoked",
	}))

	_, err := v.Refresh(ctx, "owner-1", models.PlatformReddit)
	assert.ErrorIs(t, err, ErrRefreshDenied)

	require.NoError(t, st.DeleteCredentials(ctx, "owner-1", models.PlatformReddit, models.CredentialRefreshToken))
	_, err = v.Refresh(ctx, "owner-1", models.PlatformReddit)
	assert.ErrorIs(t, err, ErrRefreshDenied)
}

func TestRevokeDropsTokens(t *testing.T) {
	ctx := context.Background()
	ts := newTokenServer(t)
	v, st := newTestVault(t, ts)
	auth, err := v.BeginAuthorization(ctx, "owner-1", models.PlatformReddit)
	require.NoError(t, err)
	_, err = v.CompleteAuthorization(ctx, "good-code", auth.State)
	require.NoError(t, err)

	require.NoError(t, v.Revoke(ctx, "owner-1", models.PlatformReddit))
	assert.Equal(t, int32(1), ts.revokeCalls.Load())

	_, err = v.GetValidToken(ctx, "owner-1", models.PlatformReddit)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = st.GetCredential(ctx, "owner-1", models.PlatformReddit, models.CredentialClientID)
	assert.NoError(t, err, "app credentials survive revocation")
}

func TestStoreAppCredentialsValidates(t *testing.T) {
	ts := newTokenServer(t)
	v, _ := newTestVault(t, ts)
	err := v.StoreAppCredentials(context.Background(), "owner-1", models.PlatformReddit, " ", "secret")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	err = v.StoreAppCredentials(context.Background(), "owner-1", "myspace", "id", "secret")
	assert.ErrorAs(t, err, &verr)
}
