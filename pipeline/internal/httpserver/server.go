package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/documents"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/events"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/logging"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/metrics"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/service"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/vault"
)

// Credentials is the part of the vault exposed over HTTP.
type Credentials interface {
	StoreAppCredentials(ctx context.Context, owner string, platform models.Platform, clientID, clientSecret string) error
	BeginAuthorization(ctx context.Context, owner string, platform models.Platform) (vault.Authorization, error)
	CompleteAuthorization(ctx context.Context, code, state string) (vault.TokenBundle, error)
	Revoke(ctx context.Context, owner string, platform models.Platform) error
}

type Moderation interface {
	Get(ctx context.Context, owner string, id uuid.UUID) (models.CandidateResponse, error)
	Approve(ctx context.Context, owner string, id uuid.UUID) (models.CandidateResponse, error)
	Reject(ctx context.Context, owner string, id uuid.UUID, reason string) (models.CandidateResponse, error)
	Edit(ctx context.Context, owner string, id uuid.UUID, text string) (models.CandidateResponse, error)
	RecordEngagement(ctx context.Context, owner string, id uuid.UUID, score, replies int) (models.CandidateResponse, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	// APISecret verifies HS256 bearer tokens; the owner is the token subject.
	APISecret string
	// AllowDebugToken accepts X-Debug-Owner instead of a bearer token. Never set in production.
	AllowDebugToken bool
	RequestTimeout  time.Duration
	Publisher       events.Publisher
	Logger          *zap.Logger
}

type Server struct {
	cfg         Config
	campaigns   *service.Service
	moderation  Moderation
	credentials Credentials
	store       Pinger
	publisher   events.Publisher
	logger      *zap.Logger
}

func New(cfg Config, campaigns *service.Service, queue Moderation, creds Credentials, st Pinger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		campaigns:   campaigns,
		moderation:  queue,
		credentials: creds,
		store:       st,
		publisher:   publisher,
		logger:      logger.Named("http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	// The platform redirects the user's browser here, so it carries no bearer token.
	r.Get("/oauth/callback", s.handleOAuthCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.ownerAuth)

		r.Route("/platforms/{platform}", func(r chi.Router) {
			r.Post("/app-credentials", s.handleAppCredentials)
			r.Post("/authorize", s.handleAuthorize)
			r.Delete("/authorization", s.handleRevoke)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Post("/status", s.handleCampaignStatus)
				r.Post("/scan", s.handleScan)
				r.Get("/items", s.handleListItems)
				r.Delete("/items/{itemId}", s.handleDeleteItem)
				r.Get("/responses", s.handleListResponses)
				r.Post("/documents", s.handleAttachDocument)
				r.Post("/dispatch/start", s.handleDispatchStart)
				r.Post("/dispatch/stop", s.handleDispatchStop)
				r.Get("/automation", s.handleAutomation)
			})
		})

		r.Route("/responses/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetResponse)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
			r.Post("/edit", s.handleEdit)
			r.Post("/engagement", s.handleEngagement)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type appCredentialsRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func (s *Server) handleAppCredentials(w http.ResponseWriter, r *http.Request) {
	var req appCredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	platform := models.Platform(chi.URLParam(r, "platform"))
	if err := s.credentials.StoreAppCredentials(r.Context(), ownerFrom(r), platform, req.ClientID, req.ClientSecret); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "platform": platform})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	auth, err := s.credentials.BeginAuthorization(r.Context(), ownerFrom(r), models.Platform(chi.URLParam(r, "platform")))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, auth)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	platform := models.Platform(chi.URLParam(r, "platform"))
	if err := s.credentials.Revoke(r.Context(), ownerFrom(r), platform); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "platform": platform})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		respondError(w, http.StatusBadRequest, "authorization denied: "+denied)
		return
	}
	bundle, err := s.credentials.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state"))
	if errors.Is(err, vault.ErrStateMismatch) {
		ev := events.Event{
			Type: events.AlertStateMismatch,
			Data: map[string]interface{}{"remoteAddr": r.RemoteAddr},
		}
		if err := s.publisher.Publish(context.WithoutCancel(r.Context()), ev); err != nil {
			s.log(r).Warn("publish state mismatch alert", zap.Error(err))
		}
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"platform":  bundle.Platform,
		"username":  bundle.Username,
		"expiresAt": bundle.ExpiresAt,
	})
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CampaignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.campaigns.CreateCampaign(r.Context(), ownerFrom(r), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := s.campaigns.ListCampaigns(r.Context(), ownerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Campaign{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := s.campaigns.GetCampaign(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type statusRequest struct {
	Status models.CampaignStatus `json:"status"`
}

func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.campaigns.TransitionCampaign(r.Context(), ownerFrom(r), id, req.Status)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type scanRequest struct {
	Platform models.Platform `json:"platform"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req scanRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	report, err := s.campaigns.TriggerScan(r.Context(), ownerFrom(r), id, req.Platform)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	status := models.ItemStatus(r.URL.Query().Get("status"))
	items, err := s.campaigns.ListItems(r.Context(), ownerFrom(r), id, status, limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []models.DiscoveredItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemId")
	if !ok {
		return
	}
	if err := s.campaigns.DeleteItem(r.Context(), ownerFrom(r), id, itemID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	status := models.ResponseStatus(r.URL.Query().Get("status"))
	list, err := s.campaigns.ListResponses(r.Context(), ownerFrom(r), id, status, limit, offset)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.CandidateResponse{}
	}
	respondJSON(w, http.StatusOK, list)
}

type documentRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (s *Server) handleAttachDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req documentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.campaigns.AttachDocument(r.Context(), ownerFrom(r), id, req.Bucket, req.Key)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDispatchStart(w http.ResponseWriter, r *http.Request) {
	s.automation(w, r, s.campaigns.StartDispatch)
}

func (s *Server) handleDispatchStop(w http.ResponseWriter, r *http.Request) {
	s.automation(w, r, s.campaigns.StopDispatch)
}

func (s *Server) handleAutomation(w http.ResponseWriter, r *http.Request) {
	s.automation(w, r, s.campaigns.AutomationStatus)
}

func (s *Server) automation(w http.ResponseWriter, r *http.Request, op func(context.Context, string, uuid.UUID) (models.AutomationStatus, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	st, err := op(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.moderation.Get(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	resp, err := s.moderation.Approve(r.Context(), ownerFrom(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	resp, err := s.moderation.Reject(r.Context(), ownerFrom(r), id, req.Reason)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type editRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req editRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.moderation.Edit(r.Context(), ownerFrom(r), id, req.Text)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type engagementRequest struct {
	Score      int `json:"score"`
	ReplyCount int `json:"replyCount"`
}

func (s *Server) handleEngagement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req engagementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.moderation.RecordEngagement(r.Context(), ownerFrom(r), id, req.Score, req.ReplyCount)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondServiceError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a bare 500.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "validation failed", "problems": verr.Problems})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, documents.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrStateMismatch):
		respondError(w, http.StatusBadRequest, "authorization state mismatch")
	case errors.Is(err, vault.ErrNotAuthenticated), errors.Is(err, vault.ErrTokenExpired), errors.Is(err, vault.ErrRefreshDenied):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, vault.ErrNoAppCredentials):
		respondError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, documents.ErrNotConfigured):
		respondError(w, http.StatusNotImplemented, err.Error())
	default:
		s.log(r).Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type ownerKey struct{}

func (s *Server) ownerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowDebugToken {
			if owner := strings.TrimSpace(r.Header.Get("X-Debug-Owner")); owner != "" {
				next.ServeHTTP(w, withOwner(r, owner))
				return
			}
		}
		raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || s.cfg.APISecret == "" {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		token, err := jwt.Parse(strings.TrimSpace(raw), func(*jwt.Token) (interface{}, error) {
			return []byte(s.cfg.APISecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		owner, err := token.Claims.GetSubject()
		if err != nil || owner == "" {
			respondError(w, http.StatusUnauthorized, "token has no subject")
			return
		}
		next.ServeHTTP(w, withOwner(r, owner))
	})
}

func withOwner(r *http.Request, owner string) *http.Request {
	ctx := context.WithValue(r.Context(), ownerKey{}, owner)
	logger := logging.FromContext(ctx, nil).With(zap.String("owner", owner))
	return r.WithContext(logging.WithContext(ctx, logger))
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With(
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), logger)))
	})
}

func (s *Server) log(r *http.Request) *zap.Logger {
	return logging.FromContext(r.Context(), s.logger)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func paging(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	q := r.URL.Query()
	var limit, offset int
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return 0, 0, false
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			respondError(w, http.StatusBadRequest, "invalid offset")
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
