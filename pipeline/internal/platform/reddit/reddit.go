// Package reddit implements the platform adapter for Reddit's OAuth API.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/fingerprint"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/metrics"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
)

const (
	defaultAPIBase   = "https://oauth.reddit.com"
	defaultTimeout   = 20 * time.Second
	defaultKarmaTTL  = time.Hour
	defaultRPM       = 60
	maxListingLimit  = 100
	historyLimit     = 100
	errorBodyPreview = 256
)

// Tokens supplies per-owner credentials.
type Tokens interface {
	GetValidToken(ctx context.Context, owner string, platform models.Platform) (string, error)
	Username(ctx context.Context, owner string, platform models.Platform) (string, error)
}

type Config struct {
	APIBase           string
	UserAgent         string
	RequestsPerMinute int
	Timeout           time.Duration
	KarmaTTL          time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

type Adapter struct {
	base      string
	userAgent string
	client    *http.Client
	timeout   time.Duration
	tokens    Tokens
	logger    *zap.Logger
	now       func() time.Time
	rpm       int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	pauseUntil map[string]time.Time

	karmaTTL time.Duration
	karmaMu  sync.Mutex
	karma    map[string]karmaEntry
}

type karmaEntry struct {
	value   int
	fetched time.Time
}

func New(cfg Config, tokens Tokens) (*Adapter, error) {
	if tokens == nil {
		return nil, errors.New("reddit token source required")
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, errors.New("reddit user agent required")
	}
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.KarmaTTL
	if ttl <= 0 {
		ttl = defaultKarmaTTL
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRPM
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		base:       strings.TrimSuffix(base, "/"),
		userAgent:  cfg.UserAgent,
		client:     client,
		timeout:    timeout,
		tokens:     tokens,
		logger:     logger.Named("reddit"),
		now:        time.Now,
		rpm:        rpm,
		limiters:   make(map[string]*rate.Limiter),
		pauseUntil: make(map[string]time.Time),
		karmaTTL:   ttl,
		karma:      make(map[string]karmaEntry),
	}, nil
}

func (a *Adapter) Platform() models.Platform { return models.PlatformReddit }

type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string    `json:"kind"`
			Data thingData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type thingData struct {
	Name        string  `json:"name"`
	Subreddit   string  `json:"subreddit"`
	Author      string  `json:"author"`
	Title       string  `json:"title"`
	LinkTitle   string  `json:"link_title"`
	Selftext    string  `json:"selftext"`
	Body        string  `json:"body"`
	ParentID    string  `json:"parent_id"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
}

// ListCandidates pages through a subreddit listing. A location of the form
// "r/<sub>/comments" lists the newest comments instead of posts.
func (a *Adapter) ListCandidates(ctx context.Context, owner, location string, filter platform.ListFilter, cursor string) (platform.Page, error) {
	sub, comments := parseLocation(location)
	if sub == "" {
		return platform.Page{}, &platform.RejectedError{Detail: fmt.Sprintf("invalid location %q", location)}
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxListingLimit {
		limit = maxListingLimit
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}, "raw_json": {"1"}}
	if cursor != "" {
		q.Set("after", cursor)
	}
	path := "/r/" + url.PathEscape(sub) + "/comments"
	if !comments {
		sort := filter.Sort
		if sort == "" {
			sort = models.DefaultRedditSort
		}
		path = "/r/" + url.PathEscape(sub) + "/" + sort
		if sort == "top" {
			q.Set("t", "day")
		}
	}
	var out listing
	if err := a.call(ctx, owner, request{method: http.MethodGet, path: path, query: q, op: "list"}, &out); err != nil {
		return platform.Page{}, err
	}
	page := platform.Page{NextCursor: out.Data.After, Items: make([]platform.Candidate, 0, len(out.Data.Children))}
	for _, child := range out.Data.Children {
		d := child.Data
		c := platform.Candidate{
			PlatformID:   d.Name,
			Location:     "r/" + d.Subreddit,
			Author:       d.Author,
			Title:        d.Title,
			Content:      d.Selftext,
			URL:          "https://www.reddit.com" + d.Permalink,
			Score:        d.Score,
			CommentCount: d.NumComments,
			CreatedAt:    time.Unix(int64(d.CreatedUTC), 0).UTC(),
		}
		if child.Kind == "t1" {
			c.Title = d.LinkTitle
			c.Content = d.Body
		}
		if filter.NeedReputation && c.Author != "" && c.Author != "[deleted]" {
			karma, err := a.authorKarma(ctx, owner, c.Author)
			if err != nil {
				return platform.Page{}, err
			}
			c.AuthorReputation = karma
		}
		page.Items = append(page.Items, c)
	}
	return page, nil
}

func (a *Adapter) Vote(ctx context.Context, owner, itemID string, dir platform.Direction) error {
	form := url.Values{"id": {itemID}, "dir": {strconv.Itoa(int(dir))}}
	return a.call(ctx, owner, request{method: http.MethodPost, path: "/api/vote", form: form, op: "vote"}, nil)
}

type commentResponse struct {
	JSON struct {
		Errors    [][]interface{} `json:"errors"`
		Ratelimit float64         `json:"ratelimit"`
		Data      struct {
			Things []struct {
				Data struct {
					Name string `json:"name"`
				} `json:"data"`
			} `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

// Reply posts text as a comment under itemID and returns the new comment's fullname.
func (a *Adapter) Reply(ctx context.Context, owner, itemID, text string) (string, error) {
	form := url.Values{"api_type": {"json"}, "thing_id": {itemID}, "text": {text}}
	var out commentResponse
	if err := a.call(ctx, owner, request{method: http.MethodPost, path: "/api/comment", form: form, op: "reply"}, &out); err != nil {
		return "", err
	}
	if len(out.JSON.Errors) > 0 {
		return "", commentError(out.JSON.Errors[0], out.JSON.Ratelimit)
	}
	if len(out.JSON.Data.Things) == 0 || out.JSON.Data.Things[0].Data.Name == "" {
		return "", &platform.TransientError{Detail: "comment response carried no thing"}
	}
	return out.JSON.Data.Things[0].Data.Name, nil
}

// FindReply scans the account's recent comments for one under itemID with the same
// normalized text.
func (a *Adapter) FindReply(ctx context.Context, owner, itemID, text string) (string, bool, error) {
	name, err := a.tokens.Username(ctx, owner, models.PlatformReddit)
	if err != nil {
		return "", false, fmt.Errorf("resolve username: %w", err)
	}
	q := url.Values{"limit": {strconv.Itoa(historyLimit)}, "sort": {"new"}, "raw_json": {"1"}}
	var out listing
	path := "/user/" + url.PathEscape(name) + "/comments"
	if err := a.call(ctx, owner, request{method: http.MethodGet, path: path, query: q, op: "history"}, &out); err != nil {
		return "", false, err
	}
	want := fingerprint.Normalize(text)
	for _, child := range out.Data.Children {
		d := child.Data
		if d.ParentID == itemID && fingerprint.Normalize(d.Body) == want {
			return d.Name, true, nil
		}
	}
	return "", false, nil
}

// Identify returns the account name for a freshly issued access token.
func (a *Adapter) Identify(ctx context.Context, accessToken string) (string, error) {
	var me struct {
		Name string `json:"name"`
	}
	if err := a.call(ctx, "", request{method: http.MethodGet, path: "/api/v1/me", op: "identify", token: accessToken}, &me); err != nil {
		return "", err
	}
	return me.Name, nil
}

func (a *Adapter) authorKarma(ctx context.Context, owner, author string) (int, error) {
	a.karmaMu.Lock()
	entry, ok := a.karma[author]
	a.karmaMu.Unlock()
	if ok && a.now().Sub(entry.fetched) < a.karmaTTL {
		return entry.value, nil
	}
	var about struct {
		Data struct {
			LinkKarma    int `json:"link_karma"`
			CommentKarma int `json:"comment_karma"`
			TotalKarma   int `json:"total_karma"`
		} `json:"data"`
	}
	err := a.call(ctx, owner, request{method: http.MethodGet, path: "/user/" + url.PathEscape(author) + "/about", op: "karma"}, &about)
	var rejected *platform.RejectedError
	if errors.As(err, &rejected) {
		// Suspended or deleted accounts have no reputation.
		a.logger.Debug("author lookup rejected", zap.String("author", author), zap.Error(err))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	karma := about.Data.TotalKarma
	if karma == 0 {
		karma = about.Data.LinkKarma + about.Data.CommentKarma
	}
	a.karmaMu.Lock()
	a.karma[author] = karmaEntry{value: karma, fetched: a.now()}
	a.karmaMu.Unlock()
	return karma, nil
}

func parseLocation(location string) (sub string, comments bool) {
	loc := strings.Trim(strings.TrimSpace(location), "/")
	loc = strings.TrimPrefix(loc, "r/")
	if rest, ok := strings.CutSuffix(loc, "/comments"); ok {
		loc, comments = rest, true
	}
	if loc == "" || strings.Contains(loc, "/") {
		return "", false
	}
	return loc, comments
}

func commentError(e []interface{}, ratelimit float64) error {
	code, _ := e[0].(string)
	msg := code
	if len(e) > 1 {
		if s, ok := e[1].(string); ok {
			msg = s
		}
	}
	if code == "RATELIMIT" {
		wait := time.Duration(ratelimit * float64(time.Second))
		if wait <= 0 {
			wait = parseTryAgain(msg)
		}
		return &platform.RateLimitedError{RetryAfter: wait}
	}
	return &platform.RejectedError{Detail: code + ": " + msg}
}

// parseTryAgain reads "try again in 9 minutes" style hints.
func parseTryAgain(msg string) time.Duration {
	fields := strings.Fields(strings.ToLower(msg))
	for i := 0; i+1 < len(fields); i++ {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			continue
		}
		unit := strings.TrimRight(fields[i+1], ".,")
		switch {
		case strings.HasPrefix(unit, "second"):
			return time.Duration(n) * time.Second
		case strings.HasPrefix(unit, "minute"):
			return time.Duration(n) * time.Minute
		}
	}
	return time.Minute
}

type request struct {
	method string
	path   string
	query  url.Values
	form   url.Values
	op     string
	token  string
}

func (a *Adapter) limiter(owner string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[owner]
	if !ok {
		burst := a.rpm / 10
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(float64(a.rpm)/60), burst)
		a.limiters[owner] = l
	}
	return l
}

func (a *Adapter) paused(owner string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if until, ok := a.pauseUntil[owner]; ok {
		if d := until.Sub(a.now()); d > 0 {
			return d
		}
		delete(a.pauseUntil, owner)
	}
	return 0
}

func (a *Adapter) pause(owner string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pauseUntil[owner] = a.now().Add(d)
}

func (a *Adapter) call(ctx context.Context, owner string, r request, out interface{}) error {
	if d := a.paused(owner); d > 0 {
		return &platform.RateLimitedError{RetryAfter: d}
	}
	if err := a.limiter(owner).Wait(ctx); err != nil {
		return err
	}
	token := r.token
	if token == "" {
		var err error
		token, err = a.tokens.GetValidToken(ctx, owner, models.PlatformReddit)
		if err != nil {
			return fmt.Errorf("acquire token: %w", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	target := a.base + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	var body io.Reader
	if r.form != nil {
		body = strings.NewReader(r.form.Encode())
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("build reddit request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", a.userAgent)
	if r.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	metrics.AdapterLatency.WithLabelValues(string(models.PlatformReddit), r.op).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &platform.TransientError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if owner != "" {
		if remaining, ok := headerSeconds(resp.Header, "X-Ratelimit-Remaining"); ok && remaining < 1 {
			if reset, ok := headerSeconds(resp.Header, "X-Ratelimit-Reset"); ok && reset > 0 {
				a.pause(owner, time.Duration(reset*float64(time.Second)))
			}
		}
	}
	if err := classify(resp); err != nil {
		if owner != "" {
			var rl *platform.RateLimitedError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				a.pause(owner, rl.RetryAfter)
			}
		}
		a.logger.Debug("reddit call failed", zap.String("op", r.op), zap.String("owner", owner), zap.Error(err))
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &platform.TransientError{Detail: "decode reddit response: " + err.Error()}
	}
	return nil
}

func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return platform.ErrAuthInvalid
	case resp.StatusCode == http.StatusTooManyRequests:
		return &platform.RateLimitedError{RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return &platform.TransientError{Detail: resp.Status}
	}
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPreview))
	detail := resp.Status
	if s := strings.TrimSpace(string(preview)); s != "" {
		detail += ": " + s
	}
	return &platform.RejectedError{Detail: detail}
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if secs, ok := headerSeconds(h, "X-Ratelimit-Reset"); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func headerSeconds(h http.Header, key string) (float64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
