package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
  id uuid PRIMARY KEY,
  owner text NOT NULL,
  name text NOT NULL,
  platform text NOT NULL,
  locations jsonb NOT NULL,
  monitoring jsonb NOT NULL,
  engagement jsonb NOT NULL,
  schedule jsonb NOT NULL,
  ai jsonb NOT NULL,
  platform_settings jsonb NOT NULL,
  documents jsonb NOT NULL DEFAULT '[]',
  status text NOT NULL,
  dispatch_enabled boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns (status);
CREATE INDEX IF NOT EXISTS idx_campaigns_owner ON campaigns (owner);

CREATE TABLE IF NOT EXISTS credentials (
  owner text NOT NULL,
  platform text NOT NULL,
  kind text NOT NULL,
  value text NOT NULL,
  issued_at timestamptz NOT NULL,
  expires_at timestamptz,
  PRIMARY KEY (owner, platform, kind)
);

CREATE TABLE IF NOT EXISTS discovered_items (
  id uuid PRIMARY KEY,
  campaign_id uuid NOT NULL REFERENCES campaigns(id),
  platform text NOT NULL,
  platform_id text NOT NULL,
  location text NOT NULL,
  author text NOT NULL,
  author_reputation integer NOT NULL DEFAULT 0,
  title text NOT NULL,
  content text NOT NULL,
  url text NOT NULL,
  score integer NOT NULL,
  comment_count integer NOT NULL,
  created_at timestamptz NOT NULL,
  matched_keyword text,
  fingerprint text NOT NULL,
  status text NOT NULL,
  discovered_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (campaign_id, platform_id)
);

CREATE TABLE IF NOT EXISTS candidate_responses (
  id uuid PRIMARY KEY,
  item_id uuid NOT NULL,
  campaign_id uuid NOT NULL REFERENCES campaigns(id),
  owner text NOT NULL,
  platform text NOT NULL,
  target_id text NOT NULL,
  text text NOT NULL,
  edited_text text,
  confidence double precision NOT NULL,
  sentiment double precision NOT NULL,
  priority text NOT NULL,
  status text NOT NULL,
  rejection_reason text,
  duplicate_of uuid,
  platform_reply_id text,
  dispatch_attempted_at timestamptz,
  dispatch_hold boolean NOT NULL DEFAULT false,
  last_dispatch_error text,
  engagement jsonb NOT NULL DEFAULT '[]',
  created_at timestamptz NOT NULL DEFAULT now(),
  reviewed_at timestamptz,
  posted_at timestamptz,
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_fingerprint ON discovered_items (campaign_id, fingerprint) WHERE fingerprint <> '';
CREATE INDEX IF NOT EXISTS idx_responses_account ON candidate_responses (owner, platform, status);
CREATE INDEX IF NOT EXISTS idx_responses_campaign ON candidate_responses (campaign_id, status);
`

// EnsureSchema creates the tables the pipeline needs if they are missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const campaignColumns = `id, owner, name, platform, locations, monitoring, engagement, schedule, ai, platform_settings, documents, status, dispatch_enabled, created_at, updated_at`

func scanCampaign(row rowScanner) (models.Campaign, error) {
	var (
		c                                                   models.Campaign
		locations, monitoring, engagement, schedule, ai, ps []byte
		documents                                           []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Owner,
		&c.Name,
		&c.Platform,
		&locations,
		&monitoring,
		&engagement,
		&schedule,
		&ai,
		&ps,
		&documents,
		&c.Status,
		&c.DispatchEnabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return models.Campaign{}, err
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{
		{locations, &c.Locations},
		{monitoring, &c.Monitoring},
		{engagement, &c.Engagement},
		{schedule, &c.Schedule},
		{ai, &c.AI},
		{ps, &c.PlatformSettings},
		{documents, &c.Documents},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return models.Campaign{}, fmt.Errorf("decode campaign column: %w", err)
		}
	}
	return c, nil
}

const itemColumns = `id, campaign_id, platform, platform_id, location, author, author_reputation, title, content, url, score, comment_count, created_at, matched_keyword, fingerprint, status, discovered_at`

func scanItem(row rowScanner) (models.DiscoveredItem, error) {
	var (
		item    models.DiscoveredItem
		keyword sql.NullString
	)
	if err := row.Scan(
		&item.ID,
		&item.CampaignID,
		&item.Platform,
		&item.PlatformID,
		&item.Location,
		&item.Author,
		&item.AuthorReputation,
		&item.Title,
		&item.Content,
		&item.URL,
		&item.Score,
		&item.CommentCount,
		&item.CreatedAt,
		&keyword,
		&item.Fingerprint,
		&item.Status,
		&item.DiscoveredAt,
	); err != nil {
		return models.DiscoveredItem{}, err
	}
	if keyword.Valid {
		v := keyword.String
		item.MatchedKeyword = &v
	}
	return item, nil
}

const responseColumns = `id, item_id, campaign_id, owner, platform, target_id, text, edited_text, confidence, sentiment, priority, status, rejection_reason, duplicate_of, platform_reply_id, dispatch_attempted_at, dispatch_hold, last_dispatch_error, engagement, created_at, reviewed_at, posted_at, updated_at`

func scanResponse(row rowScanner) (models.CandidateResponse, error) {
	var (
		r           models.CandidateResponse
		edited      sql.NullString
		rejection   sql.NullString
		duplicateOf uuid.NullUUID
		replyID     sql.NullString
		attemptedAt sql.NullTime
		lastErr     sql.NullString
		engagement  []byte
		reviewedAt  sql.NullTime
		postedAt    sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.ItemID,
		&r.CampaignID,
		&r.Owner,
		&r.Platform,
		&r.TargetID,
		&r.Text,
		&edited,
		&r.Confidence,
		&r.Sentiment,
		&r.Priority,
		&r.Status,
		&rejection,
		&duplicateOf,
		&replyID,
		&attemptedAt,
		&r.DispatchHold,
		&lastErr,
		&engagement,
		&r.CreatedAt,
		&reviewedAt,
		&postedAt,
		&r.UpdatedAt,
	); err != nil {
		return models.CandidateResponse{}, err
	}
	r.EditedText = nullString(edited)
	r.RejectionReason = nullString(rejection)
	r.PlatformReplyID = nullString(replyID)
	r.LastDispatchError = nullString(lastErr)
	r.DispatchAttemptedAt = nullTime(attemptedAt)
	r.ReviewedAt = nullTime(reviewedAt)
	r.PostedAt = nullTime(postedAt)
	if duplicateOf.Valid {
		id := duplicateOf.UUID
		r.DuplicateOf = &id
	}
	if len(engagement) > 0 {
		if err := json.Unmarshal(engagement, &r.Engagement); err != nil {
			return models.CandidateResponse{}, fmt.Errorf("decode engagement: %w", err)
		}
	}
	return r, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func marshalColumns(values ...interface{}) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (s *PGStore) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Documents == nil {
		c.Documents = []models.DocumentRef{}
	}
	cols, err := marshalColumns(c.Locations, c.Monitoring, c.Engagement, c.Schedule, c.AI, c.PlatformSettings, c.Documents)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("encode campaign: %w", err)
	}
	query := `
		INSERT INTO campaigns (id, owner, name, platform, locations, monitoring, engagement, schedule, ai, platform_settings, documents, status, dispatch_enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING ` + campaignColumns
	row := s.db.QueryRowContext(ctx, query, c.ID, c.Owner, c.Name, c.Platform,
		cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], cols[6], c.Status, c.DispatchEnabled)
	created, err := scanCampaign(row)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Campaign{}, ErrNotFound
		}
		return models.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *PGStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]models.Campaign, error) {
	var (
		clauses []string
		args    []interface{}
		argPos  = 1
	)
	if filter.Owner != "" {
		clauses = append(clauses, fmt.Sprintf("owner = $%d", argPos))
		args = append(args, filter.Owner)
		argPos++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", argPos))
		args = append(args, pq.Array(statuses))
		argPos++
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()
	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *PGStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from, to models.CampaignStatus) (models.Campaign, error) {
	query := `
		UPDATE campaigns SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + campaignColumns
	c, err := scanCampaign(s.db.QueryRowContext(ctx, query, id, from, to))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Campaign{}, s.missOrConflict(ctx, "campaigns", id)
		}
		return models.Campaign{}, fmt.Errorf("update campaign status: %w", err)
	}
	return c, nil
}

func (s *PGStore) SetDispatchEnabled(ctx context.Context, id uuid.UUID, enabled bool) (models.Campaign, error) {
	query := `
		UPDATE campaigns SET dispatch_enabled = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + campaignColumns
	c, err := scanCampaign(s.db.QueryRowContext(ctx, query, id, enabled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Campaign{}, ErrNotFound
		}
		return models.Campaign{}, fmt.Errorf("set dispatch enabled: %w", err)
	}
	return c, nil
}

func (s *PGStore) AddCampaignDocument(ctx context.Context, id uuid.UUID, doc models.DocumentRef) (models.Campaign, error) {
	raw, err := json.Marshal([]models.DocumentRef{doc})
	if err != nil {
		return models.Campaign{}, fmt.Errorf("encode document: %w", err)
	}
	query := `
		UPDATE campaigns SET documents = documents || $2::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING ` + campaignColumns
	c, err := scanCampaign(s.db.QueryRowContext(ctx, query, id, raw))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Campaign{}, ErrNotFound
		}
		return models.Campaign{}, fmt.Errorf("add campaign document: %w", err)
	}
	return c, nil
}

// PutCredential supersedes any prior value for (owner, platform, kind).
func (s *PGStore) PutCredential(ctx context.Context, cred models.Credential) error {
	query := `
		INSERT INTO credentials (owner, platform, kind, value, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (owner, platform, kind) DO UPDATE
		  SET value = EXCLUDED.value,
		      issued_at = EXCLUDED.issued_at,
		      expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, cred.Owner, cred.Platform, cred.Kind, cred.Value, cred.IssuedAt, cred.ExpiresAt); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *PGStore) GetCredential(ctx context.Context, owner string, platform models.Platform, kind models.CredentialKind) (models.Credential, error) {
	var (
		cred    models.Credential
		expires sql.NullTime
	)
	query := `SELECT owner, platform, kind, value, issued_at, expires_at FROM credentials WHERE owner = $1 AND platform = $2 AND kind = $3`
	err := s.db.QueryRowContext(ctx, query, owner, platform, kind).Scan(&cred.Owner, &cred.Platform, &cred.Kind, &cred.Value, &cred.IssuedAt, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Credential{}, ErrNotFound
		}
		return models.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	cred.ExpiresAt = nullTime(expires)
	return cred, nil
}

func (s *PGStore) DeleteCredentials(ctx context.Context, owner string, platform models.Platform, kinds ...models.CredentialKind) error {
	if len(kinds) == 0 {
		return nil
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	query := `DELETE FROM credentials WHERE owner = $1 AND platform = $2 AND kind = ANY($3)`
	if _, err := s.db.ExecContext(ctx, query, owner, platform, pq.Array(names)); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// InsertItem is the atomic compare-and-insert used by discovery. A second insert of
// the same (campaign, platform id), or of the same non-empty content fingerprint under
// another id, returns ErrDuplicate.
func (s *PGStore) InsertItem(ctx context.Context, item models.DiscoveredItem) (models.DiscoveredItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = models.ItemNew
	}
	query := `
		INSERT INTO discovered_items (id, campaign_id, platform, platform_id, location, author, author_reputation, title, content, url, score, comment_count, created_at, matched_keyword, fingerprint, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT DO NOTHING
		RETURNING ` + itemColumns
	row := s.db.QueryRowContext(ctx, query, item.ID, item.CampaignID, item.Platform, item.PlatformID, item.Location,
		item.Author, item.AuthorReputation, item.Title, item.Content, item.URL, item.Score, item.CommentCount,
		item.CreatedAt, item.MatchedKeyword, item.Fingerprint, item.Status)
	stored, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DiscoveredItem{}, ErrDuplicate
		}
		return models.DiscoveredItem{}, fmt.Errorf("insert item: %w", err)
	}
	return stored, nil
}

func (s *PGStore) GetItem(ctx context.Context, id uuid.UUID) (models.DiscoveredItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM discovered_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DiscoveredItem{}, ErrNotFound
		}
		return models.DiscoveredItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *PGStore) ListItems(ctx context.Context, filter ItemFilter) ([]models.DiscoveredItem, error) {
	args := []interface{}{filter.CampaignID}
	query := `SELECT ` + itemColumns + ` FROM discovered_items WHERE campaign_id = $1`
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY discovered_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var items []models.DiscoveredItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PGStore) UpdateItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus) (models.DiscoveredItem, error) {
	query := `UPDATE discovered_items SET status = $2 WHERE id = $1 RETURNING ` + itemColumns
	item, err := scanItem(s.db.QueryRowContext(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DiscoveredItem{}, ErrNotFound
		}
		return models.DiscoveredItem{}, fmt.Errorf("update item status: %w", err)
	}
	return item, nil
}

func (s *PGStore) DeleteItem(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM discovered_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateResponse(ctx context.Context, r models.CandidateResponse) (models.CandidateResponse, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	var duplicateOf uuid.NullUUID
	if r.DuplicateOf != nil {
		duplicateOf = uuid.NullUUID{UUID: *r.DuplicateOf, Valid: true}
	}
	query := `
		INSERT INTO candidate_responses (id, item_id, campaign_id, owner, platform, target_id, text, confidence, sentiment, priority, status, duplicate_of, reviewed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING ` + responseColumns
	row := s.db.QueryRowContext(ctx, query, r.ID, r.ItemID, r.CampaignID, r.Owner, r.Platform, r.TargetID, r.Text,
		r.Confidence, r.Sentiment, r.Priority, r.Status, duplicateOf, r.ReviewedAt)
	created, err := scanResponse(row)
	if err != nil {
		return models.CandidateResponse{}, fmt.Errorf("insert response: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetResponse(ctx context.Context, id uuid.UUID) (models.CandidateResponse, error) {
	r, err := scanResponse(s.db.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM candidate_responses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CandidateResponse{}, ErrNotFound
		}
		return models.CandidateResponse{}, fmt.Errorf("get response: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListResponses(ctx context.Context, filter ResponseFilter) ([]models.CandidateResponse, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.CampaignID != uuid.Nil {
		args = append(args, filter.CampaignID)
		clauses = append(clauses, fmt.Sprintf("campaign_id = $%d", len(args)))
	}
	if filter.ItemID != uuid.Nil {
		args = append(args, filter.ItemID)
		clauses = append(clauses, fmt.Sprintf("item_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + responseColumns + ` FROM candidate_responses`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.queryResponses(ctx, query, args...)
}

func (s *PGStore) queryResponses(ctx context.Context, query string, args ...interface{}) ([]models.CandidateResponse, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()
	var out []models.CandidateResponse
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) TransitionResponse(ctx context.Context, in ResponseTransition) (models.CandidateResponse, error) {
	if !in.From.CanTransitionTo(in.To) {
		return models.CandidateResponse{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, in.From, in.To)
	}
	query := `
		UPDATE candidate_responses
		SET status = $3, rejection_reason = COALESCE($4, rejection_reason), reviewed_at = $5, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + responseColumns
	r, err := scanResponse(s.db.QueryRowContext(ctx, query, in.ID, in.From, in.To, in.Reason, in.At))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CandidateResponse{}, s.missOrConflict(ctx, "candidate_responses", in.ID)
		}
		return models.CandidateResponse{}, fmt.Errorf("transition response: %w", err)
	}
	return r, nil
}

// UpdateResponseText records a human override. Editing releases a dispatch hold.
func (s *PGStore) UpdateResponseText(ctx context.Context, id uuid.UUID, text string) (models.CandidateResponse, error) {
	query := `
		UPDATE candidate_responses
		SET edited_text = $2, dispatch_hold = false, last_dispatch_error = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'approved') AND dispatch_attempted_at IS NULL
		RETURNING ` + responseColumns
	r, err := scanResponse(s.db.QueryRowContext(ctx, query, id, text))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CandidateResponse{}, s.missOrConflict(ctx, "candidate_responses", id)
		}
		return models.CandidateResponse{}, fmt.Errorf("update response text: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListDispatchable(ctx context.Context, account models.AccountKey) ([]models.CandidateResponse, error) {
	query := `
		SELECT ` + responseColumns + `
		FROM candidate_responses
		WHERE owner = $1 AND platform = $2 AND status = 'approved' AND NOT dispatch_hold
		ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC, created_at ASC`
	return s.queryResponses(ctx, query, account.Owner, account.Platform)
}

func (s *PGStore) ClaimDispatch(ctx context.Context, id uuid.UUID, at time.Time) (models.CandidateResponse, error) {
	query := `
		UPDATE candidate_responses
		SET dispatch_attempted_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'approved' AND NOT dispatch_hold AND dispatch_attempted_at IS NULL
		RETURNING ` + responseColumns
	r, err := scanResponse(s.db.QueryRowContext(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CandidateResponse{}, s.missOrConflict(ctx, "candidate_responses", id)
		}
		return models.CandidateResponse{}, fmt.Errorf("claim dispatch: %w", err)
	}
	return r, nil
}

func (s *PGStore) ClearDispatchAttempt(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE candidate_responses SET dispatch_attempted_at = NULL, updated_at = now() WHERE id = $1 AND status = 'approved'`, id)
	if err != nil {
		return fmt.Errorf("clear dispatch attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.missOrConflict(ctx, "candidate_responses", id)
	}
	return nil
}

// TryLockAccount takes a transaction-scoped advisory lock keyed on the account, so
// replicas sharing the database never dispatch for one account at the same time. The
// lock lives as long as the transaction; release rolls it back.
func (s *PGStore) TryLockAccount(ctx context.Context, account models.AccountKey) (func(), bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin account lock: %w", err)
	}
	var ok bool
	key := account.Owner + "/" + string(account.Platform)
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		_ = tx.Rollback()
		return nil, false, fmt.Errorf("account lock: %w", err)
	}
	if !ok {
		_ = tx.Rollback()
		return nil, false, nil
	}
	return func() { _ = tx.Rollback() }, true, nil
}

func (s *PGStore) RecordDispatchFailure(ctx context.Context, id uuid.UUID, reason string, hold bool) error {
	query := `UPDATE candidate_responses SET last_dispatch_error = $2, dispatch_hold = dispatch_hold OR $3, updated_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, reason, hold); err != nil {
		return fmt.Errorf("record dispatch failure: %w", err)
	}
	return nil
}

// MarkPosted is the single approved -> posted write. It succeeds at most once per response.
func (s *PGStore) MarkPosted(ctx context.Context, id uuid.UUID, platformReplyID string, at time.Time) (models.CandidateResponse, error) {
	query := `
		UPDATE candidate_responses
		SET status = 'posted', platform_reply_id = $2, posted_at = $3, last_dispatch_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'approved'
		RETURNING ` + responseColumns
	r, err := scanResponse(s.db.QueryRowContext(ctx, query, id, platformReplyID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CandidateResponse{}, s.missOrConflict(ctx, "candidate_responses", id)
		}
		return models.CandidateResponse{}, fmt.Errorf("mark posted: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListPostedSince(ctx context.Context, account models.AccountKey, since time.Time) ([]time.Time, error) {
	query := `
		SELECT posted_at FROM candidate_responses
		WHERE owner = $1 AND platform = $2 AND status = 'posted' AND posted_at > $3
		ORDER BY posted_at ASC`
	rows, err := s.db.QueryContext(ctx, query, account.Owner, account.Platform, since)
	if err != nil {
		return nil, fmt.Errorf("list posted times: %w", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan posted time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) ListPostedTexts(ctx context.Context, campaignID uuid.UUID) ([]PostedText, error) {
	query := `SELECT id, COALESCE(edited_text, text) FROM candidate_responses WHERE campaign_id = $1 AND status = 'posted'`
	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list posted texts: %w", err)
	}
	defer rows.Close()
	var out []PostedText
	for rows.Next() {
		var p PostedText
		if err := rows.Scan(&p.ID, &p.Text); err != nil {
			return nil, fmt.Errorf("scan posted text: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendEngagement(ctx context.Context, id uuid.UUID, snap models.EngagementSnapshot) (models.CandidateResponse, error) {
	raw, err := json.Marshal([]models.EngagementSnapshot{snap})
	if err != nil {
		return models.CandidateResponse{}, fmt.Errorf("encode engagement: %w", err)
	}
	query := `
		UPDATE candidate_responses SET engagement = engagement || $2::jsonb, updated_at = now()
		WHERE id = $1 AND status = 'posted'
		RETURNING ` + responseColumns
	r, err := scanResponse(s.db.QueryRowContext(ctx, query, id, raw))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CandidateResponse{}, s.missOrConflict(ctx, "candidate_responses", id)
		}
		return models.CandidateResponse{}, fmt.Errorf("append engagement: %w", err)
	}
	return r, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// missOrConflict tells a missing row apart from a failed state guard.
func (s *PGStore) missOrConflict(ctx context.Context, table string, id uuid.UUID) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}
