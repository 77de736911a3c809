package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscore/internal/model"
)

// Pool is the subset of pgxpool.Pool the stores use. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

func newPool(ctx context.Context, connString string, poolCfg *PoolConfig, prepared map[string]string) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range prepared {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

// PostgresControlStore implements ControlStore using pgxpool.
type PostgresControlStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgresControl creates a control-plane store with a connection pool.
func NewPostgresControl(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresControlStore, error) {
	pool, err := newPool(ctx, connString, poolCfg, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresControlStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresControlWithPool wraps an existing pool, used by tests.
func NewPostgresControlWithPool(pool Pool) *PostgresControlStore {
	return &PostgresControlStore{pool: pool}
}

const controlMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	handle              TEXT NOT NULL UNIQUE,
	display_name        TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'Active',
	tier                INTEGER NOT NULL DEFAULT 1,
	store_driver        TEXT NOT NULL DEFAULT 'postgres',
	store_dsn           TEXT NOT NULL DEFAULT '',
	processing_stream   INTEGER NOT NULL DEFAULT 0,
	post_access_enabled BOOLEAN NOT NULL DEFAULT false,
	timezone            TEXT NOT NULL DEFAULT 'UTC',
	limits              JSONB NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tenants_status_stream ON tenants(status, processing_stream);
`

func (s *PostgresControlStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, controlMigration)
	return eris.Wrap(err, "postgres: migrate control")
}

func (s *PostgresControlStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const tenantColumns = `id, handle, display_name, status, tier, store_driver, store_dsn, processing_stream, post_access_enabled, timezone, limits`

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var t model.Tenant
	var limitsJSON []byte
	err := row.Scan(&t.ID, &t.Handle, &t.DisplayName, &t.Status, &t.Tier,
		&t.StoreDriver, &t.StoreDSN, &t.ProcessingStream, &t.PostAccessEnabled,
		&t.Timezone, &limitsJSON)
	if err != nil {
		return nil, err
	}
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &t.Limits); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal tenant limits")
		}
	}
	return &t, nil
}

func (s *PostgresControlStore) GetTenant(ctx context.Context, handle string) (*model.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE handle = $1`, handle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get tenant %s", handle)
	}
	return t, nil
}

func (s *PostgresControlStore) ListActiveTenants(ctx context.Context, stream *int) ([]model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE status = 'Active'`
	args := []any{}
	if stream != nil {
		query += ` AND processing_stream = $1`
		args = append(args, *stream)
	}
	query += ` ORDER BY handle ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		tenants = append(tenants, *t)
	}
	return tenants, eris.Wrap(rows.Err(), "postgres: list tenants iterate")
}

func (s *PostgresControlStore) UpsertTenant(ctx context.Context, t *model.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	limitsJSON, err := json.Marshal(t.Limits)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal tenant limits")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tenants (id, handle, display_name, status, tier, store_driver, store_dsn, processing_stream, post_access_enabled, timezone, limits, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		 ON CONFLICT (handle) DO UPDATE SET
		   display_name = $3, status = $4, tier = $5, store_driver = $6, store_dsn = $7,
		   processing_stream = $8, post_access_enabled = $9, timezone = $10, limits = $11, updated_at = now()`,
		t.ID, t.Handle, t.DisplayName, string(t.Status), int(t.Tier),
		t.StoreDriver, t.StoreDSN, t.ProcessingStream, t.PostAccessEnabled,
		t.Timezone, limitsJSON,
	)
	return eris.Wrapf(err, "postgres: upsert tenant %s", t.Handle)
}

// PostgresTenantStore implements TenantStore using pgxpool.
type PostgresTenantStore struct {
	pool    Pool
	handle  string
	closeFn func()
}

// tenantPrepared lists the hot-path queries prepared on each new connection.
var tenantPrepared = map[string]string{
	"get_lead":        `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`,
	"insert_event":    `INSERT INTO run_events (run_id, lead_id, kind, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (run_id, lead_id, kind) DO NOTHING`,
	"get_run_by_id":   `SELECT ` + runColumns + ` FROM run_records WHERE id = $1`,
	"get_quota":       `SELECT operation, day, posts_harvested, post_batches_run, leads_scored, tokens_consumed FROM quota_counters WHERE operation = $1 AND day = $2`,
	"insert_quota_kv": `INSERT INTO quota_entries (operation, day, key, kind, amount, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (operation, day, key) DO NOTHING`,
}

// NewPostgresTenant creates one tenant's data-plane store.
func NewPostgresTenant(ctx context.Context, handle, connString string, poolCfg *PoolConfig) (*PostgresTenantStore, error) {
	pool, err := newPool(ctx, connString, poolCfg, tenantPrepared)
	if err != nil {
		return nil, err
	}
	return &PostgresTenantStore{pool: pool, handle: handle, closeFn: pool.Close}, nil
}

// NewPostgresTenantWithPool wraps an existing pool, used by tests.
func NewPostgresTenantWithPool(handle string, pool Pool) *PostgresTenantStore {
	return &PostgresTenantStore{pool: pool, handle: handle}
}

const tenantMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                    TEXT PRIMARY KEY,
	profile               JSONB,
	scoring_status        TEXT NOT NULL DEFAULT 'ToBeScored',
	ai_score              DOUBLE PRECISION NOT NULL DEFAULT 0,
	ai_profile_assessment TEXT NOT NULL DEFAULT '',
	attribute_breakdown   JSONB,
	ai_excluded           BOOLEAN NOT NULL DEFAULT false,
	exclude_details       TEXT NOT NULL DEFAULT '',
	date_scored           TIMESTAMPTZ,
	top_post_url          TEXT NOT NULL DEFAULT '',
	top_post_relevance    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_scoring_status ON leads(scoring_status, created_at);

CREATE TABLE IF NOT EXISTS posts (
	url                 TEXT PRIMARY KEY,
	lead_id             TEXT NOT NULL REFERENCES leads(id),
	content             TEXT NOT NULL DEFAULT '',
	posted_at           TIMESTAMPTZ,
	author_name         TEXT NOT NULL DEFAULT '',
	author_headline     TEXT NOT NULL DEFAULT '',
	attribute_breakdown JSONB,
	relevance           DOUBLE PRECISION NOT NULL DEFAULT 0,
	relevance_status    TEXT NOT NULL DEFAULT 'ToBeScored',
	date_scored         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_posts_lead_id ON posts(lead_id);

CREATE TABLE IF NOT EXISTS scoring_attributes (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	max_points        INTEGER NOT NULL DEFAULT 0,
	instructions      TEXT NOT NULL DEFAULT '',
	examples          TEXT NOT NULL DEFAULT '',
	signals           TEXT NOT NULL DEFAULT '',
	disqualifying     BOOLEAN NOT NULL DEFAULT false,
	contact_readiness BOOLEAN NOT NULL DEFAULT false,
	position          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	id              INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	rubric_preamble TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_records (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_handle     TEXT NOT NULL,
	operation         TEXT NOT NULL,
	run_date          TEXT NOT NULL,
	stream_id         INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'Started',
	attempted         INTEGER NOT NULL DEFAULT 0,
	succeeded         INTEGER NOT NULL DEFAULT 0,
	failed            INTEGER NOT NULL DEFAULT 0,
	skipped           INTEGER NOT NULL DEFAULT 0,
	excluded          INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at       TIMESTAMPTZ,
	last_error        TEXT NOT NULL DEFAULT '',
	UNIQUE (tenant_handle, operation, run_date, stream_id)
);

CREATE INDEX IF NOT EXISTS idx_run_records_started ON run_records(started_at DESC);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL REFERENCES run_records(id),
	lead_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, lead_id, kind)
);

CREATE TABLE IF NOT EXISTS quota_counters (
	operation        TEXT NOT NULL,
	day              TEXT NOT NULL,
	posts_harvested  INTEGER NOT NULL DEFAULT 0,
	post_batches_run INTEGER NOT NULL DEFAULT 0,
	leads_scored     INTEGER NOT NULL DEFAULT 0,
	tokens_consumed  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (operation, day)
);

CREATE TABLE IF NOT EXISTS quota_entries (
	operation  TEXT NOT NULL,
	day        TEXT NOT NULL,
	key        TEXT NOT NULL,
	kind       TEXT NOT NULL,
	amount     INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (operation, day, key)
);
`

func (s *PostgresTenantStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, tenantMigration)
	return eris.Wrap(err, "postgres: migrate tenant")
}

func (s *PostgresTenantStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const leadColumns = `id, profile, scoring_status, ai_score, ai_profile_assessment, attribute_breakdown, ai_excluded, exclude_details, date_scored, top_post_url, top_post_relevance`

func scanLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var breakdownJSON []byte
	err := row.Scan(&l.ID, &l.ProfileJSON, &l.ScoringStatus, &l.AIScore,
		&l.AIProfileAssessment, &breakdownJSON, &l.AIExcluded, &l.ExcludeDetails,
		&l.DateScored, &l.TopPostURL, &l.TopPostRelevance)
	if err != nil {
		return nil, err
	}
	if len(breakdownJSON) > 0 {
		if err := json.Unmarshal(breakdownJSON, &l.AttributeBreakdown); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal breakdown")
		}
	}
	return &l, nil
}

func (s *PostgresTenantStore) ListLeadsByStatus(ctx context.Context, status model.ScoringStatus, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE scoring_status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresTenantStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

func (s *PostgresTenantStore) UpdateLead(ctx context.Context, id string, patch LeadPatch) error {
	set := []string{}
	args := []any{}
	argIdx := 1

	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if patch.ScoringStatus != nil {
		add("scoring_status", string(*patch.ScoringStatus))
	}
	if patch.AIScore != nil {
		add("ai_score", *patch.AIScore)
	}
	if patch.AIProfileAssessment != nil {
		add("ai_profile_assessment", *patch.AIProfileAssessment)
	}
	if patch.AttributeBreakdown != nil {
		breakdownJSON, err := json.Marshal(patch.AttributeBreakdown)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal breakdown")
		}
		add("attribute_breakdown", breakdownJSON)
	}
	if patch.AIExcluded != nil {
		add("ai_excluded", *patch.AIExcluded)
	}
	if patch.ExcludeDetails != nil {
		add("exclude_details", *patch.ExcludeDetails)
	}
	if patch.DateScored != nil {
		add("date_scored", *patch.DateScored)
	}
	if patch.TopPostURL != nil {
		add("top_post_url", *patch.TopPostURL)
	}
	if patch.TopPostRelevance != nil {
		add("top_post_relevance", *patch.TopPostRelevance)
	}
	if len(set) == 0 {
		return nil
	}

	query := "UPDATE leads SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE id = $%d", argIdx)
	args = append(args, id)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const postColumns = `url, lead_id, content, posted_at, author_name, author_headline, attribute_breakdown, relevance, relevance_status, date_scored`

func (s *PostgresTenantStore) ListPostsByLead(ctx context.Context, leadID string) ([]model.Post, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts WHERE lead_id = $1 ORDER BY url ASC`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list posts")
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		var breakdownJSON []byte
		if err := rows.Scan(&p.URL, &p.LeadID, &p.Content, &p.PostedAt,
			&p.AuthorName, &p.AuthorHeadline, &breakdownJSON,
			&p.Relevance, &p.RelevanceStatus, &p.DateScored); err != nil {
			return nil, eris.Wrap(err, "postgres: scan post")
		}
		if len(breakdownJSON) > 0 {
			if err := json.Unmarshal(breakdownJSON, &p.AttributeBreakdown); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal post breakdown")
			}
		}
		posts = append(posts, p)
	}
	return posts, eris.Wrap(rows.Err(), "postgres: list posts iterate")
}

func (s *PostgresTenantStore) UpdatePost(ctx context.Context, url string, patch PostPatch) error {
	set := []string{}
	args := []any{}
	argIdx := 1

	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if patch.RelevanceStatus != nil {
		add("relevance_status", string(*patch.RelevanceStatus))
	}
	if patch.Relevance != nil {
		add("relevance", *patch.Relevance)
	}
	if patch.AttributeBreakdown != nil {
		breakdownJSON, err := json.Marshal(patch.AttributeBreakdown)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal post breakdown")
		}
		add("attribute_breakdown", breakdownJSON)
	}
	if patch.DateScored != nil {
		add("date_scored", *patch.DateScored)
	}
	if len(set) == 0 {
		return nil
	}

	query := "UPDATE posts SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE url = $%d", argIdx)
	args = append(args, url)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update post %s", url)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTenantStore) ListAttributes(ctx context.Context, kind model.AttributeKind) ([]model.Attribute, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, description, max_points, instructions, examples, signals, disqualifying, contact_readiness
		 FROM scoring_attributes WHERE kind = $1 ORDER BY position ASC, id ASC`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attributes")
	}
	defer rows.Close()

	var attrs []model.Attribute
	for rows.Next() {
		var a model.Attribute
		if err := rows.Scan(&a.ID, &a.Kind, &a.Description, &a.MaxPoints,
			&a.Instructions, &a.Examples, &a.Signals, &a.Disqualifying,
			&a.ContactReadiness); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribute")
		}
		attrs = append(attrs, a)
	}
	return attrs, eris.Wrap(rows.Err(), "postgres: list attributes iterate")
}

func (s *PostgresTenantStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	err := s.pool.QueryRow(ctx,
		`SELECT rubric_preamble FROM settings WHERE id = 1`).Scan(&st.RubricPreamble)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Settings{}, nil
		}
		return nil, eris.Wrap(err, "postgres: get settings")
	}
	return &st, nil
}

const runColumns = `id, tenant_handle, operation, run_date, stream_id, status, attempted, succeeded, failed, skipped, excluded, prompt_tokens, completion_tokens, total_tokens, started_at, finished_at, last_error`

func scanRun(row pgx.Row) (*model.RunRecord, error) {
	var r model.RunRecord
	err := row.Scan(&r.ID, &r.TenantHandle, &r.Operation, &r.RunDate, &r.StreamID,
		&r.Status, &r.Counts.Attempted, &r.Counts.Succeeded, &r.Counts.Failed,
		&r.Counts.Skipped, &r.Counts.Excluded, &r.Tokens.PromptTokens,
		&r.Tokens.CompletionTokens, &r.Tokens.TotalTokens,
		&r.StartedAt, &r.FinishedAt, &r.LastError)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresTenantStore) GetRunRecord(ctx context.Context, id RunIdentity) (*model.RunRecord, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM run_records
		 WHERE tenant_handle = $1 AND operation = $2 AND run_date = $3 AND stream_id = $4`,
		id.TenantHandle, string(id.Operation), id.Day, id.StreamID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get run record")
	}
	return r, nil
}

func (s *PostgresTenantStore) InsertRunRecord(ctx context.Context, rec *model.RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO run_records (id, tenant_handle, operation, run_date, stream_id, status, started_at, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_handle, operation, run_date, stream_id) DO NOTHING`,
		rec.ID, rec.TenantHandle, string(rec.Operation), rec.RunDate, rec.StreamID,
		string(rec.Status), rec.StartedAt, rec.LastError,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert run record")
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresTenantStore) UpdateRunRecord(ctx context.Context, runID string, expect []model.RunStatus, patch RunPatch) error {
	set := []string{}
	args := []any{}
	argIdx := 1

	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.FinishedAt != nil {
		add("finished_at", *patch.FinishedAt)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if len(set) == 0 {
		return nil
	}

	query := "UPDATE run_records SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE id = $%d", argIdx)
	args = append(args, runID)
	argIdx++

	if len(expect) > 0 {
		statuses := make([]string, len(expect))
		for i, st := range expect {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run record %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresTenantStore) ListRunRecords(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM run_records ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run records")
	}
	defer rows.Close()

	var recs []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run record")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list run records iterate")
}

func runEventColumn(kind model.RunEventKind) (string, error) {
	switch kind {
	case model.EventSucceeded:
		return "succeeded", nil
	case model.EventFailed:
		return "failed", nil
	case model.EventSkipped:
		return "skipped", nil
	case model.EventExcluded:
		return "excluded", nil
	default:
		return "", eris.Errorf("unknown run event kind: %s", kind)
	}
}

func (s *PostgresTenantStore) ApplyRunEvent(ctx context.Context, runID, leadID string, kind model.RunEventKind, tokens model.TokenUsage) (bool, error) {
	col, err := runEventColumn(kind)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: apply run event begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO run_events (run_id, lead_id, kind, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, lead_id, kind) DO NOTHING`,
		runID, leadID, string(kind), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert run event")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE run_records SET %s = %s + 1,
		 attempted = attempted + 1,
		 prompt_tokens = prompt_tokens + $1,
		 completion_tokens = completion_tokens + $2,
		 total_tokens = total_tokens + $3
		 WHERE id = $4`, col, col),
		tokens.PromptTokens, tokens.CompletionTokens, tokens.TotalTokens, runID,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: bump run counters")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: apply run event commit")
	}
	return true, nil
}

func (s *PostgresTenantStore) GetQuotaCounter(ctx context.Context, op model.Operation, day string) (*model.QuotaCounter, error) {
	var c model.QuotaCounter
	err := s.pool.QueryRow(ctx,
		`SELECT operation, day, posts_harvested, post_batches_run, leads_scored, tokens_consumed
		 FROM quota_counters WHERE operation = $1 AND day = $2`,
		string(op), day,
	).Scan(&c.Operation, &c.Day, &c.PostsHarvested, &c.PostBatchesRun, &c.LeadsScored, &c.TokensConsumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.QuotaCounter{TenantHandle: s.handle, Operation: op, Day: day}, nil
		}
		return nil, eris.Wrap(err, "postgres: get quota counter")
	}
	c.TenantHandle = s.handle
	return &c, nil
}

func quotaColumn(kind model.QuotaKind) (string, error) {
	switch kind {
	case model.QuotaPosts:
		return "posts_harvested", nil
	case model.QuotaPostBatches:
		return "post_batches_run", nil
	case model.QuotaLeads:
		return "leads_scored", nil
	case model.QuotaTokens:
		return "tokens_consumed", nil
	default:
		return "", eris.Errorf("unknown quota kind: %s", kind)
	}
}

func (s *PostgresTenantStore) ApplyQuotaEntry(ctx context.Context, op model.Operation, day, key string, kind model.QuotaKind, n int) (bool, error) {
	col, err := quotaColumn(kind)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: apply quota entry begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO quota_entries (operation, day, key, kind, amount, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (operation, day, key) DO NOTHING`,
		string(op), day, key, string(kind), n, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert quota entry")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO quota_counters (operation, day, %s) VALUES ($1, $2, $3)
		 ON CONFLICT (operation, day) DO UPDATE SET %s = quota_counters.%s + $3`, col, col, col),
		string(op), day, n,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: bump quota counter")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: apply quota entry commit")
	}
	return true, nil
}
