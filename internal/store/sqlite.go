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
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadscore/internal/model"
)

// SQLiteTenantStore implements TenantStore using modernc.org/sqlite. Used
// for small tenants and local development.
type SQLiteTenantStore struct {
	db     *sql.DB
	handle string
}

// NewSQLiteTenant opens a SQLite database at the given path and configures
// WAL mode.
func NewSQLiteTenant(handle, dsn string) (*SQLiteTenantStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteTenantStore{db: db, handle: handle}, nil
}

const sqliteTenantMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                    TEXT PRIMARY KEY,
	profile               TEXT,
	scoring_status        TEXT NOT NULL DEFAULT 'ToBeScored',
	ai_score              REAL NOT NULL DEFAULT 0,
	ai_profile_assessment TEXT NOT NULL DEFAULT '',
	attribute_breakdown   TEXT,
	ai_excluded           INTEGER NOT NULL DEFAULT 0,
	exclude_details       TEXT NOT NULL DEFAULT '',
	date_scored           DATETIME,
	top_post_url          TEXT NOT NULL DEFAULT '',
	top_post_relevance    REAL NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_leads_scoring_status ON leads(scoring_status, created_at);

CREATE TABLE IF NOT EXISTS posts (
	url                 TEXT PRIMARY KEY,
	lead_id             TEXT NOT NULL REFERENCES leads(id),
	content             TEXT NOT NULL DEFAULT '',
	posted_at           DATETIME,
	author_name         TEXT NOT NULL DEFAULT '',
	author_headline     TEXT NOT NULL DEFAULT '',
	attribute_breakdown TEXT,
	relevance           REAL NOT NULL DEFAULT 0,
	relevance_status    TEXT NOT NULL DEFAULT 'ToBeScored',
	date_scored         DATETIME
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
	disqualifying     INTEGER NOT NULL DEFAULT 0,
	contact_readiness INTEGER NOT NULL DEFAULT 0,
	position          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	rubric_preamble TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_records (
	id                TEXT PRIMARY KEY,
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
	started_at        DATETIME NOT NULL,
	finished_at       DATETIME,
	last_error        TEXT NOT NULL DEFAULT '',
	UNIQUE (tenant_handle, operation, run_date, stream_id)
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL REFERENCES run_records(id),
	lead_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
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
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (operation, day, key)
);
`

func (s *SQLiteTenantStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteTenantMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteTenantStore) Close() error {
	return s.db.Close()
}

// scannable covers both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanLeadSQLite(row scannable) (*model.Lead, error) {
	var l model.Lead
	var profile, breakdownJSON sql.NullString
	var dateScored sql.NullTime
	err := row.Scan(&l.ID, &profile, &l.ScoringStatus, &l.AIScore,
		&l.AIProfileAssessment, &breakdownJSON, &l.AIExcluded, &l.ExcludeDetails,
		&dateScored, &l.TopPostURL, &l.TopPostRelevance)
	if err != nil {
		return nil, err
	}
	if profile.Valid {
		l.ProfileJSON = []byte(profile.String)
	}
	if breakdownJSON.Valid && breakdownJSON.String != "" {
		if err := json.Unmarshal([]byte(breakdownJSON.String), &l.AttributeBreakdown); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
		}
	}
	if dateScored.Valid {
		t := dateScored.Time
		l.DateScored = &t
	}
	return &l, nil
}

func (s *SQLiteTenantStore) ListLeadsByStatus(ctx context.Context, status model.ScoringStatus, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE scoring_status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLeadSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteTenantStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanLeadSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

func (s *SQLiteTenantStore) UpdateLead(ctx context.Context, id string, patch LeadPatch) error {
	set := []string{}
	args := []any{}

	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
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
			return eris.Wrap(err, "sqlite: marshal breakdown")
		}
		add("attribute_breakdown", string(breakdownJSON))
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

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE leads SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", id)
	}
	return checkRowsAffected(res, "lead", id)
}

func (s *SQLiteTenantStore) ListPostsByLead(ctx context.Context, leadID string) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE lead_id = ? ORDER BY url ASC`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list posts")
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		var breakdownJSON sql.NullString
		var postedAt, dateScored sql.NullTime
		if err := rows.Scan(&p.URL, &p.LeadID, &p.Content, &postedAt,
			&p.AuthorName, &p.AuthorHeadline, &breakdownJSON,
			&p.Relevance, &p.RelevanceStatus, &dateScored); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan post")
		}
		if postedAt.Valid {
			t := postedAt.Time
			p.PostedAt = &t
		}
		if dateScored.Valid {
			t := dateScored.Time
			p.DateScored = &t
		}
		if breakdownJSON.Valid && breakdownJSON.String != "" {
			if err := json.Unmarshal([]byte(breakdownJSON.String), &p.AttributeBreakdown); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal post breakdown")
			}
		}
		posts = append(posts, p)
	}
	return posts, eris.Wrap(rows.Err(), "sqlite: list posts iterate")
}

func (s *SQLiteTenantStore) UpdatePost(ctx context.Context, url string, patch PostPatch) error {
	set := []string{}
	args := []any{}

	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
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
			return eris.Wrap(err, "sqlite: marshal post breakdown")
		}
		add("attribute_breakdown", string(breakdownJSON))
	}
	if patch.DateScored != nil {
		add("date_scored", *patch.DateScored)
	}
	if len(set) == 0 {
		return nil
	}

	args = append(args, url)
	res, err := s.db.ExecContext(ctx,
		"UPDATE posts SET "+strings.Join(set, ", ")+" WHERE url = ?", args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update post %s", url)
	}
	return checkRowsAffected(res, "post", url)
}

func (s *SQLiteTenantStore) ListAttributes(ctx context.Context, kind model.AttributeKind) ([]model.Attribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, description, max_points, instructions, examples, signals, disqualifying, contact_readiness
		 FROM scoring_attributes WHERE kind = ? ORDER BY position ASC, id ASC`,
		string(kind),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attributes")
	}
	defer rows.Close()

	var attrs []model.Attribute
	for rows.Next() {
		var a model.Attribute
		if err := rows.Scan(&a.ID, &a.Kind, &a.Description, &a.MaxPoints,
			&a.Instructions, &a.Examples, &a.Signals, &a.Disqualifying,
			&a.ContactReadiness); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribute")
		}
		attrs = append(attrs, a)
	}
	return attrs, eris.Wrap(rows.Err(), "sqlite: list attributes iterate")
}

func (s *SQLiteTenantStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	err := s.db.QueryRowContext(ctx,
		`SELECT rubric_preamble FROM settings WHERE id = 1`).Scan(&st.RubricPreamble)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.Settings{}, nil
		}
		return nil, eris.Wrap(err, "sqlite: get settings")
	}
	return &st, nil
}

func scanRunSQLite(row scannable) (*model.RunRecord, error) {
	var r model.RunRecord
	var finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TenantHandle, &r.Operation, &r.RunDate, &r.StreamID,
		&r.Status, &r.Counts.Attempted, &r.Counts.Succeeded, &r.Counts.Failed,
		&r.Counts.Skipped, &r.Counts.Excluded, &r.Tokens.PromptTokens,
		&r.Tokens.CompletionTokens, &r.Tokens.TotalTokens,
		&r.StartedAt, &finishedAt, &r.LastError)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *SQLiteTenantStore) GetRunRecord(ctx context.Context, id RunIdentity) (*model.RunRecord, error) {
	r, err := scanRunSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM run_records
		 WHERE tenant_handle = ? AND operation = ? AND run_date = ? AND stream_id = ?`,
		id.TenantHandle, string(id.Operation), id.Day, id.StreamID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get run record")
	}
	return r, nil
}

func (s *SQLiteTenantStore) InsertRunRecord(ctx context.Context, rec *model.RunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records (id, tenant_handle, operation, run_date, stream_id, status, started_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_handle, operation, run_date, stream_id) DO NOTHING`,
		rec.ID, rec.TenantHandle, string(rec.Operation), rec.RunDate, rec.StreamID,
		string(rec.Status), rec.StartedAt, rec.LastError,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteTenantStore) UpdateRunRecord(ctx context.Context, runID string, expect []model.RunStatus, patch RunPatch) error {
	set := []string{}
	args := []any{}

	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
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

	query := "UPDATE run_records SET " + strings.Join(set, ", ") + " WHERE id = ?"
	args = append(args, runID)

	if len(expect) > 0 {
		placeholders := make([]string, len(expect))
		for i, st := range expect {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run record %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteTenantStore) ListRunRecords(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM run_records ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run records")
	}
	defer rows.Close()

	var recs []model.RunRecord
	for rows.Next() {
		r, err := scanRunSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run record")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list run records iterate")
}

func (s *SQLiteTenantStore) ApplyRunEvent(ctx context.Context, runID, leadID string, kind model.RunEventKind, tokens model.TokenUsage) (bool, error) {
	col, err := runEventColumn(kind)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: apply run event begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, lead_id, kind, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, lead_id, kind) DO NOTHING`,
		runID, leadID, string(kind), time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert run event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE run_records SET %s = %s + 1,
		 attempted = attempted + 1,
		 prompt_tokens = prompt_tokens + ?,
		 completion_tokens = completion_tokens + ?,
		 total_tokens = total_tokens + ?
		 WHERE id = ?`, col, col),
		tokens.PromptTokens, tokens.CompletionTokens, tokens.TotalTokens, runID,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: bump run counters")
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: apply run event commit")
	}
	return true, nil
}

func (s *SQLiteTenantStore) GetQuotaCounter(ctx context.Context, op model.Operation, day string) (*model.QuotaCounter, error) {
	var c model.QuotaCounter
	err := s.db.QueryRowContext(ctx,
		`SELECT operation, day, posts_harvested, post_batches_run, leads_scored, tokens_consumed
		 FROM quota_counters WHERE operation = ? AND day = ?`,
		string(op), day,
	).Scan(&c.Operation, &c.Day, &c.PostsHarvested, &c.PostBatchesRun, &c.LeadsScored, &c.TokensConsumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.QuotaCounter{TenantHandle: s.handle, Operation: op, Day: day}, nil
		}
		return nil, eris.Wrap(err, "sqlite: get quota counter")
	}
	c.TenantHandle = s.handle
	return &c, nil
}

func (s *SQLiteTenantStore) ApplyQuotaEntry(ctx context.Context, op model.Operation, day, key string, kind model.QuotaKind, n int) (bool, error) {
	col, err := quotaColumn(kind)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: apply quota entry begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO quota_entries (operation, day, key, kind, amount, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (operation, day, key) DO NOTHING`,
		string(op), day, key, string(kind), n, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert quota entry")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO quota_counters (operation, day, %s) VALUES (?, ?, ?)
		 ON CONFLICT (operation, day) DO UPDATE SET %s = %s + excluded.%s`, col, col, col, col),
		string(op), day, n,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: bump quota counter")
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: apply quota entry commit")
	}
	return true, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}
