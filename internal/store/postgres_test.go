package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscore/internal/model"
)

func newMockControl(t *testing.T) (*PostgresControlStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresControlWithPool(mock), mock
}

func newMockTenant(t *testing.T) (*PostgresTenantStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresTenantWithPool("acme", mock), mock
}

func TestPostgresControl_GetTenant_NotFound(t *testing.T) {
	s, mock := newMockControl(t)

	mock.ExpectQuery(`SELECT .+ FROM tenants WHERE handle = \$1`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTenant(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresControl_GetTenant(t *testing.T) {
	s, mock := newMockControl(t)

	cols := []string{"id", "handle", "display_name", "status", "tier", "store_driver",
		"store_dsn", "processing_stream", "post_access_enabled", "timezone", "limits"}
	mock.ExpectQuery(`SELECT .+ FROM tenants WHERE handle = \$1`).
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"t1", "acme", "Acme Inc", "Active", 2, "postgres",
			"postgres://acme", 1, true, "America/New_York",
			[]byte(`{"profile_token_cap":8192,"posts_daily_target":200}`),
		))

	got, err := s.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, model.TierProfileAndPosts, got.Tier)
	assert.True(t, got.PostScoringEnabled())
	assert.Equal(t, 8192, got.Limits.ProfileTokenCap)
	assert.Equal(t, 200, got.Limits.PostsDailyTarget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresControl_ListActiveTenants_StreamFilter(t *testing.T) {
	s, mock := newMockControl(t)

	cols := []string{"id", "handle", "display_name", "status", "tier", "store_driver",
		"store_dsn", "processing_stream", "post_access_enabled", "timezone", "limits"}
	mock.ExpectQuery(`SELECT .+ FROM tenants WHERE status = 'Active' AND processing_stream = \$1 ORDER BY handle ASC`).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"t2", "globex", "", "Active", 1, "postgres", "", 2, false, "UTC", []byte(`{}`),
		))

	got, err := s.ListActiveTenants(context.Background(), intPtr(2))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "globex", got[0].Handle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresControl_UpsertTenant_AssignsID(t *testing.T) {
	s, mock := newMockControl(t)

	mock.ExpectExec(`INSERT INTO tenants .+ ON CONFLICT \(handle\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "acme", "", "Active", 0, "", "", 0, false, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tn := &model.Tenant{Handle: "acme", Status: model.TenantActive}
	require.NoError(t, s.UpsertTenant(context.Background(), tn))
	assert.NotEmpty(t, tn.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_GetLead_NotFound(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLead(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_UpdateLead_DynamicSet(t *testing.T) {
	s, mock := newMockTenant(t)

	status := model.ScoringScored
	scoreVal := 85.71
	mock.ExpectExec(`UPDATE leads SET scoring_status = \$1, ai_score = \$2 WHERE id = \$3`).
		WithArgs("Scored", 85.71, "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateLead(context.Background(), "lead-1", LeadPatch{
		ScoringStatus: &status,
		AIScore:       &scoreVal,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_UpdateLead_EmptyPatchIsNoop(t *testing.T) {
	s, mock := newMockTenant(t)

	// No expectations: an empty patch must not touch the database.
	require.NoError(t, s.UpdateLead(context.Background(), "lead-1", LeadPatch{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_UpdateLead_MissingRow(t *testing.T) {
	s, mock := newMockTenant(t)

	status := model.ScoringFailed
	mock.ExpectExec(`UPDATE leads SET scoring_status = \$1 WHERE id = \$2`).
		WithArgs("Failed", "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateLead(context.Background(), "ghost", LeadPatch{ScoringStatus: &status})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_GetSettings_DefaultWhenMissing(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectQuery(`SELECT rubric_preamble FROM settings WHERE id = 1`).
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got.RubricPreamble)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_InsertRunRecord_Conflict(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectExec(`INSERT INTO run_records .+ ON CONFLICT .+ DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "acme", "profile_scoring", "2026-03-14", 0, "Started", pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	rec := &model.RunRecord{
		TenantHandle: "acme",
		Operation:    model.OpProfileScoring,
		RunDate:      "2026-03-14",
		Status:       model.RunStarted,
		StartedAt:    time.Now().UTC(),
	}
	err := s.InsertRunRecord(context.Background(), rec)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_UpdateRunRecord_StatusGuard(t *testing.T) {
	s, mock := newMockTenant(t)

	status := model.RunInProgress
	lastErr := ""
	mock.ExpectExec(`UPDATE run_records SET status = \$1, last_error = \$2 WHERE id = \$3 AND status = ANY\(\$4\)`).
		WithArgs("InProgress", "", "run-1", []string{"Started", "InProgress"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateRunRecord(context.Background(), "run-1",
		[]model.RunStatus{model.RunStarted, model.RunInProgress},
		RunPatch{Status: &status, LastError: &lastErr},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_UpdateRunRecord_GuardMiss(t *testing.T) {
	s, mock := newMockTenant(t)

	status := model.RunCompleted
	mock.ExpectExec(`UPDATE run_records SET status = \$1 WHERE id = \$2 AND status = ANY\(\$3\)`).
		WithArgs("Completed", "run-1", []string{"Started"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunRecord(context.Background(), "run-1",
		[]model.RunStatus{model.RunStarted}, RunPatch{Status: &status})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_ApplyRunEvent_FirstApplication(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO run_events .+ ON CONFLICT .+ DO NOTHING`).
		WithArgs("run-1", "lead-1", "succeeded", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE run_records SET succeeded = succeeded \+ 1,\s+attempted = attempted \+ 1`).
		WithArgs(100, 50, 150, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	applied, err := s.ApplyRunEvent(context.Background(), "run-1", "lead-1",
		model.EventSucceeded, model.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_ApplyRunEvent_Replay(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO run_events .+ ON CONFLICT .+ DO NOTHING`).
		WithArgs("run-1", "lead-1", "succeeded", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	applied, err := s.ApplyRunEvent(context.Background(), "run-1", "lead-1",
		model.EventSucceeded, model.TokenUsage{})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_GetQuotaCounter_ZeroWhenMissing(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectQuery(`SELECT .+ FROM quota_counters WHERE operation = \$1 AND day = \$2`).
		WithArgs("post_scoring", "2026-03-14").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.GetQuotaCounter(context.Background(), model.OpPostScoring, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, "acme", c.TenantHandle)
	assert.Zero(t, c.PostsHarvested)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_ApplyQuotaEntry(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO quota_entries .+ ON CONFLICT .+ DO NOTHING`).
		WithArgs("post_scoring", "2026-03-14", "run1:batch", "posts", 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO quota_counters \(operation, day, posts_harvested\)`).
		WithArgs("post_scoring", "2026-03-14", 5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	applied, err := s.ApplyQuotaEntry(context.Background(), model.OpPostScoring,
		"2026-03-14", "run1:batch", model.QuotaPosts, 5)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenant_ApplyQuotaEntry_Replay(t *testing.T) {
	s, mock := newMockTenant(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO quota_entries .+ ON CONFLICT .+ DO NOTHING`).
		WithArgs("post_scoring", "2026-03-14", "run1:batch", "posts", 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	applied, err := s.ApplyQuotaEntry(context.Background(), model.OpPostScoring,
		"2026-03-14", "run1:batch", model.QuotaPosts, 5)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func intPtr(n int) *int { return &n }
