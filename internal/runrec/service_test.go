package runrec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/store"
)

var testIdentity = store.RunIdentity{
	TenantHandle: "acme",
	Operation:    model.OpProfileScoring,
	Day:          "2026-03-14",
	StreamID:     1,
}

func newService(t *testing.T) (*Service, *store.MemoryTenantStore) {
	t.Helper()
	st := store.NewMemoryTenantStore("acme")
	return NewService(st), st
}

func TestOpenRun_CreatesStarted(t *testing.T) {
	svc, _ := newService(t)
	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	rec, err := svc.OpenRun(context.Background(), testIdentity, now, false)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.RunStarted, rec.Status)
	assert.Equal(t, "2026-03-14", rec.RunDate)
	assert.Equal(t, 1, rec.StreamID)
	assert.Equal(t, now, rec.StartedAt)
}

func TestOpenRun_ResumesNonTerminal(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, svc.MarkInProgress(ctx, rec.ID))

	_, err = svc.Accumulate(ctx, rec.ID, "lead-1", model.EventSucceeded, model.TokenUsage{})
	require.NoError(t, err)

	again, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, model.RunInProgress, again.Status)
	assert.Equal(t, 1, again.Counts.Attempted)
}

func TestOpenRun_TerminalWithoutReopen(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, rec.ID, model.RunCompleted, ""))

	_, err = svc.OpenRun(ctx, testIdentity, time.Now(), false)
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestOpenRun_ReopenKeepsCounters(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, svc.MarkInProgress(ctx, rec.ID))

	applied, err := svc.Accumulate(ctx, rec.ID, "lead-1", model.EventSucceeded, model.TokenUsage{TotalTokens: 100})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, svc.Finish(ctx, rec.ID, model.RunCompletedWithErrors, "one lead failed"))

	reopened, err := svc.OpenRun(ctx, testIdentity, time.Now(), true)
	require.NoError(t, err)

	assert.Equal(t, rec.ID, reopened.ID)
	assert.Equal(t, model.RunStarted, reopened.Status)
	assert.Empty(t, reopened.LastError)
	assert.Equal(t, 1, reopened.Counts.Attempted)
	assert.Equal(t, 1, reopened.Counts.Succeeded)
	assert.Equal(t, 100, reopened.Tokens.TotalTokens)
}

func TestOpenRun_DistinctIdentities(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)

	other := testIdentity
	other.Operation = model.OpPostScoring
	b, err := svc.OpenRun(ctx, other, time.Now(), false)
	require.NoError(t, err)

	nextDay := testIdentity
	nextDay.Day = "2026-03-15"
	c, err := svc.OpenRun(ctx, nextDay, time.Now(), false)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestMarkInProgress_MissingRun(t *testing.T) {
	svc, _ := newService(t)
	err := svc.MarkInProgress(context.Background(), "no-such-run")
	assert.Error(t, err)
}

func TestMarkInProgress_TerminalRunRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, rec.ID, model.RunFailed, "boom"))

	err = svc.MarkInProgress(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestAccumulate_IdempotentPerKind(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)

	applied, err := svc.Accumulate(ctx, rec.ID, "lead-1", model.EventSucceeded, model.TokenUsage{PromptTokens: 50, CompletionTokens: 20, TotalTokens: 70})
	require.NoError(t, err)
	assert.True(t, applied)

	// Replay of the same (lead, kind) is a no-op.
	applied, err = svc.Accumulate(ctx, rec.ID, "lead-1", model.EventSucceeded, model.TokenUsage{TotalTokens: 70})
	require.NoError(t, err)
	assert.False(t, applied)

	// A different kind for the same lead still counts.
	applied, err = svc.Accumulate(ctx, rec.ID, "lead-1", model.EventFailed, model.TokenUsage{})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := st.GetRunRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counts.Attempted)
	assert.Equal(t, 1, got.Counts.Succeeded)
	assert.Equal(t, 1, got.Counts.Failed)
	assert.Equal(t, 70, got.Tokens.TotalTokens)
}

func TestAccumulate_MissingRun(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Accumulate(context.Background(), "no-such-run", "lead-1", model.EventSucceeded, model.TokenUsage{})
	assert.ErrorIs(t, err, ErrMissingRun)
}

func TestFinish(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, svc.MarkInProgress(ctx, rec.ID))
	require.NoError(t, svc.Finish(ctx, rec.ID, model.RunCompleted, ""))

	got, err := st.GetRunRecord(ctx, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestFinish_NonTerminalStatusRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)

	err = svc.Finish(ctx, rec.ID, model.RunInProgress, "")
	assert.Error(t, err)
}

func TestFinish_AlreadyTerminal(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.OpenRun(ctx, testIdentity, time.Now(), false)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, rec.ID, model.RunCompleted, ""))

	err = svc.Finish(ctx, rec.ID, model.RunFailed, "late failure")
	assert.ErrorIs(t, err, store.ErrConflict)
}
