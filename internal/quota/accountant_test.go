package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/store"
)

const day = "2026-03-14"

func postTenant(target, guardrail int) *model.Tenant {
	return &model.Tenant{
		Handle: "acme",
		Limits: model.TenantLimits{
			PostsDailyTarget:              target,
			MaxPostBatchesPerDayGuardrail: guardrail,
		},
	}
}

func TestCheck_ProfileScoringUnbounded(t *testing.T) {
	a := NewAccountant(store.NewMemoryTenantStore("acme"))

	d, err := a.Check(context.Background(), postTenant(10, 1), model.OpProfileScoring, day, 500)
	require.NoError(t, err)
	assert.True(t, d.Allow())
	assert.Equal(t, 500, d.N)
}

func TestCheck_NothingRequested(t *testing.T) {
	a := NewAccountant(store.NewMemoryTenantStore("acme"))

	d, err := a.Check(context.Background(), postTenant(10, 1), model.OpPostScoring, day, 0)
	require.NoError(t, err)
	assert.False(t, d.Allow())
}

func TestCheck_PostsWithinTarget(t *testing.T) {
	a := NewAccountant(store.NewMemoryTenantStore("acme"))

	d, err := a.Check(context.Background(), postTenant(100, 0), model.OpPostScoring, day, 30)
	require.NoError(t, err)
	assert.True(t, d.Allow())
	assert.Equal(t, 30, d.N)
}

func TestCheck_TrimsToRemaining(t *testing.T) {
	st := store.NewMemoryTenantStore("acme")
	a := NewAccountant(st)

	_, err := st.ApplyQuotaEntry(context.Background(), model.OpPostScoring, day, "prior", model.QuotaPosts, 90)
	require.NoError(t, err)

	d, err := a.Check(context.Background(), postTenant(100, 0), model.OpPostScoring, day, 30)
	require.NoError(t, err)
	assert.True(t, d.Allow())
	assert.Equal(t, 10, d.N)
}

func TestCheck_TargetExhausted(t *testing.T) {
	st := store.NewMemoryTenantStore("acme")
	a := NewAccountant(st)

	_, err := st.ApplyQuotaEntry(context.Background(), model.OpPostScoring, day, "prior", model.QuotaPosts, 100)
	require.NoError(t, err)

	d, err := a.Check(context.Background(), postTenant(100, 0), model.OpPostScoring, day, 5)
	require.NoError(t, err)
	assert.False(t, d.Allow())
	assert.Contains(t, d.Reason, "posts daily target")
}

func TestCheck_BatchGuardrail(t *testing.T) {
	st := store.NewMemoryTenantStore("acme")
	a := NewAccountant(st)

	_, err := st.ApplyQuotaEntry(context.Background(), model.OpPostScoring, day, "batch-1", model.QuotaPostBatches, 2)
	require.NoError(t, err)

	d, err := a.Check(context.Background(), postTenant(1000, 2), model.OpPostScoring, day, 5)
	require.NoError(t, err)
	assert.False(t, d.Allow())
	assert.Contains(t, d.Reason, "guardrail")
}

func TestCheck_ZeroLimitsMeanUnbounded(t *testing.T) {
	a := NewAccountant(store.NewMemoryTenantStore("acme"))

	d, err := a.Check(context.Background(), postTenant(0, 0), model.OpPostScoring, day, 250)
	require.NoError(t, err)
	assert.True(t, d.Allow())
	assert.Equal(t, 250, d.N)
}

func TestConsume_IdempotentOnKey(t *testing.T) {
	st := store.NewMemoryTenantStore("acme")
	a := NewAccountant(st)
	ctx := context.Background()

	require.NoError(t, a.Consume(ctx, model.OpPostScoring, day, "run1:lead1:posts", model.QuotaPosts, 3))
	// Replaying the same key after a crash must not double-count.
	require.NoError(t, a.Consume(ctx, model.OpPostScoring, day, "run1:lead1:posts", model.QuotaPosts, 3))

	c, err := st.GetQuotaCounter(ctx, model.OpPostScoring, day)
	require.NoError(t, err)
	assert.Equal(t, 3, c.PostsHarvested)
}

func TestConsume_SeparateDaysSeparateCounters(t *testing.T) {
	st := store.NewMemoryTenantStore("acme")
	a := NewAccountant(st)
	ctx := context.Background()

	require.NoError(t, a.Consume(ctx, model.OpPostScoring, "2026-03-14", "k1", model.QuotaPosts, 5))
	require.NoError(t, a.Consume(ctx, model.OpPostScoring, "2026-03-15", "k1", model.QuotaPosts, 7))

	c1, err := st.GetQuotaCounter(ctx, model.OpPostScoring, "2026-03-14")
	require.NoError(t, err)
	c2, err := st.GetQuotaCounter(ctx, model.OpPostScoring, "2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, 5, c1.PostsHarvested)
	assert.Equal(t, 7, c2.PostsHarvested)
}

func TestConsume_ZeroIsNoop(t *testing.T) {
	st := store.NewMemoryTenantStore("acme")
	a := NewAccountant(st)

	require.NoError(t, a.Consume(context.Background(), model.OpPostScoring, day, "k", model.QuotaTokens, 0))
	c, err := st.GetQuotaCounter(context.Background(), model.OpPostScoring, day)
	require.NoError(t, err)
	assert.Zero(t, c.TokensConsumed)
}
