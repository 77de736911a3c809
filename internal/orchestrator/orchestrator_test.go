package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscore/internal/llm"
	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/rubric"
	"github.com/sells-group/leadscore/internal/store"
	"github.com/sells-group/leadscore/internal/tenant"
)

// scriptProvider replays a per-call script and records every request.
type scriptProvider struct {
	mu    sync.Mutex
	fn    func(call int, req llm.Request) (*llm.Result, error)
	calls int
	reqs  []llm.Request
}

func (s *scriptProvider) Name() string { return "script" }

func (s *scriptProvider) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.reqs = append(s.reqs, req)
	fn := s.fn
	s.mu.Unlock()
	return fn(call, req)
}

func (s *scriptProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptProvider) request(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

const fullReply = `{"positive_scores":{"A":{"score":50,"reason":"strong industry fit"},"B":{"score":30,"reason":"likely budget authority"}},"negative_scores":{"N1":{"score":0,"reason":"not a competitor"}},"unscored_attributes":[],"aiProfileAssessment":"A promising lead overall.","ai_excluded":"No","exclude_details":""}`

const disqualifiedReply = `{"positive_scores":{"A":{"score":40,"reason":"decent fit"},"B":{"score":0,"reason":"no budget signal"}},"negative_scores":{"N1":{"score":-50,"reason":"works at a direct competitor"}},"unscored_attributes":[],"aiProfileAssessment":"Strong profile but a competitor employee.","ai_excluded":"No","exclude_details":""}`

func okResult(text string) *llm.Result {
	return &llm.Result{
		Text:         text,
		FinishReason: llm.FinishStop,
		Usage:        model.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

type fixture struct {
	control  *store.MemoryControlStore
	st       *store.MemoryTenantStore
	dir      *tenant.Directory
	provider *scriptProvider
	ten      model.Tenant
}

func newFixture(t *testing.T, mutate func(*model.Tenant)) *fixture {
	t.Helper()

	ten := model.Tenant{
		ID:               "t1",
		Handle:           "acme",
		Status:           model.TenantActive,
		Tier:             model.TierProfileOnly,
		ProcessingStream: 1,
		StoreDriver:      "memory",
	}
	if mutate != nil {
		mutate(&ten)
	}

	control := store.NewMemoryControlStore()
	require.NoError(t, control.UpsertTenant(context.Background(), &ten))

	st := store.NewMemoryTenantStore("acme")
	st.SeedAttributes([]model.Attribute{
		{ID: "A", Kind: model.AttributePositive, Description: "industry fit", MaxPoints: 60},
		{ID: "B", Kind: model.AttributePositive, Description: "budget authority", MaxPoints: 40},
		{ID: "N1", Kind: model.AttributeNegative, Description: "competitor", MaxPoints: -50, Disqualifying: true},
	})
	st.SeedSettings(model.Settings{RubricPreamble: "Score leads for Acme."})

	dir := tenant.NewDirectory(control, func(context.Context, *model.Tenant) (store.TenantStore, error) {
		return st, nil
	})

	return &fixture{
		control:  control,
		st:       st,
		dir:      dir,
		provider: &scriptProvider{},
		ten:      ten,
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	adapter := llm.NewAdapter(f.provider, 0, time.Second)
	loader := rubric.NewLoader(time.Minute)
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	return New(f.dir, loader, adapter, cfg)
}

func (f *fixture) seedLeads(ids ...string) {
	for _, id := range ids {
		f.st.SeedLead(model.Lead{
			ID:            id,
			ProfileJSON:   []byte(`{"firstName":"Ada","headline":"VP Engineering","experience":[{"title":"VP Engineering","company":"Initech"}]}`),
			ScoringStatus: model.ScoringToBeScored,
		})
	}
}

func (f *fixture) runRecord(t *testing.T, op model.Operation, day string) *model.RunRecord {
	t.Helper()
	rec, err := f.st.GetRunRecord(context.Background(), store.RunIdentity{
		TenantHandle: "acme",
		Operation:    op,
		Day:          day,
		StreamID:     1,
	})
	require.NoError(t, err)
	return rec
}

var testNow = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

const testDay = "2026-03-14"

func TestRun_ProfileScoringHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1", "lead-2")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	for _, id := range []string{"lead-1", "lead-2"} {
		lead, err := f.st.GetLead(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.ScoringScored, lead.ScoringStatus)
		assert.Equal(t, 80.0, lead.AIScore)
		assert.Equal(t, "A promising lead overall.", lead.AIProfileAssessment)
		assert.False(t, lead.AIExcluded)
		assert.Len(t, lead.AttributeBreakdown, 3)
		require.NotNil(t, lead.DateScored)
	}

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 2, rec.Counts.Attempted)
	assert.Equal(t, 2, rec.Counts.Succeeded)
	assert.Equal(t, 300, rec.Tokens.TotalTokens)
	require.NotNil(t, rec.FinishedAt)

	counter, err := f.st.GetQuotaCounter(context.Background(), model.OpProfileScoring, testDay)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.LeadsScored)
	assert.Equal(t, 300, counter.TokensConsumed)
}

func TestRun_EmptyBatchCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		t.Error("provider must not be called for an empty batch")
		return nil, errors.New("unexpected")
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Zero(t, rec.Counts.Attempted)
}

func TestRun_DayOverride(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{Day: "2026-03-01"})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	rec := f.runRecord(t, model.OpProfileScoring, "2026-03-01")
	assert.Equal(t, model.RunCompleted, rec.Status)

	counter, err := f.st.GetQuotaCounter(context.Background(), model.OpProfileScoring, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, counter.LeadsScored)
}

func TestRun_UnparseableRetriedWithLargerBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(call int, _ llm.Request) (*llm.Result, error) {
		if call == 1 {
			return &llm.Result{Text: `{"positive_scores":{"A":{"score":50,"r`, FinishReason: llm.FinishLength}, nil
		}
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	require.Equal(t, 2, f.provider.callCount())
	assert.Equal(t, 4096, f.provider.request(0).MaxOutputTokens)
	assert.Equal(t, 8192, f.provider.request(1).MaxOutputTokens)

	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringScored, lead.ScoringStatus)
}

func TestRun_UnparseableTwiceFailsLead(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1", "lead-2")
	f.provider.fn = func(_ int, req llm.Request) (*llm.Result, error) {
		if strings.Contains(req.User, "lead-respond-garbage") {
			return okResult("not json at all"), nil
		}
		return okResult(fullReply), nil
	}
	// Second lead's profile carries a marker the script keys on.
	f.st.SeedLead(model.Lead{
		ID:            "lead-2",
		ProfileJSON:   []byte(`{"firstName":"lead-respond-garbage"}`),
		ScoringStatus: model.ScoringToBeScored,
	})

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	lead1, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringScored, lead1.ScoringStatus)

	lead2, err := f.st.GetLead(context.Background(), "lead-2")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringFailed, lead2.ScoringStatus)

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompletedWithErrors, rec.Status)
	assert.Equal(t, 1, rec.Counts.Succeeded)
	assert.Equal(t, 1, rec.Counts.Failed)
}

func TestRun_TimeoutRetriedWithLongerDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(call int, _ llm.Request) (*llm.Result, error) {
		if call == 1 {
			<-time.After(200 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{Timeout: 50 * time.Millisecond})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	require.Equal(t, 2, f.provider.callCount())
	assert.Equal(t, 50*time.Millisecond, f.provider.request(0).Timeout)
	assert.Equal(t, 75*time.Millisecond, f.provider.request(1).Timeout)

	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringScored, lead.ScoringStatus)
}

func TestRun_DisqualifyingAttributeExcludesLead(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(disqualifiedReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringExcluded, lead.ScoringStatus)
	assert.True(t, lead.AIExcluded)
	assert.Equal(t, "works at a direct competitor", lead.ExcludeDetails)
	// The score is still computed for observability.
	assert.NotEmpty(t, lead.AttributeBreakdown)

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 1, rec.Counts.Excluded)
	assert.Zero(t, rec.Counts.Failed)
}

func TestRun_BlockedLeadExcluded(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return &llm.Result{
			BlockReason: "PROHIBITED_CONTENT",
			Usage:       model.TokenUsage{PromptTokens: 80, TotalTokens: 80},
		}, nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	// Blocked is terminal for the lead, never retried.
	assert.Equal(t, 1, f.provider.callCount())

	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringExcluded, lead.ScoringStatus)
	assert.Contains(t, lead.ExcludeDetails, "PROHIBITED_CONTENT")

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, 1, rec.Counts.Excluded)
	assert.Equal(t, 80, rec.Tokens.TotalTokens)
}

func TestRun_FatalProviderErrorFailsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return nil, errors.New("invalid_request_error: model not found")
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunFailed, rec.Status)
	assert.Contains(t, rec.LastError, "model not found")

	// The lead was never transitioned and remains selectable.
	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringToBeScored, lead.ScoringStatus)
}

func TestRun_TransientErrorRetriedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(call int, _ llm.Request) (*llm.Result, error) {
		if call == 1 {
			return nil, errors.New("503 service unavailable")
		}
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	assert.Equal(t, 2, f.provider.callCount())
	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringScored, lead.ScoringStatus)
}

func TestRun_CompletedDayNotRerun(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))
	require.Equal(t, 1, f.provider.callCount())

	// New candidate appears later the same day; without reopen it stays put.
	f.seedLeads("lead-2")
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow.Add(time.Hour)))
	assert.Equal(t, 1, f.provider.callCount())

	lead2, err := f.st.GetLead(context.Background(), "lead-2")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringToBeScored, lead2.ScoringStatus)

	// Reopen picks it up on the same run record.
	reopen := f.orchestrator(Config{Reopen: true})
	require.NoError(t, reopen.Run(context.Background(), model.OpProfileScoring, testNow.Add(2*time.Hour)))

	lead2, err = f.st.GetLead(context.Background(), "lead-2")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringScored, lead2.ScoringStatus)

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 2, rec.Counts.Attempted)
	assert.Equal(t, 2, rec.Counts.Succeeded)
}

func TestRun_ResumeKeepsAttemptedConsistent(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1", "lead-2", "lead-3")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	// State left behind by an invocation that died after scoring lead-1:
	// the run record is InProgress with one succeeded event recorded.
	ctx := context.Background()
	rec := &model.RunRecord{
		TenantHandle: "acme",
		Operation:    model.OpProfileScoring,
		RunDate:      testDay,
		StreamID:     1,
		Status:       model.RunInProgress,
		StartedAt:    testNow,
	}
	require.NoError(t, f.st.InsertRunRecord(ctx, rec))
	applied, err := f.st.ApplyRunEvent(ctx, rec.ID, "lead-1", model.EventSucceeded, model.TokenUsage{TotalTokens: 150})
	require.NoError(t, err)
	require.True(t, applied)
	scored := model.ScoringScored
	require.NoError(t, f.st.UpdateLead(ctx, "lead-1", store.LeadPatch{ScoringStatus: &scored}))

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(ctx, model.OpProfileScoring, testNow.Add(time.Hour)))

	// Only the two remaining leads hit the provider.
	assert.Equal(t, 2, f.provider.callCount())

	got := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, 3, got.Counts.Attempted)
	assert.Equal(t, 3, got.Counts.Succeeded)
	assert.Equal(t, got.Counts.Attempted,
		got.Counts.Succeeded+got.Counts.Failed+got.Counts.Skipped+got.Counts.Excluded)
}

func TestRun_TenantFilter(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{TenantFilter: "someone-else"})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))
	assert.Equal(t, 0, f.provider.callCount())
}

func TestRun_PostScoringRequiresEnablement(t *testing.T) {
	// Tier 1 tenant: post scoring silently skips the tenant.
	f := newFixture(t, nil)
	f.seedLeads("lead-1")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpPostScoring, testNow))

	assert.Equal(t, 0, f.provider.callCount())
	_, err := f.st.GetRunRecord(context.Background(), store.RunIdentity{
		TenantHandle: "acme", Operation: model.OpPostScoring, Day: testDay, StreamID: 1,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func postEnabled(t *model.Tenant) {
	t.Tier = model.TierProfileAndPosts
	t.PostAccessEnabled = true
}

func TestRun_PostScoringScoresPendingPostsAndTopPost(t *testing.T) {
	f := newFixture(t, postEnabled)
	f.seedLeads("lead-1")
	f.st.SeedPost(model.Post{
		URL: "https://posts/a", LeadID: "lead-1", Content: "marker-post-a",
		RelevanceStatus: model.PostToBeScored,
	})
	f.st.SeedPost(model.Post{
		URL: "https://posts/b", LeadID: "lead-1", Content: "marker-post-b",
		RelevanceStatus: model.PostToBeScored,
	})
	f.st.SeedPost(model.Post{
		URL: "https://posts/c", LeadID: "lead-1", Content: "already scored",
		RelevanceStatus: model.PostScored, Relevance: 10,
	})

	f.provider.fn = func(_ int, req llm.Request) (*llm.Result, error) {
		if strings.Contains(req.User, "marker-post-a") {
			return okResult(fullReply), nil // 80%
		}
		// Post b scores lower: A=20, everything else unscored.
		return okResult(`{"positive_scores":{"A":{"score":20,"reason":"weak relevance"}},"negative_scores":{},"unscored_attributes":["B","N1"],"aiProfileAssessment":"Marginally related.","ai_excluded":"No","exclude_details":""}`), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpPostScoring, testNow))

	assert.Equal(t, 2, f.provider.callCount())

	posts, err := f.st.ListPostsByLead(context.Background(), "lead-1")
	require.NoError(t, err)
	byURL := map[string]model.Post{}
	for _, p := range posts {
		byURL[p.URL] = p
	}
	assert.Equal(t, 80.0, byURL["https://posts/a"].Relevance)
	assert.Equal(t, model.PostScored, byURL["https://posts/a"].RelevanceStatus)
	assert.Equal(t, 20.0, byURL["https://posts/b"].Relevance)
	assert.Equal(t, 10.0, byURL["https://posts/c"].Relevance, "already scored post untouched")

	lead, err := f.st.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "https://posts/a", lead.TopPostURL)
	assert.Equal(t, 80.0, lead.TopPostRelevance)
	// Post scoring never touches the lead's profile scoring state.
	assert.Equal(t, model.ScoringToBeScored, lead.ScoringStatus)

	rec := f.runRecord(t, model.OpPostScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 1, rec.Counts.Succeeded)

	counter, err := f.st.GetQuotaCounter(context.Background(), model.OpPostScoring, testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.PostsHarvested)
	assert.Equal(t, 1, counter.PostBatchesRun)
}

func TestRun_PostScoringNoPendingPostsSkips(t *testing.T) {
	f := newFixture(t, postEnabled)
	f.seedLeads("lead-1")
	f.st.SeedPost(model.Post{
		URL: "https://posts/c", LeadID: "lead-1", Content: "done",
		RelevanceStatus: model.PostScored, Relevance: 42,
	})
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		t.Error("no provider call expected")
		return nil, errors.New("unexpected")
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpPostScoring, testNow))

	rec := f.runRecord(t, model.OpPostScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 1, rec.Counts.Skipped)
}

func TestRun_QuotaTrimsPostBatch(t *testing.T) {
	f := newFixture(t, func(ten *model.Tenant) {
		postEnabled(ten)
		ten.Limits.PostsDailyTarget = 1
	})
	f.seedLeads("lead-1", "lead-2", "lead-3")
	for _, id := range []string{"lead-1", "lead-2", "lead-3"} {
		f.st.SeedPost(model.Post{
			URL: "https://posts/" + id, LeadID: id, Content: "post of " + id,
			RelevanceStatus: model.PostToBeScored,
		})
	}
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpPostScoring, testNow))

	assert.Equal(t, 1, f.provider.callCount())

	rec := f.runRecord(t, model.OpPostScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 3, rec.Counts.Attempted)
	assert.Equal(t, 1, rec.Counts.Succeeded)
	assert.Equal(t, 2, rec.Counts.Skipped)
}

func TestRun_QuotaGuardrailDeniesWholeBatch(t *testing.T) {
	f := newFixture(t, func(ten *model.Tenant) {
		postEnabled(ten)
		ten.Limits.MaxPostBatchesPerDayGuardrail = 1
	})
	f.seedLeads("lead-1")
	f.st.SeedPost(model.Post{
		URL: "https://posts/1", LeadID: "lead-1", Content: "post",
		RelevanceStatus: model.PostToBeScored,
	})
	_, err := f.st.ApplyQuotaEntry(context.Background(), model.OpPostScoring, testDay, "earlier-batch", model.QuotaPostBatches, 1)
	require.NoError(t, err)

	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		t.Error("no provider call expected when quota is denied")
		return nil, errors.New("unexpected")
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpPostScoring, testNow))

	rec := f.runRecord(t, model.OpPostScoring, testDay)
	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Equal(t, 1, rec.Counts.Attempted)
	assert.Equal(t, 1, rec.Counts.Skipped)
}

func TestRun_UnreadableProfileFailsLeadOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.st.SeedLead(model.Lead{
		ID:            "lead-bad",
		ProfileJSON:   []byte(`{{{not json`),
		ScoringStatus: model.ScoringToBeScored,
	})
	f.seedLeads("lead-ok")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	bad, err := f.st.GetLead(context.Background(), "lead-bad")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringFailed, bad.ScoringStatus)

	ok, err := f.st.GetLead(context.Background(), "lead-ok")
	require.NoError(t, err)
	assert.Equal(t, model.ScoringScored, ok.ScoringStatus)

	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, model.RunCompletedWithErrors, rec.Status)
}

func TestRun_BatchSizeLimitsSelection(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLeads("lead-1", "lead-2", "lead-3")
	f.provider.fn = func(int, llm.Request) (*llm.Result, error) {
		return okResult(fullReply), nil
	}

	orch := f.orchestrator(Config{ProfileBatchSize: 2})
	require.NoError(t, orch.Run(context.Background(), model.OpProfileScoring, testNow))

	assert.Equal(t, 2, f.provider.callCount())
	rec := f.runRecord(t, model.OpProfileScoring, testDay)
	assert.Equal(t, 2, rec.Counts.Attempted)
	assert.Equal(t, 2, rec.Counts.Succeeded)
}
