// Package orchestrator drives profile and post scoring across all active
// tenants: streams sequentially, tenants within a stream sequentially, and
// leads within a tenant batch concurrently with a bounded limit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadscore/internal/llm"
	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/parse"
	"github.com/sells-group/leadscore/internal/prompt"
	"github.com/sells-group/leadscore/internal/quota"
	"github.com/sells-group/leadscore/internal/resilience"
	"github.com/sells-group/leadscore/internal/rubric"
	"github.com/sells-group/leadscore/internal/runrec"
	"github.com/sells-group/leadscore/internal/score"
	"github.com/sells-group/leadscore/internal/store"
	"github.com/sells-group/leadscore/internal/tenant"
)

const (
	defaultTokenCap    = 4096
	defaultConcurrency = 5
	rateRetryBudget    = 3
)

// Config tunes one orchestrator invocation.
type Config struct {
	// ProfileBatchSize bounds candidate selection for profile scoring.
	ProfileBatchSize int
	// Concurrency is the intra-tenant limit when the tenant sets none.
	Concurrency int
	// Timeout is the per-call wall-clock deadline.
	Timeout time.Duration
	// HardTokenCeiling caps the doubled token budget on unparseable retry.
	HardTokenCeiling int
	// Reopen re-runs tenants whose run record is already terminal today.
	Reopen bool
	// Day overrides the tenant-local run date (YYYY-MM-DD). Empty means
	// derive it from the invocation time in each tenant's timezone.
	Day string
	// TenantFilter restricts the invocation to one tenant handle.
	TenantFilter string
	// StreamFilter restricts the invocation to one processing stream.
	StreamFilter *int
}

func (c Config) withDefaults() Config {
	if c.ProfileBatchSize <= 0 {
		c.ProfileBatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.HardTokenCeiling <= 0 {
		c.HardTokenCeiling = 16384
	}
	return c
}

// Orchestrator wires the directory, rubric cache, and LLM adapter together.
type Orchestrator struct {
	dir     *tenant.Directory
	rubrics *rubric.Loader
	adapter *llm.Adapter
	cfg     Config
}

func New(dir *tenant.Directory, rubrics *rubric.Loader, adapter *llm.Adapter, cfg Config) *Orchestrator {
	return &Orchestrator{dir: dir, rubrics: rubrics, adapter: adapter, cfg: cfg.withDefaults()}
}

// Run executes one invocation of the given operation. A tenant's failure
// never aborts the rest of the invocation.
func (o *Orchestrator) Run(ctx context.Context, op model.Operation, now time.Time) error {
	tenants, err := o.dir.ListActive(ctx, o.cfg.StreamFilter)
	if err != nil {
		return err
	}
	if o.cfg.TenantFilter != "" {
		filtered := tenants[:0]
		for _, t := range tenants {
			if t.Handle == o.cfg.TenantFilter {
				filtered = append(filtered, t)
			}
		}
		tenants = filtered
	}
	if len(tenants) == 0 {
		zap.L().Info("no active tenants to process", zap.String("operation", string(op)))
		return nil
	}

	byStream := make(map[int][]model.Tenant)
	for _, t := range tenants {
		byStream[t.ProcessingStream] = append(byStream[t.ProcessingStream], t)
	}
	streams := make([]int, 0, len(byStream))
	for s := range byStream {
		streams = append(streams, s)
	}
	sort.Ints(streams)

	for _, stream := range streams {
		for i := range byStream[stream] {
			t := byStream[stream][i]
			if err := ctx.Err(); err != nil {
				return err
			}
			o.runTenant(ctx, &t, op, now)
		}
	}
	return nil
}

// runTenant processes one tenant's batch. All failures are absorbed here;
// they surface through the run record and logs.
func (o *Orchestrator) runTenant(ctx context.Context, t *model.Tenant, op model.Operation, now time.Time) {
	log := zap.L().With(
		zap.String("tenant", t.Handle),
		zap.String("operation", string(op)),
	)

	if op == model.OpPostScoring && !t.PostScoringEnabled() {
		log.Debug("post scoring not enabled, skipping tenant")
		return
	}

	st, err := o.dir.StoreFor(ctx, t)
	if err != nil {
		log.Error("acquiring tenant store", zap.Error(err))
		return
	}

	day := t.LocalDay(now)
	if o.cfg.Day != "" {
		day = o.cfg.Day
	}
	svc := runrec.NewService(st)
	acct := quota.NewAccountant(st)

	rec, err := svc.OpenRun(ctx, store.RunIdentity{
		TenantHandle: t.Handle,
		Operation:    op,
		Day:          day,
		StreamID:     t.ProcessingStream,
	}, now, o.cfg.Reopen)
	if err != nil {
		if errors.Is(err, runrec.ErrAlreadyComplete) {
			log.Info("run already complete for day, skipping", zap.String("day", day))
		} else {
			log.Error("opening run record", zap.Error(err))
		}
		return
	}
	log = log.With(zap.String("run_id", rec.ID), zap.String("day", day))

	rub, err := o.rubrics.Load(ctx, st, t.Handle)
	if err != nil {
		log.Error("loading rubric", zap.Error(err))
		o.finish(ctx, svc, rec.ID, model.RunFailed, err.Error(), log)
		return
	}

	batchSize := o.cfg.ProfileBatchSize
	if op == model.OpPostScoring && t.Limits.LeadsBatchSizeForPostCollection > 0 {
		batchSize = t.Limits.LeadsBatchSizeForPostCollection
	}

	candidates, err := st.ListLeadsByStatus(ctx, model.ScoringToBeScored, batchSize)
	if err != nil {
		log.Error("selecting candidates", zap.Error(err))
		o.finish(ctx, svc, rec.ID, model.RunFailed, err.Error(), log)
		return
	}
	if len(candidates) == 0 {
		if err := svc.MarkInProgress(ctx, rec.ID); err != nil {
			log.Error("marking run in progress", zap.Error(err))
		}
		o.finish(ctx, svc, rec.ID, model.RunCompleted, "", log)
		return
	}

	decision, err := acct.Check(ctx, t, op, day, len(candidates))
	if err != nil {
		log.Error("checking quota", zap.Error(err))
		o.finish(ctx, svc, rec.ID, model.RunFailed, err.Error(), log)
		return
	}

	batch := candidates[:decision.N]
	trimmed := candidates[decision.N:]
	if !decision.Allow() {
		batch, trimmed = nil, candidates
		log.Info("quota denied, skipping batch", zap.String("reason", decision.Reason))
	}

	// Attempted accrues per lead event, so a resumed invocation that sees a
	// smaller candidate set never shrinks what earlier invocations counted.
	if err := svc.MarkInProgress(ctx, rec.ID); err != nil {
		log.Error("marking run in progress", zap.Error(err))
		o.finish(ctx, svc, rec.ID, model.RunFailed, err.Error(), log)
		return
	}

	for _, lead := range trimmed {
		if _, err := svc.Accumulate(ctx, rec.ID, lead.ID, model.EventSkipped, model.TokenUsage{}); err != nil {
			log.Error("recording skipped lead", zap.String("lead_id", lead.ID), zap.Error(err))
		}
	}

	concurrency := o.cfg.Concurrency
	if t.Limits.IntraTenantConcurrency > 0 {
		concurrency = t.Limits.IntraTenantConcurrency
	}

	run := &tenantRun{
		orch:  o,
		st:    st,
		svc:   svc,
		acct:  acct,
		ten:   t,
		rub:   rub,
		op:    op,
		runID: rec.ID,
		day:   day,
		log:   log,
	}
	run.rateBudget.Store(rateRetryBudget)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range batch {
		lead := batch[i]
		g.Go(func() error {
			return run.processLead(gctx, &lead)
		})
	}
	fatalErr := g.Wait()

	if ctx.Err() != nil {
		// Cancelled mid-batch: leave the run InProgress for resume.
		log.Warn("invocation cancelled, leaving run in progress")
		return
	}
	if fatalErr != nil {
		log.Error("fatal error, failing run", zap.Error(fatalErr))
		o.finish(ctx, svc, rec.ID, model.RunFailed, fatalErr.Error(), log)
		return
	}

	if op == model.OpPostScoring && len(batch) > 0 {
		key := rec.ID + ":post_batch"
		if err := acct.Consume(ctx, op, day, key, model.QuotaPostBatches, 1); err != nil {
			log.Error("recording post batch", zap.Error(err))
		}
	}

	status := model.RunCompleted
	if run.failed.Load() > 0 {
		status = model.RunCompletedWithErrors
	}
	o.finish(ctx, svc, rec.ID, status, "", log)
	log.Info("tenant batch complete",
		zap.Int64("succeeded", run.succeeded.Load()),
		zap.Int64("failed", run.failed.Load()),
		zap.Int64("excluded", run.excluded.Load()),
		zap.Int64("rate_waits", run.rateWaits.Load()),
	)
}

func (o *Orchestrator) finish(ctx context.Context, svc *runrec.Service, runID string, status model.RunStatus, lastError string, log *zap.Logger) {
	if err := svc.Finish(ctx, runID, status, lastError); err != nil {
		log.Error("finishing run record", zap.Error(err))
	}
}

// tenantRun carries the per-tenant batch state shared across lead workers.
type tenantRun struct {
	orch  *Orchestrator
	st    store.TenantStore
	svc   *runrec.Service
	acct  *quota.Accountant
	ten   *model.Tenant
	rub   *model.Rubric
	op    model.Operation
	runID string
	day   string
	log   *zap.Logger

	// rateBudget is shared across all leads in the batch: once it hits
	// zero, further rate-limited calls fail their lead instead of waiting.
	rateBudget atomic.Int64
	rateWaits  atomic.Int64

	succeeded atomic.Int64
	failed    atomic.Int64
	excluded  atomic.Int64
}

// errFatalProvider aborts the batch; the run record is marked Failed.
var errFatalProvider = errors.New("orchestrator: fatal provider error")

func (r *tenantRun) processLead(ctx context.Context, lead *model.Lead) error {
	if ctx.Err() != nil {
		return nil // abandoned, lead stays ToBeScored
	}

	var event model.RunEventKind
	var tokens model.TokenUsage
	var err error
	switch r.op {
	case model.OpPostScoring:
		event, tokens, err = r.scoreLeadPosts(ctx, lead)
	default:
		event, tokens, err = r.scoreLeadProfile(ctx, lead)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	switch event {
	case model.EventSucceeded:
		r.succeeded.Add(1)
	case model.EventFailed:
		r.failed.Add(1)
	case model.EventExcluded:
		r.excluded.Add(1)
	}

	if _, aerr := r.svc.Accumulate(ctx, r.runID, lead.ID, event, tokens); aerr != nil {
		r.log.Error("accumulating run event", zap.String("lead_id", lead.ID), zap.Error(aerr))
	}
	r.consumeLeadQuota(ctx, lead.ID, event, tokens)
	return nil
}

func (r *tenantRun) consumeLeadQuota(ctx context.Context, leadID string, event model.RunEventKind, tokens model.TokenUsage) {
	if event == model.EventSucceeded || event == model.EventExcluded {
		kind := model.QuotaLeads
		if r.op == model.OpPostScoring {
			kind = model.QuotaPosts
		}
		key := fmt.Sprintf("%s:%s:%s", r.runID, leadID, kind)
		if err := r.acct.Consume(ctx, r.op, r.day, key, kind, 1); err != nil {
			r.log.Error("consuming lead quota", zap.String("lead_id", leadID), zap.Error(err))
		}
	}
	if tokens.TotalTokens > 0 {
		key := fmt.Sprintf("%s:%s:tokens", r.runID, leadID)
		if err := r.acct.Consume(ctx, r.op, r.day, key, model.QuotaTokens, tokens.TotalTokens); err != nil {
			r.log.Error("consuming token quota", zap.String("lead_id", leadID), zap.Error(err))
		}
	}
}

// scoreLeadProfile runs the per-lead profile pipeline: minimize, assemble,
// invoke, parse, compute, persist.
func (r *tenantRun) scoreLeadProfile(ctx context.Context, lead *model.Lead) (model.RunEventKind, model.TokenUsage, error) {
	profile, err := prompt.Minimize(lead.ProfileJSON)
	if err != nil {
		r.log.Warn("unparseable profile payload", zap.String("lead_id", lead.ID), zap.Error(err))
		r.markLeadFailed(ctx, lead.ID, "unparseable profile payload")
		return model.EventFailed, model.TokenUsage{}, nil
	}
	prompts, err := prompt.Assemble(r.rub, profile)
	if err != nil {
		r.markLeadFailed(ctx, lead.ID, err.Error())
		return model.EventFailed, model.TokenUsage{}, nil
	}

	verdict := r.invoke(ctx, prompts, r.ten.Limits.ProfileTokenCap)
	if verdict.fatal != nil {
		return "", verdict.usage, verdict.fatal
	}
	if verdict.abandoned {
		return "", verdict.usage, ctx.Err()
	}
	if verdict.res == nil {
		// Blocked or exhausted retries.
		if verdict.blocked {
			r.markLeadExcluded(ctx, lead.ID, verdict.detail, nil, 0, "")
			return model.EventExcluded, verdict.usage, nil
		}
		r.markLeadFailed(ctx, lead.ID, verdict.detail)
		return model.EventFailed, verdict.usage, nil
	}

	res := verdict.res
	summary, breakdown := score.Compute(res, r.rub)
	if len(res.UnknownIDs) > 0 {
		r.log.Warn("model scored unknown attributes",
			zap.String("lead_id", lead.ID),
			zap.Strings("ids", res.UnknownIDs),
		)
	}

	excluded := res.Excluded
	details := res.ExcludeDetails
	if id, disq := score.Disqualified(res, r.rub); disq {
		excluded = true
		if entry, ok := res.NegativeScores[id]; ok && entry.Reason != "" {
			details = entry.Reason
		} else if details == "" {
			details = "disqualifying attribute " + id + " fully triggered"
		}
	}

	status := model.ScoringScored
	event := model.EventSucceeded
	if excluded {
		status = model.ScoringExcluded
		event = model.EventExcluded
	}

	now := time.Now().UTC()
	excludedFlag := excluded
	patch := store.LeadPatch{
		ScoringStatus:       &status,
		AIScore:             &summary.Percentage,
		AIProfileAssessment: &res.Assessment,
		AttributeBreakdown:  breakdown,
		AIExcluded:          &excludedFlag,
		ExcludeDetails:      &details,
		DateScored:          &now,
	}
	if err := r.writeLead(ctx, lead.ID, patch); err != nil {
		r.log.Error("persisting score", zap.String("lead_id", lead.ID), zap.Error(err))
		r.markLeadFailed(ctx, lead.ID, "store write failure: "+err.Error())
		return model.EventFailed, verdict.usage, nil
	}
	return event, verdict.usage, nil
}

// scoreLeadPosts scores each of the lead's pending posts independently and
// records the top post on the lead.
func (r *tenantRun) scoreLeadPosts(ctx context.Context, lead *model.Lead) (model.RunEventKind, model.TokenUsage, error) {
	posts, err := r.st.ListPostsByLead(ctx, lead.ID)
	if err != nil {
		r.log.Error("listing posts", zap.String("lead_id", lead.ID), zap.Error(err))
		return model.EventFailed, model.TokenUsage{}, nil
	}

	var usage model.TokenUsage
	pending := 0
	anyFailed := false
	for i := range posts {
		p := &posts[i]
		if p.RelevanceStatus != model.PostToBeScored {
			continue
		}
		pending++
		if ctx.Err() != nil {
			return "", usage, ctx.Err()
		}

		u, failed, fatal := r.scorePost(ctx, p)
		usage.Add(u)
		if fatal != nil {
			return "", usage, fatal
		}
		if failed {
			anyFailed = true
		}
	}
	if pending == 0 {
		return model.EventSkipped, usage, nil
	}

	// Refresh and pick the top post across everything scored so far.
	posts, err = r.st.ListPostsByLead(ctx, lead.ID)
	if err == nil {
		var top *model.Post
		for i := range posts {
			p := &posts[i]
			if p.RelevanceStatus != model.PostScored {
				continue
			}
			if top == nil || p.Relevance > top.Relevance {
				top = p
			}
		}
		if top != nil {
			patch := store.LeadPatch{TopPostURL: &top.URL, TopPostRelevance: &top.Relevance}
			if werr := r.writeLead(ctx, lead.ID, patch); werr != nil {
				r.log.Error("persisting top post", zap.String("lead_id", lead.ID), zap.Error(werr))
				anyFailed = true
			}
		}
	} else {
		r.log.Error("reloading posts", zap.String("lead_id", lead.ID), zap.Error(err))
		anyFailed = true
	}

	if anyFailed {
		return model.EventFailed, usage, nil
	}
	return model.EventSucceeded, usage, nil
}

func (r *tenantRun) scorePost(ctx context.Context, p *model.Post) (model.TokenUsage, bool, error) {
	prompts, err := prompt.AssemblePost(r.rub, p)
	if err != nil {
		r.markPostFailed(ctx, p.URL)
		return model.TokenUsage{}, true, nil
	}

	verdict := r.invoke(ctx, prompts, r.ten.Limits.PostTokenCap)
	if verdict.fatal != nil {
		return verdict.usage, true, verdict.fatal
	}
	if verdict.abandoned {
		return verdict.usage, true, ctx.Err()
	}
	if verdict.res == nil {
		r.markPostFailed(ctx, p.URL)
		return verdict.usage, true, nil
	}

	summary, breakdown := score.Compute(verdict.res, r.rub)
	now := time.Now().UTC()
	status := model.PostScored
	patch := store.PostPatch{
		RelevanceStatus:    &status,
		Relevance:          &summary.Percentage,
		AttributeBreakdown: breakdown,
		DateScored:         &now,
	}
	if err := resilience.Do(ctx, storeWritePolicy(), func(ctx context.Context) error {
		return r.st.UpdatePost(ctx, p.URL, patch)
	}); err != nil {
		r.log.Error("persisting post score", zap.String("post_url", p.URL), zap.Error(err))
		r.markPostFailed(ctx, p.URL)
		return verdict.usage, true, nil
	}
	return verdict.usage, false, nil
}

// invokeVerdict is the terminal state of one lead's (or post's) call loop.
type invokeVerdict struct {
	res       *parse.Result
	usage     model.TokenUsage
	blocked   bool
	abandoned bool
	detail    string
	fatal     error
}

// invoke drives the retry matrix for a single scoring target: unparseable
// replies get one retry at double the token budget, timeouts one retry at
// 1.5x the deadline, transient and network errors one retry, rate limits a
// shared per-batch backoff budget, and fatal errors abort the batch.
func (r *tenantRun) invoke(ctx context.Context, prompts prompt.Prompts, tokenCap int) invokeVerdict {
	maxTokens := tokenCap
	if maxTokens <= 0 {
		maxTokens = defaultTokenCap
	}
	timeout := r.orch.cfg.Timeout
	temperature := 0.0

	var usage model.TokenUsage
	var unparseableRetried, timeoutRetried, transientRetried bool
	rateAttempt := 0

	for {
		if ctx.Err() != nil {
			return invokeVerdict{usage: usage, abandoned: true}
		}

		out := r.orch.adapter.Do(ctx, llm.Request{
			System:          prompts.System,
			User:            prompts.User,
			MaxOutputTokens: maxTokens,
			Timeout:         timeout,
			Temperature:     &temperature,
		})
		usage.Add(out.Usage)

		switch out.Kind {
		case llm.OutcomeOK:
			res, err := parse.Parse(out.Text, out.FinishReason, r.rub)
			if err == nil {
				return invokeVerdict{res: res, usage: usage}
			}
			var ue *parse.UnparseableError
			if errors.As(err, &ue) && !unparseableRetried {
				unparseableRetried = true
				maxTokens *= 2
				if ceiling := r.orch.cfg.HardTokenCeiling; maxTokens > ceiling {
					maxTokens = ceiling
				}
				r.log.Debug("unparseable response, retrying with larger budget",
					zap.Int("max_tokens", maxTokens),
					zap.String("reason", ue.Reason),
				)
				continue
			}
			return invokeVerdict{usage: usage, detail: "unparseable response: " + err.Error()}

		case llm.OutcomeTimeout:
			if !timeoutRetried {
				timeoutRetried = true
				timeout = timeout * 3 / 2
				continue
			}
			return invokeVerdict{usage: usage, detail: "timed out twice"}

		case llm.OutcomeBlocked:
			detail := out.BlockReason
			if detail == "" {
				detail = "provider refused to produce content"
			}
			if len(out.SafetyCategories) > 0 {
				detail = fmt.Sprintf("%s (%v)", detail, out.SafetyCategories)
			}
			return invokeVerdict{usage: usage, blocked: true, detail: detail}

		default: // OutcomeProviderError
			switch out.ErrKind {
			case llm.ErrRate:
				if r.rateBudget.Add(-1) < 0 {
					return invokeVerdict{usage: usage, detail: "rate limit retry budget exhausted"}
				}
				r.rateWaits.Add(1)
				delay := resilience.Backoff(rateAttempt, resilience.Policy{
					InitialBackoff: 500 * time.Millisecond,
					MaxBackoff:     30 * time.Second,
					JitterFraction: 0.25,
				})
				rateAttempt++
				r.log.Warn("rate limited, backing off", zap.Duration("delay", delay))
				if err := resilience.Sleep(ctx, delay); err != nil {
					return invokeVerdict{usage: usage, abandoned: true}
				}
				continue
			case llm.ErrTransient, llm.ErrNetwork:
				if !transientRetried {
					transientRetried = true
					continue
				}
				return invokeVerdict{usage: usage, detail: "transient provider error persisted: " + out.ErrMessage}
			default:
				return invokeVerdict{usage: usage, fatal: eris.Wrap(errFatalProvider, out.ErrMessage)}
			}
		}
	}
}

func storeWritePolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts: 2,
		ShouldRetry: func(error) bool { return true },
	}
}

func (r *tenantRun) writeLead(ctx context.Context, leadID string, patch store.LeadPatch) error {
	return resilience.Do(ctx, storeWritePolicy(), func(ctx context.Context) error {
		return r.st.UpdateLead(ctx, leadID, patch)
	})
}

func (r *tenantRun) markLeadFailed(ctx context.Context, leadID, reason string) {
	r.log.Warn("lead failed", zap.String("lead_id", leadID), zap.String("reason", reason))
	status := model.ScoringFailed
	if err := r.writeLead(ctx, leadID, store.LeadPatch{ScoringStatus: &status}); err != nil {
		r.log.Error("marking lead failed", zap.String("lead_id", leadID), zap.Error(err))
	}
}

func (r *tenantRun) markLeadExcluded(ctx context.Context, leadID, detail string, breakdown map[string]model.AttributeScore, pct float64, assessment string) {
	status := model.ScoringExcluded
	excluded := true
	now := time.Now().UTC()
	patch := store.LeadPatch{
		ScoringStatus:  &status,
		AIExcluded:     &excluded,
		ExcludeDetails: &detail,
		DateScored:     &now,
	}
	if breakdown != nil {
		patch.AttributeBreakdown = breakdown
		patch.AIScore = &pct
		patch.AIProfileAssessment = &assessment
	}
	if err := r.writeLead(ctx, leadID, patch); err != nil {
		r.log.Error("marking lead excluded", zap.String("lead_id", leadID), zap.Error(err))
	}
}

func (r *tenantRun) markPostFailed(ctx context.Context, url string) {
	status := model.PostFailed
	if err := resilience.Do(ctx, storeWritePolicy(), func(ctx context.Context) error {
		return r.st.UpdatePost(ctx, url, store.PostPatch{RelevanceStatus: &status})
	}); err != nil {
		r.log.Error("marking post failed", zap.String("post_url", url), zap.Error(err))
	}
}
