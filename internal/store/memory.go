package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sells-group/leadscore/internal/model"
)

// MemoryControlStore is an in-memory ControlStore for tests and the
// "memory" driver.
type MemoryControlStore struct {
	mu      sync.RWMutex
	tenants map[string]model.Tenant
}

func NewMemoryControlStore() *MemoryControlStore {
	return &MemoryControlStore{tenants: make(map[string]model.Tenant)}
}

func (m *MemoryControlStore) GetTenant(_ context.Context, handle string) (*model.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[handle]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (m *MemoryControlStore) ListActiveTenants(_ context.Context, stream *int) ([]model.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if t.Status != model.TenantActive {
			continue
		}
		if stream != nil && t.ProcessingStream != *stream {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

func (m *MemoryControlStore) UpsertTenant(_ context.Context, t *model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.tenants[t.Handle] = *t
	return nil
}

func (m *MemoryControlStore) Migrate(context.Context) error { return nil }
func (m *MemoryControlStore) Close() error                  { return nil }

type runEventKey struct {
	runID  string
	leadID string
	kind   model.RunEventKind
}

type quotaKey struct {
	op  model.Operation
	day string
	key string
}

type quotaCounterKey struct {
	op  model.Operation
	day string
}

// MemoryTenantStore is an in-memory TenantStore. It mirrors the SQL
// implementations' semantics, including idempotent event and quota keys,
// and is safe for concurrent use.
type MemoryTenantStore struct {
	mu         sync.Mutex
	handle     string
	leads      map[string]model.Lead
	leadOrder  []string
	posts      map[string]model.Post
	attributes []model.Attribute
	settings   model.Settings
	runs       map[string]model.RunRecord // by run id
	runEvents  map[runEventKey]struct{}
	quotas     map[quotaCounterKey]model.QuotaCounter
	quotaKeys  map[quotaKey]struct{}
}

func NewMemoryTenantStore(handle string) *MemoryTenantStore {
	return &MemoryTenantStore{
		handle:    handle,
		leads:     make(map[string]model.Lead),
		posts:     make(map[string]model.Post),
		runs:      make(map[string]model.RunRecord),
		runEvents: make(map[runEventKey]struct{}),
		quotas:    make(map[quotaCounterKey]model.QuotaCounter),
		quotaKeys: make(map[quotaKey]struct{}),
	}
}

// SeedLead inserts a lead, preserving insertion order for listing.
func (m *MemoryTenantStore) SeedLead(l model.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leads[l.ID]; !ok {
		m.leadOrder = append(m.leadOrder, l.ID)
	}
	m.leads[l.ID] = l
}

// SeedPost inserts a post keyed by URL.
func (m *MemoryTenantStore) SeedPost(p model.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.URL] = p
}

// SeedAttributes replaces the rubric rows.
func (m *MemoryTenantStore) SeedAttributes(attrs []model.Attribute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributes = append([]model.Attribute(nil), attrs...)
}

// SeedSettings replaces the settings row.
func (m *MemoryTenantStore) SeedSettings(s model.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

func (m *MemoryTenantStore) ListLeadsByStatus(_ context.Context, status model.ScoringStatus, limit int) ([]model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Lead
	for _, id := range m.leadOrder {
		l := m.leads[id]
		if l.ScoringStatus != status {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryTenantStore) GetLead(_ context.Context, id string) (*model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := l
	return &cp, nil
}

func (m *MemoryTenantStore) UpdateLead(_ context.Context, id string, patch LeadPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return ErrNotFound
	}
	if patch.ScoringStatus != nil {
		l.ScoringStatus = *patch.ScoringStatus
	}
	if patch.AIScore != nil {
		l.AIScore = *patch.AIScore
	}
	if patch.AIProfileAssessment != nil {
		l.AIProfileAssessment = *patch.AIProfileAssessment
	}
	if patch.AttributeBreakdown != nil {
		l.AttributeBreakdown = patch.AttributeBreakdown
	}
	if patch.AIExcluded != nil {
		l.AIExcluded = *patch.AIExcluded
	}
	if patch.ExcludeDetails != nil {
		l.ExcludeDetails = *patch.ExcludeDetails
	}
	if patch.DateScored != nil {
		l.DateScored = patch.DateScored
	}
	if patch.TopPostURL != nil {
		l.TopPostURL = *patch.TopPostURL
	}
	if patch.TopPostRelevance != nil {
		l.TopPostRelevance = *patch.TopPostRelevance
	}
	m.leads[id] = l
	return nil
}

func (m *MemoryTenantStore) ListPostsByLead(_ context.Context, leadID string) ([]model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Post
	for _, p := range m.posts {
		if p.LeadID == leadID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (m *MemoryTenantStore) UpdatePost(_ context.Context, url string, patch PostPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[url]
	if !ok {
		return ErrNotFound
	}
	if patch.RelevanceStatus != nil {
		p.RelevanceStatus = *patch.RelevanceStatus
	}
	if patch.Relevance != nil {
		p.Relevance = *patch.Relevance
	}
	if patch.AttributeBreakdown != nil {
		p.AttributeBreakdown = patch.AttributeBreakdown
	}
	if patch.DateScored != nil {
		p.DateScored = patch.DateScored
	}
	m.posts[url] = p
	return nil
}

func (m *MemoryTenantStore) ListAttributes(_ context.Context, kind model.AttributeKind) ([]model.Attribute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attribute
	for _, a := range m.attributes {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryTenantStore) GetSettings(_ context.Context) (*model.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.settings
	return &cp, nil
}

func identityMatches(rec *model.RunRecord, id RunIdentity) bool {
	return rec.TenantHandle == id.TenantHandle &&
		rec.Operation == id.Operation &&
		rec.RunDate == id.Day &&
		rec.StreamID == id.StreamID
}

func (m *MemoryTenantStore) GetRunRecord(_ context.Context, id RunIdentity) (*model.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.runs {
		if identityMatches(&rec, id) {
			cp := rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryTenantStore) InsertRunRecord(_ context.Context, rec *model.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := RunIdentity{rec.TenantHandle, rec.Operation, rec.RunDate, rec.StreamID}
	for _, existing := range m.runs {
		if identityMatches(&existing, id) {
			return ErrConflict
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.runs[rec.ID] = *rec
	return nil
}

func (m *MemoryTenantStore) UpdateRunRecord(_ context.Context, runID string, expect []model.RunStatus, patch RunPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if len(expect) > 0 {
		matched := false
		for _, s := range expect {
			if rec.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return ErrConflict
		}
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.FinishedAt != nil {
		rec.FinishedAt = patch.FinishedAt
	}
	if patch.LastError != nil {
		rec.LastError = *patch.LastError
	}
	m.runs[runID] = rec
	return nil
}

func (m *MemoryTenantStore) ListRunRecords(_ context.Context, limit int) ([]model.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTenantStore) ApplyRunEvent(_ context.Context, runID, leadID string, kind model.RunEventKind, tokens model.TokenUsage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	k := runEventKey{runID, leadID, kind}
	if _, applied := m.runEvents[k]; applied {
		return false, nil
	}
	m.runEvents[k] = struct{}{}
	rec.Counts.Attempted++
	switch kind {
	case model.EventSucceeded:
		rec.Counts.Succeeded++
	case model.EventFailed:
		rec.Counts.Failed++
	case model.EventSkipped:
		rec.Counts.Skipped++
	case model.EventExcluded:
		rec.Counts.Excluded++
	}
	rec.Tokens.Add(tokens)
	m.runs[runID] = rec
	return true, nil
}

func (m *MemoryTenantStore) GetQuotaCounter(_ context.Context, op model.Operation, day string) (*model.QuotaCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.quotas[quotaCounterKey{op, day}]
	if !ok {
		return &model.QuotaCounter{TenantHandle: m.handle, Operation: op, Day: day}, nil
	}
	cp := c
	return &cp, nil
}

func (m *MemoryTenantStore) ApplyQuotaEntry(_ context.Context, op model.Operation, day, key string, kind model.QuotaKind, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qk := quotaKey{op, day, key}
	if _, applied := m.quotaKeys[qk]; applied {
		return false, nil
	}
	m.quotaKeys[qk] = struct{}{}
	ck := quotaCounterKey{op, day}
	c, ok := m.quotas[ck]
	if !ok {
		c = model.QuotaCounter{TenantHandle: m.handle, Operation: op, Day: day}
	}
	switch kind {
	case model.QuotaPosts:
		c.PostsHarvested += n
	case model.QuotaPostBatches:
		c.PostBatchesRun += n
	case model.QuotaLeads:
		c.LeadsScored += n
	case model.QuotaTokens:
		c.TokensConsumed += n
	}
	m.quotas[ck] = c
	return true, nil
}

func (m *MemoryTenantStore) Migrate(context.Context) error { return nil }
func (m *MemoryTenantStore) Close() error                  { return nil }
