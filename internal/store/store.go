package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/leadscore/internal/model"
)

// ErrNotFound is returned when a lookup matches no row. List operations
// return empty slices instead.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write loses a uniqueness or compare-and-set
// race: inserting a run record that already exists, or updating one whose
// status moved out of the expected set.
var ErrConflict = errors.New("store: conflict")

// ControlStore is the control-plane registry of tenants. There is exactly
// one control store per deployment.
type ControlStore interface {
	GetTenant(ctx context.Context, handle string) (*model.Tenant, error)
	// ListActiveTenants returns Active tenants ordered by handle. A non-nil
	// stream restricts the result to one processing stream.
	ListActiveTenants(ctx context.Context, stream *int) ([]model.Tenant, error)
	UpsertTenant(ctx context.Context, t *model.Tenant) error
	Migrate(ctx context.Context) error
	Close() error
}

// LeadPatch updates a lead's scoring outcome. Nil fields are left untouched.
type LeadPatch struct {
	ScoringStatus       *model.ScoringStatus
	AIScore             *float64
	AIProfileAssessment *string
	AttributeBreakdown  map[string]model.AttributeScore
	AIExcluded          *bool
	ExcludeDetails      *string
	DateScored          *time.Time
	TopPostURL          *string
	TopPostRelevance    *float64
}

// PostPatch updates a post's relevance outcome. Nil fields are left untouched.
type PostPatch struct {
	RelevanceStatus    *model.PostRelevanceStatus
	Relevance          *float64
	AttributeBreakdown map[string]model.AttributeScore
	DateScored         *time.Time
}

// RunPatch updates a run record. Nil fields are left untouched. Status
// changes go through UpdateRunRecord's expected-status guard.
type RunPatch struct {
	Status     *model.RunStatus
	FinishedAt *time.Time
	LastError  *string
}

// RunIdentity is the natural key of a run record: one record exists per
// tenant, operation, tenant-local day, and processing stream.
type RunIdentity struct {
	TenantHandle string
	Operation    model.Operation
	Day          string
	StreamID     int
}

// TenantStore is one tenant's isolated data plane: leads, posts, scoring
// attributes, run records, and quota counters. Implementations must make
// ApplyRunEvent and ApplyQuotaEntry idempotent on their keys so that crash
// replays never double-count.
type TenantStore interface {
	ListLeadsByStatus(ctx context.Context, status model.ScoringStatus, limit int) ([]model.Lead, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	UpdateLead(ctx context.Context, id string, patch LeadPatch) error

	ListPostsByLead(ctx context.Context, leadID string) ([]model.Post, error)
	UpdatePost(ctx context.Context, url string, patch PostPatch) error

	// ListAttributes returns the rubric rows of one kind in store order.
	ListAttributes(ctx context.Context, kind model.AttributeKind) ([]model.Attribute, error)
	GetSettings(ctx context.Context) (*model.Settings, error)

	GetRunRecord(ctx context.Context, id RunIdentity) (*model.RunRecord, error)
	// InsertRunRecord creates the run; ErrConflict if the identity exists.
	InsertRunRecord(ctx context.Context, rec *model.RunRecord) error
	// UpdateRunRecord applies patch iff the current status is in expect.
	// A guard miss returns ErrConflict.
	UpdateRunRecord(ctx context.Context, runID string, expect []model.RunStatus, patch RunPatch) error
	ListRunRecords(ctx context.Context, limit int) ([]model.RunRecord, error)
	// ApplyRunEvent records one per-lead completion, bumping attempted and
	// the matching outcome counter together so the two never drift across
	// resumes. Returns false when the (run, lead, kind) event was already
	// applied.
	ApplyRunEvent(ctx context.Context, runID, leadID string, kind model.RunEventKind, tokens model.TokenUsage) (bool, error)

	// GetQuotaCounter returns the day's counter, or a zero counter when no
	// consumption has been recorded yet.
	GetQuotaCounter(ctx context.Context, op model.Operation, day string) (*model.QuotaCounter, error)
	// ApplyQuotaEntry adds n to one quota dimension, idempotent on key.
	// Returns false when the key was already applied.
	ApplyQuotaEntry(ctx context.Context, op model.Operation, day, key string, kind model.QuotaKind, n int) (bool, error)

	Migrate(ctx context.Context) error
	Close() error
}
