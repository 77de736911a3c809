package model

import (
	"time"
)

// TenantStatus represents whether a tenant participates in scoring runs.
type TenantStatus string

const (
	TenantActive   TenantStatus = "Active"
	TenantInactive TenantStatus = "Inactive"
)

// Tier is the tenant's service level: 1 = profile scoring only,
// 2 = profile + post scoring.
type Tier int

const (
	TierProfileOnly     Tier = 1
	TierProfileAndPosts Tier = 2
)

// TenantLimits holds the per-tenant resource limits consumed by the
// orchestrator and quota accountant. Zero values fall back to global defaults.
type TenantLimits struct {
	ProfileTokenCap                 int `json:"profile_token_cap" yaml:"profile_token_cap"`
	PostTokenCap                    int `json:"post_token_cap" yaml:"post_token_cap"`
	PostsDailyTarget                int `json:"posts_daily_target" yaml:"posts_daily_target"`
	LeadsBatchSizeForPostCollection int `json:"leads_batch_size_for_post_collection" yaml:"leads_batch_size_for_post_collection"`
	MaxPostBatchesPerDayGuardrail   int `json:"max_post_batches_per_day_guardrail" yaml:"max_post_batches_per_day_guardrail"`
	PostScrapeBatchSize             int `json:"post_scrape_batch_size" yaml:"post_scrape_batch_size"`
	IntraTenantConcurrency          int `json:"intra_tenant_concurrency" yaml:"intra_tenant_concurrency"`
}

// Tenant is a registry entry for one isolated client. Tenants are never
// deleted; offboarding flips Status to Inactive.
type Tenant struct {
	ID                string       `json:"id" yaml:"id"`
	Handle            string       `json:"handle" yaml:"handle"`
	DisplayName       string       `json:"display_name" yaml:"display_name"`
	Status            TenantStatus `json:"status" yaml:"status"`
	Tier              Tier         `json:"tier" yaml:"tier"`
	StoreDriver       string       `json:"store_driver" yaml:"store_driver"`
	StoreDSN          string       `json:"store_dsn" yaml:"store_dsn"`
	ProcessingStream  int          `json:"processing_stream" yaml:"processing_stream"`
	PostAccessEnabled bool         `json:"post_access_enabled" yaml:"post_access_enabled"`
	Timezone          string       `json:"timezone" yaml:"timezone"`
	Limits            TenantLimits `json:"limits" yaml:"limits"`
}

// Location resolves the tenant timezone, defaulting to UTC when unset.
func (t *Tenant) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(t.Timezone)
}

// LocalDay formats now as a YYYY-MM-DD day in the tenant's timezone.
// Quota counters and run records are keyed by this value, so day roll-over
// happens at the tenant's local midnight.
func (t *Tenant) LocalDay(now time.Time) string {
	loc, err := t.Location()
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

// PostScoringEnabled reports whether post scoring applies to this tenant.
// The post-access flag gates independently of tier.
func (t *Tenant) PostScoringEnabled() bool {
	return t.Tier >= TierProfileAndPosts && t.PostAccessEnabled
}
