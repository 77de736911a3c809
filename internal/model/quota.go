package model

// QuotaKind names one quota dimension tracked per tenant-local day.
type QuotaKind string

const (
	QuotaPosts       QuotaKind = "posts"
	QuotaPostBatches QuotaKind = "post_batches"
	QuotaLeads       QuotaKind = "leads"
	QuotaTokens      QuotaKind = "tokens"
)

// QuotaCounter is the per-(tenant, operation, day) consumption snapshot.
// Counters only grow within a day; a new tenant-local day starts fresh rows.
type QuotaCounter struct {
	TenantHandle   string    `json:"tenant_handle"`
	Operation      Operation `json:"operation"`
	Day            string    `json:"day"`
	PostsHarvested int       `json:"posts_harvested"`
	PostBatchesRun int       `json:"post_batches_run"`
	LeadsScored    int       `json:"leads_scored"`
	TokensConsumed int       `json:"tokens_consumed"`
}
