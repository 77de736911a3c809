// Package quota enforces per-tenant daily caps. Counters are keyed by the
// tenant-local day, so a day roll-over simply starts consuming fresh rows.
package quota

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/store"
)

// Decision is the outcome of a quota check. When denied, N is zero and
// Reason says which budget ran out; otherwise N is the admissible size,
// possibly smaller than requested.
type Decision struct {
	N      int
	Denied bool
	Reason string
}

// Allow reports whether any units were admitted.
func (d Decision) Allow() bool {
	return !d.Denied && d.N > 0
}

// Accountant checks and records consumption against one tenant's store.
type Accountant struct {
	st store.TenantStore
}

func NewAccountant(st store.TenantStore) *Accountant {
	return &Accountant{st: st}
}

// Check returns how many of the requested n units fit in the remaining
// daily budget. Profile scoring has no daily unit cap; post scoring is
// bounded by the posts daily target and the post-batch guardrail.
func (a *Accountant) Check(ctx context.Context, tenant *model.Tenant, op model.Operation, day string, n int) (Decision, error) {
	if n <= 0 {
		return Decision{Denied: true, Reason: "nothing requested"}, nil
	}
	if op != model.OpPostScoring {
		return Decision{N: n}, nil
	}

	counter, err := a.st.GetQuotaCounter(ctx, op, day)
	if err != nil {
		return Decision{}, eris.Wrap(err, "quota: read counter")
	}

	if g := tenant.Limits.MaxPostBatchesPerDayGuardrail; g > 0 && counter.PostBatchesRun >= g {
		return Decision{Denied: true, Reason: fmt.Sprintf("post batch guardrail reached (%d/%d)", counter.PostBatchesRun, g)}, nil
	}

	if target := tenant.Limits.PostsDailyTarget; target > 0 {
		remaining := target - counter.PostsHarvested
		if remaining <= 0 {
			return Decision{Denied: true, Reason: fmt.Sprintf("posts daily target reached (%d/%d)", counter.PostsHarvested, target)}, nil
		}
		if n > remaining {
			zap.L().Info("trimming batch to remaining quota",
				zap.String("tenant", tenant.Handle),
				zap.String("day", day),
				zap.Int("requested", n),
				zap.Int("remaining", remaining),
			)
			n = remaining
		}
	}

	return Decision{N: n}, nil
}

// Consume records n units against one quota dimension. The key makes the
// entry idempotent: a resumed run replaying the same (runID, step) pair
// does not double-count.
func (a *Accountant) Consume(ctx context.Context, op model.Operation, day, key string, kind model.QuotaKind, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := a.st.ApplyQuotaEntry(ctx, op, day, key, kind, n)
	return eris.Wrap(err, "quota: consume")
}
