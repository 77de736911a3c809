// Package rubric loads and validates per-tenant scoring rubrics with a
// short-lived in-process cache.
package rubric

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/store"
)

var (
	positiveIDPattern = regexp.MustCompile(`^[A-Z]$`)
	negativeIDPattern = regexp.MustCompile(`^N\d+$`)
)

// Loader caches validated rubrics per tenant. A cached rubric older than
// 2×TTL is never served, even when the store is down.
type Loader struct {
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]*model.Rubric
}

// NewLoader creates a Loader. TTL is capped at 10 minutes.
func NewLoader(ttl time.Duration) *Loader {
	if ttl <= 0 || ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}
	return &Loader{ttl: ttl, cache: make(map[string]*model.Rubric)}
}

// Load returns the tenant's validated rubric, from cache when fresh. On
// store failure the last known good rubric is returned only while its age
// is at most twice the TTL; validation failures are never masked.
func (l *Loader) Load(ctx context.Context, st store.TenantStore, tenantHandle string) (*model.Rubric, error) {
	now := time.Now()

	l.mu.Lock()
	cached := l.cache[tenantHandle]
	l.mu.Unlock()

	if cached != nil && now.Sub(cached.LoadedAt) <= l.ttl {
		return cached, nil
	}

	r, err := l.fetch(ctx, st, tenantHandle, now)
	if err != nil {
		var verr *ValidationError
		if cached != nil && !errors.As(err, &verr) && now.Sub(cached.LoadedAt) <= 2*l.ttl {
			zap.L().Warn("serving stale rubric after store error",
				zap.String("tenant", tenantHandle),
				zap.Duration("age", now.Sub(cached.LoadedAt)),
				zap.Error(err),
			)
			return cached, nil
		}
		return nil, err
	}

	l.mu.Lock()
	l.cache[tenantHandle] = r
	l.mu.Unlock()
	return r, nil
}

// Invalidate drops the tenant's cache entry.
func (l *Loader) Invalidate(tenantHandle string) {
	l.mu.Lock()
	delete(l.cache, tenantHandle)
	l.mu.Unlock()
}

func (l *Loader) fetch(ctx context.Context, st store.TenantStore, tenantHandle string, now time.Time) (*model.Rubric, error) {
	positives, err := st.ListAttributes(ctx, model.AttributePositive)
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: load positives for %s", tenantHandle)
	}
	negatives, err := st.ListAttributes(ctx, model.AttributeNegative)
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: load negatives for %s", tenantHandle)
	}
	settings, err := st.GetSettings(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "rubric: load settings for %s", tenantHandle)
	}

	r := &model.Rubric{
		TenantHandle: tenantHandle,
		Preamble:     settings.RubricPreamble,
		Positives:    positives,
		Negatives:    negatives,
		LoadedAt:     now,
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ValidationError describes a rubric that cannot be scored against.
type ValidationError struct {
	TenantHandle string
	Problem      string
}

func (e *ValidationError) Error() string {
	return "rubric: invalid rubric for " + e.TenantHandle + ": " + e.Problem
}

// Validate checks structural invariants: unique ids, id shape per kind,
// sign constraints on max points, and a positive denominator.
func Validate(r *model.Rubric) error {
	fail := func(problem string) error {
		return &ValidationError{TenantHandle: r.TenantHandle, Problem: problem}
	}

	seen := make(map[string]bool, len(r.Positives)+len(r.Negatives))
	contactReadiness := 0
	for _, a := range r.Positives {
		if !positiveIDPattern.MatchString(a.ID) {
			return fail("positive attribute id must be a single uppercase letter: " + a.ID)
		}
		if seen[a.ID] {
			return fail("duplicate attribute id: " + a.ID)
		}
		seen[a.ID] = true
		if a.MaxPoints < 0 {
			return fail("positive attribute " + a.ID + " has negative max points")
		}
		if a.ContactReadiness {
			contactReadiness++
		}
	}
	for _, a := range r.Negatives {
		if !negativeIDPattern.MatchString(a.ID) {
			return fail("negative attribute id must match N<digits>: " + a.ID)
		}
		if seen[a.ID] {
			return fail("duplicate attribute id: " + a.ID)
		}
		seen[a.ID] = true
		if a.MaxPoints > 0 {
			return fail("negative attribute " + a.ID + " has positive max points")
		}
	}

	if contactReadiness > 1 {
		return fail("more than one contact-readiness attribute")
	}
	if r.Denominator() <= 0 {
		return fail("denominator must be positive")
	}
	return nil
}
