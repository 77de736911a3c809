package model

import "time"

// AttributeKind distinguishes scoring attributes that add points from those
// that subtract them.
type AttributeKind string

const (
	AttributePositive AttributeKind = "positive"
	AttributeNegative AttributeKind = "negative"
)

// Attribute is one entry of a tenant's scoring rubric. Positive attributes
// carry single-uppercase-letter ids and non-negative MaxPoints; negative
// attributes carry N<digits> ids and non-positive MaxPoints (the penalty).
type Attribute struct {
	ID               string        `json:"id"`
	Kind             AttributeKind `json:"kind"`
	Description      string        `json:"description"`
	MaxPoints        int           `json:"max_points"`
	Instructions     string        `json:"instructions,omitempty"`
	Examples         string        `json:"examples,omitempty"`
	Signals          string        `json:"signals,omitempty"`
	Disqualifying    bool          `json:"disqualifying,omitempty"`
	ContactReadiness bool          `json:"contact_readiness,omitempty"`
}

// Rubric is a tenant's validated attribute dictionary plus its free-text
// preamble. Attribute order is the store order and is preserved for
// observability; prompt assembly sorts by id for determinism.
type Rubric struct {
	TenantHandle string
	Preamble     string
	Positives    []Attribute
	Negatives    []Attribute
	LoadedAt     time.Time
}

// Denominator is the sum of positive max points. Validation guarantees > 0.
func (r *Rubric) Denominator() int {
	var sum int
	for _, a := range r.Positives {
		sum += a.MaxPoints
	}
	return sum
}

// Positive returns the positive attribute with the given id.
func (r *Rubric) Positive(id string) (Attribute, bool) {
	for _, a := range r.Positives {
		if a.ID == id {
			return a, true
		}
	}
	return Attribute{}, false
}

// Negative returns the negative attribute with the given id.
func (r *Rubric) Negative(id string) (Attribute, bool) {
	for _, a := range r.Negatives {
		if a.ID == id {
			return a, true
		}
	}
	return Attribute{}, false
}

// Has reports whether id names any attribute in the rubric.
func (r *Rubric) Has(id string) bool {
	if _, ok := r.Positive(id); ok {
		return true
	}
	_, ok := r.Negative(id)
	return ok
}

// ContactReadinessAttribute returns the positive attribute flagged as the
// contact-readiness criterion, if the rubric defines one.
func (r *Rubric) ContactReadinessAttribute() (Attribute, bool) {
	for _, a := range r.Positives {
		if a.ContactReadiness {
			return a, true
		}
	}
	return Attribute{}, false
}

// AttributeIDs returns every id in the rubric, positives first.
func (r *Rubric) AttributeIDs() []string {
	ids := make([]string, 0, len(r.Positives)+len(r.Negatives))
	for _, a := range r.Positives {
		ids = append(ids, a.ID)
	}
	for _, a := range r.Negatives {
		ids = append(ids, a.ID)
	}
	return ids
}

// Settings holds the per-tenant settings row consumed by the scoring core.
type Settings struct {
	RubricPreamble string `json:"rubric_preamble"`
}
