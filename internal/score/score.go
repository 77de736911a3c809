// Package score computes the deterministic final score from a parsed reply
// and the tenant rubric. No side effects.
package score

import (
	"math"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/parse"
)

// Summary is the arithmetic result for one lead.
type Summary struct {
	RawScore    float64 `json:"raw_score"`
	Denominator int     `json:"denominator"`
	Percentage  float64 `json:"percentage"`
}

// Compute combines attribute scores with rubric max points. When the model
// flagged contact readiness without scoring the contact-readiness attribute,
// that attribute is awarded its full points. The returned breakdown merges
// positives, negatives, and any auto-award.
func Compute(res *parse.Result, rubric *model.Rubric) (Summary, map[string]model.AttributeScore) {
	breakdown := make(map[string]model.AttributeScore, len(res.PositiveScores)+len(res.NegativeScores)+1)

	var raw float64
	for id, entry := range res.PositiveScores {
		breakdown[id] = entry
		raw += entry.Score
	}
	for id, entry := range res.NegativeScores {
		breakdown[id] = entry
		raw += entry.Score
	}

	if res.ContactReadiness != nil && *res.ContactReadiness {
		if attr, ok := rubric.ContactReadinessAttribute(); ok {
			if _, scored := res.PositiveScores[attr.ID]; !scored {
				award := model.AttributeScore{
					Score:  float64(attr.MaxPoints),
					Reason: "Contact readiness flagged; full points awarded.",
				}
				breakdown[attr.ID] = award
				raw += award.Score
			}
		}
	}

	denom := rubric.Denominator()
	var pct float64
	if denom > 0 {
		pct = raw / float64(denom)
		if pct < 0 {
			pct = 0
		}
		if pct > 1 {
			pct = 1
		}
		pct = math.Round(pct*100*100) / 100
	}

	return Summary{RawScore: raw, Denominator: denom, Percentage: pct}, breakdown
}

// Disqualified reports whether any disqualifying negative attribute was
// fully triggered, i.e. the model assigned its entire penalty. The score is
// still computed for observability; the caller flips the exclusion flag.
func Disqualified(res *parse.Result, rubric *model.Rubric) (string, bool) {
	for _, attr := range rubric.Negatives {
		if !attr.Disqualifying {
			continue
		}
		entry, ok := res.NegativeScores[attr.ID]
		if !ok {
			continue
		}
		if entry.Score == float64(attr.MaxPoints) && attr.MaxPoints != 0 {
			return attr.ID, true
		}
	}
	return "", false
}
