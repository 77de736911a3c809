package model

import "time"

// ScoringStatus is the lifecycle state of a lead within the scoring
// subsystem. Only the orchestrator transitions a lead out of ToBeScored,
// and every transition is terminal.
type ScoringStatus string

const (
	ScoringToBeScored ScoringStatus = "ToBeScored"
	ScoringScored     ScoringStatus = "Scored"
	ScoringFailed     ScoringStatus = "Failed"
	ScoringExcluded   ScoringStatus = "Excluded"
)

// Terminal reports whether the status is one of the three end states.
func (s ScoringStatus) Terminal() bool {
	return s == ScoringScored || s == ScoringFailed || s == ScoringExcluded
}

// AttributeScore is one entry of a lead's attribute breakdown.
type AttributeScore struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Lead is a LinkedIn profile record owned by a tenant. The raw scraped
// payload stays opaque; the scoring core reads it only through the profile
// minimizer.
type Lead struct {
	ID                  string                    `json:"id"`
	ProfileJSON         []byte                    `json:"profile_json,omitempty"`
	ScoringStatus       ScoringStatus             `json:"scoring_status"`
	AIScore             float64                   `json:"ai_score"`
	AIProfileAssessment string                    `json:"ai_profile_assessment,omitempty"`
	AttributeBreakdown  map[string]AttributeScore `json:"attribute_breakdown,omitempty"`
	AIExcluded          bool                      `json:"ai_excluded"`
	ExcludeDetails      string                    `json:"exclude_details,omitempty"`
	DateScored          *time.Time                `json:"date_scored,omitempty"`
	TopPostURL          string                    `json:"top_post_url,omitempty"`
	TopPostRelevance    float64                   `json:"top_post_relevance,omitempty"`
}

// Experience is one minimized work-history entry.
type Experience struct {
	Title   string `json:"title,omitempty"`
	Company string `json:"company,omitempty"`
}

// MinimizedProfile is the narrow view of a raw profile that reaches the LLM.
// At most five experience entries are kept.
type MinimizedProfile struct {
	FirstName    string       `json:"firstName,omitempty"`
	LastName     string       `json:"lastName,omitempty"`
	Headline     string       `json:"headline,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	LocationName string       `json:"locationName,omitempty"`
	Experience   []Experience `json:"experience,omitempty"`
}
