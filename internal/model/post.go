package model

import "time"

// PostRelevanceStatus tracks per-post scoring state.
type PostRelevanceStatus string

const (
	PostToBeScored PostRelevanceStatus = "ToBeScored"
	PostScored     PostRelevanceStatus = "Scored"
	PostFailed     PostRelevanceStatus = "Failed"
)

// Post is a harvested LinkedIn post owned by a lead, identified by its URL.
// Posts are scored independently of each other; a lead's top post is the
// argmax over its posts' relevance.
type Post struct {
	URL                string                    `json:"url"`
	LeadID             string                    `json:"lead_id"`
	Content            string                    `json:"content"`
	PostedAt           *time.Time                `json:"posted_at,omitempty"`
	AuthorName         string                    `json:"author_name,omitempty"`
	AuthorHeadline     string                    `json:"author_headline,omitempty"`
	AttributeBreakdown map[string]AttributeScore `json:"attribute_breakdown,omitempty"`
	Relevance          float64                   `json:"relevance"`
	RelevanceStatus    PostRelevanceStatus       `json:"relevance_status"`
	DateScored         *time.Time                `json:"date_scored,omitempty"`
}
