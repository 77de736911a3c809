// Package prompt produces deterministic scoring prompts. Given identical
// rubric and profile input, the output is byte-identical.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscore/internal/model"
)

const maxExperienceEntries = 5

// Prompts is one assembled system/user prompt pair.
type Prompts struct {
	System string
	User   string
}

// promptAttr is the rubric attribute shape embedded in the system prompt.
// Field order is fixed and empty optionals are omitted so the serialized
// rubric stays stable.
type promptAttr struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	MaxPoints     int    `json:"maxPoints"`
	Instructions  string `json:"instructions,omitempty"`
	Examples      string `json:"examples,omitempty"`
	Signals       string `json:"signals,omitempty"`
	Disqualifying bool   `json:"disqualifying,omitempty"`
}

const profileSchemaAndRules = `Score the lead against every attribute above and respond with a single JSON object, no markdown fences, in exactly this shape:
{"positive_scores":{"<id>":{"score":<number>,"reason":"<25-40 words>"}},"negative_scores":{"<id>":{"score":<number>,"reason":"<25-40 words>"}},"unscored_attributes":["<id>"],"contact_readiness":<boolean, optional>,"aiProfileAssessment":"<2-3 sentence summary>","ai_excluded":"Yes|No","exclude_details":"<why, or empty>"}
Rules:
- Partial credit is allowed on positive attributes; never exceed an attribute's maxPoints.
- Negative attribute scores are zero or negative; a score of 0 means the negative is not triggered.
- Every scored attribute needs both a score and a 25-40 word reason.
- List any attribute you cannot assess in unscored_attributes instead of guessing.`

const postSchemaAndRules = `Score the post against every attribute above and respond with a single JSON object, no markdown fences, in exactly this shape:
{"positive_scores":{"<id>":{"score":<number>,"reason":"<25-40 words>"}},"negative_scores":{"<id>":{"score":<number>,"reason":"<25-40 words>"}},"unscored_attributes":["<id>"],"aiProfileAssessment":"<2-3 sentence relevance summary>","ai_excluded":"Yes|No","exclude_details":"<why, or empty>"}
Rules:
- Partial credit is allowed on positive attributes; never exceed an attribute's maxPoints.
- Negative attribute scores are zero or negative; a score of 0 means the negative is not triggered.
- Every scored attribute needs both a score and a 25-40 word reason.
- List any attribute you cannot assess in unscored_attributes instead of guessing.`

// Assemble builds the profile-scoring prompt pair.
func Assemble(rubric *model.Rubric, profile *model.MinimizedProfile) (Prompts, error) {
	rubricJSON, err := marshalRubric(rubric)
	if err != nil {
		return Prompts{}, err
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return Prompts{}, eris.Wrap(err, "prompt: marshal profile")
	}

	return Prompts{
		System: rubric.Preamble + "\n\n" + rubricJSON + "\n\n" + profileSchemaAndRules,
		User:   "Lead:\n" + string(profileJSON),
	}, nil
}

// AssemblePost builds the post-scoring prompt pair.
func AssemblePost(rubric *model.Rubric, post *model.Post) (Prompts, error) {
	rubricJSON, err := marshalRubric(rubric)
	if err != nil {
		return Prompts{}, err
	}

	payload := struct {
		Content        string `json:"content"`
		AuthorName     string `json:"authorName,omitempty"`
		AuthorHeadline string `json:"authorHeadline,omitempty"`
		PostedAt       string `json:"postedAt,omitempty"`
	}{
		Content:        post.Content,
		AuthorName:     post.AuthorName,
		AuthorHeadline: post.AuthorHeadline,
	}
	if post.PostedAt != nil {
		payload.PostedAt = post.PostedAt.UTC().Format("2006-01-02")
	}
	postJSON, err := json.Marshal(payload)
	if err != nil {
		return Prompts{}, eris.Wrap(err, "prompt: marshal post")
	}

	return Prompts{
		System: rubric.Preamble + "\n\n" + rubricJSON + "\n\n" + postSchemaAndRules,
		User:   "Post:\n" + string(postJSON),
	}, nil
}

func marshalRubric(rubric *model.Rubric) (string, error) {
	toPrompt := func(attrs []model.Attribute) []promptAttr {
		out := make([]promptAttr, len(attrs))
		for i, a := range attrs {
			out[i] = promptAttr{
				ID:            a.ID,
				Description:   a.Description,
				MaxPoints:     a.MaxPoints,
				Instructions:  a.Instructions,
				Examples:      a.Examples,
				Signals:       a.Signals,
				Disqualifying: a.Disqualifying,
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}

	payload := struct {
		Positives []promptAttr `json:"positives"`
		Negatives []promptAttr `json:"negatives"`
	}{
		Positives: toPrompt(rubric.Positives),
		Negatives: toPrompt(rubric.Negatives),
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "prompt: marshal rubric")
	}
	return string(b), nil
}

// Minimize extracts the narrow profile view that reaches the model. The
// experience array comes from a native "experience" array when present, or
// is reconstructed from flat organization_N / organization_title_N keys. At
// most five entries are kept either way.
func Minimize(raw []byte) (*model.MinimizedProfile, error) {
	if len(raw) == 0 {
		return nil, eris.New("prompt: empty profile payload")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrap(err, "prompt: unmarshal profile")
	}

	p := &model.MinimizedProfile{
		FirstName:    stringField(m, "firstName", "first_name"),
		LastName:     stringField(m, "lastName", "last_name"),
		Headline:     stringField(m, "headline"),
		Summary:      stringField(m, "summary"),
		LocationName: stringField(m, "locationName", "location_name", "location"),
	}

	if exp, ok := m["experience"].([]any); ok {
		for _, item := range exp {
			if len(p.Experience) >= maxExperienceEntries {
				break
			}
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			e := model.Experience{
				Title:   stringField(entry, "title"),
				Company: stringField(entry, "company", "companyName", "company_name", "organization"),
			}
			if e.Title != "" || e.Company != "" {
				p.Experience = append(p.Experience, e)
			}
		}
		return p, nil
	}

	for i := 1; i <= maxExperienceEntries; i++ {
		company := stringField(m, fmt.Sprintf("organization_%d", i))
		title := stringField(m, fmt.Sprintf("organization_title_%d", i))
		if company == "" && title == "" {
			continue
		}
		p.Experience = append(p.Experience, model.Experience{Title: title, Company: company})
	}
	return p, nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
