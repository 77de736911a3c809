// Package parse turns the model's text reply into a validated scoring
// object, or fails cleanly. Repair is bounded to a small, documented set of
// transformations; anything else malformed is an error, not a best-effort
// patch.
package parse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/leadscore/internal/model"
)

// snippetLen caps the raw text carried on an UnparseableError.
const snippetLen = 500

// UnparseableError reports a reply that could not be turned into a valid
// scoring object. RawSnippet holds the first 500 characters of the cleaned
// text for diagnostics.
type UnparseableError struct {
	Reason     string
	RawSnippet string
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("parse: unparseable response: %s", e.Reason)
}

// Result is the validated scoring object.
type Result struct {
	PositiveScores   map[string]model.AttributeScore
	NegativeScores   map[string]model.AttributeScore
	Unscored         []string
	ContactReadiness *bool
	Assessment       string
	Excluded         bool
	ExcludeDetails   string
	// UnknownIDs lists attribute ids the model invented. They are dropped
	// from the score maps but surfaced for logging.
	UnknownIDs []string
}

type rawEntry struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

type envelope struct {
	PositiveScores   map[string]json.RawMessage `json:"positive_scores"`
	NegativeScores   map[string]json.RawMessage `json:"negative_scores"`
	Unscored         []string                   `json:"unscored_attributes"`
	ContactReadiness *bool                      `json:"contact_readiness"`
	Assessment       string                     `json:"aiProfileAssessment"`
	AIExcluded       string                     `json:"ai_excluded"`
	ExcludeDetails   string                     `json:"exclude_details"`
}

func unparseable(reason, cleaned string) *UnparseableError {
	snippet := cleaned
	if len(snippet) > snippetLen {
		snippet = snippet[:snippetLen]
	}
	return &UnparseableError{Reason: reason, RawSnippet: snippet}
}

// Parse validates the model's reply against the expected schema. A reply
// whose finish reason was "length" must cover every rubric attribute, since
// truncation silently drops entries.
func Parse(text, finishReason string, rubric *model.Rubric) (*Result, error) {
	cleaned := StripFences(text)
	if strings.TrimSpace(cleaned) == "" {
		return nil, unparseable("empty response", cleaned)
	}

	var env envelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		repaired := Repair(cleaned)
		if err2 := json.Unmarshal([]byte(repaired), &env); err2 != nil {
			return nil, unparseable(fmt.Sprintf("invalid JSON after repair: %v", err2), cleaned)
		}
	}

	res := &Result{
		PositiveScores:   make(map[string]model.AttributeScore, len(env.PositiveScores)),
		NegativeScores:   make(map[string]model.AttributeScore, len(env.NegativeScores)),
		Unscored:         env.Unscored,
		ContactReadiness: env.ContactReadiness,
		Assessment:       strings.TrimSpace(env.Assessment),
	}

	if res.Assessment == "" {
		return nil, unparseable("missing aiProfileAssessment", cleaned)
	}
	switch {
	case strings.EqualFold(env.AIExcluded, "yes"):
		res.Excluded = true
	case strings.EqualFold(env.AIExcluded, "no"):
		res.Excluded = false
	default:
		return nil, unparseable(fmt.Sprintf("ai_excluded must be Yes or No, got %q", env.AIExcluded), cleaned)
	}
	res.ExcludeDetails = env.ExcludeDetails

	for id, raw := range env.PositiveScores {
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, unparseable(fmt.Sprintf("malformed positive entry %s: %v", id, err), cleaned)
		}
		if _, ok := rubric.Positive(id); !ok {
			res.UnknownIDs = append(res.UnknownIDs, id)
			continue
		}
		res.PositiveScores[id] = entry
	}
	for id, raw := range env.NegativeScores {
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, unparseable(fmt.Sprintf("malformed negative entry %s: %v", id, err), cleaned)
		}
		if _, ok := rubric.Negative(id); !ok {
			res.UnknownIDs = append(res.UnknownIDs, id)
			continue
		}
		res.NegativeScores[id] = entry
	}

	// A truncated reply that still parsed would silently drop attributes.
	if finishReason == "length" && !coversRubric(res, rubric) {
		return nil, unparseable("truncated response does not cover all rubric attributes", cleaned)
	}

	return res, nil
}

func decodeEntry(raw json.RawMessage) (model.AttributeScore, error) {
	var e rawEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.AttributeScore{}, err
	}
	if e.Score == nil {
		return model.AttributeScore{}, fmt.Errorf("missing score")
	}
	return model.AttributeScore{Score: *e.Score, Reason: e.Reason}, nil
}

func coversRubric(res *Result, rubric *model.Rubric) bool {
	unscored := make(map[string]bool, len(res.Unscored))
	for _, id := range res.Unscored {
		unscored[id] = true
	}
	for _, a := range rubric.Positives {
		if _, ok := res.PositiveScores[a.ID]; !ok && !unscored[a.ID] {
			return false
		}
	}
	for _, a := range rubric.Negatives {
		if _, ok := res.NegativeScores[a.ID]; !ok && !unscored[a.ID] {
			return false
		}
	}
	return true
}

// StripFences removes a leading ``` or ```json fence and a trailing fence.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	if strings.HasSuffix(strings.TrimSpace(s), "```") {
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// Repair applies the bounded lenient transformations, in order: unescape
// over-escaped markdown characters, fix stray escaped quotes that terminate
// a string value, and balance trailing braces when the text was truncated
// after a complete entry.
func Repair(s string) string {
	s = unescapeMarkdown(s)
	s = fixStrayEscapedQuotes(s)
	s = balanceTrailing(s)
	return s
}

// unescapeMarkdown drops backslashes before markdown characters that are
// not JSON escapes. Models in JSON mode occasionally escape emphasis
// characters inside reason strings.
func unescapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '*', '_', '#', '-', '~', '+', '!', '>':
				b.WriteByte(s[i+1])
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// fixStrayEscapedQuotes rewrites `\"` into `"` when it is immediately
// followed by a structural character, i.e. the quote was meant to terminate
// the string value.
func fixStrayEscapedQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '"' {
			j := i + 2
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == ',' || s[j] == '}' || s[j] == ']' || s[j] == ':') {
				b.WriteByte('"')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// balanceTrailing appends missing closers when the text was cut off after a
// complete value. Text cut off mid-string or mid-value is left alone so the
// parse fails.
func balanceTrailing(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return s
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return s
			}
			stack = stack[:len(stack)-1]
		}
	}
	if inString || len(stack) == 0 {
		return s
	}

	trimmed := strings.TrimRight(s, " \t\n\r")
	if trimmed == "" {
		return s
	}
	last := trimmed[len(trimmed)-1]
	if last == ',' {
		trimmed = trimmed[:len(trimmed)-1]
		last = trimmed[len(trimmed)-1]
	}
	// Only close when the last value is complete.
	complete := last == '"' || last == '}' || last == ']' ||
		(last >= '0' && last <= '9') || last == 'e' || last == 'l'
	if !complete {
		return s
	}

	var b strings.Builder
	b.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
