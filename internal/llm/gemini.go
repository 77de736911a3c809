package llm

import (
	"context"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/pkg/gemini"
)

// GeminiProvider adapts the Gemini generateContent API to the Provider
// contract. JSON response mode is always on.
type GeminiProvider struct {
	client gemini.Client
	model  string
}

func NewGeminiProvider(client gemini.Client, model string) *GeminiProvider {
	return &GeminiProvider{client: client, model: model}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	genReq := gemini.GenerateRequest{
		Model:           p.model,
		System:          req.System,
		User:            req.User,
		MaxOutputTokens: int32(req.MaxOutputTokens),
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		genReq.Temperature = &t
	}

	resp, err := p.client.GenerateJSON(ctx, genReq)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Text:         resp.Text,
		FinishReason: normalizeGeminiFinish(resp.FinishReason),
		BlockReason:  resp.BlockReason,
		Usage: model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, sr := range resp.SafetyRatings {
		if sr.Blocked {
			res.SafetyCategories = append(res.SafetyCategories, sr.Category)
		}
	}
	return res, nil
}

func normalizeGeminiFinish(reason string) string {
	switch reason {
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return FinishSafety
	case "":
		return FinishOther
	default:
		return FinishOther
	}
}
