package llm

import (
	"context"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/pkg/anthropic"
)

// AnthropicProvider adapts the Anthropic messages API to the Provider
// contract. The rubric portion of the system prompt goes through a cached
// system block so consecutive leads in a batch reuse it.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(client anthropic.Client, model string) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	msgReq := anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   int64(req.MaxOutputTokens),
		System:      anthropic.BuildCachedSystemBlocks(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: req.Temperature,
	}

	resp, err := p.client.CreateMessage(ctx, msgReq)
	if err != nil {
		return nil, err
	}

	return &Result{
		Text:         resp.Text(),
		FinishReason: normalizeAnthropicStop(resp.StopReason),
		Usage: model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "refusal":
		return FinishSafety
	default:
		return FinishOther
	}
}
