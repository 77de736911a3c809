// Package gemini wraps google.golang.org/genai behind a narrow interface
// with local request/response types, so callers never depend on SDK types
// directly.
package gemini

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// Client defines the Gemini API operations used by the scoring pipeline.
type Client interface {
	GenerateJSON(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Close() error
}

// GenerateRequest is our own request type for GenerateJSON.
type GenerateRequest struct {
	Model           string
	System          string
	User            string
	MaxOutputTokens int32
	Temperature     *float32
}

// GenerateResponse is our own response type from GenerateJSON.
type GenerateResponse struct {
	Text          string
	FinishReason  string
	BlockReason   string
	SafetyRatings []SafetyRating
	Usage         TokenUsage
}

// SafetyRating reports one safety category verdict from the provider.
type SafetyRating struct {
	Category string
	Blocked  bool
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int32
	CompletionTokens int32
	TotalTokens      int32
}

// sdkClient implements Client using the official genai SDK.
type sdkClient struct {
	client *genai.Client
}

// NewClient creates a new Gemini client backed by the SDK.
func NewClient(ctx context.Context, apiKey string) (Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) GenerateJSON(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.User, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	out := &GenerateResponse{}
	if resp.UsageMetadata != nil {
		out.Usage = TokenUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	if resp.PromptFeedback != nil {
		out.BlockReason = string(resp.PromptFeedback.BlockReason)
	}

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.FinishReason = string(cand.FinishReason)
		for _, sr := range cand.SafetyRatings {
			out.SafetyRatings = append(out.SafetyRatings, SafetyRating{
				Category: string(sr.Category),
				Blocked:  sr.Blocked,
			})
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				out.Text += part.Text
			}
		}
	}

	return out, nil
}

// Close is a no-op; the SDK client holds no resources that need explicit
// release.
func (c *sdkClient) Close() error { return nil }
