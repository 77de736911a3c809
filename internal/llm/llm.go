// Package llm adapts chat-completion providers to the scoring pipeline's
// single-call contract: one network attempt per invocation, a hard
// per-request deadline, and a classified outcome instead of raw errors.
// Retry decisions stay with the caller.
package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/resilience"
)

// Finish reasons normalized across providers.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishSafety = "safety"
	FinishOther  = "other"
)

// OutcomeKind classifies what happened to one model call.
type OutcomeKind string

const (
	OutcomeOK            OutcomeKind = "ok"
	OutcomeTimeout       OutcomeKind = "timeout"
	OutcomeBlocked       OutcomeKind = "blocked"
	OutcomeProviderError OutcomeKind = "provider_error"
)

// ErrKind subdivides provider errors for the caller's retry matrix.
type ErrKind string

const (
	ErrRate      ErrKind = "rate"
	ErrNetwork   ErrKind = "network"
	ErrTransient ErrKind = "transient"
	ErrFatal     ErrKind = "fatal"
)

// Request is one scoring call to a provider.
type Request struct {
	System          string
	User            string
	MaxOutputTokens int
	Timeout         time.Duration
	Temperature     *float64
}

// Outcome is the classified result of one call. Usage is populated whenever
// the provider reported it, including on blocked and errored calls.
type Outcome struct {
	Kind             OutcomeKind
	Text             string
	FinishReason     string
	Usage            model.TokenUsage
	BlockReason      string
	SafetyCategories []string
	ErrKind          ErrKind
	ErrMessage       string
}

// Result is a provider's raw reply before classification.
type Result struct {
	Text             string
	FinishReason     string // already normalized by the provider wrapper
	Usage            model.TokenUsage
	BlockReason      string
	SafetyCategories []string
}

// Provider is one chat-completion backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Adapter drives a Provider with rate limiting and per-call deadlines.
type Adapter struct {
	provider       Provider
	limiter        *rate.Limiter
	defaultTimeout time.Duration
}

// NewAdapter wraps a provider. rps <= 0 disables client-side rate limiting.
func NewAdapter(p Provider, rps float64, defaultTimeout time.Duration) *Adapter {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	return &Adapter{provider: p, limiter: limiter, defaultTimeout: defaultTimeout}
}

// Provider returns the wrapped provider's name.
func (a *Adapter) Provider() string {
	return a.provider.Name()
}

// Do issues exactly one provider call and classifies the result. It never
// retries; the orchestrator owns the retry matrix.
func (a *Adapter) Do(ctx context.Context, req Request) Outcome {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: OutcomeProviderError, ErrKind: ErrFatal, ErrMessage: err.Error()}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := a.provider.Generate(callCtx, req)
	if err != nil {
		// The per-call deadline expiring is a timeout, not a provider fault.
		if errors.Is(err, context.DeadlineExceeded) ||
			(errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil) {
			return Outcome{Kind: OutcomeTimeout, ErrMessage: err.Error()}
		}
		return Outcome{Kind: OutcomeProviderError, ErrKind: Classify(err), ErrMessage: err.Error()}
	}

	out := Outcome{
		Text:             res.Text,
		FinishReason:     res.FinishReason,
		Usage:            res.Usage,
		BlockReason:      res.BlockReason,
		SafetyCategories: res.SafetyCategories,
	}
	if res.BlockReason != "" || res.FinishReason == FinishSafety {
		out.Kind = OutcomeBlocked
		return out
	}
	out.Kind = OutcomeOK
	return out
}

// Classify maps a provider error to a retry-matrix error kind. Rate limits
// are checked first so 429s never fall into the generic transient bucket.
func Classify(err error) ErrKind {
	switch {
	case resilience.IsRateLimited(err):
		return ErrRate
	case resilience.IsNetwork(err):
		return ErrNetwork
	case resilience.IsTransient(err):
		return ErrTransient
	default:
		return ErrFatal
	}
}
