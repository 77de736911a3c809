package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscore/internal/config"
	"github.com/sells-group/leadscore/internal/llm"
	"github.com/sells-group/leadscore/internal/store"
	"github.com/sells-group/leadscore/internal/tenant"
	"github.com/sells-group/leadscore/pkg/anthropic"
	"github.com/sells-group/leadscore/pkg/gemini"
)

// env bundles the shared runtime pieces commands need: the control store,
// the tenant directory, and any provider client that must be closed.
type env struct {
	Control   store.ControlStore
	Directory *tenant.Directory

	geminiClient gemini.Client
}

func (e *env) Close() {
	if e.Directory != nil {
		e.Directory.Close()
	}
	if e.geminiClient != nil {
		_ = e.geminiClient.Close()
	}
	if e.Control != nil {
		_ = e.Control.Close()
	}
}

// initControl opens the control-plane store per config.
func initControl(ctx context.Context) (store.ControlStore, error) {
	switch cfg.Control.Driver {
	case "postgres", "":
		return store.NewPostgresControl(ctx, cfg.Control.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Control.MaxConns,
			MinConns: cfg.Control.MinConns,
		})
	case "memory":
		return store.NewMemoryControlStore(), nil
	default:
		return nil, eris.Errorf("unknown control driver %q", cfg.Control.Driver)
	}
}

// initEnv opens the control store and builds the tenant directory.
func initEnv(ctx context.Context) (*env, error) {
	control, err := initControl(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "open control store")
	}

	poolCfg := &store.PoolConfig{
		MaxConns: cfg.Control.MaxConns,
		MinConns: cfg.Control.MinConns,
	}
	dir := tenant.NewDirectory(control, tenant.DefaultStoreOpener(poolCfg))

	return &env{Control: control, Directory: dir}, nil
}

// buildAdapter constructs the LLM adapter for the configured provider.
func (e *env) buildAdapter(ctx context.Context) (*llm.Adapter, error) {
	timeout := time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond

	switch cfg.LLM.Provider {
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic.key is not set")
		}
		client := anthropic.NewClient(cfg.Anthropic.Key)
		provider := llm.NewAnthropicProvider(client, cfg.Anthropic.Model)
		return llm.NewAdapter(provider, cfg.LLM.RequestsPerSec, timeout), nil
	case "gemini", "":
		if cfg.Gemini.Key == "" {
			return nil, eris.New("gemini.key is not set")
		}
		client, err := gemini.NewClient(ctx, cfg.Gemini.Key)
		if err != nil {
			return nil, eris.Wrap(err, "gemini client")
		}
		e.geminiClient = client
		provider := llm.NewGeminiProvider(client, cfg.Gemini.Model)
		return llm.NewAdapter(provider, cfg.LLM.RequestsPerSec, timeout), nil
	default:
		return nil, eris.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// rubricTTL resolves the configured rubric cache TTL.
func rubricTTL(c *config.Config) time.Duration {
	return time.Duration(c.Scoring.RubricCacheTTLMinutes) * time.Minute
}
