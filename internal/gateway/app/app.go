package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"codeforge/internal/agent"
	"codeforge/internal/gateway/config"
	"codeforge/internal/gateway/handler"
	"codeforge/internal/gateway/server"
	"codeforge/internal/gateway/service/publish"
	"codeforge/internal/llm"
	"codeforge/internal/patch"
	"codeforge/internal/pipeline"
	"codeforge/internal/security"
)

type App struct {
	server  *server.Server
	stores  *gatewayStores
	orch    *pipeline.Orchestrator
	hub     *agent.Hub
	closers []io.Closer
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	stores, err := initStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gateway, closers, err := newGateway(ctx, cfg.LLM)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	scanner, err := newScanner(cfg.SecurityRulesFile)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	tokens := newTokenCounter(cfg.LLM.Model)
	engine := patch.New(patch.Policy{})

	orch := pipeline.New(pipeline.Deps{
		Jobs:      stores.jobs,
		Files:     stores.files,
		Engine:    engine,
		Gateway:   gateway,
		Scanner:   scanner,
		Publisher: publish.New(stores.artifact),
		Tokens:    tokens,
	}, pipeline.Config{
		MaxFixIterations: cfg.Pipeline.MaxFixIterations,
		ClarifyTimeout:   cfg.Pipeline.ClarifyTimeout,
		ContextTokens:    cfg.Pipeline.ContextTokens,
	})
	if err := orch.Recover(ctx); err != nil {
		orch.Close()
		_ = stores.Close()
		return nil, fmt.Errorf("recover jobs: %w", err)
	}

	hub := agent.NewHub(agent.Deps{
		Files:   stores.files,
		Jobs:    stores.jobs,
		Engine:  engine,
		Gateway: gateway,
		Tokens:  tokens,
	}, agent.Config{
		QueueSize:     cfg.Session.QueueSize,
		ContextTokens: cfg.Pipeline.ContextTokens,
	})

	h := handler.New(orch, stores.files, engine, hub)
	srv := server.New(cfg.Port, server.NewRouter(h))

	return &App{
		server:  srv,
		stores:  stores,
		orch:    orch,
		hub:     hub,
		closers: closers,
	}, nil
}

// Run serves until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.hub.Close()
	a.orch.Close()
	for _, c := range a.closers {
		err = errors.Join(err, c.Close())
	}
	return errors.Join(err, a.stores.Close())
}

// newGateway builds the provider and its middleware chain:
// logging(retry(timeout(ratelimit(provider)))).
func newGateway(ctx context.Context, cfg config.LLMConfig) (llm.Gateway, []io.Closer, error) {
	var base llm.Gateway
	switch cfg.Provider {
	case config.ProviderFake:
		base = llm.NewFakeGateway()
	case config.ProviderGemini:
		g, err := llm.NewGeminiGateway(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("init gemini: %w", err)
		}
		base = g
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	var closers []io.Closer
	limited := llm.RateLimit(cfg.RPS, cfg.Burst)(base)
	if c, ok := limited.(io.Closer); ok {
		closers = append(closers, c)
	}
	gw := llm.Wrap(limited,
		llm.WithLogging(log.Default()),
		llm.Retry(llm.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay,
		}),
		llm.Timeout(cfg.Timeout),
	)
	log.Printf("llm gateway: %s", gw.Name())
	return gw, closers, nil
}

func newScanner(rulesFile string) (*security.Scanner, error) {
	if rulesFile == "" {
		return security.NewDefault(), nil
	}
	rules, err := security.LoadRulesFile(rulesFile)
	if err != nil {
		return nil, fmt.Errorf("load security rules: %w", err)
	}
	log.Printf("security rules: %d loaded from %s", len(rules), rulesFile)
	return security.New(rules), nil
}

func newTokenCounter(model string) llm.TokenCounter {
	c, err := llm.NewTiktokenCounter(model)
	if err != nil {
		log.Printf("token counter: falling back to estimate: %v", err)
		return llm.EstimateCounter{}
	}
	return c
}
