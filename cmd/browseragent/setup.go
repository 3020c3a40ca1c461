package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/haasonsaas/browseragent/internal/agent"
	"github.com/haasonsaas/browseragent/internal/agent/browsertools"
	"github.com/haasonsaas/browseragent/internal/agent/providers"
	"github.com/haasonsaas/browseragent/internal/browser"
	"github.com/haasonsaas/browseragent/internal/config"
	"github.com/haasonsaas/browseragent/internal/observability"
	"github.com/haasonsaas/browseragent/internal/research"
	"github.com/haasonsaas/browseragent/internal/sessions"
)

var logWriter io.Writer = os.Stderr

// runtime bundles the pieces every subcommand needs: a loaded config, an
// LLM provider, and a live connection to the debugger backend.
type runtime struct {
	cfg      *config.Config
	provider agent.LLMProvider
	channel  *browser.Channel
	registry *browser.Registry
	store    sessions.Store
	logger   *observability.Logger
}

func newRuntime(ctx context.Context, path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	provider := providers.NewOpenAIProviderWithBaseURL(cfg.LLM.APIKey, cfg.LLM.BaseURL)

	channel, err := browser.NewChannel(ctx, cfg.Browser.RemoteDebuggingAddress)
	if err != nil {
		return nil, fmt.Errorf("connect to debugger backend at %s: %w", cfg.Browser.RemoteDebuggingAddress, err)
	}

	return &runtime{
		cfg:      cfg,
		provider: provider,
		channel:  channel,
		registry: browser.NewRegistry(channel),
		store:    sessions.NewMemoryStore(),
		logger:   logger,
	}, nil
}

func (r *runtime) Close() {
	r.registry.CloseAll()
	r.channel.Close()
}

func newLogger(level, format string) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: format,
		Output: logWriter,
	})
}

// newSingleTabLoop creates the tab, wires its tool catalog, and returns an
// Agent Loop ready to Run against the user's prompt.
func (r *runtime) newSingleTabLoop(ctx context.Context, startURL, taskDescription string) (*agent.AgentLoop, string, error) {
	tabID, err := r.registry.CreateTab(ctx, startURL, taskDescription)
	if err != nil {
		return nil, "", fmt.Errorf("create tab: %w", err)
	}

	adapter, tabCtx := browsertools.NewAdapter(r.channel, r.registry)
	tabCtx.Set(tabID)

	reg := agent.NewToolRegistry()
	browsertools.RegisterAll(reg, browsertools.BuildAgentCatalog(r.channel, r.registry, tabCtx))

	cfg := agent.DefaultLoopConfig()
	cfg.MaxSteps = r.cfg.Agent.MaxSteps
	cfg.PruningWindow = r.cfg.Agent.PruningWindow
	cfg.Model = r.cfg.LLM.Model

	loop := agent.NewAgentLoop(r.provider, reg, adapter, r.store, nil, r.logger, cfg)
	return loop, tabID, nil
}

func (r *runtime) newOrchestrator() *research.Orchestrator {
	return research.New(r.provider, r.channel, r.registry, research.Config{
		MaxTabs:        r.cfg.Research.MaxTabs,
		SubTaskTimeout: r.cfg.Research.SubTaskTimeout,
		Model:          r.cfg.LLM.Model,
	}, r.logger)
}
