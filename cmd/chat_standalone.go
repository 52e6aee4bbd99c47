package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/mcp"
	"github.com/uriafranko/clawdbot/internal/providers"
	"github.com/uriafranko/clawdbot/internal/store"
)

// standaloneBackend runs the agent in-process when no gateway is up. It
// shares the gateway's session store on disk, so conversations continue
// once the gateway is back.
type standaloneBackend struct {
	runner     *agent.Runner
	store      store.Store
	mcp        *mcp.Manager
	sessionKey string
	thinking   string
}

func newStandaloneBackend(ctx context.Context, cfg *config.Config, sessionKey, thinking string) (*standaloneBackend, error) {
	agentID := cfg.ResolvedAgentID()

	st, err := store.Open(cfg.SessionSection().Store, config.SessionsDir(agentID))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	workspace := cfg.ResolveWorkspace()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	toolsReg, mcpMgr := buildToolRegistry(ctx, cfg, workspace)
	runner := agent.New(agent.Options{
		AgentID:   agentID,
		Config:    cfg,
		Providers: providers.NewRegistry(cfg.ProvidersSection()),
		Tools:     toolsReg,
		Store:     st,
	})

	return &standaloneBackend{
		runner:     runner,
		store:      st,
		mcp:        mcpMgr,
		sessionKey: sessionKey,
		thinking:   thinking,
	}, nil
}

func (b *standaloneBackend) Turn(ctx context.Context, message string) (string, error) {
	events := make(chan agent.AgentEvent, 64)
	runDone := make(chan struct{})
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		show := func(ev agent.AgentEvent) {
			if ev.Type == agent.EventToolExecutionStart && ev.Tool != "" {
				fmt.Fprintf(os.Stderr, "  [tool] %s\n", ev.Tool)
			}
		}
		for {
			select {
			case ev := <-events:
				show(ev)
			case <-runDone:
				for {
					select {
					case ev := <-events:
						show(ev)
					default:
						return
					}
				}
			}
		}
	}()

	res, err := b.runner.Run(ctx, agent.RunRequest{
		SessionKey:    b.sessionKey,
		Message:       message,
		Channel:       "cli",
		ChatID:        "local",
		ThinkingLevel: b.thinking,
		Events:        events,
	})
	close(runDone)
	<-fwdDone
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

func (b *standaloneBackend) Reset(context.Context) error {
	_, err := b.store.Reset(b.sessionKey)
	return err
}

func (b *standaloneBackend) Close() {
	if b.mcp != nil {
		b.mcp.Stop()
	}
	b.store.Close()
}
