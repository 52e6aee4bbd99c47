package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/bootstrap"
	"github.com/uriafranko/clawdbot/internal/bridge"
	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/channels"
	"github.com/uriafranko/clawdbot/internal/channels/discord"
	"github.com/uriafranko/clawdbot/internal/channels/telegram"
	"github.com/uriafranko/clawdbot/internal/commands"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/cron"
	"github.com/uriafranko/clawdbot/internal/discovery"
	"github.com/uriafranko/clawdbot/internal/gateway"
	"github.com/uriafranko/clawdbot/internal/heartbeat"
	"github.com/uriafranko/clawdbot/internal/logutil"
	"github.com/uriafranko/clawdbot/internal/pairing"
	"github.com/uriafranko/clawdbot/internal/plugins"
	"github.com/uriafranko/clawdbot/internal/providers"
	"github.com/uriafranko/clawdbot/internal/store"
	"github.com/uriafranko/clawdbot/internal/tracing"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

func runGateway() {
	logutil.Setup(verbose)

	// Config
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("gateway: config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Config watcher: swaps a reloaded tree into cfg on file change.
	go func() {
		if err := config.Watch(ctx, cfgPath, cfg, nil); err != nil && ctx.Err() == nil {
			slog.Warn("gateway: config watcher stopped", "error", err)
		}
	}()

	// Tracing
	tracer, err := tracing.NewProvider(ctx, cfg.TracingSection(), Version)
	if err != nil {
		slog.Warn("gateway: tracing disabled", "error", err)
	} else {
		defer tracer.Shutdown(context.Background())
	}

	agentID := cfg.ResolvedAgentID()

	// Stores
	sessStore, err := store.Open(cfg.SessionSection().Store, config.SessionsDir(agentID))
	if err != nil {
		slog.Error("gateway: session store open failed", "error", err)
		os.Exit(1)
	}
	defer sessStore.Close()

	pairingStore, err := pairing.NewStore(config.PairingPath())
	if err != nil {
		slog.Error("gateway: pairing store open failed", "error", err)
		os.Exit(1)
	}

	// Workspace + bootstrap files
	workspace := cfg.ResolveWorkspace()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("gateway: workspace create failed", "dir", workspace, "error", err)
		os.Exit(1)
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("gateway: bootstrap seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("gateway: seeded workspace files", "files", seeded)
	}

	// Providers
	providerReg := providers.NewRegistry(cfg.ProvidersSection())

	// Message bus
	msgBus := bus.New()

	// Tools (filesystem, shell, web, browser, MCP)
	toolsReg, mcpMgr := buildToolRegistry(ctx, cfg, workspace)
	if mcpMgr != nil {
		defer mcpMgr.Stop()
	}

	// Plugins contribute tools, gateway methods, and background services.
	pluginReg := plugins.Load(plugins.Options{
		Config:       cfg.PluginsSection(),
		Tools:        toolsReg,
		WorkspaceDir: workspace,
		StateDir:     config.StateDir(),
		Logger:       slog.Default(),
	})
	pluginReg.StartServices(ctx)
	defer pluginReg.StopServices(context.Background())

	// Agent runner
	runner := agent.New(agent.Options{
		AgentID:   agentID,
		Config:    cfg,
		Providers: providerReg,
		Tools:     toolsReg,
		Store:     sessStore,
		Tracer:    tracer,
	})

	// Command router
	router := commands.NewRouter()
	router.Register(commands.Builtin(commands.Deps{
		Sessions:     sessStore,
		AgentID:      agentID,
		DefaultModel: defaultModelRef(cfg),
		Version:      Version,
		Abort:        runner.Abort,
		ResolveModel: makeModelResolver(cfg, providerReg),
	})...)

	// Channels
	channelMgr := channels.NewManager(msgBus)
	chCfg := cfg.ChannelsSection()
	if chCfg.Telegram.Enabled && chCfg.Telegram.Token != "" {
		tg, err := telegram.New(telegram.Options{
			Config:        chCfg.Telegram,
			Transcription: cfg.ToolsSection().Audio.Transcription,
			Bus:           msgBus,
			Pairing:       pairingStore,
		})
		if err != nil {
			slog.Error("gateway: telegram channel init failed", "error", err)
		} else {
			channelMgr.Register(tg)
			slog.Info("gateway: telegram channel enabled")
		}
	}
	if chCfg.Discord.Enabled && chCfg.Discord.Token != "" {
		dc, err := discord.New(chCfg.Discord, msgBus, pairingStore)
		if err != nil {
			slog.Error("gateway: discord channel init failed", "error", err)
		} else {
			channelMgr.Register(dc)
			slog.Info("gateway: discord channel enabled")
		}
	}
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("gateway: channel start failed", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	// Bridge server (paired devices)
	var bridgeSrv *bridge.Server
	if cfg.BridgeSection().BridgeEnabled() {
		bridgeSrv = bridge.New(bridge.Options{
			Config:     cfg,
			Pairing:    pairingStore,
			ServerName: discovery.InstanceName(cfg),
			OnMessage: func(_ context.Context, in bridge.Inbound) {
				chatID := in.ChatID
				if chatID == "" {
					chatID = in.NodeID
				}
				msgBus.PublishInbound(bus.InboundMessage{
					Channel:   "bridge",
					SenderID:  in.NodeID,
					ChatID:    chatID,
					Content:   in.Text,
					MessageID: in.MessageID,
					Metadata:  map[string]string{"node_id": in.NodeID},
				})
			},
		})
		if err := bridgeSrv.Start(ctx); err != nil {
			slog.Error("gateway: bridge start failed", "error", err)
			bridgeSrv = nil
		} else {
			defer bridgeSrv.Stop()
		}
	}

	// Discovery (mDNS + optional wide-area responder)
	if bridgeSrv != nil && cfg.DiscoverySection().DiscoveryEnabled() {
		bridgePort := cfg.BridgeSection().Port
		if addr, ok := bridgeSrv.Addr().(*net.TCPAddr); ok {
			bridgePort = addr.Port
		}
		pub := discovery.NewPublisher(discovery.PublishOptions{Config: cfg, BridgePort: bridgePort})
		go pub.Run(ctx)
		if cfg.DiscoverySection().WideArea.Enabled {
			wa := discovery.NewWideArea(discovery.WideAreaOptions{
				Config:     cfg,
				Instance:   discovery.InstanceName(cfg),
				BridgePort: bridgePort,
			})
			if err := wa.Start(); err != nil {
				slog.Warn("gateway: wide-area discovery failed", "error", err)
			} else {
				defer wa.Stop()
			}
		}
	}

	// Inbound admission pipeline
	cons := newConsumer(consumerDeps{
		Config:  cfg,
		AgentID: agentID,
		Bus:     msgBus,
		Runner:  runner,
		Router:  router,
		Store:   sessStore,
		Bridge:  bridgeSrv,
	})

	// Heartbeat driver
	hb := heartbeat.New(heartbeat.Options{
		Config:  cfg,
		Runner:  runner,
		Peers:   sessStore,
		AgentID: agentID,
		Forward: cons.DeliverText,
	})
	if hb.Interval() > 0 {
		go hb.Run(ctx)
		slog.Info("gateway: heartbeat enabled", "interval", hb.Interval())
	}

	// Cron scheduler
	cronSvc := cron.New(cron.Options{
		Path:              cfg.CronJobsPath(),
		Handler:           makeCronHandler(cons, hb, agentID),
		OnWake:            makeCronWake(hb),
		Events:            msgBus,
		MaxConcurrentRuns: cfg.CronSection().MaxConcurrentRuns,
	})
	if cfg.CronSection().CronEnabled() {
		cronSvc.Start(ctx)
		defer cronSvc.Close()
		slog.Info("gateway: cron enabled", "path", cfg.CronJobsPath())
	}

	// Dashboard gateway server
	server := gateway.New(gateway.Options{
		Config:   cfg,
		Events:   msgBus,
		Agent:    runner,
		Sessions: sessStore,
		Cron:     cronSvc,
		Pairing:  pairingStore,
		Bridge:   bridgeSrv,
		Plugins:  pluginReg,
		Version:  Version,
	})

	// Consume loop
	go cons.Run(ctx)

	// Graceful shutdown on SIGINT/SIGTERM. Deferred stops above unwind in
	// reverse wiring order once Start returns.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("gateway: shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("gateway: starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agent", agentID,
		"workspace", workspace,
		"channels", channelMgr.Names(),
		"port", cfg.GatewaySection().Port,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway: server error", "error", err)
		os.Exit(1)
	}
}

// defaultModelRef renders the configured primary model as "provider/model".
func defaultModelRef(cfg *config.Config) string {
	chain := agent.ResolveChain(cfg.AgentSection(), "")
	if len(chain) == 0 {
		return ""
	}
	return chain[0].Ref()
}

// makeModelResolver validates a model ref or alias against the configured
// providers and returns the canonical "provider/model" form.
func makeModelResolver(cfg *config.Config, reg *providers.Registry) func(string) (string, error) {
	return func(ref string) (string, error) {
		chain := agent.ResolveChain(cfg.AgentSection(), ref)
		if len(chain) == 0 {
			return "", fmt.Errorf("unknown model %q", ref)
		}
		if _, _, err := reg.ResolveRef(chain[0].Ref()); err != nil {
			return "", err
		}
		return chain[0].Ref(), nil
	}
}
