package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/agenttools"
	"github.com/pylonhq/pylon/internal/approvals"
	"github.com/pylonhq/pylon/internal/bus"
	"github.com/pylonhq/pylon/internal/channels"
	"github.com/pylonhq/pylon/internal/channels/telegram"
	"github.com/pylonhq/pylon/internal/channels/whatsapp"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/fsops"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/gateway/methods"
	"github.com/pylonhq/pylon/internal/provider"
	"github.com/pylonhq/pylon/internal/scheduler"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/internal/watcher"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon (the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		slog.Info("no config file found, using defaults", "hint", "run `pylon onboard` to create one")
	}

	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		slog.Error("failed to create state dir", "dir", config.Dir(), "error", err)
		os.Exit(1)
	}
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "dir", workspace, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(config.StorePath())
	if err != nil {
		slog.Error("failed to open store", "path", config.StorePath(), "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go st.RunRetentionLoop(ctx, store.DefaultRetention)

	registry := sessions.NewRegistry(st, cfg.SessionSettings().IdleTimeoutDuration())
	snapshots := agent.NewSnapshotTable()
	hub := gateway.NewHub(st, registry, snapshots)

	// Gateway auth token: config/env override wins, otherwise load or
	// mint the token file under ~/.pylon.
	token := cfg.GatewaySettings().Token
	if token == "" {
		token, err = gateway.LoadOrCreateToken(config.TokenPath())
		if err != nil {
			slog.Error("failed to load gateway token", "error", err)
			os.Exit(1)
		}
	}
	server := gateway.NewServer(cfg, hub, token)

	apr := approvals.NewApprovalRegistry()
	questions := approvals.NewQuestionRegistry()
	mediator := approvals.NewMediator(func() approvals.Policy {
		return policyFromConfig(cfg.ToolsPolicy())
	}, workspace)

	msgBus := bus.NewMessageBus()
	owners := channels.LoadOwnerRegistry(config.OwnerIDsPath())
	manager := channels.NewManager(msgBus, hub, apr, questions, owners)

	agentCfg := cfg.AgentSettings()
	var oauth *provider.OAuth
	var reauth *agent.Reauth
	if agentCfg.OAuth != nil {
		oauth = provider.NewOAuth(*agentCfg.OAuth, config.CredentialsPath())
		reauth = agent.NewReauth(oauth, hub, manager)
	}

	cli := provider.NewCLI(agentCfg.Command, agentCfg.Args, config.CredentialsPath())

	// Loopback MCP server: gives the agent a `message` tool for pushing
	// text to channels mid-run. Losing it degrades, not aborts.
	toolsSrv := agenttools.NewServer(msgBus, manager.Has)
	mcpConfig := ""
	if err := toolsSrv.Start(ctx); err != nil {
		slog.Warn("agent tools server failed to start", "error", err)
	} else {
		mcpConfig = toolsSrv.MCPConfig()
	}

	runner := agent.NewRunner(agent.RunnerConfig{
		Provider:  cli,
		Registry:  registry,
		Broadcast: hub,
		Snapshots: snapshots,
		Mediator:  mediator,
		Approvals: apr,
		Questions: questions,
		Channels:  manager,
		Reauth:    reauth,
		Config:    cfg,
		MCPConfig: mcpConfig,
	})
	dispatcher := agent.NewDispatcher(ctx, runner, registry, hub, agentCfg.MaxQueuedPrompts)
	if reauth != nil {
		reauth.SetResubmit(dispatcher.Submit)
	}

	sched := scheduler.New(st, dispatcher, cfg)
	go sched.Run(ctx)

	fsSvc := fsops.New(cfg.AllowedPaths)
	watches, err := watcher.NewRegistry(hub)
	if err != nil {
		slog.Error("failed to create fs watcher", "error", err)
		os.Exit(1)
	}
	go watches.Run(ctx)
	hub.AddCloseHook(watches.ReleaseClient)

	router := server.Router()
	methods.NewSessionMethods(hub, registry, st, dispatcher).Register(router)
	methods.NewChatMethods(dispatcher, questions, st, reauth).Register(router)
	methods.NewAgentMethods(dispatcher).Register(router)
	methods.NewToolMethods(apr).Register(router)
	methods.NewChannelMethods(manager).Register(router)
	methods.NewCalendarMethods(st, sched).Register(router)
	methods.NewConfigMethods(cfg, cfgPath).Register(router)
	methods.NewFSMethods(fsSvc, watches).Register(router)

	chCfg := cfg.ChannelSettings()
	if chCfg.Telegram.Enabled && chCfg.Telegram.Token != "" {
		tg, err := telegram.New(chCfg.Telegram, manager)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			manager.Register(tg)
			slog.Info("telegram channel enabled (config)")
		}
	}
	if chCfg.WhatsApp.Enabled && chCfg.WhatsApp.BridgeURL != "" {
		wa, err := whatsapp.New(chCfg.WhatsApp, manager)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			manager.Register(wa)
			slog.Info("whatsapp channel enabled (config)")
		}
	}

	manager.SetCommandHandler(makeCommandHandler(registry, dispatcher, reauth, hub))

	go hub.Run(ctx)
	manager.StartAll(ctx)

	// Inbound consumer: channel adapters → bus → dispatcher.
	go consumeInboundMessages(ctx, msgBus, dispatcher, reauth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		manager.StopAll(context.Background())
		cancel()
	}()

	slog.Info("pylon gateway starting",
		"version", Version,
		"workspace", workspace,
		"provider", agentCfg.Command,
		"channels", channelNames(manager),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// policyFromConfig maps the tools section of the config onto the
// mediator's policy type. Called per decision so config.set takes
// effect without a restart.
func policyFromConfig(tp config.ToolsConfig) approvals.Policy {
	byChannel := make(map[string]approvals.ChannelPolicy, len(tp.ByChannel))
	for name, p := range tp.ByChannel {
		byChannel[name] = approvals.ChannelPolicy{Allow: p.Allow, Deny: p.Deny}
	}
	return approvals.Policy{
		Mode:       tp.Mode,
		NeverAllow: tp.NeverAllow,
		Allow:      tp.Allow,
		Deny:       tp.Deny,
		ByChannel:  byChannel,
	}
}

func channelNames(manager *channels.Manager) []string {
	statuses := manager.Statuses()
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Name)
	}
	return names
}
