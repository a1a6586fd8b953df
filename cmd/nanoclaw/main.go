package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	aip "github.com/nanoclaw/nanoclaw/internal/aiprovider"
	"github.com/nanoclaw/nanoclaw/internal/chatapp"
	"github.com/nanoclaw/nanoclaw/internal/cleanup"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/contextcache"
	"github.com/nanoclaw/nanoclaw/internal/dispatch"
	"github.com/nanoclaw/nanoclaw/internal/errtrack"
	"github.com/nanoclaw/nanoclaw/internal/fastpath"
	"github.com/nanoclaw/nanoclaw/internal/group"
	"github.com/nanoclaw/nanoclaw/internal/hoststate"
	"github.com/nanoclaw/nanoclaw/internal/ipcbus"
	"github.com/nanoclaw/nanoclaw/internal/memsum"
	"github.com/nanoclaw/nanoclaw/internal/mountallowlist"
	"github.com/nanoclaw/nanoclaw/internal/orchestrator"
	"github.com/nanoclaw/nanoclaw/internal/ratelimit"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/tools"
	"github.com/nanoclaw/nanoclaw/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "Multi-tenant conversational-assistant orchestrator.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution; a service manager is
		// expected to provide the environment itself.
		if os.Getenv("INVOCATION_ID") == "" {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	config.RegisterDefaults(viper.GetViper())
}

func run() error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	slog.Info("starting nanoclaw", "version", version.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(filepath.Join(cfg.StoreDir, "messages.db"))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	groups, err := group.Load(filepath.Join(cfg.DataDir, "registered_groups.json"))
	if err != nil {
		return err
	}
	sessions, err := hoststate.LoadSessions(filepath.Join(cfg.DataDir, "sessions.json"))
	if err != nil {
		return err
	}
	router, err := hoststate.LoadRouterState(filepath.Join(cfg.DataDir, "router_state.json"))
	if err != nil {
		return err
	}

	if err := sandbox.WriteEnvFile(filepath.Join(cfg.DataDir, "envfiles"), cfg.AllowedContainerEnvKeys); err != nil {
		return err
	}

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	provider := aip.NewOpenAIService(cfg.GeminiAPIKey, os.Getenv("NANOCLAW_API_BASE_URL"), cfg.GeminiModel)

	tg, err := chatapp.NewTelegramAdapter(cfg.Telegram.BotToken, cfg.Telegram)
	if err != nil {
		return err
	}
	typing := chatapp.NewTypingManager(tg)

	registry := tools.NewRegistry()
	tools.RegisterStandardTools(registry, tools.Deps{
		Store:    st,
		Groups:   groups,
		Images:   provider,
		Photos:   tg,
		Location: tz,
	})

	locks := dispatch.NewLockManager()
	tracker := errtrack.New(cfg.Alerts.WebhookURL)

	allowlistPath := cfg.MountAllowlistPath
	if allowlistPath == "" {
		if userCfg, err := os.UserConfigDir(); err == nil {
			allowlistPath = filepath.Join(userCfg, "nanoclaw", "mount_allowlist.json")
		}
	}

	cache := contextcache.New(provider, cfg.FastPath.MinCacheChars, time.Duration(cfg.FastPath.CacheTTLSeconds)*time.Second)

	orch := orchestrator.New(orchestrator.Orchestrator{
		Store:     st,
		Groups:    groups,
		Locks:     locks,
		Chat:      tg,
		Typing:    typing,
		RateLimit: ratelimit.New(),
		Errors:    tracker,
		FastPath: &fastpath.Runner{
			Store:    st,
			Provider: provider,
			Cache:    cache,
			Tools:    registry,
			Config:   cfg.FastPath,
		},
		Sandbox: sandbox.New(cfg.Container),
		Memory: &memsum.Summariser{
			Store:    st,
			Provider: provider,
			Model:    cfg.GeminiModel,
			Config:   cfg.Memory,
		},
		Provider: provider,
		Mounts:   mountallowlist.New(allowlistPath),
		Sessions: sessions,
		Router:   router,
		Config:   cfg,
	})

	ipcRoot := filepath.Join(cfg.DataDir, "ipc")
	bus := ipcbus.New(ipcRoot, groups, registry, tg, cfg.AssistantName, ipcbus.Config{
		DebounceMS:                cfg.Container.IPCDebounceMS,
		PollIntervalMS:            cfg.IPCPollIntervalMS,
		FallbackPollingMultiplier: cfg.Container.IPCFallbackPollingMultiplier,
	})
	for _, g := range groups.List() {
		if err := bus.EnsureGroupDirs(g.FolderName); err != nil {
			return err
		}
	}
	bus.Start(ctx)
	defer bus.Stop()

	sched := scheduler.New(st, locks, orch.RunScheduledTask, time.Duration(cfg.SchedulerPollMS)*time.Millisecond, tz)
	sched.Start(ctx)
	defer sched.Stop()

	sweeper := cleanup.New(cfg.GroupsDir,
		time.Duration(cfg.Cleanup.MediaMaxAgeDays)*24*time.Hour,
		time.Duration(cfg.Cleanup.MediaCleanupIntervalHrs)*time.Hour)
	sweeper.Start()
	defer sweeper.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, terminationSignals...)
	go func() {
		<-sig
		slog.Info("shutdown signal received")
		cancel()
	}()

	slog.Info("nanoclaw started", "assistant", cfg.AssistantName, "groups", len(groups.List()))

	for msg := range tg.Updates(ctx) {
		orch.HandleIncoming(ctx, msg)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("nanoclaw exited with error", "error", err)
		os.Exit(1)
	}
}
