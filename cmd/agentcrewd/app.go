package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"agentcrew/internal/analytics"
	"agentcrew/internal/capability"
	"agentcrew/internal/config"
	"agentcrew/internal/core"
	"agentcrew/internal/credentials"
	"agentcrew/internal/engine/claudecli"
	"agentcrew/internal/notify"
	"agentcrew/internal/policy"
	"agentcrew/internal/repo"
	"agentcrew/internal/store"
)

// app is the fully wired daemon.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	cipher    *credentials.Cipher
	lifecycle *core.TaskLifecycle
	ledger    *core.Ledger
	routines  *core.RoutineDispatcher
	tasks     *core.TaskDispatcher
	brain     *core.BrainLoop
	scheduler *core.Scheduler
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: st}
	if err := a.wire(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger, st := a.cfg, a.logger, a.store

	var decrypter capability.Decrypter
	if cfg.CredentialKey != "" {
		key, err := credentials.ParseKey(cfg.CredentialKey)
		if err != nil {
			return err
		}
		if a.cipher, err = credentials.NewCipher(key); err != nil {
			return err
		}
		decrypter = a.cipher
	} else {
		logger.Warn("AGENTCREW_CREDENTIAL_KEY is not set, credential-backed capabilities are unavailable")
	}

	catalog, err := capability.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		self = ""
	}
	configurator := capability.NewConfigurator(catalog, st, decrypter, logger,
		capability.WithSelfCommand(self),
		capability.WithStateDir(cfg.StateDir),
	)

	var engineEnv []string
	if cfg.Engine.ConfigDir != "" {
		engineEnv = append(engineEnv, "CLAUDE_CONFIG_DIR="+cfg.Engine.ConfigDir)
	}
	engine := claudecli.New(claudecli.Options{
		Binary:          cfg.Engine.Binary,
		SkipPermissions: cfg.Engine.SkipPermissions,
		Timeout:         cfg.Engine.Timeout,
		Env:             engineEnv,
	}, logger)

	a.lifecycle = core.NewTaskLifecycle(st, logger)
	a.ledger = core.NewLedger(st, logger)
	notifier := buildNotifier(cfg, logger)

	deps := core.DispatcherDeps{
		Agents:          st,
		Routines:        st,
		Tasks:           st,
		Lifecycle:       a.lifecycle,
		Ledger:          a.ledger,
		Sessions:        core.NewSessionStore(st, cfg.WorkspaceRoot, claudecli.SessionProbe{ConfigDir: cfg.Engine.ConfigDir}),
		Capabilities:    configurator,
		Repos:           repo.New(cfg.WorkspaceRoot, logger),
		Engine:          engine,
		Locks:           core.NewAgentLocks(),
		Notifier:        notifier,
		Logger:          logger,
		DefaultMaxTurns: cfg.Engine.MaxTurns,
		DefaultModel:    cfg.Engine.Model,
	}
	a.routines = core.NewRoutineDispatcher(deps)
	a.tasks = core.NewTaskDispatcher(deps)

	guard, err := policy.Load(ctx, cfg.Brain.PolicyPath)
	if err != nil {
		return err
	}
	var refresher core.AnalyticsRefresher
	if cfg.Analytics.URL != "" {
		r, err := analytics.NewHTTPRefresher(cfg.Analytics.URL, cfg.Analytics.Token, st)
		if err != nil {
			return err
		}
		refresher = r
	}
	var documents core.DocumentSource
	if cfg.Brain.DocumentsDir != "" {
		documents = core.FileDocuments{Dir: cfg.Brain.DocumentsDir}
	}
	a.brain = core.NewBrainLoop(core.BrainDeps{
		Store:           st,
		Lifecycle:       a.lifecycle,
		Ledger:          a.ledger,
		Routines:        a.routines,
		Tasks:           a.tasks,
		Engine:          engine,
		Capabilities:    configurator,
		Analytics:       refresher,
		Documents:       documents,
		Policy:          guard,
		Notifier:        notifier,
		Logger:          logger,
		WorkspaceRoot:   cfg.WorkspaceRoot,
		CapabilityNames: cfg.Brain.Capabilities,
		MaxTurns:        cfg.Brain.MaxTurns,
		Model:           cfg.Brain.Model,
	})

	a.scheduler = core.NewScheduler(st, a.routines, a.tasks, a.brain, logger, core.SchedulerConfig{
		SweepCron:      cfg.Scheduler.SweepCron,
		SweepLimit:     cfg.Scheduler.SweepLimit,
		BrainSchedules: cfg.Brain.Schedules,
		Location:       cfg.Location(),
	})
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	var channels []notify.Notifier
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL != "" {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			channels = append(channels, bark)
		}
	}
	if cfg.Notification.WebhookURL != "" {
		hook, err := notify.NewWebhookNotifier(cfg.Notification.WebhookURL)
		if err != nil {
			logger.Warn("webhook notifier disabled", "err", err)
		} else {
			channels = append(channels, hook)
		}
	}
	if len(channels) == 0 {
		return notify.NoOpNotifier{}
	}
	multi := notify.NewMultiNotifier(channels...)
	logger.Info("notifications enabled", "channels", multi.Len())
	return multi
}
