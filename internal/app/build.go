// Package app wires the daemon's services using go.uber.org/dig.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/dig"

	"github.com/agentdeck/agentdeck/internal/agenthost"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/history"
	"github.com/agentdeck/agentdeck/internal/httpapi"
	"github.com/agentdeck/agentdeck/internal/launcher"
	"github.com/agentdeck/agentdeck/internal/observability"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/recurring"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/internal/tasks"
)

// stageWindowSize bounds the per-stage latency ring served by
// /v1/perf/stages.
const stageWindowSize = 512

// App holds the assembled daemon.
type App struct {
	Config    config.Config
	API       *httpapi.Server
	Manager   *tasks.Manager
	Hub       *stream.Hub
	Recurring *recurring.Service
	Metrics   *observability.Metrics

	// Cleanup releases external resources on shutdown (cron runner, task
	// mailboxes, host client, history store). Call it once, after the HTTP
	// server has stopped.
	Cleanup func() error
}

// Build assembles all services from cfg. The recurring scheduler starts
// ticking before Build returns; everything else waits for the caller to
// serve the API.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	d := dig.New()

	if err := d.Provide(func() config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := d.Provide(newMetrics); err != nil {
		return nil, err
	}
	if err := d.Provide(newStageWindow); err != nil {
		return nil, err
	}
	if err := d.Provide(func(cfg config.Config) (history.Store, error) {
		return history.NewStore(ctx, cfg.DatabaseURL)
	}); err != nil {
		return nil, err
	}
	if err := d.Provide(newSettingsStore); err != nil {
		return nil, err
	}
	if err := d.Provide(newGate); err != nil {
		return nil, err
	}
	if err := d.Provide(events.NewRouter); err != nil {
		return nil, err
	}
	if err := d.Provide(stream.NewHub); err != nil {
		return nil, err
	}
	if err := d.Provide(newLauncher); err != nil {
		return nil, err
	}
	if err := d.Provide(newHostClient); err != nil {
		return nil, err
	}
	if err := d.Provide(newManager); err != nil {
		return nil, err
	}
	if err := d.Provide(newRecurring); err != nil {
		return nil, err
	}
	if err := d.Provide(newAPI); err != nil {
		return nil, err
	}

	var result *App
	err := d.Invoke(func(
		api *httpapi.Server,
		manager *tasks.Manager,
		hub *stream.Hub,
		scheduler *recurring.Service,
		metrics *observability.Metrics,
		store history.Store,
		client agenthost.Client,
		hostLauncher *launcher.Launcher,
	) {
		scheduler.Start()
		result = &App{
			Config:    cfg,
			API:       api,
			Manager:   manager,
			Hub:       hub,
			Recurring: scheduler,
			Metrics:   metrics,
			Cleanup: func() error {
				var errs []string
				scheduler.Stop()
				manager.Dispose()
				hub.Close()
				if err := client.Close(); err != nil {
					errs = append(errs, err.Error())
				}
				if err := hostLauncher.Stop(); err != nil {
					errs = append(errs, err.Error())
				}
				if err := store.Close(); err != nil {
					errs = append(errs, err.Error())
				}
				if len(errs) > 0 {
					return fmt.Errorf("%s", strings.Join(errs, "; "))
				}
				return nil
			},
		}
	})
	return result, err
}

func newMetrics(cfg config.Config) *observability.Metrics {
	return observability.NewMetrics(cfg.MetricsNamespace)
}

func newStageWindow() *observability.StageWindow {
	return observability.NewStageWindow(stageWindowSize)
}

func newSettingsStore(cfg config.Config) (*settings.Store, error) {
	store, err := settings.NewStore(cfg.SettingsPath())
	if err != nil {
		return nil, fmt.Errorf("settings store init failed: %w", err)
	}
	return store, nil
}

func newGate(store *settings.Store) (*policy.Gate, error) {
	gate, err := policy.NewGate(store.Get().AutoRejectPatterns)
	if err != nil {
		return nil, fmt.Errorf("permission gate init failed: %w", err)
	}
	return gate, nil
}

func newLauncher(cfg config.Config) *launcher.Launcher {
	return launcher.New(launcher.Options{
		GatewayURL: cfg.GatewayURL,
		Binary:     cfg.AgentHostBinary,
		Token:      cfg.GatewayToken,
		Autostart:  cfg.AgentHostAutostart,
		WaitFor:    cfg.AgentHostWaitFor,
	})
}

func newHostClient(cfg config.Config, router *events.Router, hostLauncher *launcher.Launcher) (agenthost.Client, error) {
	client, err := agenthost.NewClient(agenthost.Options{
		Mode:        cfg.AgentHostMode,
		GatewayURL:  cfg.GatewayURL,
		Token:       cfg.GatewayToken,
		FallbackURL: cfg.FallbackURL,
		Launcher:    hostLauncher,
		Sink:        router,
	})
	if err != nil {
		return nil, fmt.Errorf("agent host client init failed: %w", err)
	}
	return client, nil
}

func newManager(
	cfg config.Config,
	client agenthost.Client,
	router *events.Router,
	store history.Store,
	settingsStore *settings.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
) *tasks.Manager {
	maxContinuations := cfg.MaxContinuations
	if fromSettings := settingsStore.Get().MaxContinuations; fromSettings > 0 {
		maxContinuations = fromSettings
	}
	return tasks.NewManager(tasks.Options{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		MaxContinuations:   maxContinuations,
		Client:             client,
		Router:             router,
		History:            store,
		Metrics:            metrics,
		Stages:             stages,
	})
}

func newRecurring(
	cfg config.Config,
	manager *tasks.Manager,
	hub *stream.Hub,
	gate *policy.Gate,
	settingsStore *settings.Store,
) (*recurring.Service, error) {
	start := func(ctx context.Context, taskID, prompt, model string) error {
		current := settingsStore.Get()
		if strings.TrimSpace(model) == "" {
			model = current.DefaultModel
		}
		cb := stream.Callbacks(hub, taskID, stream.CallbackOptions{
			Gate:      gate,
			Responder: manager,
			RedactPII: current.RedactPII,
		})
		_, err := manager.StartTask(ctx, taskID, tasks.Config{
			Prompt:            prompt,
			Model:             model,
			Source:            "schedule",
			RequireCompletion: current.RequireCompletion,
		}, cb)
		return err
	}
	scheduler, err := recurring.NewService(cfg.SchedulesPath(), start)
	if err != nil {
		return nil, fmt.Errorf("recurring scheduler init failed: %w", err)
	}
	return scheduler, nil
}

func newAPI(
	cfg config.Config,
	manager *tasks.Manager,
	hub *stream.Hub,
	store history.Store,
	settingsStore *settings.Store,
	gate *policy.Gate,
	scheduler *recurring.Service,
	stages *observability.StageWindow,
) *httpapi.Server {
	return httpapi.New(httpapi.Options{
		Config:    cfg,
		Manager:   manager,
		Hub:       hub,
		History:   store,
		Settings:  settingsStore,
		Gate:      gate,
		Recurring: scheduler,
		Stages:    stages,
	})
}
