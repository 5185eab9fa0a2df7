package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/agent-runner/internal/api"
	"github.com/mattjoyce/agent-runner/internal/auth"
	"github.com/mattjoyce/agent-runner/internal/callback"
	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/history"
	"github.com/mattjoyce/agent-runner/internal/lock"
	"github.com/mattjoyce/agent-runner/internal/log"
	"github.com/mattjoyce/agent-runner/internal/metrics"
	"github.com/mattjoyce/agent-runner/internal/orchestrator"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/provider"
	"github.com/mattjoyce/agent-runner/internal/queue"
	"github.com/mattjoyce/agent-runner/internal/scheduler"
	"github.com/mattjoyce/agent-runner/internal/storage"
	"github.com/mattjoyce/agent-runner/internal/subscriber"
	"github.com/mattjoyce/agent-runner/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			if digest, err := config.Digest(configPath); err == nil {
				log.WithComponent("main").Info("configuration loaded", "config", configPath, "digest", digest)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file or directory")
	return cmd
}

// serve runs the service until ctx is cancelled, then drains the queue.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info("agent-runner starting", "version", currentVersionInfo().Version, "name", cfg.Service.Name)

	rootFS, err := storage.RequireLocalFilesystem(cfg.Workspace.Root, "workspace.root")
	if err != nil {
		return err
	}
	dirLock, err := lock.Acquire(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("failed to lock workspace root (another instance may be running): %w", err)
	}
	defer dirLock.Release()
	logger.Info("acquired workspace lock", "path", dirLock.Path(), "filesystem", rootFS.Type)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.State.Path, err)
	}
	defer db.Close()
	hist := history.NewStore(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)
	hub := events.NewHub(256)

	wsManager, err := workspace.NewManager(workspace.Config{
		Root:           cfg.Workspace.Root,
		OverlaysDir:    cfg.Workspace.OverlaysDir,
		TempDir:        cfg.Workspace.TempDir,
		GitHost:        cfg.Workspace.GitHost,
		CommitterName:  cfg.Workspace.CommitterName,
		CommitterEmail: cfg.Workspace.CommitterEmail,
		MCPFile:        cfg.Workspace.MCPFile,
	},
		workspace.WithLogger(log.WithComponent("workspace")),
		workspace.WithSetupObserver(m.ObserveWorkspaceSetup),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace manager: %w", err)
	}
	// Nothing runs yet, so every worktree left on disk is an orphan.
	boot := scheduler.New(cfg.Maintenance.Interval, cfg.Maintenance.Jitter,
		maintenanceTasks(wsManager, hist, cfg.State.HistoryRetention, 0), hub, log.Get())
	boot.RunOnce(ctx)

	registry, err := provider.FromConfig(cfg.Providers, log.WithComponent("provider"))
	if err != nil {
		return fmt.Errorf("failed to configure providers: %w", err)
	}
	logger.Info("providers registered", "names", registry.Names(), "default", cfg.Providers.Default)

	reporter := callback.NewReporter(cfg.Callback.Timeout,
		callback.WithLogger(log.WithComponent("callback")),
		callback.WithSigning(cfg.Callback.Secret, cfg.Callback.SignatureHeader),
		callback.WithObserver(func(d callback.Delivery) { m.ObserveCallback(d.Delivered, d.Duration) }),
	)

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Workspaces:     wsManager,
		Providers:      registry,
		Reporter:       reporter,
		History:        hist,
		Events:         hub,
		Metrics:        m,
		DefaultTimeout: cfg.Service.DefaultTimeout,
	})
	if err != nil {
		return err
	}

	q := queue.New(cfg.Service.MaxConcurrent,
		func(ctx context.Context, req *protocol.Request) { orch.Execute(ctx, req) },
		queue.WithLogger(log.WithComponent("queue")),
		queue.WithCancelGrace(cancelGrace(cfg.Callback.Timeout)),
		queue.WithObserver(func(s queue.Status) {
			m.SetQueue(s.Active, s.Queued, s.Max)
			hub.Publish(events.TypeQueueState, "", s)
		}),
	)
	m.SetQueue(0, 0, q.Status().Max)

	maxBody, err := config.ParseSize(cfg.API.MaxBodySize)
	if err != nil {
		maxBody = api.DefaultMaxBodySize
	}

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.New(cfg.Maintenance.Interval, cfg.Maintenance.Jitter,
		maintenanceTasks(wsManager, hist, cfg.State.HistoryRetention, cfg.Maintenance.WorktreeMaxAge), hub, log.Get())
	if err := sched.Start(gctx); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.Auth.APIKey,
			Tokens:      tokenConfigs(cfg.API.Auth.Tokens),
			MaxBodySize: maxBody,
		}, q, hist, hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}

	if cfg.NATS.Enabled {
		sub := subscriber.New(cfg.NATS, q, hub, maxBody, log.WithComponent("nats"))
		g.Go(func() error {
			if err := sub.Run(gctx); err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			return nil
		})
	}

	if !cfg.API.Enabled && !cfg.NATS.Enabled {
		logger.Warn("no admission transport enabled; nothing will be executed")
	}

	g.Go(func() error {
		<-gctx.Done()
		return drainQueue(q, cfg.Service.ShutdownTimeout, logger)
	})

	logger.Info("agent-runner running", "max_concurrent", cfg.Service.MaxConcurrent)
	if err := g.Wait(); err != nil {
		logger.Error("agent-runner stopped with error", "error", err)
		return err
	}
	logger.Info("agent-runner stopped")
	return nil
}

// cancelGrace covers what a cancelled execution still does before it returns:
// post its terminal callback, wait out the provider, then dispose the worktree.
func cancelGrace(callbackTimeout time.Duration) time.Duration {
	if callbackTimeout <= 0 {
		callbackTimeout = callback.DefaultTimeout
	}
	return callbackTimeout + orchestrator.DefaultProviderExitGrace + workspace.DisposeTimeout
}

func drainQueue(q *queue.Queue, timeout time.Duration, logger *slog.Logger) error {
	status := q.Status()
	logger.Info("draining execution queue", "active", status.Active, "queued", status.Queued, "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("shutdown timeout reached; cancelled running executions", "remaining", q.Status().Active)
			return nil
		}
		return err
	}
	return nil
}

// maintenanceTasks prunes history older than retention and sweeps worktrees
// older than worktreeAge (0 sweeps every released worktree).
func maintenanceTasks(ws *workspace.Manager, hist *history.Store, retention, worktreeAge time.Duration) []scheduler.Task {
	return []scheduler.Task{
		{
			Name: "history_prune",
			Run: func(ctx context.Context) (map[string]any, error) {
				if retention <= 0 {
					return nil, nil
				}
				rows, err := hist.Prune(ctx, time.Now().Add(-retention))
				return map[string]any{"rows": rows}, err
			},
		},
		{
			Name: "worktree_sweep",
			Run: func(ctx context.Context) (map[string]any, error) {
				report, err := ws.Sweep(ctx, worktreeAge)
				return map[string]any{
					"deleted_dirs":  report.DeletedDirs,
					"pruned_stores": report.PrunedStores,
				}, err
			},
		},
	}
}

func tokenConfigs(tokens []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
