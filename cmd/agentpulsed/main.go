// Command agentpulsed is the background coordinator daemon. On a fixed
// interval it authenticates every eligible agent identity, runs the
// agent's scheduled tasks and queued handoffs against the tool-execution
// backend, and persists every outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/agentpulse/internal/backend"
	"github.com/basket/agentpulse/internal/config"
	"github.com/basket/agentpulse/internal/identity"
	otelPkg "github.com/basket/agentpulse/internal/otel"
	"github.com/basket/agentpulse/internal/scheduler"
	"github.com/basket/agentpulse/internal/store"
	"github.com/basket/agentpulse/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// defaultSystemPrompt is used when no prompt file is configured. Kept
// deliberately terse; real deployments ship their own file.
const defaultSystemPrompt = `You are running a scheduled background task with no human in the loop.
Complete the task using your available tools, then reply with a short
summary of what you did. Never ask questions; if the task cannot be
completed, say why.`

func main() {
	configPath := flag.String("config", "agentpulse.yaml", "path to config file")
	interval := flag.Duration("interval", 0, "override the tick interval (e.g. 30s, 5m)")
	once := flag.Bool("once", false, "run a single tick and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentpulsed", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *interval, *once); err != nil {
		fmt.Fprintln(os.Stderr, "agentpulsed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, intervalOverride time.Duration, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", Version, "config", configPath)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	st := store.New(cfg.DatabaseURL, logger)
	defer st.Close()
	if err := st.Connect(ctx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := st.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	systemPrompt, err := loadSystemPrompt(cfg.Backend.SystemPromptFile)
	if err != nil {
		return err
	}

	exchanger := identity.NewExchanger(logger)
	be := backend.NewClient(cfg.Backend.BaseURL, cfg.BackendTimeout(), logger)

	tickInterval := cfg.Interval()
	if intervalOverride > 0 {
		tickInterval = intervalOverride
	}

	sched := scheduler.New(st, exchanger, be, scheduler.Options{
		Interval: tickInterval,
		Tenant: identity.TenantCredentials{
			ClientID:     cfg.Tenant.ClientID,
			ClientSecret: cfg.Tenant.ClientSecret,
			TenantID:     cfg.Tenant.TenantID,
			Audience:     cfg.Tenant.Audience,
		},
		SystemPrompt: systemPrompt,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       provider.Tracer,
	})

	if once {
		logger.Info("single-tick mode")
		sched.RunOnce(ctx)
		return nil
	}

	// Hot-reload the interval when the config file changes. Credential
	// and database changes still need a restart.
	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(configPath)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				sched.SetInterval(fresh.Interval())
			}
		}()
	}

	sched.Start(ctx)
	return nil
}

func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(data), nil
}
