package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gentlabs/gent/internal/agent"
	"github.com/gentlabs/gent/internal/checkpoint"
	"github.com/gentlabs/gent/internal/config"
	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/internal/gateway"
	"github.com/gentlabs/gent/internal/interact"
	"github.com/gentlabs/gent/internal/permission"
	"github.com/gentlabs/gent/internal/provider"
	"github.com/gentlabs/gent/internal/store"
	"github.com/gentlabs/gent/internal/store/pg"
	"github.com/gentlabs/gent/internal/store/sqlite"
	"github.com/gentlabs/gent/internal/telemetry"
	"github.com/gentlabs/gent/internal/tools"
	"github.com/gentlabs/gent/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent core and WebSocket gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	events := event.NewStore(storage)

	providers := provider.NewRegistry()
	registerProviders(providers, cfg)

	// Wide-event telemetry: one structured log line per turn, plus OTLP
	// spans when an endpoint is configured.
	var tracer *telemetry.Tracer
	if cfg.Telemetry.Enabled {
		tr, shutdown, trErr := telemetry.NewTracer(ctx, telemetry.TraceConfig{
			ServiceName:  cfg.Telemetry.ServiceName,
			Endpoint:     cfg.Telemetry.Endpoint,
			SamplingRate: cfg.Telemetry.SamplingRate,
			Insecure:     cfg.Telemetry.Insecure,
		})
		if trErr != nil {
			slog.Warn("telemetry disabled", "error", trErr)
		} else {
			tracer = tr
			if shutdown != nil {
				defer shutdown(context.Background())
			}
		}
	}
	wide := telemetry.NewWideEvents(slog.Default(), tracer)
	wide.Attach(events)

	policy, err := permission.LoadPolicy(config.ExpandHome(cfg.Permissions.RulesPath))
	if err != nil {
		slog.Error("failed to load permission rules", "path", cfg.Permissions.RulesPath, "error", err)
		os.Exit(1)
	}
	if cfg.Permissions.Watch {
		if err := policy.Watch(ctx, slog.Default()); err != nil {
			slog.Warn("permission rules watch unavailable", "error", err)
		}
	}

	interactions := interact.NewHandlers(events)
	checkpoints := checkpoint.NewService(storage, events, providers, checkpoint.Options{
		SummaryModel: cfg.Checkpoint.SummaryModel,
		Threshold:    cfg.Checkpoint.Threshold,
		Logger:       slog.Default(),
	})

	workspace, err := os.Getwd()
	if err != nil {
		slog.Error("failed to resolve working directory", "error", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	registerTools(registry, cfg, workspace, interactions, checkpoints)

	runner := tools.NewRunner(registry, policy, interactions, events, slog.Default(), cfg.Tools.Parallelism)

	deps := agent.Deps{
		Storage:      storage,
		Events:       events,
		Providers:    providers,
		Checkpoints:  checkpoints,
		Tools:        registry,
		Runner:       runner,
		Agents:       agent.NewRegistry(),
		DefaultModel: cfg.Agent.Model,
		MaxTurns:     cfg.Agent.MaxTurns,
		Logger:       slog.Default(),
	}

	// The task tool delegates to subagents sharing the same dependencies.
	subagents := agent.NewSubagentRunner(deps, agent.SubagentOptions{})
	registry.Register(tools.NewTaskTool(subagents))

	manager := agent.NewManager(deps)
	manager.Start(ctx)
	defer manager.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	server := gateway.NewServer(cfg, manager, interactions, storage, events)

	slog.Info("gent gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"storage", cfg.Storage.Backend,
		"model", cfg.Agent.Model,
		"tools", registry.Names(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (store.Storage, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return pg.Open(ctx, cfg.Storage.PostgresDSN)
	case "memory":
		return store.NewMemory(), nil
	default:
		return sqlite.Open(config.ExpandHome(cfg.Storage.SQLitePath))
	}
}

func registerProviders(reg *provider.Registry, cfg *config.Config) {
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		p, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
		})
		if err != nil {
			slog.Warn("anthropic provider unavailable", "error", err)
		} else {
			reg.Register(p)
			slog.Info("provider registered", "name", p.Name())
		}
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
		})
		if err != nil {
			slog.Warn("openai provider unavailable", "error", err)
		} else {
			reg.Register(p)
			slog.Info("provider registered", "name", p.Name())
		}
	}
}

func registerTools(reg *tools.Registry, cfg *config.Config, workspace string, interactions *interact.Handlers, checkpoints *checkpoint.Service) {
	bash := tools.NewBashTool(workspace, true)
	if cfg.Tools.BashTimeoutSec > 0 {
		bash.SetDefaultTimeout(time.Duration(cfg.Tools.BashTimeoutSec) * time.Second)
	}
	reg.Register(bash)
	reg.Register(tools.NewReadFileTool(workspace, true))
	reg.Register(tools.NewWriteFileTool(workspace, true))
	reg.Register(tools.NewEditFileTool(workspace, true))
	reg.Register(tools.NewListDirTool(workspace, true))
	reg.Register(tools.NewGrepTool(workspace, true))
	reg.Register(tools.NewGlobTool(workspace, true))
	reg.Register(tools.NewWebFetchTool(0))
	reg.Register(tools.NewPresentPlanTool(interactions, checkpoints, config.ExpandHome("~/.gent/plans")))
	reg.Register(tools.NewAskQuestionsTool(interactions))
}
