// Command borg is the autonomous agent orchestrator's single binary: the
// pipeline engine, the chat dispatcher, the transport hub, the self-update
// supervisor, and the dashboard HTTP API all run in this one process. Per
// design it takes no flags beyond --version; everything else comes
// from the environment, config.yaml, and the database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/chat"
	"github.com/neuralcollective/borg/internal/config"
	"github.com/neuralcollective/borg/internal/cron"
	"github.com/neuralcollective/borg/internal/dashboard"
	"github.com/neuralcollective/borg/internal/modes"
	otelPkg "github.com/neuralcollective/borg/internal/otel"
	"github.com/neuralcollective/borg/internal/pipeline"
	"github.com/neuralcollective/borg/internal/selfupdate"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/telemetry"
	"github.com/neuralcollective/borg/internal/transport"
	"github.com/neuralcollective/borg/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	if len(os.Args) > 1 {
		if os.Args[1] == "--version" {
			fmt.Println("borg " + Version)
			return
		}
		fatalStartup(nil, "E_ARGS", fmt.Errorf("unrecognized argument %q: borg takes no flags beyond --version", os.Args[1]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	eventBus := bus.New()

	// Initialize OpenTelemetry here (not inside cmd/borgagent) so traces from
	// both processes share one resource/sampling config and correlate via the
	// W3C traceparent passed in the agent invocation envelope.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Otel.Enabled,
		Exporter:       cfg.Otel.Exporter,
		Endpoint:       cfg.Otel.Endpoint,
		ServiceName:    cfg.Otel.ServiceName,
		SampleRate:     cfg.Otel.SampleRate,
		MetricsEnabled: cfg.Otel.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(nil, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(slog.New(dashboard.NewLogBridge(eventBus, logger.Handler())))
	logger = slog.Default()
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	dbPath := filepath.Join(cfg.HomeDir, "borg.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if cfg.PrimaryRepo != "" && len(cfg.Repos) == 0 {
		cfg.Repos = []config.RepoConfig{{Path: cfg.PrimaryRepo, DefaultMode: "ship"}}
	}
	for _, rc := range cfg.Repos {
		if _, err := st.UpsertRepo(ctx, store.Repo{
			Path:           rc.Path,
			DefaultMode:    rc.DefaultMode,
			DefaultBackend: cfg.AgentRunner.Backend,
			TestCommand:    rc.Command,
		}); err != nil {
			logger.Error("failed to seed watched repo", "path", rc.Path, "error", err)
		}
	}
	logger.Info("startup phase", "phase", "repos_seeded", "count", len(cfg.Repos))

	mr, err := modes.NewRegistry(st)
	if err != nil {
		fatalStartup(logger, "E_MODES_LOAD", err)
	}

	wt := worktree.NewManager(st, filepath.Join(cfg.HomeDir, "worktrees"))

	runner, err := buildRunner(cfg)
	if err != nil {
		fatalStartup(logger, "E_RUNNER_INIT", err)
	}

	hostname, _ := os.Hostname()
	ownerTag := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	eng := pipeline.New(st, eventBus, mr, wt, runner, ownerTag, pipeline.Config{
		TickInterval:    cfg.TickInterval(),
		MaxConcurrent:   cfg.Pipeline.MaxConcurrent,
		StaleLeaseAfter: cfg.StaleLeaseAfter(),
		SeedCooldown:    cfg.SeedCooldown(),
		SeedMinActive:   cfg.Pipeline.SeedMinActive,
		AgentTimeout:    cfg.AgentTimeout(),
		MainlineBranch:  cfg.Pipeline.MainlineBranch,
	})
	eng.SetTracer(otelProvider.Tracer)

	disp := chat.New(st, eventBus, runner, nil, chat.Config{
		TriggerPattern:      cfg.Chat.TriggerPattern,
		CollectionWindow:    cfg.ChatCollectionWindow(),
		MaxCollectionWindow: cfg.ChatMaxCollectionWindow(),
		CooldownDuration:    cfg.ChatCooldown(),
		AgentTimeout:        cfg.ChatAgentTimeout(),
		MaxConcurrentAgents: cfg.Chat.MaxConcurrentAgents,
		RateLimitPerMinute:  cfg.Chat.RateLimitPerMinute,
		RateLimitBurst:      cfg.Chat.RateLimitBurst,
		ApologyOnTimeout:    cfg.Chat.ApologyOnTimeout,
	})
	disp.SetTracer(otelProvider.Tracer)

	hub := transport.New(disp)
	disp.SetSender(hub)

	webAdapter := transport.NewWebAdapter(cfg.AllowOrigins)
	hub.Register(webAdapter)
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			hub.Register(transport.NewTelegramAdapter(cfg.Channels.Telegram.Token))
		}
	}
	if cfg.Channels.Bridge.Enabled {
		if len(cfg.Channels.Bridge.Command) == 0 {
			logger.Warn("transport bridge enabled but no command configured")
		} else {
			hub.Register(transport.NewBridgeAdapter(cfg.Channels.Bridge.Command))
		}
	}

	var sup *selfupdate.Supervisor
	if cfg.SelfUpdate.Enabled {
		repoPath, err := os.Getwd()
		if err != nil {
			fatalStartup(logger, "E_SELFUPDATE_CWD", err)
		}
		sup = selfupdate.New(selfupdate.Config{
			Store:    st,
			Bus:      eventBus,
			Logger:   logger,
			Interval: cfg.SelfUpdateInterval(),
			RepoPath: repoPath,
			Mainline: cfg.SelfUpdate.Mainline,
			Package:  cfg.SelfUpdate.Package,
			BinName:  cfg.SelfUpdate.BinName,
		})
	}

	scheduler := cron.NewScheduler(cron.Config{
		Store:    st,
		Logger:   logger,
		Interval: cfg.TickInterval(),
	})

	dash := dashboard.New(dashboard.Config{
		Store:              st,
		Bus:                eventBus,
		Modes:              mr,
		Dispatcher:         disp,
		Hub:                hub,
		Web:                webAdapter,
		AuthToken:          cfg.AuthToken,
		AllowOrigins:       cfg.AllowOrigins,
		RateLimitPerMinute: cfg.Dashboard.RateLimitPerMinute,
		RateLimitBurst:     cfg.Dashboard.RateLimitBurst,
	})

	server := &http.Server{Addr: cfg.BindAddr, Handler: dash.Handler()}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	go eng.Run(ctx)
	go disp.Run(ctx)
	go hub.Run(ctx)
	scheduler.Start(ctx)
	if sup != nil {
		sup.Run(ctx)
	}
	logger.Info("startup phase", "phase", "subsystems_started")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("dashboard server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	if sup != nil {
		sup.Stop()
	}
	disp.Stop()
	eng.Stop(cfg.DrainTimeout())
	logger.Info("shutdown complete")
}

// buildRunner constructs the agent runner's host and/or docker backends
// per cfg.AgentRunner.Backend, mirroring go-claw's main.go pattern of
// initializing the configured executor and leaving the other nil.
func buildRunner(cfg config.Config) (*agentrunner.Runner, error) {
	var host *agentrunner.HostBackend
	var docker *agentrunner.DockerBackend

	switch cfg.AgentRunner.Backend {
	case "docker":
		d, err := agentrunner.NewDockerBackend(
			cfg.AgentRunner.DockerImage,
			cfg.AgentRunner.DockerMemoryMB,
			cfg.AgentRunner.DockerCPUShares,
			cfg.AgentRunner.DockerPidsLimit,
		)
		if err != nil {
			return nil, fmt.Errorf("docker backend: %w", err)
		}
		docker = d
	default:
		if len(cfg.AgentRunner.HostCommand) == 0 {
			return nil, fmt.Errorf("host backend: agent_runner.host_command required")
		}
		host = agentrunner.NewHostBackend(cfg.AgentRunner.HostCommand)
	}
	return agentrunner.NewRunner(docker, host), nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
