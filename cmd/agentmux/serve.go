package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/fanout"
	"github.com/agentmux/agentmux/internal/models"
	"github.com/agentmux/agentmux/internal/notify"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/runtime"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the AgentMux server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting agentmux server")

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	db, err := models.InitDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	var rt runtime.AgentRuntime
	var k8s *runtime.K8sRuntime
	switch cfg.Runtime {
	case "kubernetes":
		slog.Info("initializing kubernetes runtime")
		k8s, err = runtime.NewK8sRuntime(os.Getenv("K8S_NAMESPACE"), cfg.AgentImage)
		rt = k8s
	default:
		slog.Info("initializing docker runtime")
		rt, err = runtime.NewDockerRuntime(cfg.AgentImage)
	}
	if err != nil {
		return fmt.Errorf("initializing %s runtime: %w", cfg.Runtime, err)
	}

	router, err := bus.NewRouter(bus.NewGormStore(db))
	if err != nil {
		return fmt.Errorf("initializing message router: %w", err)
	}

	defs, err := config.LoadDefinitions(cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("loading agent definitions: %w", err)
	}
	slog.Info("agent definitions loaded", "count", len(defs))

	reg := registry.New(rt)

	// Bridges exec into agents through the same runtime that spawned them.
	newBridge := orchestrator.DockerBridgeFactory(router)
	if k8s != nil {
		newBridge = orchestrator.K8sBridgeFactory(router, k8s.Namespace())
	}
	orch := orchestrator.New(cfg, defs, rt, reg, router, newBridge)
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick up agents that survived a server restart.
	if err := reg.Sync(ctx); err != nil {
		slog.Warn("initial registry sync", "error", err)
	}
	go orch.Run(ctx)

	hub := fanout.NewHub(reg, router)
	defer hub.Close()

	// Notification bus is best-effort: the server works without it.
	if notifier, client := startNotifier(ctx, cfg, rt, router); notifier != nil {
		defer notifier.Close()
		defer client.Close()
	}

	if pw := os.Getenv("OPERATOR_PASSWORD"); pw != "" {
		if err := api.SetOperatorPassword(db, pw); err != nil {
			return fmt.Errorf("setting operator password: %w", err)
		}
	}

	srv := api.NewServer(db, orch, router, reg, hub, cfg.JWTSecret)
	go func() {
		if err := srv.Listen(cfg.ListenAddr); err != nil {
			slog.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down agentmux server")
	if err := srv.Shutdown(); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// startNotifier brings up the NATS infrastructure and attaches the
// developer notifier. Failures are logged, never fatal.
func startNotifier(ctx context.Context, cfg *config.Config, rt runtime.AgentRuntime,
	router *bus.Router) (*notify.Notifier, *notify.Client) {

	if err := rt.EnsureBusInfra(ctx); err != nil {
		slog.Warn("starting notification bus", "error", err)
		return nil, nil
	}

	url := cfg.NATSURL
	if url == "" {
		var err error
		url, err = rt.NATSConnectURL(ctx)
		if err != nil {
			slog.Warn("resolving nats url", "error", err)
			return nil, nil
		}
	}

	clientCfg := notify.DefaultConfig(url, "agentmux-server")
	clientCfg.Token = cfg.NATSToken
	client, err := notify.Connect(clientCfg)
	if err != nil {
		slog.Warn("connecting to nats", "error", err)
		return nil, nil
	}
	if err := client.EnsureStream(ctx); err != nil {
		slog.Warn("ensuring notify stream", "error", err)
	}

	return notify.NewNotifier(client, router, bus.ParticipantDeveloper), client
}
