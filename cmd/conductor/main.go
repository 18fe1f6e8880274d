// Command conductor boots the agent orchestration kernel with its
// reference adapters: sqlite/postgres persistence, the in-memory or NATS
// event bus, the WebSocket channel, the shared tool runner, and the
// HTTP ingress surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/agentkernel"
	"github.com/relaycore/conductor/internal/api"
	"github.com/relaycore/conductor/internal/channel/ws"
	"github.com/relaycore/conductor/internal/common/config"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	convmemory "github.com/relaycore/conductor/internal/conversation/memory"
	convpostgres "github.com/relaycore/conductor/internal/conversation/postgres"
	convsqlite "github.com/relaycore/conductor/internal/conversation/sqlite"
	"github.com/relaycore/conductor/internal/events/bus"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/registry"
	"github.com/relaycore/conductor/internal/router"
	"github.com/relaycore/conductor/internal/sandbox"
	"github.com/relaycore/conductor/internal/scheduler"
	taskrepo "github.com/relaycore/conductor/internal/task/repository"
	"github.com/relaycore/conductor/internal/toolrunner"
	"github.com/relaycore/conductor/internal/tracing"
	"github.com/relaycore/conductor/internal/turntodo"
	todomemory "github.com/relaycore/conductor/internal/turntodo/memory"
	todopostgres "github.com/relaycore/conductor/internal/turntodo/postgres"
	todosqlite "github.com/relaycore/conductor/internal/turntodo/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence.
	convStore, todoStore, tasks, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open stores", zap.Error(err))
	}
	defer convStore.Close()
	defer todoStore.Close()
	defer tasks.Close()

	if err := conversation.EnsureWellKnown(ctx, convStore); err != nil {
		log.Fatal("failed to ensure well-known conversations", zap.Error(err))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	tracer := tracing.New(cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
	defer tracing.Shutdown(context.Background())

	events := messageevent.New(convStore, eventBus, log)

	// Tool runtime: kernel tools always; shell_exec only when a Docker
	// daemon is reachable.
	tools := agentkernel.KernelTools(todoStore)
	tools = append(tools, toolrunner.WebSearchTool{})
	if sb, err := sandbox.New(sandbox.DefaultConfig(), log); err != nil {
		log.Warn("sandbox unavailable, shell_exec disabled", zap.Error(err))
	} else {
		defer sb.Close()
		tools = append(tools, toolrunner.ShellExecTool{Sandbox: sb})
	}
	runner := toolrunner.New(log, tools...)

	reg := registry.New(registry.DefaultTemplates())

	model := newDevModel()

	hub := ws.NewHub(log)
	// Persisted events (tool_event, delegation, assistant_message) reach
	// the sockets through the bus, not through the direct Sink calls.
	if err := hub.BindBus(eventBus); err != nil {
		log.Fatal("failed to bind hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	supCfg := supervisorConfig(cfg)
	deps := agentkernel.SupervisorDeps{
		Model:     model,
		FastModel: model,
		Runner:    runner,
		Store:     convStore,
		Todos:     todoStore,
		Events:    events,
		Registry:  reg,
		Tracer:    tracer,
	}

	generalTmpl, _ := reg.Template("general")
	general := agentkernel.NewSupervisorAgent(agentkernel.Identity{
		AgentID: "supervisor-" + uuid.New().String()[:8],
		Name:    "Assistant",
		Emoji:   "🤖",
	}, generalTmpl, deps, supCfg, log)
	general.RegisterChannel(hub)
	if err := general.Init(ctx); err != nil {
		log.Fatal("failed to init supervisor", zap.Error(err))
	}
	defer general.Shutdown(context.Background())

	missionLead := agentkernel.NewSupervisorAgent(agentkernel.Identity{
		AgentID: "mission-lead-" + uuid.New().String()[:8],
		Name:    "Mission Lead",
		Emoji:   "🧭",
	}, generalTmpl, deps, supCfg, log)
	missionLead.RegisterChannel(hub)
	if err := missionLead.Init(ctx); err != nil {
		log.Fatal("failed to init mission lead", zap.Error(err))
	}
	defer missionLead.Shutdown(context.Background())

	front := router.New(convStore, general, missionLead, log)
	hub.OnMessage(func(msgCtx context.Context, msg *conversation.Message) {
		if err := front.Route(msgCtx, msg); err != nil {
			log.Error("turn failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	})

	sched := scheduler.New(tasks, events, front.Route, cfg.Scheduler.TickInterval, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// HTTP surface.
	if strings.ToLower(cfg.Logging.Level) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	api.SetupRoutes(engine, convStore, front, hub, tasks, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.Info("conductor listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
}

func openStores(ctx context.Context, cfg *config.Config) (conversation.Store, turntodo.Store, taskrepo.Repository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		convStore, err := convpostgres.New(ctx, convpostgres.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		todoStore, err := todopostgres.New(ctx, convStore.Pool())
		if err != nil {
			convStore.Close()
			return nil, nil, nil, err
		}
		// Scheduled tasks stay on sqlite alongside a postgres deployment
		// until a postgres repository is warranted.
		tasks, err := taskrepo.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			convStore.Close()
			return nil, nil, nil, err
		}
		return convStore, todoStore, tasks, nil

	case "memory":
		return convmemory.New(), todomemory.New(), taskrepo.NewMemoryRepository(), nil

	default: // sqlite
		convStore, err := convsqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		todoStore, err := todosqlite.New(cfg.Database.Path)
		if err != nil {
			convStore.Close()
			return nil, nil, nil, err
		}
		tasks, err := taskrepo.NewSQLiteRepository(cfg.Database.Path)
		if err != nil {
			convStore.Close()
			todoStore.Close()
			return nil, nil, nil, err
		}
		return convStore, todoStore, tasks, nil
	}
}

func supervisorConfig(cfg *config.Config) agentkernel.SupervisorConfig {
	sc := agentkernel.DefaultSupervisorConfig()
	if cfg.Agent.MaxToolIterations > 0 {
		sc.MaxToolIterations = cfg.Agent.MaxToolIterations
	}
	if cfg.Agent.MaxToolIterationsWithPlan > 0 {
		sc.MaxToolIterationsWithPlan = cfg.Agent.MaxToolIterationsWithPlan
	}
	if cfg.Agent.MessageDedupWindow > 0 {
		sc.MessageDedupWindow = cfg.Agent.MessageDedupWindow
	}
	if cfg.Agent.RecentConversationWindow > 0 {
		sc.RecentConversationWindow = cfg.Agent.RecentConversationWindow
	}
	if cfg.Agent.AutoNameMessageThreshold > 0 {
		sc.AutoNameMessageThreshold = cfg.Agent.AutoNameMessageThreshold
	}
	return sc
}
