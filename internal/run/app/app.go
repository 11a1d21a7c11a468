// Package app assembles the warden: storage, the server process supervisor,
// the log watcher, the orchestrator, and the administrative command surface.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/lastlife/internal/mc/logwatch"
	"github.com/louisbranch/lastlife/internal/mc/rcon"
	"github.com/louisbranch/lastlife/internal/mc/sideeffect"
	"github.com/louisbranch/lastlife/internal/mc/supervisor"
	"github.com/louisbranch/lastlife/internal/mc/world"
	"github.com/louisbranch/lastlife/internal/narrate"
	"github.com/louisbranch/lastlife/internal/notify"
	"github.com/louisbranch/lastlife/internal/run/command"
	"github.com/louisbranch/lastlife/internal/run/orchestrator"
	"github.com/louisbranch/lastlife/internal/run/storage/sqlite"
)

// Config controls warden startup and loop behavior.
type Config struct {
	Port   int
	DBPath string

	// ServerCommand launches the Minecraft server.
	ServerCommand []string
	// ServerDir is the server's working directory.
	ServerDir string
	// LogPath is the server log the watcher follows.
	LogPath string
	// WorldPath is the deletable world directory.
	WorldPath string

	RCONAddr     string
	RCONPassword string

	StartupTimeout      time.Duration
	GracePeriod         time.Duration
	TermWait            time.Duration
	ConfirmationTimeout time.Duration
	AutoResetOnDeath    bool
	ResetClockWithStats bool
	Locale              string

	Effects sideeffect.Config

	NarrationBaseURL string
	NarrationAPIKey  string
	NarrationModel   string

	// OnReady, when set, receives the command service once everything is
	// wired. It is the in-process administrative boundary.
	OnReady func(*command.Service)
}

const (
	defaultWardenPort = 8094
	defaultWardenDB   = "data/lastlife.db"
)

// Run starts the warden and blocks until ctx is cancelled or supervision is
// irrecoverably lost. The server process is stopped gracefully on the way
// out.
func Run(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.ServerCommand) == 0 {
		return fmt.Errorf("server command is required")
	}
	if strings.TrimSpace(cfg.LogPath) == "" {
		return fmt.Errorf("server log path is required")
	}
	if strings.TrimSpace(cfg.WorldPath) == "" {
		return fmt.Errorf("world path is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultWardenPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultWardenDB
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sqlite store: %v", closeErr)
		}
	}()

	var console *rcon.Client
	if strings.TrimSpace(cfg.RCONAddr) != "" {
		console, err = rcon.New(cfg.RCONAddr, cfg.RCONPassword)
		if err != nil {
			return fmt.Errorf("build rcon client: %w", err)
		}
		defer func() {
			if closeErr := console.Close(); closeErr != nil {
				log.Printf("close rcon client: %v", closeErr)
			}
		}()
	}

	supCfg := supervisor.Config{
		Command:        cfg.ServerCommand,
		Dir:            cfg.ServerDir,
		StartupTimeout: cfg.StartupTimeout,
		GracePeriod:    cfg.GracePeriod,
		TermWait:       cfg.TermWait,
		Output:         log.Writer(),
	}
	if console != nil {
		supCfg.Console = console
	}
	sup, err := supervisor.New(supCfg)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	watcher, err := logwatch.New(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("build log watcher: %w", err)
	}

	worldManager, err := world.New(cfg.WorldPath)
	if err != nil {
		return fmt.Errorf("build world manager: %w", err)
	}

	var effects orchestrator.Effects
	if console != nil {
		dispatcher, err := sideeffect.New(console, cfg.Effects)
		if err != nil {
			return fmt.Errorf("build side effect dispatcher: %w", err)
		}
		effects = dispatcher
	}

	narrator := narrate.New(narrate.Config{
		BaseURL: cfg.NarrationBaseURL,
		APIKey:  cfg.NarrationAPIKey,
		Model:   cfg.NarrationModel,
	})
	if !narrator.Enabled() {
		log.Printf("narration endpoint not configured, using fallback text")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:            store,
		Supervisor:       sup,
		Narrator:         narrator,
		Notifier:         notify.NewLogNotifier(cfg.Locale),
		Effects:          effects,
		World:            worldManager,
		Gate:             orchestrator.NewGate(cfg.ConfirmationTimeout),
		Events:           watcher.Events(),
		ProcessEvents:    sup.Events(),
		AutoResetOnDeath: cfg.AutoResetOnDeath,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	commands, err := command.New(store, orch, command.WithClockReset(cfg.ResetClockWithStats))
	if err != nil {
		return fmt.Errorf("build command service: %w", err)
	}
	if cfg.OnReady != nil {
		cfg.OnReady(commands)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on warden port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("warden.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()
	log.Printf("warden listening at %v", listener.Addr())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("log watcher: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := orch.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := sup.Start(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	})

	err = group.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if stopErr := sup.Stop(stopCtx, true); stopErr != nil {
		log.Printf("stop server on shutdown: %v", stopErr)
	}
	return err
}
