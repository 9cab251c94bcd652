package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/avelasco/opsbot/internal/agent"
	"github.com/avelasco/opsbot/internal/api"
	"github.com/avelasco/opsbot/internal/config"
	"github.com/avelasco/opsbot/internal/db"
	"github.com/avelasco/opsbot/internal/dockerctl"
	"github.com/avelasco/opsbot/internal/hitl"
	"github.com/avelasco/opsbot/internal/sshexec"
	"github.com/avelasco/opsbot/internal/sysinfo"
	"github.com/avelasco/opsbot/internal/telegram"
	"github.com/avelasco/opsbot/internal/tools"
)

func main() {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Address to listen on (overrides config)")

	if len(os.Args) < 2 {
		fmt.Println("Usage: opsbot <command> [options]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the opsbot server and Telegram bot")
		fmt.Println("  migrate  Run database migrations")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd.Parse(os.Args[2:])
		runServer(*serveAddr)

	case "migrate":
		runMigrations()

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func runServer(addrOverride string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	store := config.NewStore("")
	cfg, err := store.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	database, err := db.Open(db.DefaultPath())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Orchestration core: registry of listening channels, event bus, one
	// active task per session.
	metrics := hitl.NewMetrics(prometheus.DefaultRegisterer)
	registry := hitl.NewRegistry()
	bus := hitl.NewBus(registry, metrics)
	slots := hitl.NewSlotManager()
	archive := db.NewEventArchive(database)

	// Server-administration tools, executed over SSH.
	executor := sshexec.New(sshexec.Config{
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		InsecureHosts:  cfg.SSH.InsecureHosts,
		DialTimeout:    time.Duration(cfg.SSH.DialTimeoutSecs) * time.Second,
		CommandTimeout: time.Duration(cfg.SSH.CommandTimeoutSecs) * time.Second,
	})
	toolRegistry := tools.NewRegistry()
	tools.RegisterOps(toolRegistry, tools.Deps{
		Servers: serverCatalog{db: database},
		Shell:   executor,
		Docker:  dockerctl.New(executor),
		Status:  sysinfo.NewCollector(executor),
	})

	llm := agent.NewOpenAIAgent(agent.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	}, toolRegistry)

	runner := hitl.NewRunner(llm, bus, slots, hitl.Config{
		PermissionTimeout:    time.Duration(cfg.HITL.PermissionTimeoutSecs) * time.Second,
		QuestionTimeout:      time.Duration(cfg.HITL.QuestionTimeoutSecs) * time.Second,
		PlanTimeout:          time.Duration(cfg.HITL.PlanTimeoutSecs) * time.Second,
		OnUnansweredQuestion: hitl.UnansweredPolicy(cfg.HITL.OnUnansweredQuestion),
		OnUnansweredPlan:     hitl.UnansweredPolicy(cfg.HITL.OnUnansweredPlan),
	}).
		WithArchive(archive).
		WithHistory(archive).
		WithMetrics(metrics)

	server := api.NewServer(api.Deps{
		DB:       database,
		Config:   store,
		Tasks:    runner,
		Resolver: bus,
		Registry: registry,
		Slots:    slots,
	})

	addr := cfg.Server.ListenAddr
	if addrOverride != "" {
		addr = addrOverride
	}
	if addr == "" {
		addr = "0.0.0.0:8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting opsbot server", "addr", addr)
		return server.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Telegram.Token != "" {
		bot := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.AllowedChatIDs, telegram.Deps{
			Tasks:    runner,
			Resolver: bus,
			Registry: registry,
			Slots:    slots,
			Store:    database,
		})
		g.Go(func() error {
			bot.Run(gctx)
			return nil
		})
	} else {
		slog.Warn("telegram token not configured, bot disabled")
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// serverCatalog exposes the database server table to the tool layer.
type serverCatalog struct {
	db *db.DB
}

func (c serverCatalog) ListServers() ([]tools.Server, error) {
	servers, err := c.db.ListServers()
	if err != nil {
		return nil, err
	}
	out := make([]tools.Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, toToolServer(s))
	}
	return out, nil
}

// FindServer resolves by name first, then by id.
func (c serverCatalog) FindServer(ref string) (tools.Server, error) {
	server, err := c.db.GetServerByName(ref)
	if err != nil {
		server, err = c.db.GetServer(ref)
	}
	if err != nil {
		return tools.Server{}, fmt.Errorf("unknown server %q", ref)
	}
	return toToolServer(server), nil
}

func toToolServer(s *db.Server) tools.Server {
	out := tools.Server{
		ID:       s.ID,
		Name:     s.Name,
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Tags:     s.Tags,
	}
	if s.KeyPath != nil {
		out.KeyPath = *s.KeyPath
	}
	return out
}

func runMigrations() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	database, err := db.Open(db.DefaultPath())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations completed successfully")
}
