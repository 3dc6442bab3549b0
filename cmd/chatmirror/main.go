// Command chatmirror mirrors chat-workspace conversations into a
// document workspace through an authenticated browser session.
//
// Usage:
//
//	chatmirror -config chatmirror.yaml -project support          # one sync run
//	chatmirror -config chatmirror.yaml -project support -dry-run # extract only
//	chatmirror -config chatmirror.yaml -mcp                      # serve MCP tools on stdio
//	chatmirror -config chatmirror.yaml -listen :8080             # status surface
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatmirror/audit"
	"github.com/hazyhaar/chatmirror/chatws"
	"github.com/hazyhaar/chatmirror/dbopen"
	"github.com/hazyhaar/chatmirror/docws"
	"github.com/hazyhaar/chatmirror/mirror"
	"github.com/hazyhaar/chatmirror/session"
)

func main() {
	configPath := flag.String("config", "chatmirror.yaml", "path to the YAML config file")
	project := flag.String("project", "", "project to sync (required unless -mcp or -listen)")
	since := flag.String("since", "", "lower time bound: ts or ISO datetime")
	query := flag.String("query", "", "free-text search instead of channel history")
	dryRun := flag.Bool("dry-run", false, "extract without writing")
	listen := flag.String("listen", "", "serve the status surface on this address")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools on stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *project, *since, *query, *dryRun, *listen, *mcpMode); err != nil {
		logger.Error("chatmirror: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, project, since, query string, dryRun bool, listen string, mcpMode bool) error {
	cfg, err := mirror.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	sealer, err := sealerFromEnv(cfg.SealKeyEnv)
	if err != nil {
		return err
	}
	cfg.Session.Sealer = sealer
	cfg.Session.Logger = logger

	db, err := dbopen.Open(cfg.AuditDBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("audit db: %w", err)
	}
	defer db.Close()

	auditor := audit.NewLogger(db, audit.WithFallbackPath(cfg.AuditFallbackPath))
	if err := auditor.Init(); err != nil {
		return fmt.Errorf("audit init: %w", err)
	}
	defer auditor.Close()

	manager := session.NewManager(cfg.Session)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer manager.Close()

	eng := mirror.NewEngine(cfg, mirror.Deps{
		Sessions: manager,
		Chat: chatws.New(chatws.Config{
			WorkspaceURL: cfg.Session.WorkspaceURL,
			Wait:         cfg.SmartWait,
			Logger:       logger,
		}),
		Docs: docws.New(docws.Config{
			BaseURL: cfg.DocsBaseURL,
			Wait:    cfg.SmartWait,
			Logger:  logger,
		}),
		Auditor: auditor,
		Logger:  logger,
	})

	if listen != "" {
		go serveStatus(ctx, logger, eng, listen)
	}

	switch {
	case mcpMode:
		return serveMCP(ctx, eng)
	case project != "":
		report, err := eng.Run(ctx, mirror.RunRequest{
			Project: project,
			Since:   since,
			Query:   query,
			DryRun:  dryRun,
		})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		os.Stdout.Write(out)
		os.Stdout.Write([]byte("\n"))
		return nil
	case listen != "":
		<-ctx.Done()
		return nil
	}
	fmt.Fprintln(os.Stderr, "usage: chatmirror -config <file> [-project <name> | -mcp | -listen <addr>]")
	os.Exit(1)
	return nil
}

func sealerFromEnv(envVar string) (*session.Sealer, error) {
	if envVar == "" {
		return nil, nil
	}
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("seal key env %s is empty", envVar)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("seal key env %s: %w", envVar, err)
	}
	return session.NewSealer(key)
}

func serveStatus(ctx context.Context, logger *slog.Logger, eng *mirror.Engine, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           eng.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("status surface starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status surface", "error", err)
	}
}

func serveMCP(ctx context.Context, eng *mirror.Engine) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "chatmirror",
		Version: "1.0.0",
	}, nil)
	eng.RegisterMCP(srv)
	return srv.Run(ctx, &mcp.StdioTransport{})
}
