// ABOUTME: Entry point for the fmla-gateway webhook server
// ABOUTME: Wires the store, session pipeline, and HTTP transport from config

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/cbello1987/Fmla/internal/abuse"
	"github.com/cbello1987/Fmla/internal/cache"
	"github.com/cbello1987/Fmla/internal/collab"
	"github.com/cbello1987/Fmla/internal/command"
	"github.com/cbello1987/Fmla/internal/config"
	"github.com/cbello1987/Fmla/internal/identity"
	"github.com/cbello1987/Fmla/internal/pending"
	"github.com/cbello1987/Fmla/internal/profile"
	"github.com/cbello1987/Fmla/internal/session"
	"github.com/cbello1987/Fmla/internal/store"
	"github.com/cbello1987/Fmla/internal/webhook"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   __           _
  / _|_ __ ___ | | __ _
 | |_| '_ ' _ \| |/ _' |
 |  _| | | | | | | (_| |
 |_| |_| |_| |_|_|\__,_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: FMLA_CONFIG env var > XDG_CONFIG_HOME/fmla/gateway.yaml > ~/.config/fmla/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FMLA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fmla", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fmla-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the webhook server")
		fmt.Println("  health    Check server health")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	// A .env next to the binary is a development convenience; absence is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:   %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:  %s\n", cfg.Database.Driver)
	fmt.Println()

	logger.Info("starting fmla-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Database.Driver,
	)

	kv, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer kv.Close()

	replies := cache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries)
	defer replies.Close()

	hasher := identity.NewHasher(cfg.Identity.Salt)

	// The config allow-list holds raw addresses; the limiter compares
	// identity keys, so hash them up front.
	allowKeys := make([]string, 0, len(cfg.Limits.AllowList))
	for _, addr := range cfg.Limits.AllowList {
		allowKeys = append(allowKeys, hasher.Hash(addr))
	}

	limiter := abuse.NewLimiter(kv, abuse.Limits{
		MessageCap:   cfg.Limits.MessageCap,
		FailureCap:   cfg.Limits.FailureCap,
		DuplicateCap: cfg.Limits.DuplicateCap,
		Window:       cfg.Limits.Window,
		BanBase:      cfg.Limits.BanBase,
		DuplicateBan: cfg.Limits.DuplicateBan,
		BanMax:       cfg.Limits.BanMax,
		AllowList:    allowKeys,
	}, logger)
	profiles := profile.NewStore(kv, cfg.Profile.TTL, logger)
	pendings := pending.NewStore(kv, cfg.Pending.TTL, logger)
	matcher := command.NewMatcher(cfg.Matcher.Threshold)
	llm := collab.NewChatClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout, logger)
	deliverer := collab.NewEmailDeliverer(cfg.Delivery.APIKey, cfg.Delivery.BaseURL, cfg.Delivery.FromEmail, cfg.Delivery.Timeout, logger)

	orch := session.New(hasher, limiter, profiles, pendings, matcher, replies, llm, deliverer, logger)

	handler := webhook.NewHandler(orch, kv, webhook.Options{
		AuthToken:        cfg.Webhook.AuthToken,
		VerifySignatures: cfg.Webhook.VerifySignatures,
		PublicURL:        cfg.Webhook.PublicURL,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.KV, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteKV(cfg.Database.Path)
	case "memory":
		logger.Warn("memory store selected; state is per-process and lost on restart")
		return store.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Database.Driver)
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", strings.TrimPrefix(cfg.Server.HTTPAddr, "http://"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
