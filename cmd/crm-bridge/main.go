// ABOUTME: Entry point for the crm-bridge server
// ABOUTME: Wires the protocol session, CRM client, forwarders, and HTTP API

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"log/slog"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/crm-bridge/internal/audit"
	"github.com/2389/crm-bridge/internal/bridge"
	"github.com/2389/crm-bridge/internal/config"
	"github.com/2389/crm-bridge/internal/crm"
	"github.com/2389/crm-bridge/internal/httpapi"
	"github.com/2389/crm-bridge/internal/metrics"
	"github.com/2389/crm-bridge/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _ __ _ __ ___        | |__  _ __(_) __| | __ _  ___
 / __| '__| '_ ' _ \ _____ | '_ \| '__| |/ _' |/ _' |/ _ \
| (__| |  | | | | | |_____|| |_) | |  | | (_| | (_| |  __/
 \___|_|  |_| |_| |_|      |_.__/|_|  |_|\__,_|\__, |\___|
                                               |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: CRM_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/crm-bridge/bridge.yaml > ~/.config/crm-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CRM_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "crm-bridge", "bridge.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: crm-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the bridge server")
		fmt.Println("  health     Check bridge health")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

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
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	var cfg *config.Config
	var err error
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Session: %s\n", cfg.Session.URL)
	green.Print("    ▶ ")
	fmt.Printf("CRM:     %s\n", cfg.CRM.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Audit:   %s\n", cfg.Audit.Path)
	fmt.Println()

	logger.Info("starting crm-bridge",
		"http_addr", cfg.Server.HTTPAddr,
		"session_url", cfg.Session.URL,
		"crm_base_url", cfg.CRM.BaseURL,
	)

	crmClient := crm.New(cfg.CRM.BaseURL, cfg.CRM.APIKey, cfg.CRM.Timeout, logger)

	recorder, err := audit.NewSQLite(cfg.Audit.Path, logger)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer recorder.Close()

	m := metrics.New()

	br := bridge.New(cfg, func(ctx context.Context) (session.Session, error) {
		return session.Dial(ctx, cfg.Session.URL, logger)
	}, crmClient, recorder, m, logger)
	defer br.Close()

	// A session that cannot start yet is not fatal: the bridge keeps
	// retrying in the background and the API stays up.
	br.Start(ctx)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}

	srv := httpapi.New(cfg, br, metricsHandler, logger)
	return srv.Run(ctx)
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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
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

	// Handler-level attrs first (from WithAttrs), then record attrs
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

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)
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
