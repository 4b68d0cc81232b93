// Command voxbridge accepts Asterisk AudioSocket calls and relays each one to
// a conversational voice agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/agent/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxbridge.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file with secrets; ignored when missing")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxbridge: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
		Global:         true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	application, err := app.New(cfg, reg,
		app.WithLevelVar(level),
		app.WithLogger(logger),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// SIGHUP always reloads; -watch additionally polls the file.
	interval := -1 * time.Second
	if *watch {
		interval = 5 * time.Second
	}
	w, err := config.NewWatcher(*configPath, application.Reload,
		config.WithInterval(interval),
		config.WithWatcherLogger(logger),
	)
	if err != nil {
		slog.Error("failed to watch configuration", "err", err)
		return 1
	}
	defer w.Stop()
	go reloadOnHangup(ctx, w)

	printStartupSummary(cfg)

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup reloads the config each time the process receives SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("SIGHUP reload failed; keeping previous config", "err", err)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the agent providers that ship with voxbridge
// into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterAgent("elevenlabs", func(c config.AgentConfig) (agent.Provider, error) {
		if c.APIKey == "" {
			return nil, fmt.Errorf("elevenlabs: api key is required")
		}
		opts := []elevenlabs.Option{
			elevenlabs.WithAgentID(c.AgentID),
			elevenlabs.WithLogger(logger),
		}
		if c.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(c.BaseURL))
		}
		if n := optInt(c.Options, "event_buffer"); n > 0 {
			opts = append(opts, elevenlabs.WithEventBuffer(n))
		}
		return elevenlabs.New(c.APIKey, opts...), nil
	})

	for _, name := range reg.Agents() {
		slog.Debug("registered agent provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	ops := cfg.Server.OpsAddr
	if ops == "-" {
		ops = "(disabled)"
	}
	maxSessions := "unlimited"
	if cfg.Server.MaxSessions > 0 {
		maxSessions = fmt.Sprint(cfg.Server.MaxSessions)
	}
	agentID := cfg.Agent.AgentID
	if agentID == "" {
		agentID = "(per call)"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxbridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("AudioSocket", cfg.Server.ListenAddr)
	printRow("Ops", ops)
	printRow("Encoding", string(cfg.Telephony.Encoding))
	printRow("Max sessions", maxSessions)
	printRow("Agent", cfg.Agent.Provider)
	printRow("Agent ID", agentID)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer from a provider Options map. YAML decodes plain
// numbers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
