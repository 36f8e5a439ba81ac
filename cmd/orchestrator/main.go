// Command orchestrator is the main entry point for the call mediation
// orchestrator: it connects to the telephony switch, runs the call
// lifecycle state machine, and exposes an admin surface for health/metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callmedia/orchestrator/internal/allowlist"
	"github.com/callmedia/orchestrator/internal/callregistry"
	"github.com/callmedia/orchestrator/internal/config"
	"github.com/callmedia/orchestrator/internal/health"
	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/internal/orchestrator"
	"github.com/callmedia/orchestrator/internal/switchclient"
	"github.com/callmedia/orchestrator/internal/ttsclient"
	"github.com/callmedia/orchestrator/internal/webhook"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "orchestrator: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("orchestrator starting",
		"config", *configPath,
		"switch_url", cfg.Switch.URL,
		"admin_addr", fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "orchestrator"})
	if err != nil {
		slog.Error("failed to initialise observability provider", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	allow, err := allowlist.NewGate(cfg.Allowlist.Path)
	if err != nil {
		slog.Error("failed to load allowlist", "err", err)
		return 1
	}
	defer allow.Stop()

	reg := callregistry.New()
	defer reg.Shutdown()

	sc := switchclient.New(cfg.Switch.URL, cfg.Switch.Username, cfg.Switch.Password, cfg.Switch.App, switchclient.WithMetrics(metrics))
	sc.AddListener(func(evt switchclient.Event) {
		if evt.Type == "StasisStart" && !switchclient.IsReservedChannel(evt.ChannelID) {
			direction := "inbound"
			metrics.RecordCallStarted(context.Background(), direction)
		}
	})

	tts := ttsclient.New(cfg.TTS.URL, cfg.TTS.Timeout()).WithMetrics(metrics)

	dispatcher := webhook.New(cfg.Webhook.URL)
	reg.Subscribe(dispatcher.Handle)

	// orchestrator.New registers itself as sc's event listener; sc's closure
	// keeps it alive for the life of the process, so no further reference is
	// needed here (the admin REST surface that would drive explicit
	// operations — speak, transfer, playMedia — is a separate collaborator
	// service).
	orchestrator.New(sc, reg, allow, tts, orchestrator.Config{
		RingDelay:         cfg.Inbound.RingDelay(),
		ASRURL:            cfg.ASR.URL,
		ASRLanguage:       cfg.ASR.LanguageOrDefault(),
		ASRReconnectDelay: 2 * time.Second,
		ASRMaxReconnects:  5,
		DefaultVoice:      cfg.TTS.DefaultVoice,
		DefaultLanguage:   cfg.TTS.DefaultLanguage,
		Metrics:           metrics,
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = sc.Connect(connectCtx)
	cancel()
	if err != nil {
		slog.Error("failed to connect to switch", "err", err)
		return 1
	}
	defer sc.Close()

	mux := http.NewServeMux()
	healthHandler := health.New(
		health.Checker{
			Name: "switch",
			Check: func(_ context.Context) error {
				if !sc.Connected() {
					return errors.New("event channel not connected")
				}
				return nil
			},
		},
		health.Checker{
			Name: "tts",
			Check: func(_ context.Context) error {
				if !tts.Configured() {
					return errors.New("no TTS server URL configured")
				}
				return nil
			},
		},
	)
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler: observe.Middleware(metrics)(mux),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "err", err)
		}
	}()

	printStartupSummary(cfg)
	slog.Info("orchestrator ready — press Ctrl+C to shut down")

	<-ctx.Done()

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown error", "err", err)
	}
	if err := shutdownProvider(shutdownCtx); err != nil {
		slog.Warn("observability provider shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║    orchestrator — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Switch URL      : %-19s ║\n", truncate(cfg.Switch.URL, 19))
	fmt.Printf("║  Stasis app      : %-19s ║\n", truncate(cfg.Switch.App, 19))
	fmt.Printf("║  ASR URL         : %-19s ║\n", truncate(cfg.ASR.URL, 19))
	if cfg.TTS.Configured() {
		fmt.Printf("║  TTS URL         : %-19s ║\n", truncate(cfg.TTS.URL, 19))
	} else {
		fmt.Printf("║  TTS URL         : %-19s ║\n", "(not configured)")
	}
	if cfg.Webhook.Configured() {
		fmt.Printf("║  Webhook         : %-19s ║\n", "configured")
	} else {
		fmt.Printf("║  Webhook         : %-19s ║\n", "(not configured)")
	}
	fmt.Printf("║  Admin addr      : %-19s ║\n", truncate(fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port), 19))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
