// Command jetpackd runs the coordination-kernel daemon: it loads settings,
// opens the configured DataStore, spawns one AgentHarness per configured
// slot, and blocks running the main loop until the configured runtime.mode
// says to stop or the process receives SIGINT/SIGTERM.
//
// Usage:
//
//	jetpackd serve                        # start the daemon
//	jetpackd serve --settings path.json   # use a specific settings.json
//	jetpackd version                      # print version information
//	jetpackd health --addr http://...     # check a running daemon's /healthz
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jetpackd/jetpackd/config"
	"github.com/jetpackd/jetpackd/internal/adapter"
	"github.com/jetpackd/jetpackd/internal/bus"
	"github.com/jetpackd/jetpackd/internal/metrics"
	"github.com/jetpackd/jetpackd/internal/orchestrator"
	"github.com/jetpackd/jetpackd/internal/store"
	"github.com/jetpackd/jetpackd/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		runServe(nil)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	settingsPath := fs.String("settings", "", "Path to settings.json")
	workDir := fs.String("workdir", ".", "Working directory containing .beads/ and .jetpack/")
	adapterProvider := fs.String("adapter", "mock", "Adapter CLI every spawned harness drives: claude-code, codex, gemini, or mock")
	adapterBinary := fs.String("adapter-binary", "", "Override the adapter CLI binary path (defaults to the provider's own name on PATH)")
	adapterModel := fs.String("adapter-model", "", "Model name passed to the adapter CLI")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithSettingsPath(*settingsPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Observability.LogLevel)
	defer logger.Sync()

	logger.Info("starting jetpackd",
		zap.String("version", Version),
		zap.String("buildTime", BuildTime),
		zap.String("gitCommit", GitCommit),
		zap.String("workDir", *workDir),
	)

	providers, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", zap.Error(err))
		providers = nil
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	storeCfg := store.DefaultConfig(*workDir)
	if cfg.Runtime.Store.Backend != "" {
		storeCfg.Backend = store.Backend(cfg.Runtime.Store.Backend)
	}
	storeCfg.RedisAddr = cfg.Runtime.Store.RedisAddr

	ds, err := store.New(storeCfg, logger)
	if err != nil {
		logger.Fatal("open store failed", zap.Error(err))
	}
	defer func() {
		if err := ds.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()

	index, err := bus.OpenIndex(filepath.Join(*workDir, ".jetpack", "index.sqlite"), logger)
	if err != nil {
		logger.Warn("open search index failed, search/getThread/getRecent will be unavailable", zap.Error(err))
		index = nil
	} else {
		defer func() {
			if err := index.Close(); err != nil {
				logger.Warn("close search index failed", zap.Error(err))
			}
		}()
	}

	var collector *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Observability.MetricsEnabled {
		collector = metrics.NewCollector(cfg.Observability.ServiceName, logger)
		metricsSrv = startMetricsServer(cfg.Observability.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	orch := orchestrator.New(orchestrator.Config{
		DataStore:      ds,
		Settings:       cfg,
		AdapterFactory: buildAdapterFactory(*adapterProvider, *adapterBinary, *adapterModel, logger),
		Index:          index,
		Metrics:        collector,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Initialize(ctx); err != nil {
		logger.Fatal("initialize failed", zap.Error(err))
	}

	runErr := orch.Run(ctx)
	if runErr != nil && runErr != context.Canceled {
		logger.Warn("run loop exited with error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}

	logger.Info("jetpackd stopped")
}

// buildAdapterFactory returns an orchestrator.AdapterFactory that hands
// every spawned harness the same adapter variant, selected once for the
// whole process rather than per preset: which CLI backs a deployment is an
// operational choice made at launch, not something settings.json encodes.
func buildAdapterFactory(provider, binary, model string, logger *zap.Logger) orchestrator.AdapterFactory {
	return func(slot int, preset config.AgentPreset) (adapter.ModelAdapter, error) {
		switch provider {
		case "", "mock":
			return adapter.NewMockAdapter(model), nil
		case "claude-code":
			return adapter.NewClaudeCodeAdapter(binary, model, logger), nil
		case "codex":
			return adapter.NewCodexAdapter(binary, model, logger), nil
		case "gemini":
			return adapter.NewGeminiAdapter(binary, model, logger), nil
		default:
			return nil, fmt.Errorf("unknown adapter provider %q", provider)
		}
	}
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server started", zap.String("addr", addr))
	return srv
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "Metrics server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("jetpackd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`jetpackd - multi-agent coordination kernel daemon

Usage:
  jetpackd <command> [options]

Commands:
  serve     Start the daemon (default when no command is given)
  version   Show version information
  health    Check a running daemon's /healthz
  help      Show this help message

Options for 'serve':
  --settings <path>        Path to settings.json
  --workdir <path>         Working directory containing .beads/ and .jetpack/ (default ".")
  --adapter <name>         Adapter CLI: claude-code, codex, gemini, or mock (default "mock")
  --adapter-binary <path>  Override the adapter CLI binary path
  --adapter-model <name>   Model name passed to the adapter CLI

Examples:
  jetpackd serve
  jetpackd serve --workdir /srv/project --adapter claude-code
  jetpackd health --addr http://localhost:9090
  jetpackd version`)
}

func initLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
