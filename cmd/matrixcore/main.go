// Command matrixcore is a minimal host for the matrixcore library: it loads
// a YAML configuration, opens the MatrixContext's Store, starts a Client
// per configured account, and logs the events each one reports through its
// callback until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n42blockchain/matrixcore"
	"github.com/n42blockchain/matrixcore/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	genConfig := flag.Bool("generate-config", false, "Generate example config and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("matrixcore %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *genConfig {
		fmt.Print(config.GenerateExample())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)
	log.Info("matrixcore starting", "version", version, "commit", commit, "build_date", buildDate)

	mctx, err := matrixcore.Open(log, cfg.Store, nil, nil)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	for _, cl := range mctx.LoadAccounts(cfg) {
		installLoggingCallback(cl, log)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Listen,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mctx.StartAll(runCtx); err != nil {
		log.Error("failed to start accounts", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := mctx.StopAll(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("matrixcore stopped")
}

// installLoggingCallback wires a Client's single callback surface (spec
// §4.6) to structured log lines, the way an embedding application's own
// UI/CLI glue would -- that glue is explicitly out of this library's scope
// (spec §1), so this is a minimal stand-in, not a feature of the library.
func installLoggingCallback(cl *matrixcore.Client, log *slog.Logger) {
	if cl == nil {
		return
	}
	cl.SetCallback(func(c *matrixcore.Client, ev matrixcore.Event) {
		if ev.Err != nil {
			log.Warn("client event", "action", ev.Action, "error", ev.Err)
			return
		}
		log.Debug("client event", "action", ev.Action)
	})
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.MinLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	for _, w := range cfg.Writers {
		if w.Type == "file" && w.Filename != "" {
			f, err := os.OpenFile(w.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				continue
			}
			if w.Format == "json" {
				handler = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
			} else {
				handler = slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
			}
		}
	}
	return slog.New(handler)
}
