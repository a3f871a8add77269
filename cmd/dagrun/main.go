// Command dagrun loads a pipeline config, runs it until interrupted, and
// exposes health/metrics/diagnostics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagrun/internal/dagstreaming"
	"github.com/swarmguard/dagrun/internal/diagnostics/natsbridge"
	"github.com/swarmguard/dagrun/internal/history"
	"github.com/swarmguard/dagrun/internal/logging"
	"github.com/swarmguard/dagrun/internal/otelinit"
	_ "github.com/swarmguard/dagrun/internal/ops" // self-registers built-in op types
)

func main() {
	configPath := flag.String("config", "pipeline.yaml", "path to the pipeline DAG config")
	addr := flag.String("addr", ":8080", "HTTP listen address for health/metrics/diagnostics")
	dataDir := flag.String("data-dir", "./data", "directory for the execution-history database")
	flag.Parse()

	service := "dagrun"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, metrics := otelinit.InitMetrics(ctx, service)
	_ = metrics

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		slog.Error("create data dir failed", "error", err)
		os.Exit(1)
	}

	hist, err := history.Open(*dataDir, otel.Meter(service))
	if err != nil {
		slog.Error("history open failed", "error", err)
		os.Exit(1)
	}
	defer hist.Close()

	pipelineCfg := dagstreaming.DefaultConfig(*configPath)
	pipelineCfg.History = hist
	rt, err := dagstreaming.Build(pipelineCfg)
	if err != nil {
		slog.Error("pipeline build failed", "error", err)
		os.Exit(1)
	}

	var bridgeCancel context.CancelFunc
	if url := os.Getenv("DAGRUN_NATS_URL"); url != "" {
		if nc, err := nats.Connect(url); err != nil {
			slog.Warn("nats connect failed, diagnostics bridge disabled", "error", err)
		} else {
			defer nc.Close()
			bridge := natsbridge.New(nc, "dagrun.operators", rt.Info(), rt.OperatorNames())
			bridgeCtx, c := context.WithCancel(ctx)
			bridgeCancel = c
			go bridge.Run(bridgeCtx, time.Second)
		}
	}

	rt.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/summary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rt.Summary())
	})
	mux.HandleFunc("/v1/operators", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]any)
		for _, name := range rt.OperatorNames() {
			if info, ok := rt.Info().Get(name); ok {
				out[name] = info
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("dagrun started", "config", *configPath, "addr", *addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	rt.Stop()
	if bridgeCancel != nil {
		bridgeCancel()
	}

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
