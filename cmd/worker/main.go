// Command worker is a standalone job-processing process: connect to the
// store, register the built-in handlers, and run until signaled.
// Adapted from the teacher's cmd/worker/main.go: flag + env var wiring,
// a startup banner, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/phuslu/log"

	"github.com/nuulab/workflowengine/builtin"
	"github.com/nuulab/workflowengine/deadletter"
	"github.com/nuulab/workflowengine/events"
	"github.com/nuulab/workflowengine/internal/config"
	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/metrics"
	"github.com/nuulab/workflowengine/orchestrator"
	"github.com/nuulab/workflowengine/worker"
)

func main() {
	concurrency := flag.Int("concurrency", 5, "number of concurrent job-processing goroutines")
	storeURL := flag.String("store", "", "store URL, e.g. redis://localhost:6379/0 (overrides config/env)")
	configFile := flag.String("config", "", "config file (default: ./workflowengine.yaml)")
	flag.Parse()

	if env := os.Getenv("WORKFLOWENGINE_STORE_URL"); env != "" {
		*storeURL = env
	}
	if env := os.Getenv("WORKFLOWENGINE_WORKER_CONCURRENCY"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			*concurrency = n
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: load config")
	}
	if *storeURL != "" {
		cfg.StoreURL = *storeURL
	}

	fmt.Println("workflowengine worker")
	fmt.Printf("  store:       %s\n", cfg.StoreURL)
	fmt.Printf("  namespace:   %s\n", cfg.Namespace)
	fmt.Printf("  concurrency: %d\n", *concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.NewRedisStore(ctx, cfg.StoreURL)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: connect to store")
	}
	defer s.Close()
	log.Info().Msg("worker: connected to store")

	registry := dag.NewRegistry()
	builtin.RegisterWorkflows(registry)

	enq := enqueuer.New(s)
	client := orchestrator.New(s, registry, enq)
	client.Namespace = cfg.Namespace
	client.JobDelay = cfg.JobDelay
	client.TTL = cfg.TTL

	handlers := worker.NewHandlerRegistry()
	builtin.RegisterHandlers(handlers, cfg.WebhookURL)
	log.Info().Int("handlers", 4).Msg("worker: registered job handlers")

	es := events.New(s)
	dlq := deadletter.New(s, cfg.Namespace, int64(cfg.DLQMaxSize))
	dlq.AddAlerter(deadletter.LogAlerter{})
	reg := metrics.New()
	s.OnLockContention(func() { reg.SuccessorLockContention.Inc("") })

	w := worker.New(client, handlers, es, dlq, reg, enq, cfg.Namespace)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("worker: metrics server stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("worker: serving /metrics")
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("worker: shutting down")
		cancel()
		w.Stop()
	}()

	log.Info().Int("concurrency", *concurrency).Msg("worker: starting")
	w.Start(ctx, *concurrency)

	<-ctx.Done()
	log.Info().Msg("worker: stopped")
}
