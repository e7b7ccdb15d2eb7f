package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/nuulab/workflowengine/builtin"
	"github.com/nuulab/workflowengine/deadletter"
	"github.com/nuulab/workflowengine/events"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/metrics"
	"github.com/nuulab/workflowengine/worker"
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().Int("concurrency", 5, "number of concurrent job-processing goroutines")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job-processing worker loop",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Dequeue and process jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		handlers := worker.NewHandlerRegistry()
		builtin.RegisterHandlers(handlers, cfg.WebhookURL)

		es := events.New(e.Store)
		dlq := deadletter.New(e.Store, cfg.Namespace, int64(cfg.DLQMaxSize))
		dlq.AddAlerter(deadletter.LogAlerter{})

		reg := metrics.New()
		e.Store.OnLockContention(func() { reg.SuccessorLockContention.Inc("") })
		enq := enqueuer.New(e.Store)

		w := worker.New(e.Client, handlers, es, dlq, reg, enq, cfg.Namespace)

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr, reg)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info().Msg("worker: received shutdown signal")
			cancel()
			w.Stop()
		}()

		log.Info().Int("concurrency", concurrency).Str("namespace", cfg.Namespace).Msg("worker: starting")
		w.Start(ctx, concurrency)
		<-ctx.Done()
		log.Info().Msg("worker: stopped")
		return nil
	},
}

func serveMetrics(addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	log.Info().Str("addr", addr).Msg("worker: serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("worker: metrics server stopped")
	}
}
