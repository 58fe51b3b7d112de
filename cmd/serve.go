package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/bid-evaluator/internal/api"
	"github.com/spigell/bid-evaluator/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and evaluate submissions in the background",
	Run: func(cmd *cobra.Command, _ []string) {
		serve(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address, overrides server.addr")
	serveCmd.Flags().Bool("no-sweep", false, "do not re-schedule incomplete evaluations periodically")
}

func serve(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, config := setup()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		config.Server.Addr = addr
	}

	logger.Info("starting the bid-evaluator", zap.String("version", resolveVersion()), zap.String("addr", config.Server.Addr))

	st, err := openStore(ctx, config.Storage, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer st.Close()

	gateway, err := newGateway(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("creating the model gateway", zap.Error(err))
	}

	orchestrator := newOrchestrator(st, gateway, config, logger)
	executor := newExecutor(orchestrator, config.Scheduler, logger, scheduler.MustNewMetrics(prometheus.DefaultRegisterer))
	executor.Start()

	var sweeper *scheduler.Sweeper
	if noSweep, _ := cmd.Flags().GetBool("no-sweep"); !noSweep {
		sweeper, err = scheduler.NewSweeper(st, executor, logger, scheduler.SweeperOptions{
			Schedule:    config.Scheduler.SweepSchedule,
			Grace:       config.Scheduler.SweepGrace,
			Limit:       config.Scheduler.SweepLimit,
			MaxAttempts: config.Scheduler.MaxAttempts,
		})
		if err != nil {
			logger.Fatal("creating the sweeper", zap.Error(err))
		}
		sweeper.Start()
	}

	srv := &http.Server{
		Addr: config.Server.Addr,
		Handler: api.New(st, executor, logger, api.Options{
			StaticDir:   config.Server.StaticDir,
			CORSOrigins: config.Server.CORSOrigins,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.Duration("timeout", config.Server.ShutdownTimeout))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if err := executor.Stop(shutdownCtx); err != nil {
		logger.Warn("executor shutdown", zap.Error(err))
	}

	logger.Info("stopped")
}
