// Package worker contains the commands that serve tasks sent by the distributed and serverless
// executors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/cmd/util"
	"github.com/skyfetch/skyfetch/internal/config"
	"github.com/skyfetch/skyfetch/pkg/executor"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// handlerFactory builds the task handler a command serves.
type handlerFactory func(opts []executor.Option) (executor.Handler, error)

// NewWorkerCommand returns the 'worker' command, a long-lived node of the distributed executor.
func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve tasks as a distributed worker node",
		Long: `Serve tasks sent by the distributed executor. A node keeps one worker per authenticated
submitter and reuses its credentials across tasks until the worker has been idle for
--idle-ttl.`,
		Args: cobra.NoArgs,
		RunE: serve(func(opts []executor.Option) (executor.Handler, error) {
			return executor.NewNode(opts...)
		}),
	}
	defineServeFlags(cmd)
	return cmd
}

// NewFunctionCommand returns the 'function' command, which serves tasks the way a serverless
// function would: every task runs with fresh credentials that are discarded afterwards.
func NewFunctionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "function",
		Short: "Serve tasks as a serverless function",
		Long: `Serve tasks sent by the serverless executor. Every task reconstructs its credentials from
the auth context it carries, and nothing is kept between tasks.`,
		Args: cobra.NoArgs,
		RunE: serve(func(opts []executor.Option) (executor.Handler, error) {
			return executor.NewFunction(opts...)
		}),
	}
	defineServeFlags(cmd)
	return cmd
}

func serve(newHandler handlerFactory) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := util.ReadConfig()
		if err != nil {
			return err
		}

		l, err := util.NewLogger(cfg)
		if err != nil {
			return err
		}

		shutdownTracing, err := util.Telemetry(cfg, l)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(); err != nil {
				l.Error("failed to shutdown tracing", zap.Error(err))
			}
		}()

		lis, err := net.Listen("tcp", cfg.Worker.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Worker.Addr, err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, l, lis, newHandler)
	}
}

// run serves tasks on lis until ctx is done, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, l logger.Logger, lis net.Listener, newHandler handlerFactory) error {
	reg, _, err := util.Registry(cfg, l)
	if err != nil {
		return err
	}
	opts, err := util.ExecutorOptions(cfg, reg, l)
	if err != nil {
		return err
	}

	handler, err := newHandler(opts)
	if err != nil {
		return err
	}
	if closer, ok := handler.(io.Closer); ok {
		defer closer.Close()
	}
	h, ok := handler.(http.Handler)
	if !ok {
		return fmt.Errorf("%T cannot serve http", handler)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := util.ServeMetrics(cfg, l)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	l.Info("serving tasks",
		zap.String("addr", lis.Addr().String()),
		zap.Strings("functions", reg.Names()))

	select {
	case <-ctx.Done():
		l.Info("attempting to shutdown gracefully...")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve tasks: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown prometheus metrics server", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown gracefully: %w", err)
	}

	l.Info("server exited. goodbye 👋")
	return nil
}
