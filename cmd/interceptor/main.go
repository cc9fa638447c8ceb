package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/adred-codev/chat-interceptor/internal/breaker"
	"github.com/adred-codev/chat-interceptor/internal/config"
	"github.com/adred-codev/chat-interceptor/internal/dispatcher"
	"github.com/adred-codev/chat-interceptor/internal/emitter"
	"github.com/adred-codev/chat-interceptor/internal/httpapi"
	"github.com/adred-codev/chat-interceptor/internal/logging"
	"github.com/adred-codev/chat-interceptor/internal/message"
	"github.com/adred-codev/chat-interceptor/internal/metrics"
	"github.com/adred-codev/chat-interceptor/internal/session"
	"github.com/adred-codev/chat-interceptor/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()
	hub := session.NewHub(metricsRegistry)

	br := breaker.New[message.Result](breaker.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		ResetTimeout:     cfg.ResetTimeout(),
	})

	em := emitter.New(emitter.Config{
		Host: cfg.LogBackend.Host,
		Port: cfg.LogBackend.Port,
	}, logger, metricsRegistry)

	disp := dispatcher.New(cfg, br, em, logger, metricsRegistry)

	wsAddr := fmt.Sprintf("0.0.0.0:%d", cfg.WSPort)
	transportServer := transport.NewServer(wsAddr, logger, hub, disp, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	healthAddr := fmt.Sprintf("0.0.0.0:%d", cfg.HealthPort)
	httpServer := httpapi.NewServer(httpapi.Deps{
		Addr:      healthAddr,
		Logger:    logger,
		Hub:       hub,
		Breaker:   br,
		Emitter:   em,
		Metrics:   metricsRegistry,
		Listening: transportServer.Listening,
	})

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- httpServer.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	hub.Shutdown()
	em.Shutdown()
	logger.Info("interceptor stopped")
}
