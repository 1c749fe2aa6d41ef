package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SnapSpend/receipt-service/config"
	"github.com/SnapSpend/receipt-service/internal/infra/postgres"
	"github.com/SnapSpend/receipt-service/internal/infra/server"
	"github.com/SnapSpend/receipt-service/pkg/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defaultLogger, loggerProvider, err := logger.NewObservableLogger(&cfg)
	if err != nil {
		defaultLogger = logger.NewLogger(&cfg)
		defaultLogger.Warn("OTLP log export unavailable, using local logger only",
			slog.String("error", err.Error()))
	}
	slog.SetDefault(defaultLogger)

	conn, err := postgres.Init(cfg)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := server.New(ctx, &cfg, conn)
	if srv == nil {
		slog.Error("failed to initialize server")
		os.Exit(1)
	}

	srv.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	srv.Shutdown()

	if loggerProvider != nil {
		if err := loggerProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown log provider", slog.String("error", err.Error()))
		}
	}
}
