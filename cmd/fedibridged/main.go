// Package main запускает HTTP-сервер сервиса fedibridge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fedibridge-system/internal/auth"
	"github.com/mmeshcher/fedibridge-system/internal/config"
	"github.com/mmeshcher/fedibridge-system/internal/federation"
	"github.com/mmeshcher/fedibridge-system/internal/handler"
	"github.com/mmeshcher/fedibridge-system/internal/middleware"
	"github.com/mmeshcher/fedibridge-system/internal/notify"
	"github.com/mmeshcher/fedibridge-system/internal/repository"
	"github.com/mmeshcher/fedibridge-system/internal/service"
	"github.com/mmeshcher/fedibridge-system/internal/settlement"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gateway := federation.NewGateway(cfg.GatewayAddress)

	fanout := notify.NewFanout(repo, logger, cfg.NotifyMaxAttempts)

	coordinator := settlement.NewCoordinator(repo, gateway, fanout, logger, settlement.Options{
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileBatch:    cfg.ReconcileBatch,
	})

	svc := service.NewService(repo, gateway, cfg.InvoiceExpiry)
	defer svc.Close()

	authService := auth.NewService(repo, cfg.SessionSecret, cfg.ChallengeTTL, cfg.SessionTTL)
	authMiddleware := middleware.NewAuthMiddleware(authService)

	h := handler.NewHandler(svc, authService, coordinator, logger, authMiddleware, cfg.PublicURL)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового прохода сверки расчётов
	g.Go(func() error {
		coordinator.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting fedibridge server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
