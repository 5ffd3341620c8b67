// Package main запускает HTTP-сервер сервиса регистрации.
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

	"github.com/mmeshcher/conreg-system/internal/config"
	"github.com/mmeshcher/conreg-system/internal/gateway"
	"github.com/mmeshcher/conreg-system/internal/handler"
	"github.com/mmeshcher/conreg-system/internal/mailer"
	"github.com/mmeshcher/conreg-system/internal/middleware"
	"github.com/mmeshcher/conreg-system/internal/repository"
	"github.com/mmeshcher/conreg-system/internal/service"
	"github.com/mmeshcher/conreg-system/internal/terminal"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	// Выпуск токена терминала не требует ни базы, ни шлюза: печатаем и выходим.
	if cfg.IssueTerminalToken != "" {
		token, err := middleware.NewTerminalAuth(cfg.TerminalTokenSecret).IssueToken(cfg.IssueTerminalToken)
		if err != nil {
			sugar.Fatalw("token issue error", "error", err.Error())
		}
		fmt.Println(token)
		return
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.GatewayAddress,
		AccessToken: cfg.GatewayAccessToken,
		LocationID:  cfg.GatewayLocationID,
		Currency:    cfg.Currency,
	}, logger)

	var publisher service.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqttPublisher, err := terminal.NewMQTTPublisher(cfg.MQTTBrokerURL, "conreg-server", logger)
		if err != nil {
			sugar.Fatalw("mqtt initialization error", "error", err.Error())
		}
		defer mqttPublisher.Close()
		publisher = mqttPublisher
	}

	var mail service.Mailer
	if cfg.SMTPAddress != "" {
		mail = mailer.NewSMTPMailer(cfg.SMTPAddress, cfg.SMTPFrom)
	} else {
		mail = mailer.NewLogMailer(logger)
	}

	svc := service.NewService(repo, gatewayClient, mail, publisher, logger, cfg.RegistrationEmail)
	defer svc.Close()

	terminalAuth := middleware.NewTerminalAuth(cfg.TerminalTokenSecret)
	h := handler.NewHandler(svc, logger, terminalAuth, cfg.WebhookSignatureKey, cfg.WebhookURL)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting conreg server", "addr", cfg.RunAddress)
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
