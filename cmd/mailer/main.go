package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/email"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/platform"

	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mailer:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadMailer()
	if err != nil {
		return err
	}
	log, err := logging.New("mailer", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.BusDriver == config.BusDriverMemory {
		log.Warn("BUS_DRIVER=memory: the mailer only sees events published in this process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender := email.NewSender(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.From,
	}, log)

	registry := eventbus.NewRegistry()
	if err := email.NewService(sender, cfg.AppBaseURL, log).Register(registry); err != nil {
		return err
	}

	bus, err := platform.ConnectBus(ctx, cfg.Common, platform.NewBroker(cfg.Common, log), registry, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := bus.Consume(ctx); err != nil {
		return err
	}
	log.Info("consuming", zap.Any("events", registry.Names()))

	obsSrv := &http.Server{
		Addr: cfg.ObsHTTPAddr,
		Handler: platform.ObservabilityMux(log, map[string]observability.Pinger{
			"eventbus": platform.BusPinger(bus, eventbus.StateConsuming),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveCtx, cancel := platform.WhileConsuming(ctx, bus)
	defer cancel()
	if err := platform.Serve(serveCtx, obsSrv, log); err != nil {
		return err
	}
	return bus.Err()
}
