package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/account"
	"chatrelay/internal/auth"
	"chatrelay/internal/chat"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	"chatrelay/internal/email"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/logging"
	myMiddleware "chatrelay/internal/middleware"
	"chatrelay/internal/observability"
	"chatrelay/internal/platform"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chat server:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & logging
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log, err := logging.New("chat-server", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	// 4. Event bus. With the in-memory driver nobody else can consume, so
	// the email handlers run here.
	broker := platform.NewBroker(cfg.Common, log)
	registry := eventbus.NewRegistry()
	inProcessMailer := cfg.BusDriver == config.BusDriverMemory
	if inProcessMailer {
		sender := email.NewSender(email.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.SMTPUsername,
			Password: cfg.Mail.SMTPPassword,
			From:     cfg.Mail.From,
		}, log)
		if err := email.NewService(sender, cfg.AppBaseURL, log).Register(registry); err != nil {
			return err
		}
	}
	bus, err := platform.ConnectBus(ctx, cfg.Common, broker, registry, log)
	if err != nil {
		return err
	}
	defer bus.Close()
	if inProcessMailer {
		if err := bus.Consume(ctx); err != nil {
			return err
		}
		log.Info("email consumers running in-process")
	}

	// 5. Accounts
	authOpts := auth.Options{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		MaxAge:   cfg.JWTMaxAge,
	}
	verifier := auth.NewVerifier(authOpts)

	accountRepo := account.NewRepository(database.Conn)
	accountService := account.NewService(accountRepo, account.NewRedisTokenStore(rdb), bus, auth.NewIssuer(authOpts), log)
	accountHandler := account.NewHandler(accountService, log)

	// 6. Chat
	chatRepo := chat.NewRepository(database.Conn)
	hubOpts := []chat.HubOption{chat.WithErrorFrames(cfg.ChatErrorFrames)}
	if base := strings.TrimRight(cfg.ProfilePictureBaseURL, "/"); base != "" {
		hubOpts = append(hubOpts, chat.WithPictureURL(func(accountID string) string {
			return base + "/" + accountID
		}))
	}
	var relay *chat.RedisRelay
	if cfg.ChatRelay == config.RelayRedis {
		relay = chat.NewRedisRelay(rdb, cfg.ChatChannel, log)
		hubOpts = append(hubOpts, chat.WithRelay(relay))
	}
	hub := chat.NewHub(chatRepo, log, hubOpts...)
	if relay != nil {
		if err := relay.Subscribe(ctx, hub); err != nil {
			return err
		}
	}
	go hub.Run(ctx)

	chatHandler := chat.NewHandler(hub, chatRepo, verifier, cfg.ChatHistoryOnConnect, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(verifier, log)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(log))
	r.Use(myMiddleware.Recoverer(log))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", observability.HealthLiveHandler)
	r.Get("/health/ready", observability.HealthReadyHandler(log, map[string]observability.Pinger{
		"postgres": database.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"eventbus": platform.BusPinger(bus, eventbus.StateConnected, eventbus.StateConsuming),
	}))

	// Public Routes
	r.Post("/register", accountHandler.Register)
	r.Post("/login", accountHandler.Login)
	r.Post("/password/forgot", accountHandler.ForgotPassword)
	r.Post("/password/reset", accountHandler.ResetPassword)
	r.Post("/email/verify", accountHandler.VerifyEmail)

	// WebSocket authenticates itself so a bad token gets a bare 401
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", accountHandler.SearchUsers)
		r.Get("/api/messages", chatHandler.GetChatHistory)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	serveCtx, cancel := platform.WhileConsuming(ctx, bus)
	defer cancel()
	if err := platform.Serve(serveCtx, srv, log); err != nil {
		return err
	}
	return bus.Err()
}
