package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cohortportal/web/internal/app"
	"cohortportal/web/internal/authpw"
	"cohortportal/web/internal/config"
	"cohortportal/web/internal/docstore"
	"cohortportal/web/internal/email"
	"cohortportal/web/internal/logger"
	"cohortportal/web/internal/session"
	"cohortportal/web/internal/store"
	"cohortportal/web/internal/views"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(int(slog.LevelInfo)).Fatal("invalid configuration", "error", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal("migrations failed", "error", err)
	}
	pgStore := store.NewPostgresStore(db)

	var content app.ContentStore = pgStore
	if cfg.ContentBackend == config.BackendMongo {
		mongoStore, err := docstore.Connect(ctx, cfg.Mongo.URL, cfg.Mongo.Database)
		if err != nil {
			log.Fatal("mongo connection failed", "error", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoStore.Close(closeCtx)
		}()
		content = mongoStore
	}
	log.Info("content backend ready", "backend", cfg.ContentBackend)

	var sessions app.SessionStore = pgStore
	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		defer redisStore.Close()
		sessions = redisStore
		log.Info("using redis for sessions")
	} else {
		go session.RunPruner(ctx, pgStore, cfg.Session.PruneInterval, log.With("component", "session-pruner"))
		log.Info("using postgres for sessions")
	}

	credentials := authpw.NewService(pgStore, cfg.BcryptCost)
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
	if !cfg.EmailEnabled() {
		log.Info("email disabled: SMTP_HOST or SMTP_FROM not set")
	}

	service := app.New(cfg, content, sessions, credentials, mailer, log)
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap error (will retry on next restart)", "error", err)
	}

	renderer, err := views.New()
	if err != nil {
		log.Fatal("templates failed to parse", "error", err)
	}

	httpServer := app.NewHTTPServer(service, renderer, log.With("component", "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("cohort portal listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
