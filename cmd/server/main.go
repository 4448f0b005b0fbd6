package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/events"
	"chatrelay/internal/presence"
	"chatrelay/internal/realtime"
	"chatrelay/internal/server"
	"chatrelay/internal/util"
	"chatrelay/pkg/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var media *storage.Media
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		media = storage.NewMedia(objects, cfg.MediaPublicBaseURL, int(cfg.MaxImageBytes))
	}

	publisher := buildPublisher(cfg)
	registry := presence.NewRegistry()

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		JWTSecret:     cfg.JWTSecret,
		JWTIssuer:     cfg.JWTIssuer,
		JWTAudience:   cfg.JWTAudience,
		SessionTTL:    sessionTTL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		Presence:      registry,
		Media:         media,
		Events:        publisher,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	socket := realtime.NewHandler(realtime.Config{
		Registry:       registry,
		Messenger:      appCore,
		Identity:       appCore,
		AllowedOrigins: cfg.AllowedOrigins,
		RequireToken:   cfg.SocketRequireToken,
	})

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Realtime:                 socket,
		AllowedOrigins:           cfg.AllowedOrigins,
		TrustedProxies:           cfg.TrustedProxyCIDRs,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		socket.Close()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}

	if err := httpServer.Close(); err != nil {
		logger.Warn("close rate limiters", "err", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("close event publisher", "err", err)
	}
	slog.Info("chat server stopped")
}

func buildPublisher(cfg config.FileConfig) events.Publisher {
	var pubs events.Multi
	if cfg.RedisAddr != "" && cfg.EventsStream != "" {
		p, err := events.NewRedisStreamPublisher(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventsStream,
		})
		if err != nil {
			log.Fatalf("failed to init redis event stream: %v", err)
		}
		pubs = append(pubs, p)
	}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			log.Fatalf("failed to init amqp publisher: %v", err)
		}
		pubs = append(pubs, p)
	}
	if len(pubs) == 0 {
		return events.Nop{}
	}
	return pubs
}
