package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"github.com/collab/internal/config"
	"github.com/collab/internal/logger"
	"github.com/collab/internal/relayserver"
	"github.com/collab/internal/storage"
	"github.com/collab/internal/storage/memory"
	"github.com/collab/internal/storage/redis"
	"github.com/collab/internal/webpush"
)

func main() {
	logger.SetPrefix("relay")
	if len(os.Args) > 1 && (os.Args[1] == "-gen-vapid" || os.Args[1] == "--gen-vapid") {
		priv, pub, err := wp.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID public:  %s", pub)
		logger.Infof("VAPID private: %s", priv)
		return
	}

	logger.Info("starting relay service")
	cfg := config.Load()

	var store storage.Store
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := redis.New(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		store = rc
		logger.Info("redis connected")
	} else {
		store = memory.New()
		logger.Info("using in-memory store (REDIS_URL not set)")
	}
	defer store.Close()

	keys, err := webpush.EnsureVAPIDKeys(cfg.VAPIDKeysFile)
	if err != nil {
		logger.Infof("VAPID keys unavailable: %v (push disabled, subscriptions still saved)", err)
	}
	notifier := webpush.New(store, keys)

	var hubNotifier relayserver.Notifier
	if notifier != nil {
		hubNotifier = notifier
	}
	hub := relayserver.NewHub(store, hubNotifier, 0)

	vapidPublic := ""
	if keys != nil {
		vapidPublic = keys.PublicKey
	}
	srv := &http.Server{
		Addr:         cfg.RelayAddr,
		Handler:      relayserver.NewServer(hub, store, vapidPublic).Routes(cfg.CORSAllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("relay listening on %s", cfg.RelayAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("relay server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	hub.Shutdown()
	logger.Info("relay stopped")
}
