package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpx "github.com/apnworksdev/outside-observations-presence/internal/http"
	"github.com/apnworksdev/outside-observations-presence/internal/service/presence"
	memorystore "github.com/apnworksdev/outside-observations-presence/internal/store/memory"
	redisstore "github.com/apnworksdev/outside-observations-presence/internal/store/redis"
	"github.com/apnworksdev/outside-observations-presence/pkg/config"
	"github.com/apnworksdev/outside-observations-presence/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadPresenceConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.NewFor(cfg.Environment, "presence", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mem := memorystore.New()
	var svc *presence.Service
	storeHealth := mem.Ping

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rs, err := redisstore.New(addr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKeyPrefix, log)
		if err != nil {
			log.Warn("redis store unavailable, falling back to in-memory store", "error", err)
			svc = presence.New(mem, mem, log, cfg.SessionTTL, cfg.EventWindow)
		} else {
			defer rs.Close()
			storeHealth = rs.Ping
			svc = presence.New(rs, rs, log, cfg.SessionTTL, cfg.EventWindow)
			log.Info("using redis store", "addr", addr, "prefix", cfg.RedisKeyPrefix)
		}
	} else {
		svc = presence.New(mem, mem, log, cfg.SessionTTL, cfg.EventWindow)
		log.Info("using in-memory store")
	}
	svc.SetTrimProbability(cfg.TrimProbability)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, limiter, storeHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("presence server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("presence server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
