package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/cache"
	"kitchenledger/backend/internal/config"
	"kitchenledger/backend/internal/httpapi"
	"kitchenledger/backend/internal/lock"
	"kitchenledger/backend/internal/service"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/store/memory"
	pgstore "kitchenledger/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers := openRepository(ctx, cfg, logger)
	stockCache, locker, cacheClosers := openCache(ctx, cfg, logger)
	closers = append(closers, cacheClosers...)

	svc := service.New(repo, service.Options{
		Logger:             logger,
		Cache:              stockCache,
		CacheTTL:           time.Duration(cfg.StockCacheTTLSeconds) * time.Second,
		Locker:             locker,
		DefaultLocation:    cfg.DefaultLocation,
		RejectOverDispatch: cfg.OverDispatchPolicy == config.OverDispatchReject,
		SlipNumberAttempts: cfg.SlipNumberAttempts,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":          cfg.Address(),
			"location":      cfg.DefaultLocation,
			"over_dispatch": cfg.OverDispatchPolicy,
		}).Info("kitchen ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	// audit writes and draft cleanup still running must finish before the stores close
	svc.Wait()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func openRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Repository, []func() error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		logger.WithError(err).Fatal("postgres schema migration failed")
	}
	logger.Info("repository: postgres")
	return pg, []func() error{pg.Close}
}

func openCache(ctx context.Context, cfg config.Config, logger *logrus.Logger) (cache.StockCache, lock.Locker, []func() error) {
	if cfg.RedisAddr == "" {
		return localCache(cfg, logger), lock.NewLocalLocker(), nil
	}

	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	redisCache := cache.NewRedisStockCache(client)
	if err := redisCache.Ping(ctx); err != nil {
		logger.WithError(err).Warn("redis unavailable, falling back to in-process locks")
		_ = client.Close()
		return localCache(cfg, logger), lock.NewLocalLocker(), nil
	}
	logger.Info("cache: redis")
	locker := lock.NewRedisLocker(client, time.Duration(cfg.ConfirmLockTTLSeconds)*time.Second)
	return redisCache, locker, []func() error{client.Close}
}

// localCache picks the cache used without redis. A shared database may have
// other replicas writing to it, whose events this process never sees, so
// stock is then read straight from the ledger.
func localCache(cfg config.Config, logger logrus.FieldLogger) cache.StockCache {
	if cfg.DatabaseURL != "" {
		logger.Info("cache: disabled, shared database without redis")
		return cache.NoopStockCache{}
	}
	logger.Info("cache: in-process")
	return cache.NewMemoryStockCache()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.OverDispatchPolicy != config.OverDispatchClamp && cfg.OverDispatchPolicy != config.OverDispatchReject {
		return fmt.Errorf("OVER_DISPATCH_POLICY must be %q or %q", config.OverDispatchClamp, config.OverDispatchReject)
	}
	return nil
}
