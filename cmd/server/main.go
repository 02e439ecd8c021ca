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

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/config"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/httpapi"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
	pgstore "stockledger/backend/internal/store/postgres"
	"stockledger/backend/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.Must(logger.New(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL, cfg.LockTimeout(), logger.Named(log, "store.postgres"))
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set, refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.DBAutoMigrate {
			if err := pg.Migrate(startCtx); err != nil {
				log.Fatal("migration failed", zap.Error(err))
			}
		}
		if err := seedAccounts(startCtx, pg); err != nil {
			log.Fatal("seed accounts failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.New(logger.Named(log, "store.memory"), cfg.LockTimeout())
		log.Info("repository: in-memory")
	}

	var productCache cache.ProductCache = cache.NewLocalProductCache(cfg.ProductCacheSize, cfg.ProductCacheTTL())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisProductCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(startCtx); err != nil {
			log.Warn("redis unavailable, using local product cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			productCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: local")
	}

	svc := service.New(repo, productCache, logger.Named(log, "svc.ledger"), service.WithCacheTTL(cfg.ProductCacheTTL()))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger.Named(log, "auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named(log, "http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("stock ledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

// seedAccounts creates the admin and user accounts on an empty user table
// when SEED_ADMIN_PASSWORD and SEED_USER_PASSWORD are both set.
func seedAccounts(ctx context.Context, users store.UserStore) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	accounts := []struct {
		username, envKey, role string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", domain.RoleAdmin},
		{"user", "SEED_USER_PASSWORD", domain.RoleUser},
	}
	for _, acc := range accounts {
		if os.Getenv(acc.envKey) == "" {
			return nil
		}
	}
	for _, acc := range accounts {
		hash, err := bcrypt.GenerateFromPassword([]byte(os.Getenv(acc.envKey)), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if err := users.CreateUser(ctx, domain.UserAccount{
			Username:  acc.username,
			Password:  string(hash),
			Role:      acc.role,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("create %s: %w", acc.username, err)
		}
	}
	return nil
}
