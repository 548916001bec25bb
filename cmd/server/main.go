package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kindlyrobotics/phonebox/internal/auth"
	"github.com/kindlyrobotics/phonebox/internal/config"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/db"
	"github.com/kindlyrobotics/phonebox/internal/discovery"
	"github.com/kindlyrobotics/phonebox/internal/identity"
	"github.com/kindlyrobotics/phonebox/internal/lock"
	"github.com/kindlyrobotics/phonebox/internal/logging"
	"github.com/kindlyrobotics/phonebox/internal/messaging"
	"github.com/kindlyrobotics/phonebox/internal/otp"
	"github.com/kindlyrobotics/phonebox/internal/phone"
	"github.com/kindlyrobotics/phonebox/internal/ratelimit"
	"github.com/kindlyrobotics/phonebox/internal/realtime"
	"github.com/kindlyrobotics/phonebox/internal/store"
	"github.com/kindlyrobotics/phonebox/pkg/handlers"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const devPepper = "phonebox-development-pepper"

// backend is the storage the services run on
type backend interface {
	identity.Store
	messaging.RelayStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("starting phonebox server",
		zap.String("environment", cfg.Environment),
		zap.String("phone_hash_mode", cfg.PhoneHashMode))

	ctx := context.Background()

	var (
		st     backend
		rdb    *redis.Client
		health handlers.HealthChecker
		locker lock.Locker = lock.NewLocal()
	)
	if cfg.DatabaseURL == "" {
		if !cfg.IsDevelopment() {
			return errors.New("DATABASE_URL is required outside development")
		}
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
		rdb = connectRedis(ctx, cfg, logger)
		if rdb != nil {
			locker = lock.NewRedis(rdb, cfg.LockTTL, logger)
		}
	} else {
		database, err := db.NewDB(ctx, db.Options{
			DatabaseURL:   cfg.DatabaseURL,
			RedisURL:      cfg.RedisURL,
			RedisPassword: cfg.RedisPassword,
		}, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		st = store.NewPostgres(database.Postgres)
		rdb = database.Redis
		health = database
		// advisory locks live as long as the session, with no lease to expire
		locker = lock.NewPostgres(database.Postgres, logger)
	}

	pepper := cfg.PhoneHashPepper
	if pepper == "" && cfg.IsDevelopment() {
		logger.Warn("PHONE_HASH_PEPPER not set, using development pepper")
		pepper = devPepper
	}
	deriver, err := phone.NewDeriver(phone.Mode(cfg.PhoneHashMode), pepper)
	if err != nil {
		return err
	}

	var provider otp.Provider
	if cfg.TwilioConfigured() {
		provider, err = otp.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioVerifyServiceSID, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("twilio not configured, accepting development code", zap.String("code", otp.DevCode))
		provider = otp.NewDev(logger)
	}

	limits := ratelimit.DefaultLimits()
	limits.SendLimit = cfg.OTPSendLimit
	limits.CheckLimit = cfg.OTPCheckLimit

	limiter := ratelimit.NewLimiter(rdb, limits, logger)
	identityService := identity.NewService(st, deriver, provider, logger,
		identity.WithLocker(locker),
		identity.WithLimiter(limiter))
	relay := messaging.NewRelay(st, rdb, logger)

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		logger.Warn("JWT_SECRET not set, using an ephemeral secret")
		secret = make([]byte, crypto.KeySize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
	}

	server := handlers.New(handlers.Deps{
		Identity:  identityService,
		Discovery: discovery.NewService(st, deriver, limiter, logger),
		Relay:     relay,
		Tokens:    auth.NewService(secret, cfg.TokenTTL),
		Streamer:  realtime.NewHub(relay, cfg.AllowedOrigin, logger),
		Health:    health,
	}, cfg.AllowedOrigin, logger, handlers.WithMessageScheme(crypto.Scheme(cfg.MessageScheme)))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}

// connectRedis returns nil when Redis is unreachable
func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redis.Client {
	opts, err := db.ParseRedisOptions(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Warn("invalid redis url, continuing without redis", zap.Error(err))
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without redis", zap.Error(err))
		rdb.Close()
		return nil
	}
	return rdb
}
