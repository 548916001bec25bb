package db

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kindlyrobotics/phonebox/internal/db/migrations"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type DB struct {
	Postgres *sql.DB
	Redis    *redis.Client
	logger   *zap.Logger
}

// Options describes how to reach Postgres and Redis
type Options struct {
	DatabaseURL   string
	RedisURL      string
	RedisPassword string
}

// NewDB creates and initializes database connections. Redis is optional:
// when it cannot be reached the server runs without notifications and rate limits.
func NewDB(ctx context.Context, opts Options, logger *zap.Logger) (*DB, error) {
	logger = logger.Named("db")

	if opts.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	pg, err := sql.Open("postgres", opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pg.SetMaxOpenConns(25)
	pg.SetMaxIdleConns(5)
	pg.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pg.PingContext(pingCtx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info("postgres connection established")

	redisOpts, err := ParseRedisOptions(opts.RedisURL, opts.RedisPassword)
	if err != nil {
		logger.Warn("failed to parse redis url, continuing without redis", zap.Error(err))
		return &DB{Postgres: pg, logger: logger}, nil
	}

	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("failed to connect to redis, continuing without redis", zap.Error(err))
		rdb.Close()
		rdb = nil
	} else {
		logger.Info("redis connection established", zap.String("addr", redisOpts.Addr))
	}

	return &DB{
		Postgres: pg,
		Redis:    rdb,
		logger:   logger,
	}, nil
}

// ParseRedisOptions accepts both "host:port" and "redis://" / "rediss://" URLs.
// The password argument applies only to the host:port form.
func ParseRedisOptions(redisURL, password string) (*redis.Options, error) {
	if redisURL == "" {
		redisURL = "localhost:6379"
	}

	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DB:           0,
	}

	if !strings.HasPrefix(redisURL, "redis://") && !strings.HasPrefix(redisURL, "rediss://") {
		opts.Addr = redisURL
		opts.Password = password
		return opts, nil
	}

	parsed, err := url.Parse(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.Addr = parsed.Host
	if parsed.User != nil {
		opts.Username = parsed.User.Username()
		if pw, ok := parsed.User.Password(); ok {
			opts.Password = pw
		}
	}
	if parsed.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// Close closes all database connections
func (db *DB) Close() error {
	var errs []error

	if db.Postgres != nil {
		if err := db.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded goose migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info("running migrations")

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db.Postgres, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	db.logger.Info("migrations completed")
	return nil
}

// Health checks database health. Redis failures are logged, not returned.
func (db *DB) Health(ctx context.Context) error {
	if err := db.Postgres.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}

	if db.Redis != nil {
		if err := db.Redis.Ping(ctx).Err(); err != nil {
			db.logger.Warn("redis health check failed", zap.Error(err))
		}
	}

	return nil
}
