package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/securefin/ledger-core/configs"
	"github.com/securefin/ledger-core/internal/events"
	"github.com/securefin/ledger-core/internal/handlers"
	"github.com/securefin/ledger-core/internal/identity"
	"github.com/securefin/ledger-core/internal/ledger"
	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/internal/store/memstore"
	"github.com/securefin/ledger-core/internal/store/pgstore"
	"github.com/securefin/ledger-core/pkg"
	"github.com/securefin/ledger-core/pkg/cache"
	"github.com/securefin/ledger-core/pkg/database"
	middleware "github.com/securefin/ledger-core/pkg/middlewares"
	"go.uber.org/zap"
)

// NewApp wires dependencies, builds the Gin engine, and returns an *http.Server and a cleanup func.
// It reads configuration from environment variables via configs.Load.
func NewApp(ctx context.Context, logger *zap.Logger) (*http.Server, func(), error) {
	// Load config
	cfg, err := configs.Load(logger)
	if err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*http.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Redis backs change notification fan-out and the rate limiter.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		client, closer, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			return fail(err)
		}
		rdb = client
		cleanups = append(cleanups, closer)
	}

	// Durable store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DbAddr != "" {
		dbConfig := database.Config{
			DSN:      cfg.DbAddr,
			MaxConns: cfg.MaxDbCons,
			MinConns: cfg.MinDbCons,
		}
		db, disconnect, err := database.New(ctx, logger, dbConfig)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, disconnect)

		if err := pgstore.RunMigrations(logger, cfg.DbAddr); err != nil {
			return fail(err)
		}
		st = pgstore.New(logger, db, rdb)
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = memstore.New(logger)
	}

	// Committed-record stream.
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.KafkaBrokers != "" {
		if err := events.EnsureTopic(ctx, logger, cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaPartition); err != nil {
			return fail(err)
		}
		kafkaPublisher, err := events.NewKafkaPublisher(logger, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fail(err)
		}
		publisher = kafkaPublisher
		cleanups = append(cleanups, kafkaPublisher.Close)
	}

	var limiter *pkg.DistributedLimiter
	if cfg.OpRateLimit > 0 {
		limiter = pkg.NewDistributedLimiter(rdb, "ratelimit:ledger", cfg.OpRateLimit, cfg.OpRateBurst, time.Minute, logger)
	}

	// Setup dependencies
	verifier := identity.NewJWTVerifier(cfg.JwtSecret, cfg.JwtIssuer)
	accounts := ledger.NewAccounts(logger, st)
	service := ledger.NewService(logger, st, accounts, publisher, limiter)
	feed := ledger.NewFeed(logger, st)

	baseHandler := handlers.NewBaseHandler(logger)
	ledgerHandler := handlers.NewLedgerHandler(logger, service, feed)
	wsHandler := handlers.NewWSHandler(logger, feed)

	// Router
	r := gin.Default()
	baseHandler.RegisterRoutes(r)

	api := r.Group("/api/v1")
	api.Use(middleware.TraceID())
	api.Use(middleware.Metrics())
	api.Use(identity.Middleware(logger, verifier))

	ledgerHandler.RegisterRoutes(api)
	wsHandler.RegisterRoutes(api)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	return srv, cleanup, nil
}
