package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fjod/go_cart/claim-service/internal/broadcast"
	"github.com/fjod/go_cart/claim-service/internal/claim"
	"github.com/fjod/go_cart/claim-service/internal/feed"
	claimgrpc "github.com/fjod/go_cart/claim-service/internal/grpc"
	h "github.com/fjod/go_cart/claim-service/internal/http"
	"github.com/fjod/go_cart/claim-service/internal/publisher"
	"github.com/fjod/go_cart/claim-service/internal/repository"
	"github.com/fjod/go_cart/claim-service/internal/session"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/fjod/go_cart/claim-service/pkg/circuitbreaker"
	"github.com/fjod/go_cart/claim-service/pkg/logger"
)

type Config struct {
	HTTPPort        string
	GRPCPort        string
	LogLevel        string
	StoreDriver     string // memory | sqlite | postgres | mongo
	FeedDriver      string // native | kafka
	DB              repository.Credentials
	SQLitePath      string
	MongoURI        string
	MongoDBName     string
	RedisAddr       string
	RedisPassword   string
	KafkaBrokers    []string
	PaymentFallback time.Duration
	RequestTimeout  time.Duration
	OpTimeout       time.Duration
	ShutdownTimeout time.Duration
	SeedCarts       int
}

func loadConfig() *Config {
	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "50060"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		FeedDriver:  getEnv("FEED_DRIVER", "native"),
		DB: repository.Credentials{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", "postgres"),
			DBName:            getEnv("DB_NAME", "claims"),
			MigrationsDirPath: getEnv("MIGRATIONS_DIR", ""),
		},
		SQLitePath:      getEnv("SQLITE_PATH", "claims.db"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:     getEnv("MONGO_DB_NAME", "claims"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:    strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		PaymentFallback: getEnvDuration("PAYMENT_FALLBACK", 3*time.Second),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		ShutdownTimeout: 10 * time.Second,
		SeedCarts:       getEnvInt("SEED_CARTS", 10),
	}
	cfg.OpTimeout = boundOpTimeout(getEnvDuration("OP_TIMEOUT", 0), cfg.RequestTimeout)
	return cfg
}

// boundOpTimeout keeps a claim or release call shorter than the request
// waiting on it, so the client gets the session's retry reply rather than a
// gateway timeout.
func boundOpTimeout(op, request time.Duration) time.Duration {
	if op <= 0 || op >= request {
		return request / 2
	}
	return op
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

const outboxRetention = time.Hour

// backend is the store of record chosen by STORE_DRIVER.
type backend interface {
	store.CartStore
	store.ChangeFeed
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg := loadConfig()

	log, err := logger.New("claim-service", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	// Accept W3C trace context from callers so log lines carry their trace ids.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, purchases, outbox, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer db.Close()

	// Change feed: the store's own notifications, or the Kafka topic the
	// outbox poller feeds.
	var changes store.ChangeFeed = db
	if cfg.FeedDriver == "kafka" {
		if outbox != nil {
			poller := publisher.NewOutboxPoller(outbox, log, cfg.KafkaBrokers...)
			defer poller.Close()
			go poller.Run(ctx)
		}
		kf := feed.NewKafkaFeed(log, cfg.KafkaBrokers...)
		defer kf.Close()
		kf.Start(ctx)
		changes = kf
		log.Info("using kafka change feed", zap.Strings("brokers", cfg.KafkaBrokers))
	} else if outbox != nil {
		// The trigger still fills cart_events; nobody relays it here.
		go publisher.NewOutboxJanitor(outbox, outboxRetention, log).Run(ctx)
	}

	// Broadcast channels for the payment rendezvous.
	var broadcaster store.Broadcaster = store.NewMemoryBroadcaster()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		broadcaster = broadcast.NewRedisBroadcaster(redisClient, log)
		log.Info("redis ping succeeded", zap.String("addr", cfg.RedisAddr))
	}

	engine := claim.NewEngine(db, claim.NewStoreBreaker(circuitbreaker.DefaultConfig(), log), log)
	registry := session.NewRegistry(session.Deps{
		Engine:          engine,
		Feed:            changes,
		Broadcaster:     broadcaster,
		Log:             log,
		PaymentFallback: cfg.PaymentFallback,
		OpTimeout:       cfg.OpTimeout,
	})

	routerCfg := h.RouterConfig{
		Registry:       registry,
		Purchases:      purchases,
		Health:         db.Ping,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(h.NewRouter(routerCfg), "claim-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	monitor := claimgrpc.NewHealthMonitor(db, 5*time.Second, log)
	monitor.Start(ctx)
	grpcServer := claimgrpc.NewServer(monitor)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}

	go func() {
		log.Info("grpc health listening", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server error", zap.Error(err))
		}
	}()

	go func() {
		log.Info("claim service starting", zap.String("port", cfg.HTTPPort),
			zap.String("store", cfg.StoreDriver), zap.String("feed", cfg.FeedDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down claim service...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	registry.Close()
	monitor.Stop()
	grpcServer.GracefulStop()
	cancel()
	log.Info("claim service stopped")
}

// openBackend returns the store plus its optional purchase history and
// outbox, which only Postgres carries.
func openBackend(ctx context.Context, cfg *Config, log *zap.Logger) (backend, h.PurchaseReader, publisher.OutboxRepository, error) {
	switch cfg.StoreDriver {
	case "memory":
		mem := store.NewMemoryStore()
		for id := int64(1); id <= int64(cfg.SeedCarts); id++ {
			if err := mem.Provision(id); err != nil {
				return nil, nil, nil, err
			}
		}
		log.Info("using in-memory store", zap.Int("carts", cfg.SeedCarts))
		return mem, nil, nil, nil
	case "sqlite":
		repo, err := repository.NewSQLiteRepository(cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := repo.RunMigrations(); err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
		for id := int64(1); id <= int64(cfg.SeedCarts); id++ {
			if err := repo.Provision(ctx, id); err != nil && !errors.Is(err, store.ErrCartExists) {
				repo.Close()
				return nil, nil, nil, err
			}
		}
		return repo, nil, nil, nil
	case "postgres":
		repo, err := repository.NewRepository(&cfg.DB, log)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := repo.RunMigrations(&cfg.DB); err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
		log.Info("migrations applied")
		return repo, repo, repo, nil
	case "mongo":
		mdb, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := repository.NewMongoRepository(mdb, log)
		if err := repo.CreateIndexes(ctx); err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
		log.Info("connected to mongodb", zap.String("uri", cfg.MongoURI))
		return repo, nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
