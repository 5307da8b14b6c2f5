package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agrolink/realtime/internal/api"
	"github.com/agrolink/realtime/internal/config"
	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/logger"
	"github.com/agrolink/realtime/internal/notify"
	"github.com/agrolink/realtime/internal/presence"
	"github.com/agrolink/realtime/internal/server"
	"github.com/agrolink/realtime/internal/stats"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configFile     string
	addr           string
	backend        string
	dsn            string
	mongoURI       string
	mongoDatabase  string
	runMigrations  bool
	storeTimeout   time.Duration
	signingKey     string
	allowedOrigins stringSliceFlag
	redisAddr      string
	redisPassword  string
	kafkaBrokers   stringSliceFlag
	kafkaTopic     string
	logLevel       string
	logFile        string
	devMode        bool
	devUsers       stringSliceFlag
	issueToken     string
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// a missing .env file is fine
	_ = godotenv.Load()

	flag.StringVar(&configFile, "config", "", "path to a TOML config file; other flags are ignored when set")
	flag.StringVar(&addr, "addr", envOr("ADDR", "localhost:8000"), "server address")
	flag.StringVar(&backend, "store", envOr("STORE_BACKEND", config.BackendPostgres), "store backend: postgres, mongo or memory")
	flag.StringVar(&dsn, "dsn", envOr("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "postgres connection string")
	flag.StringVar(&mongoURI, "mongo-uri", envOr("MONGO_URI", "mongodb://localhost:27017"), "mongo connection string")
	flag.StringVar(&mongoDatabase, "mongo-db", envOr("MONGO_DATABASE", "agrolink"), "mongo database name")
	flag.BoolVar(&runMigrations, "migrate", false, "apply postgres migrations on startup")
	flag.DurationVar(&storeTimeout, "store-timeout", 5*time.Second, "timeout for a single store operation")
	flag.StringVar(&signingKey, "signing-key", envOr("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for last seen tracking; in memory when empty")
	flag.StringVar(&redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	flag.Var(&kafkaBrokers, "kafka-brokers", "comma-separated kafka brokers for notification fan-out")
	flag.StringVar(&kafkaTopic, "kafka-topic", envOr("KAFKA_TOPIC", "notifications"), "kafka topic for notifications")
	flag.StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	flag.StringVar(&logFile, "log-file", os.Getenv("LOG_FILE"), "rotated log file; stderr when empty")
	flag.BoolVar(&devMode, "dev", false, "development mode")
	flag.Var(&devUsers, "dev-users", "comma-separated id:username pairs seeded into the memory store")
	flag.StringVar(&issueToken, "issue-token", "", "print a 24h token for this user id and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("config: ", err)
	}

	if issueToken != "" {
		token, err := api.NewToken(cfg.SigningKey, issueToken, 24*time.Hour)
		if err != nil {
			log.Fatal("issue token: ", err)
		}
		fmt.Println(token)
		return
	}

	zl, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Dev:        cfg.DevMode,
	})
	if err != nil {
		log.Fatal("logger: ", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}

	cfg, err := config.NewConfig(addr, config.StoreConfig{
		Backend:       strings.ToLower(backend),
		DatabaseDSN:   dsn,
		MongoURI:      mongoURI,
		MongoDatabase: mongoDatabase,
		Timeout:       config.Duration{Duration: storeTimeout},
		Migrate:       runMigrations,
	}, signingKey, allowedOrigins)
	if err != nil {
		return nil, err
	}

	cfg.DevMode = devMode
	cfg.Redis = config.RedisConfig{Addr: redisAddr, Password: redisPassword}
	cfg.Kafka = config.KafkaConfig{Brokers: kafkaBrokers, Topic: kafkaTopic}
	cfg.Log = config.LogConfig{Level: logLevel, File: logFile}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, zl *zap.Logger) (database.Repository, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		if cfg.Migrate {
			zl.Info("applying migrations")
			if err := database.Migrate(cfg.DatabaseDSN); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return database.NewPgRepository(cfg.DatabaseDSN)
	case config.BackendMongo:
		repo, err := database.NewMongoRepository(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureIndexes(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return repo, nil
	}

	repo := database.NewMemoryRepository()
	for _, pair := range devUsers {
		id, username, ok := strings.Cut(pair, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid dev user %q", pair)
		}
		repo.AddUser(database.User{Id: id, Username: username})
	}
	zl.Warn("using in-memory store, data is lost on exit", zap.Int("users", len(devUsers)))
	return repo, nil
}

func run(cfg *config.Config, zl *zap.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	repo, err := openStore(startCtx, cfg.Store, zl)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			zl.Error("store close", zap.Error(err))
		}
	}()

	var tracker presence.Tracker = presence.NewMemoryTracker()
	if cfg.Redis.Addr != "" {
		rdb, err := presence.NewRedisClient(startCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		tracker = presence.NewRedisTracker(rdb)
	}

	var pub notify.Publisher = notify.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		zl.Info("publishing notifications to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	sink := notify.NewSink(zl.Named("notify"), repo, pub)
	defer func() {
		if err := sink.Close(); err != nil {
			zl.Error("notification publisher close", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(zl.Named("hub"), server.Options{
		Users:        repo,
		Rooms:        repo,
		Notifier:     sink,
		Presence:     tracker,
		Stats:        statsUpdater,
		StoreTimeout: cfg.Store.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewApp(mux, zl.Named("api"), chatServer, repo, cfg)

	// the updater is not stopped; connections may still report metrics while
	// the process exits
	statsUpdater.Run()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		zl.Info("received signal", zap.Stringer("signal", sig))
	case err := <-errCh:
		zl.Error("server", zap.Error(err))
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	zl.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	zl.Info("shutdown complete")
	return nil
}
