package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"

	defaultStoreTimeout = 5 * time.Second
)

type Config struct {
	ServerAddr     string   `toml:"server_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	SigningKey     []byte   `toml:"-"`
	DevMode        bool     `toml:"dev_mode"`

	Store StoreConfig `toml:"store"`
	Redis RedisConfig `toml:"redis"`
	Kafka KafkaConfig `toml:"kafka"`
	Log   LogConfig   `toml:"log"`
}

type StoreConfig struct {
	Backend       string   `toml:"backend"`
	DatabaseDSN   string   `toml:"database_dsn"`
	MongoURI      string   `toml:"mongo_uri"`
	MongoDatabase string   `toml:"mongo_database"`
	Timeout       Duration `toml:"timeout"`
	Migrate       bool     `toml:"migrate"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration decodes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// fileConfig mirrors Config for decoding; the signing key stays base64 until
// validation.
type fileConfig struct {
	Config
	SigningKey string `toml:"signing_key"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr string, store StoreConfig, base64Secret string, allowedOrigins []string) (*Config, error) {
	cfg := &Config{
		ServerAddr:     serverAddr,
		AllowedOrigins: allowedOrigins,
		Store:          store,
	}
	if err := cfg.validate(base64Secret); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate(base64Secret string) error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("mongo URI cannot be empty")
		}
		if c.Store.MongoDatabase == "" {
			return fmt.Errorf("mongo database cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if base64Secret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	if c.Store.Timeout.Duration <= 0 {
		c.Store.Timeout.Duration = defaultStoreTimeout
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic cannot be empty when brokers are set")
	}
	return nil
}

// LoadFile reads a TOML configuration file and validates it.
func LoadFile(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	secret := fc.SigningKey
	if env := os.Getenv("SIGNING_KEY"); env != "" {
		secret = env
	}

	cfg := fc.Config
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	if err := cfg.validate(secret); err != nil {
		return nil, err
	}
	return &cfg, nil
}
