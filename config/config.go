package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cinema-seats/shared"
)

// Ledger drivers
const (
	LedgerMemory   = "memory"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

type Config struct {
	Env      string         `yaml:"env"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Edge     EdgeConfig     `yaml:"edge"`
	Holds    HoldsConfig    `yaml:"holds"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	NATS     NATSConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type HTTPConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type EdgeConfig struct {
	Address           string `yaml:"address"`
	BookingServiceURL string `yaml:"booking_service_url"`
}

type HoldsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// upper bound on waiting for a show's lock
	LockWait time.Duration `yaml:"lock_wait"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig enables cross-process fan-out when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig enables booking events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Address:      shared.BookingServiceAddr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Edge: EdgeConfig{
			Address:           shared.DefaultEdgeAddr,
			BookingServiceURL: "http://localhost:8080",
		},
		Holds: HoldsConfig{
			TTL:           shared.HoldDuration,
			MaxTTL:        shared.MaxHoldDuration,
			SweepInterval: shared.SweepInterval,
			LockWait:      2 * time.Second,
		},
		Ledger: LedgerConfig{Driver: LedgerMemory},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Kafka:  KafkaConfig{Topic: "booking.events"},
	}
}

// Load reads the YAML file at path, if any, on top of Default and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Env = getEnv("APP_ENV", c.Env)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.HTTP.Address = getEnv("HTTP_ADDR", c.HTTP.Address)
	c.Edge.Address = getEnv("EDGE_ADDR", c.Edge.Address)
	c.Edge.BookingServiceURL = getEnv("BOOKING_SERVICE_URL", c.Edge.BookingServiceURL)
	c.Holds.TTL = getDurationEnv("HOLD_TTL", c.Holds.TTL)
	c.Holds.MaxTTL = getDurationEnv("HOLD_MAX_TTL", c.Holds.MaxTTL)
	c.Holds.SweepInterval = getDurationEnv("SWEEP_INTERVAL", c.Holds.SweepInterval)
	c.Holds.LockWait = getDurationEnv("HOLD_LOCK_WAIT", c.Holds.LockWait)
	c.Ledger.Driver = getEnv("LEDGER_DRIVER", c.Ledger.Driver)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB)
	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Holds.TTL <= 0 {
		return errors.New("holds.ttl must be positive")
	}
	if c.Holds.MaxTTL < c.Holds.TTL {
		return fmt.Errorf("holds.max_ttl (%s) is below holds.ttl (%s)", c.Holds.MaxTTL, c.Holds.TTL)
	}
	if c.Holds.SweepInterval <= 0 || c.Holds.SweepInterval >= c.Holds.TTL {
		return fmt.Errorf("holds.sweep_interval (%s) must be positive and shorter than holds.ttl", c.Holds.SweepInterval)
	}
	if c.Holds.LockWait <= 0 {
		return errors.New("holds.lock_wait must be positive")
	}
	switch c.Ledger.Driver {
	case LedgerMemory, LedgerRedis:
	case LedgerPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
