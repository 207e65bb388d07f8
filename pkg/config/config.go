package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string  `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTP    `yaml:"http"`
	Postgres PG      `yaml:"postgres"`
	Kafka    Kafka   `yaml:"kafka"`
	Redis    Redis   `yaml:"redis"`
	SMTP     SMTP    `yaml:"smtp"`
	Outbox   Outbox  `yaml:"outbox"`
	Tracing  Tracing `yaml:"tracing"`
	Logging  Logging `yaml:"logging"`
	Gateway  Gateway `yaml:"gateway"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":8080"`
	Timeout time.Duration `yaml:"timeout" env:"HTTP_TIMEOUT" env-default:"4s"`
}

type PG struct {
	URL string `yaml:"url" env:"DB_URL"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL" env-default:"5m"`
}

type SMTP struct {
	Host     string `yaml:"host" env:"SMTP_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"SMTP_PORT" env-default:"1025"`
	User     string `yaml:"user" env:"SMTP_USER"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"noreply@shopcraft.dev"`
}

type Outbox struct {
	BatchSize   int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"50"`
	Interval    time.Duration `yaml:"interval" env:"OUTBOX_INTERVAL" env-default:"500ms"`
	MaxAttempts int           `yaml:"max_attempts" env:"OUTBOX_MAX_ATTEMPTS" env-default:"10"`
}

type Tracing struct {
	Endpoint string `yaml:"endpoint" env:"OTLP_ENDPOINT" env-default:"localhost:4318"`
}

type Logging struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// Gateway holds knobs for the stub payment gateway used outside production.
// DeclineOver makes charges above the given amount fail deterministically.
type Gateway struct {
	DeclineOver int64 `yaml:"decline_over" env:"GATEWAY_DECLINE_OVER" env-default:"0"`
}

// MustLoad reads CONFIG_PATH when set and falls back to the environment
// otherwise.
func MustLoad() *Config {
	var cfg Config

	configPath := os.Getenv("CONFIG_PATH")
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			log.Fatalf("config file does not exist: %v", err)
		}

		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			log.Fatalf("error reading config: %v", err)
		}

		return &cfg
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("error reading config from env: %v", err)
	}

	return &cfg
}
