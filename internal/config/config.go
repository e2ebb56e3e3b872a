package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type KafkaTopics struct {
	TradesMatched string `mapstructure:"trades_matched"`
	DeadLetter    string `mapstructure:"dead_letter"`
}

type KafkaProducerConfig struct {
	RetryMax     int           `mapstructure:"retry_max"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type KafkaConfig struct {
	Enabled  bool                `mapstructure:"enabled"`
	Brokers  []string            `mapstructure:"brokers"`
	Version  string              `mapstructure:"version"`
	Producer KafkaProducerConfig `mapstructure:"producer"`
	Topics   KafkaTopics         `mapstructure:"topics"`
}

type ExchangeConfig struct {
	Symbols        []string      `mapstructure:"symbols"`
	CommissionRate string        `mapstructure:"commission_rate"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // postgres or memory
}

type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Limit     int           `mapstructure:"limit"`
	Window    time.Duration `mapstructure:"window"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	DB        DBConfig        `mapstructure:"db"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	JWTSecret string          `mapstructure:"jwt_secret"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Store.Backend != "postgres" && cfg.Store.Backend != "memory" {
		return nil, fmt.Errorf("store.backend must be postgres or memory")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.service_name", "spotcore")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.metrics_path", "/metrics")
	v.SetDefault("app.http.host", "0.0.0.0")
	v.SetDefault("app.http.port", 8080)
	v.SetDefault("app.http.read_timeout", "5s")
	v.SetDefault("app.http.write_timeout", "10s")
	v.SetDefault("app.http.idle_timeout", "60s")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "spotcore")
	v.SetDefault("db.user", "spot")
	v.SetDefault("db.password", "spot")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.version", "3.7.0")
	v.SetDefault("kafka.producer.retry_max", 5)
	v.SetDefault("kafka.producer.retry_backoff", "250ms")
	v.SetDefault("kafka.topics.trades_matched", "trades.matched")
	v.SetDefault("kafka.topics.dead_letter", "trades.dead_letter")

	v.SetDefault("exchange.symbols", []string{"BTC", "ETH"})
	v.SetDefault("exchange.commission_rate", "0.015")
	v.SetDefault("exchange.lock_timeout", "5s")

	v.SetDefault("store.backend", "postgres")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.redis_addr", "")

	v.SetDefault("jwt_secret", "")
}
