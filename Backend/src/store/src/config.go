package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName string `yaml:"service_name"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`

	DBDriver       string        `yaml:"db_driver"` // sqlite | mysql
	DBDSN          string        `yaml:"db_dsn"`
	DBMaxOpenConns int           `yaml:"db_max_open_conns"`
	DBLockTimeout  time.Duration `yaml:"db_lock_timeout"`
	SeedOnStart    bool          `yaml:"seed"`
	AdminEmails    []string      `yaml:"admin_emails"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	RabbitURL      string   `yaml:"rabbit_url"`
	EventsExchange string   `yaml:"events_exchange"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	EventsTopic    string   `yaml:"events_topic"`

	RedisAddr        string        `yaml:"redis_addr"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	SessionCacheSize int           `yaml:"session_cache_size"`

	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // console | json
}

const (
	ShutdownGrace = 10 * time.Second
)

func defaultConfig() Config {
	return Config{
		ServiceName:      "store",
		HTTPAddr:         ":8080",
		GRPCAddr:         ":50060",
		DBDriver:         "sqlite",
		DBDSN:            "./data/store.db",
		DBMaxOpenConns:   20,
		DBLockTimeout:    5 * time.Second,
		SeedOnStart:      true,
		AllowedOrigins:   []string{"*"},
		RequestTimeout:   10 * time.Second,
		EventsExchange:   "mybookstore.events",
		EventsTopic:      "store-events",
		SessionTTL:       24 * time.Hour,
		SessionCacheSize: 10000,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// LoadConfig lee, en orden: valores por defecto, archivo YAML (STORE_CONFIG_FILE) y variables de entorno.
func LoadConfig() (Config, error) {
	// .env es opcional
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path := os.Getenv("STORE_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceName = getenv("STORE_SERVICE_NAME", cfg.ServiceName)
	cfg.HTTPAddr = getenv("STORE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getenv("STORE_GRPC_ADDR", cfg.GRPCAddr)

	cfg.DBDriver = getenv("STORE_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getenv("STORE_DB_DSN", cfg.DBDSN)
	cfg.DBMaxOpenConns = getenvInt("STORE_DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.DBLockTimeout = getenvDuration("STORE_DB_LOCK_TIMEOUT", cfg.DBLockTimeout)
	cfg.SeedOnStart = getenv("STORE_SEED", strconv.FormatBool(cfg.SeedOnStart)) == "true"
	cfg.AdminEmails = getenvList("STORE_ADMIN_EMAILS", cfg.AdminEmails)
	cfg.AllowedOrigins = getenvList("STORE_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.RequestTimeout = getenvDuration("STORE_REQUEST_TIMEOUT", cfg.RequestTimeout)

	cfg.RabbitURL = getenv("RABBITMQ_URL", cfg.RabbitURL)
	cfg.EventsExchange = getenv("EVENTS_EXCHANGE", cfg.EventsExchange)
	cfg.KafkaBrokers = getenvList("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.EventsTopic = getenv("EVENTS_TOPIC", cfg.EventsTopic)

	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.SessionTTL = getenvDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.SessionCacheSize = getenvInt("SESSION_CACHE_SIZE", cfg.SessionCacheSize)

	cfg.JaegerEndpoint = getenv("JAEGER_ENDPOINT", cfg.JaegerEndpoint)
	cfg.LogLevel = getenv("STORE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("STORE_LOG_FORMAT", cfg.LogFormat)
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return errors.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return errors.New("STORE_DB_DSN is required")
	}
	if c.SessionCacheSize <= 0 {
		return errors.New("SESSION_CACHE_SIZE must be > 0")
	}
	return nil
}

func (c Config) IsAdmin(email string) bool {
	for _, a := range c.AdminEmails {
		if strings.EqualFold(a, email) {
			return true
		}
	}
	return false
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
