package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"esimcheckout/internal/reliability"

	"github.com/ilyakaznacheev/cleanenv"
)

const productionEnv = "production"

// Config is the full server configuration. Values come from the
// environment; when CONFIG_PATH names a YAML file it is read first and the
// environment overrides it.
type Config struct {
	App           AppConfig           `yaml:"app"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Observability ObservabilityConfig `yaml:"observability"`
	Redis         RedisConfig         `yaml:"redis"`
	Checkout      CheckoutConfig      `yaml:"checkout"`
	Reliability   ReliabilityConfig   `yaml:"reliability"`
	ESIMGo        ESIMGoConfig        `yaml:"esimgo"`
	Kafka         KafkaConfig         `yaml:"kafka"`
}

type AppConfig struct {
	Env            string `yaml:"env" env:"APP_ENV" env-default:"development"`
	GRPCAddr       string `yaml:"grpc_addr" env:"GRPC_ADDR" env-default:":50051"`
	DatabaseURL    string `yaml:"database_url" env:"DATABASE_URL"`
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME" env-default:"esim-checkout"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION" env-default:"dev"`
	// TracingEnabled exports spans over OTLP/gRPC.
	TracingEnabled bool `yaml:"tracing_enabled" env:"OTEL_TRACING_ENABLED" env-default:"false"`
}

// Production reports whether the service runs with production defaults.
func (c AppConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), productionEnv)
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration `yaml:"rate_limit_interval" env:"GRPC_RATE_LIMIT_INTERVAL" env-required:"true"`
	RateLimitBurst    int           `yaml:"rate_limit_burst" env:"GRPC_RATE_LIMIT_BURST" env-required:"true"`
}

// ObservabilityConfig holds the HTTP address for metrics and the live feed.
type ObservabilityConfig struct {
	Addr string `yaml:"addr" env:"OBS_ADDR" env-required:"true"`
}

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables the cache.
type RedisConfig struct {
	URL                string        `yaml:"url" env:"REDIS_URL"`
	KeyPrefix          string        `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"checkout:"`
	DialTimeout        time.Duration `yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
	PoolSize           int           `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	MinIdleConns       int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         int           `yaml:"max_retries" env:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration `yaml:"healthcheck_timeout" env:"REDIS_HEALTHCHECK_TIMEOUT" env-default:"2s"`
	EnableOTel         bool          `yaml:"otel" env:"REDIS_OTEL"`
	TLSConfig          *tls.Config   `yaml:"-"`
}

// CheckoutConfig tunes the session workflow. A zero SessionTTL picks the
// environment default.
type CheckoutConfig struct {
	SessionTTL        time.Duration `yaml:"session_ttl" env:"CHECKOUT_SESSION_TTL"`
	EnforceExpiry     bool          `yaml:"enforce_expiry" env:"CHECKOUT_ENFORCE_EXPIRY" env-default:"true"`
	MaxUpdateAttempts int           `yaml:"max_update_attempts" env:"CHECKOUT_MAX_UPDATE_ATTEMPTS" env-default:"3"`
}

// ReliabilityConfig guards every outbound collaborator call.
type ReliabilityConfig struct {
	RetryMaxAttempts    int           `yaml:"retry_max_attempts" env:"CHECKOUT_RETRY_MAX_ATTEMPTS" env-default:"3"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay" env:"CHECKOUT_RETRY_BASE_DELAY" env-default:"50ms"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay" env:"CHECKOUT_RETRY_MAX_DELAY" env-default:"1s"`
	BreakerMaxFailures  int           `yaml:"breaker_max_failures" env:"CHECKOUT_BREAKER_MAX_FAILURES" env-default:"5"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"CHECKOUT_BREAKER_RESET_TIMEOUT" env-default:"5s"`
	RateLimitInterval   time.Duration `yaml:"rate_limit_interval" env:"CHECKOUT_RATE_LIMIT_INTERVAL"`
	RateLimitBurst      int           `yaml:"rate_limit_burst" env:"CHECKOUT_RATE_LIMIT_BURST"`
}

func (c ReliabilityConfig) Guard() reliability.Config {
	return reliability.Config{
		RetryMaxAttempts:    c.RetryMaxAttempts,
		RetryBaseDelay:      c.RetryBaseDelay,
		RetryMaxDelay:       c.RetryMaxDelay,
		BreakerMaxFailures:  c.BreakerMaxFailures,
		BreakerResetTimeout: c.BreakerResetTimeout,
		RateLimitInterval:   c.RateLimitInterval,
		RateLimitBurst:      c.RateLimitBurst,
	}
}

// ESIMGoConfig points at the provisioning API. Without an API key the
// server accepts every bundle.
type ESIMGoConfig struct {
	BaseURL string        `yaml:"base_url" env:"ESIMGO_BASE_URL" env-default:"https://api.esim-go.com"`
	APIKey  string        `yaml:"api_key" env:"ESIMGO_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"ESIMGO_TIMEOUT" env-default:"10s"`
}

// KafkaConfig enables the session event stream when brokers are set.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	SessionTopic string   `yaml:"session_topic" env:"KAFKA_SESSION_TOPIC" env-default:"checkout.sessions"`
}

// Load reads the configuration and validates it.
func Load() (Config, error) {
	var cfg Config
	var err error
	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if cfg.Redis.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	durations := map[string]time.Duration{
		"GRPC_RATE_LIMIT_INTERVAL":       c.GRPC.RateLimitInterval,
		"REDIS_DIAL_TIMEOUT":             c.Redis.DialTimeout,
		"REDIS_READ_TIMEOUT":             c.Redis.ReadTimeout,
		"REDIS_WRITE_TIMEOUT":            c.Redis.WriteTimeout,
		"REDIS_HEALTHCHECK_TIMEOUT":      c.Redis.HealthcheckTimeout,
		"CHECKOUT_SESSION_TTL":           c.Checkout.SessionTTL,
		"CHECKOUT_RETRY_BASE_DELAY":      c.Reliability.RetryBaseDelay,
		"CHECKOUT_RETRY_MAX_DELAY":       c.Reliability.RetryMaxDelay,
		"CHECKOUT_BREAKER_RESET_TIMEOUT": c.Reliability.BreakerResetTimeout,
		"CHECKOUT_RATE_LIMIT_INTERVAL":   c.Reliability.RateLimitInterval,
		"ESIMGO_TIMEOUT":                 c.ESIMGo.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	ints := map[string]int{
		"GRPC_RATE_LIMIT_BURST":         c.GRPC.RateLimitBurst,
		"REDIS_POOL_SIZE":               c.Redis.PoolSize,
		"REDIS_MIN_IDLE_CONNS":          c.Redis.MinIdleConns,
		"REDIS_MAX_RETRIES":             c.Redis.MaxRetries,
		"CHECKOUT_MAX_UPDATE_ATTEMPTS":  c.Checkout.MaxUpdateAttempts,
		"CHECKOUT_RETRY_MAX_ATTEMPTS":   c.Reliability.RetryMaxAttempts,
		"CHECKOUT_BREAKER_MAX_FAILURES": c.Reliability.BreakerMaxFailures,
		"CHECKOUT_RATE_LIMIT_BURST":     c.Reliability.RateLimitBurst,
	}
	for name, v := range ints {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
