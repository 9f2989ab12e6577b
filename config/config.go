package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundflow FundflowConfig `yaml:"fundflow"`
	API      APIConfig      `yaml:"api"`
	Symbols  []string       `yaml:"symbols"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type FundflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	UsedWeight bool             `yaml:"used_weight"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type APIConfig struct {
	Binance BinanceConfig `yaml:"binance"`
}

type BinanceConfig struct {
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
	Websocket      WebsocketConfig      `yaml:"websocket"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	OrdersPerSecond   int `yaml:"orders_per_second"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	RetriableCodes    []int         `yaml:"retriable_codes"`
}

type WebsocketConfig struct {
	URL                  string        `yaml:"url"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	RateLimit            WSRateLimit   `yaml:"rate_limit"`
}

type WSRateLimit struct {
	SubscriptionsPerSecond int `yaml:"subscriptions_per_second"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

// envVarRegexp matches ${VAR} placeholders used for secrets in the YAML file.
var envVarRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		return []byte(strings.TrimSpace(os.Getenv(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			UsedWeight: true,
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials may also arrive via the environment directly
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.API.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.API.Binance.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.CloudWatch.Region == "" {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	b := &cfg.API.Binance

	if b.BaseURL == "" {
		b.BaseURL = "https://fapi.binance.com"
	}
	if b.Timeout <= 0 {
		b.Timeout = 30 * time.Second
	}
	if b.ConnectionPool.MaxIdleConns <= 0 {
		b.ConnectionPool.MaxIdleConns = 10
	}
	if b.ConnectionPool.MaxConnsPerHost <= 0 {
		b.ConnectionPool.MaxConnsPerHost = 10
	}
	if b.ConnectionPool.IdleConnTimeout <= 0 {
		b.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	if b.RateLimit.RequestsPerSecond <= 0 {
		b.RateLimit.RequestsPerSecond = 10
	}
	if b.RateLimit.OrdersPerSecond <= 0 {
		b.RateLimit.OrdersPerSecond = 5
	}
	if b.Retry.MaxRetries <= 0 {
		b.Retry.MaxRetries = 3
	}
	if b.Retry.RetryDelay <= 0 {
		b.Retry.RetryDelay = time.Second
	}
	if b.Retry.MaxDelay <= 0 {
		b.Retry.MaxDelay = 5 * time.Second
	}
	if b.Retry.BackoffMultiplier <= 1 {
		b.Retry.BackoffMultiplier = 2.0
	}
	if len(b.Retry.RetriableCodes) == 0 {
		b.Retry.RetriableCodes = []int{408, 429, 500, 502, 503, 504}
	}

	ws := &b.Websocket
	if ws.URL == "" {
		ws.URL = "wss://fstream.binance.com/stream"
	}
	if ws.ConnectTimeout <= 0 {
		ws.ConnectTimeout = 5 * time.Second
	}
	if ws.PingInterval <= 0 {
		ws.PingInterval = 30 * time.Second
	}
	if ws.PongTimeout <= 0 {
		ws.PongTimeout = 10 * time.Second
	}
	if ws.MaxReconnectAttempts <= 0 {
		ws.MaxReconnectAttempts = 5
	}
	if ws.ReconnectInterval <= 0 {
		ws.ReconnectInterval = 5 * time.Second
	}
	if ws.RateLimit.SubscriptionsPerSecond <= 0 {
		ws.RateLimit.SubscriptionsPerSecond = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Fundflow.Name == "" {
		return fmt.Errorf("fundflow.name is required")
	}

	if cfg.Fundflow.Version == "" {
		return fmt.Errorf("fundflow.version is required")
	}

	b := &cfg.API.Binance

	if !strings.HasPrefix(b.BaseURL, "http://") && !strings.HasPrefix(b.BaseURL, "https://") {
		return fmt.Errorf("api.binance.base_url '%s' is invalid", b.BaseURL)
	}

	if !strings.HasPrefix(b.Websocket.URL, "ws://") && !strings.HasPrefix(b.Websocket.URL, "wss://") {
		return fmt.Errorf("api.binance.websocket.url '%s' is invalid", b.Websocket.URL)
	}

	if b.Websocket.PongTimeout >= b.Websocket.PingInterval {
		return fmt.Errorf("api.binance.websocket.pong_timeout must be smaller than ping_interval")
	}

	for _, s := range cfg.Symbols {
		if len(s) < 2 || len(s) > 20 {
			return fmt.Errorf("symbol '%s' is invalid", s)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}

	return nil
}
