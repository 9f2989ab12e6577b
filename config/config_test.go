package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `fundflow:
  name: "TestApp"
  version: "1.0"
api:
  binance:
    api_key: "k"
    api_secret: "s"
symbols: ["BTCUSDT", "ETHUSDT"]
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Fundflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Fundflow.Name)
	}
	if len(cfg.Symbols) != 2 {
		t.Errorf("unexpected symbols: %v", cfg.Symbols)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	b := cfg.API.Binance
	if b.BaseURL != "https://fapi.binance.com" {
		t.Errorf("unexpected base url: %s", b.BaseURL)
	}
	if b.RateLimit.RequestsPerSecond != 10 || b.RateLimit.OrdersPerSecond != 5 {
		t.Errorf("unexpected rate limits: %+v", b.RateLimit)
	}
	if b.Retry.MaxRetries != 3 || b.Retry.RetryDelay != time.Second || b.Retry.BackoffMultiplier != 2.0 {
		t.Errorf("unexpected retry defaults: %+v", b.Retry)
	}
	if b.Websocket.PingInterval != 30*time.Second || b.Websocket.PongTimeout != 10*time.Second {
		t.Errorf("unexpected websocket defaults: %+v", b.Websocket)
	}
	if b.Websocket.MaxReconnectAttempts != 5 {
		t.Errorf("unexpected reconnect attempts: %d", b.Websocket.MaxReconnectAttempts)
	}
	if len(b.Retry.RetriableCodes) != 6 {
		t.Errorf("unexpected retriable codes: %v", b.Retry.RetriableCodes)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "expanded-key")
	// Direct overrides must not shadow the expansion under test.
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")

	path := writeTempConfig(t, `fundflow:
  name: "TestApp"
  version: "1.0"
api:
  binance:
    api_key: "${TEST_BINANCE_KEY}"
    api_secret: "s"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.API.Binance.APIKey != "expanded-key" {
		t.Errorf("env var not expanded: %q", cfg.API.Binance.APIKey)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `fundflow:
  version: "1.0"
`},
		{"bad base url", `fundflow:
  name: "x"
  version: "1.0"
api:
  binance:
    base_url: "ftp://nope"
`},
		{"bad symbol", `fundflow:
  name: "x"
  version: "1.0"
symbols: ["B"]
`},
		{"pong timeout too large", `fundflow:
  name: "x"
  version: "1.0"
api:
  binance:
    websocket:
      ping_interval: 5s
      pong_timeout: 10s
`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeTempConfig(t, c.content)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(""); got != "config/config.production.yml" {
		t.Errorf("unexpected path: %s", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path must win: %s", got)
	}
}
