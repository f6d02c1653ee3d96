package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

const testConfigYAML = `app:
  name: "execution-core"
  engine_type: "dbos"
  database_url: "postgres://localhost:5432/execution_core"
  listen_addr: ":8080"

accounts:
  main:
    exchange: "binance"
    account_type: "CRYPTO"
    api_key: "${TEST_BINANCE_API_KEY}"
    secret_key: "${TEST_BINANCE_SECRET_KEY}"

exchanges:
  binance:
    base_url: "https://api.binance.com"
    ws_base_url: "wss://stream.binance.com:9443"
    market_type: "SPOT"
    signing_style: "hmac_sha256"

webhooks:
  tradingview:
    token: "wh_token_abc"
    timeout_seconds: 10

system:
  log_level: "INFO"
  cancel_on_exit: true

rate_limits:
  default_requests_per_window: 1200
  default_window_seconds: 60
  default_burst: 10

timing:
  websocket_reconnect_delay: 5
  websocket_write_wait: 10
  websocket_pong_wait: 60
  websocket_ping_interval: 20
  listen_key_keepalive_interval: 1800
  reconcile_interval_seconds: 60
  order_retry_delay_ms: 500
  sse_heartbeat_interval_seconds: 10
  token_refresh_skew_seconds: 60

concurrency:
  webhook_pool_size: 20
  webhook_pool_buffer: 200
  notify_pool_size: 10
  notify_pool_buffer: 100
  sse_max_queue_per_sub: 50

telemetry:
  metrics_port: 9090
  enable_metrics: true
`

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(testConfigYAML))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BINANCE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BINANCE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_BINANCE_API_KEY")
	defer os.Unsetenv("TEST_BINANCE_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	acct := cfg.Accounts["main"]
	assert.Equal(t, Secret("test_api_key_from_env"), acct.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), acct.SecretKey)
}

func TestValidate_RejectsUnknownExchangeReference(t *testing.T) {
	cfg := &Config{
		App: AppConfig{Name: "x", EngineType: "simple", DatabaseURL: "postgres://x", ListenAddr: ":8080"},
		Accounts: map[string]AccountConfig{
			"main": {Exchange: "not_configured", AccountType: "CRYPTO", APIKey: "k", SecretKey: "s"},
		},
		Exchanges: map[string]ExchangeConfig{
			"binance": {BaseURL: "https://api.binance.com", WSBaseURL: "wss://x", MarketType: "SPOT", SigningStyle: "hmac_sha256"},
		},
		System:      SystemConfig{LogLevel: "INFO"},
		RateLimits:  RateLimitsConfig{DefaultRequestsPerWindow: 1200, DefaultWindowSeconds: 60, DefaultBurst: 10},
		Timing:      TimingConfig{WebsocketReconnectDelay: 5, WebsocketWriteWait: 10, WebsocketPongWait: 60, WebsocketPingInterval: 20, ListenKeyKeepaliveInterval: 1800, ReconcileIntervalSeconds: 60, OrderRetryDelayMs: 500, SSEHeartbeatIntervalSeconds: 10, TokenRefreshSkewSeconds: 60},
		Concurrency: ConcurrencyConfig{WebhookPoolSize: 20, WebhookPoolBuffer: 200, NotifyPoolSize: 10, NotifyPoolBuffer: 100, SSEMaxQueuePerSub: 50},
		Telemetry:   TelemetryConfig{MetricsPort: 9090},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_configured")
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Accounts: map[string]AccountConfig{
			"test": {
				APIKey:    Secret("my_super_secret_api_key"),
				SecretKey: Secret("my_super_secret_secret_key"),
			},
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "REDACTED")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}
