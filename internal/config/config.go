// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App         AppConfig                 `yaml:"app" validate:"required"`
	Accounts    map[string]AccountConfig  `yaml:"accounts" validate:"required,min=1,dive"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges" validate:"required,min=1,dive"`
	Webhooks    map[string]WebhookConfig  `yaml:"webhooks" validate:"dive"`
	System      SystemConfig              `yaml:"system"`
	RateLimits  RateLimitsConfig          `yaml:"rate_limits"`
	Timing      TimingConfig              `yaml:"timing"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Alerting    AlertingConfig            `yaml:"alerting"`
}

// AlertingConfig configures the out-of-band channels internal/alert
// fans a critical event out to (spec.md §4.G: a malformed
// ORDER_TRADE_UPDATE frame must never fail silently). Both channels are
// optional; an empty token/webhook disables that channel rather than
// failing startup.
type AlertingConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `yaml:"name" validate:"required"`
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL string `yaml:"database_url" validate:"required"`
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
}

// ExchangeConfig holds the per-exchange connectivity defaults (base URLs,
// WS endpoints) shared by every account routed through that exchange.
type ExchangeConfig struct {
	BaseURL      string `yaml:"base_url" validate:"required,url"`
	WSBaseURL    string `yaml:"ws_base_url" validate:"required"`
	MarketType   string `yaml:"market_type" validate:"required,oneof=SPOT FUTURES"`
	SigningStyle string `yaml:"signing_style" validate:"required,oneof=hmac_sha256 jwt_hs256 oauth2_hashkey"`
}

// AccountConfig is one tradeable account entry: which exchange it binds
// to, its credentials, and whether it is a paper/testnet account.
// Credential fields use Secret so they redact themselves under
// String/GoString/MarshalJSON/MarshalYAML wherever the config gets logged.
type AccountConfig struct {
	Exchange      string `yaml:"exchange" validate:"required"`
	AccountType   string `yaml:"account_type" validate:"required,oneof=CRYPTO SECURITIES_KRX"`
	IsTestnet     bool   `yaml:"is_testnet"`
	APIKey        Secret `yaml:"api_key" validate:"required"`
	SecretKey     Secret `yaml:"secret_key" validate:"required"`
	Passphrase    Secret `yaml:"passphrase"`
	OAuthClientID Secret `yaml:"oauth_client_id"`
	OAuthSecret   Secret `yaml:"oauth_secret"`
}

// WebhookConfig configures one inbound webhook route's verification
// token and per-account fan-out timeout.
type WebhookConfig struct {
	Token          Secret `yaml:"token" validate:"required"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"required,min=1,max=60"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// RateLimitsConfig contains per-exchange rate limiting parameters for the
// sliding-window limiter, plus the fixed inter-order delays used by the
// batch-fallback path on exchanges without native batch endpoints.
type RateLimitsConfig struct {
	DefaultRequestsPerWindow int                       `yaml:"default_requests_per_window" validate:"required,min=1"`
	DefaultWindowSeconds     int                       `yaml:"default_window_seconds" validate:"required,min=1"`
	DefaultBurst             int                       `yaml:"default_burst" validate:"required,min=1"`
	BatchFallbackDelaysMs    map[string]int            `yaml:"batch_fallback_delays_ms"`
	PerExchange              map[string]ExchangeRateLimit `yaml:"per_exchange"`
}

// ExchangeRateLimit overrides the default rate limit for one exchange.
type ExchangeRateLimit struct {
	RequestsPerWindow int `yaml:"requests_per_window" validate:"required,min=1"`
	WindowSeconds     int `yaml:"window_seconds" validate:"required,min=1"`
	Burst             int `yaml:"burst" validate:"required,min=1"`
}

// TimingConfig contains timing-related settings.
type TimingConfig struct {
	WebsocketReconnectDelay    int `yaml:"websocket_reconnect_delay" validate:"min=1,max=300"`
	WebsocketWriteWait         int `yaml:"websocket_write_wait" validate:"min=1,max=300"`
	WebsocketPongWait          int `yaml:"websocket_pong_wait" validate:"min=1,max=300"`
	WebsocketPingInterval      int `yaml:"websocket_ping_interval" validate:"min=1,max=300"`
	ListenKeyKeepaliveInterval int `yaml:"listen_key_keepalive_interval" validate:"min=1,max=3600"`
	ReconcileIntervalSeconds   int `yaml:"reconcile_interval_seconds" validate:"min=1,max=3600"`
	OrderRetryDelayMs          int `yaml:"order_retry_delay_ms" validate:"min=1,max=10000"`
	SSEHeartbeatIntervalSeconds int `yaml:"sse_heartbeat_interval_seconds" validate:"min=1,max=120"`
	TokenRefreshSkewSeconds    int `yaml:"token_refresh_skew_seconds" validate:"min=1,max=600"`
}

// ConcurrencyConfig contains worker pool settings.
type ConcurrencyConfig struct {
	WebhookPoolSize       int `yaml:"webhook_pool_size" validate:"min=1,max=1000"`
	WebhookPoolBuffer     int `yaml:"webhook_pool_buffer" validate:"min=1,max=10000"`
	NotifyPoolSize        int `yaml:"notify_pool_size" validate:"min=1,max=1000"`
	NotifyPoolBuffer      int `yaml:"notify_pool_buffer" validate:"min=1,max=10000"`
	SSEMaxQueuePerSub     int `yaml:"sse_max_queue_per_sub" validate:"min=1,max=1000"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port" validate:"min=1,max=65535"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion, then validates it with validator/v10.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate runs struct-tag validation plus the cross-field checks the
// tag vocabulary alone cannot express (account→exchange references).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	for name, acct := range c.Accounts {
		if _, ok := c.Exchanges[acct.Exchange]; !ok {
			return fmt.Errorf("account %q references unknown exchange %q", name, acct.Exchange)
		}
	}

	return nil
}

// String returns a string representation of the configuration with
// sensitive fields redacted by Secret's own MarshalYAML, suitable for
// startup logging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
