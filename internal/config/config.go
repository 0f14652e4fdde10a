// Package config defines all configuration for the trading backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via DCA_* environment variables. The standard
// deployment variables PORT, WS_PORT, DATABASE_URL and ALLOWED_ORIGINS are
// honored directly for 12-factor setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Hub      HubConfig      `mapstructure:"hub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
// WSPort is optional; when zero the Event Hub shares the main port.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	WSPort         int      `mapstructure:"ws_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the persistence backend. URL is a Postgres DSN;
// when empty the in-memory store is used (dev and tests only).
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// ExchangeConfig tunes the exchange gateway transport.
//
//   - RequestTimeout: total budget for one REST call.
//   - ConnectTimeout: TCP/TLS dial budget within that.
//   - RecvWindow: Binance recvWindow for signed requests, in milliseconds.
//   - KeepaliveInterval: listen-key refresh period (exchange expires at 60m).
//   - ReconnectMax: cap on the exponential reconnect backoff.
type ExchangeConfig struct {
	// RESTBaseURL and MarketStreamURL serve public market data (charts,
	// price ticks, kline history). Per-account trading endpoints come from
	// the exchange account rows.
	RESTBaseURL     string `mapstructure:"rest_base_url"`
	MarketStreamURL string `mapstructure:"market_stream_url"`

	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RecvWindow        int64         `mapstructure:"recv_window"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
}

// EngineConfig tunes the cycle manager's retry budgets.
//
//   - SafetyRetries/SafetyRetryDelay: attempts per safety rung before the
//     rung is skipped and the virtual list compacts.
//   - TakeProfitRetries: attempts to re-place a TP after a safety fill
//     before escalating to the supervisor for liquidation.
type EngineConfig struct {
	SafetyRetries     int           `mapstructure:"safety_retries"`
	SafetyRetryDelay  time.Duration `mapstructure:"safety_retry_delay"`
	TakeProfitRetries int           `mapstructure:"take_profit_retries"`
	MailboxSize       int           `mapstructure:"mailbox_size"`
}

// HubConfig tunes the client-facing WebSocket hub.
type HubConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	SendBufferSize int           `mapstructure:"send_buffer_size"`
	BalanceTimeout time.Duration `mapstructure:"balance_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment env vars take precedence: PORT, WS_PORT, DATABASE_URL,
// ALLOWED_ORIGINS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Deployment env overrides
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if p := os.Getenv("WS_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse WS_PORT: %w", err)
		}
		cfg.Server.WSPort = port
	}
	if u := os.Getenv("DATABASE_URL"); u != "" {
		cfg.Database.URL = u
	}
	if o := os.Getenv("ALLOWED_ORIGINS"); o != "" {
		cfg.Server.AllowedOrigins = strings.Split(o, ",")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("exchange.rest_base_url", "https://api.binance.com")
	v.SetDefault("exchange.market_stream_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.connect_timeout", 3*time.Second)
	v.SetDefault("exchange.recv_window", int64(5000))
	v.SetDefault("exchange.keepalive_interval", 30*time.Minute)
	v.SetDefault("exchange.reconnect_max", 30*time.Second)
	v.SetDefault("engine.safety_retries", 3)
	v.SetDefault("engine.safety_retry_delay", 2*time.Second)
	v.SetDefault("engine.take_profit_retries", 5)
	v.SetDefault("engine.mailbox_size", 64)
	v.SetDefault("hub.ping_interval", 30*time.Second)
	v.SetDefault("hub.send_buffer_size", 256)
	v.SetDefault("hub.balance_timeout", 8*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Server.WSPort < 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("server.ws_port must be in [0, 65535]")
	}
	if c.Exchange.RequestTimeout <= 0 {
		return fmt.Errorf("exchange.request_timeout must be > 0")
	}
	if c.Exchange.ConnectTimeout <= 0 || c.Exchange.ConnectTimeout > c.Exchange.RequestTimeout {
		return fmt.Errorf("exchange.connect_timeout must be > 0 and <= request_timeout")
	}
	if c.Exchange.KeepaliveInterval <= 0 {
		return fmt.Errorf("exchange.keepalive_interval must be > 0")
	}
	if c.Engine.SafetyRetries < 0 || c.Engine.TakeProfitRetries < 0 {
		return fmt.Errorf("engine retry budgets must be >= 0")
	}
	if c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval must be > 0")
	}
	if c.Hub.BalanceTimeout <= 0 {
		return fmt.Errorf("hub.balance_timeout must be > 0")
	}
	return nil
}
