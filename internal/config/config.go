package config

import (
	"time"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	pkgconfig "github.com/weiawesome/wes-io-live/chat-sync/pkg/config"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Reconnect ReconnectConfig
	Ledger    LedgerConfig
	REST      RESTConfig `mapstructure:"rest"`
	Session   SessionConfig
	DevServer DevServerConfig `mapstructure:"dev_server"`
	Log       log.Config
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	WebSocketURL string `mapstructure:"websocket_url"`
	RESTBaseURL  string `mapstructure:"rest_base_url"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	OutboxSize       int           `mapstructure:"outbox_size"`
}

type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type LedgerConfig struct {
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	IDStrategy string        `mapstructure:"id_strategy"`
}

type RESTConfig struct {
	Timeout      time.Duration
	Concurrency  int
	UserCacheTTL time.Duration `mapstructure:"user_cache_ttl"`
	// RPS caps outgoing requests per second. Zero disables the limit.
	RPS   float64 `mapstructure:"rps"`
	Burst int
}

// SessionConfig seeds the session provider. Tokens are normally injected
// through the environment.
type SessionConfig struct {
	UserID      string        `mapstructure:"user_id"`
	IDToken     string        `mapstructure:"id_token"`
	AccessToken string        `mapstructure:"access_token"`
	RefreshSkew time.Duration `mapstructure:"refresh_skew"`
}

type DevServerConfig struct {
	Host           string
	Port           int
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessDuration time.Duration `mapstructure:"access_duration"`
	CommandRPS     float64       `mapstructure:"command_rps"`
	CommandBurst   int           `mapstructure:"command_burst"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "chatsync", "CHATSYNC")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.websocket_url", "ws://localhost:8088/ws")
	v.SetDefault("server.rest_base_url", "http://localhost:8088/api/v1")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.outbox_size", 100)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", "500ms")
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("ledger.ack_timeout", "15s")
	v.SetDefault("ledger.id_strategy", idgen.StrategyULID)
	v.SetDefault("rest.timeout", "10s")
	v.SetDefault("rest.concurrency", 8)
	v.SetDefault("rest.user_cache_ttl", "5m")
	v.SetDefault("rest.rps", 20)
	v.SetDefault("rest.burst", 20)
	v.SetDefault("session.refresh_skew", "30s")
	v.SetDefault("dev_server.host", "0.0.0.0")
	v.SetDefault("dev_server.port", 8088)
	v.SetDefault("dev_server.jwt_secret", "dev-secret")
	v.SetDefault("dev_server.access_duration", "1h")
	v.SetDefault("dev_server.command_rps", 50)
	v.SetDefault("dev_server.command_burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "chatsync")

	// Override from environment
	v.BindEnv("server.websocket_url", "CHATSYNC_WS_URL")
	v.BindEnv("server.rest_base_url", "CHATSYNC_REST_URL")
	v.BindEnv("session.user_id", "CHATSYNC_USER_ID")
	v.BindEnv("session.id_token", "CHATSYNC_ID_TOKEN")
	v.BindEnv("session.access_token", "CHATSYNC_ACCESS_TOKEN")
	v.BindEnv("dev_server.port", "PORT")
	v.BindEnv("dev_server.jwt_secret", "JWT_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.HandshakeTimeout = pkgconfig.Duration(v, "websocket.handshake_timeout", 10*time.Second)
	cfg.Reconnect.BaseDelay = pkgconfig.Duration(v, "reconnect.base_delay", 500*time.Millisecond)
	cfg.Reconnect.MaxDelay = pkgconfig.Duration(v, "reconnect.max_delay", 30*time.Second)
	cfg.Ledger.AckTimeout = pkgconfig.Duration(v, "ledger.ack_timeout", 15*time.Second)
	cfg.REST.Timeout = pkgconfig.Duration(v, "rest.timeout", 10*time.Second)
	cfg.REST.UserCacheTTL = pkgconfig.Duration(v, "rest.user_cache_ttl", 5*time.Minute)
	cfg.Session.RefreshSkew = pkgconfig.Duration(v, "session.refresh_skew", 30*time.Second)
	cfg.DevServer.AccessDuration = pkgconfig.Duration(v, "dev_server.access_duration", time.Hour)

	return &cfg, nil
}
