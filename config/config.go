package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CONSOLESTREAM_STREAM_ENDPOINT overrides stream.endpoint.
const EnvPrefix = "CONSOLESTREAM"

// Config holds application configuration
type Config struct {
	// Bridge HTTP server
	Port            string
	GinMode         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration // 0 = no timeout, viewer sockets are long lived
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // CORS origins for the bridge, empty = same origin only

	// Upstream broker connection
	Endpoint          string              // WebSocket URL of the STOMP broker
	Host              string              // STOMP host header
	Login             string              // optional STOMP login
	Passcode          string              // optional STOMP passcode
	Headers           map[string][]string // extra HTTP headers sent on the WebSocket upgrade
	ReconnectDelay    time.Duration
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	HandshakeTimeout  time.Duration
	WriteWait         time.Duration
	SendQueue         int
	TopicPrefix       string
	AppPrefix         string

	// Buffers
	ConsoleCapacity int // console lines kept per server
	MetricsHistory  int // metrics samples kept per server, 1 = latest only

	// Viewer sockets served by the bridge
	ViewerQueue      int
	ViewerPingPeriod time.Duration
	ViewerPongWait   time.Duration

	// Command rate limiting per caller, rate 0 = unlimited
	CommandRate  float64
	CommandBurst int

	// Authentication for mutating bridge routes
	AuthEnabled bool
	APIKeys     []string

	// Logging
	LogLevel      string
	LogFormat     string // json or console
	LogFile       string // rotated file output when set, stderr otherwise
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// setDefaults registers every key so that AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", "")

	v.SetDefault("stream.endpoint", "ws://localhost:8080/ws/websocket")
	v.SetDefault("stream.host", "localhost")
	v.SetDefault("stream.login", "")
	v.SetDefault("stream.passcode", "")
	v.SetDefault("stream.headers", map[string]string{})
	v.SetDefault("stream.reconnect_delay", 5*time.Second)
	v.SetDefault("stream.heartbeat_outgoing", 10*time.Second)
	v.SetDefault("stream.heartbeat_incoming", 10*time.Second)
	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.write_wait", 10*time.Second)
	v.SetDefault("stream.send_queue", 256)
	v.SetDefault("stream.topic_prefix", "/topic")
	v.SetDefault("stream.app_prefix", "/app")

	v.SetDefault("buffers.console_capacity", 500)
	v.SetDefault("buffers.metrics_history", 1)

	v.SetDefault("viewer.queue_size", 100)
	v.SetDefault("viewer.ping_period", 30*time.Second)
	v.SetDefault("viewer.pong_wait", 60*time.Second)

	v.SetDefault("commands.rate_per_sec", 5.0)
	v.SetDefault("commands.burst", 10)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_keys", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// CONSOLESTREAM_* environment variables, in increasing priority. An empty
// path or a missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Port:            v.GetString("server.port"),
		GinMode:         v.GetString("server.gin_mode"),
		ReadTimeout:     v.GetDuration("server.read_timeout"),
		WriteTimeout:    v.GetDuration("server.write_timeout"),
		IdleTimeout:     v.GetDuration("server.idle_timeout"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		AllowedOrigins:  splitList(v.Get("server.allowed_origins")),

		Endpoint:          v.GetString("stream.endpoint"),
		Host:              v.GetString("stream.host"),
		Login:             v.GetString("stream.login"),
		Passcode:          v.GetString("stream.passcode"),
		Headers:           headerMap(v.GetStringMapString("stream.headers")),
		ReconnectDelay:    v.GetDuration("stream.reconnect_delay"),
		HeartbeatOutgoing: v.GetDuration("stream.heartbeat_outgoing"),
		HeartbeatIncoming: v.GetDuration("stream.heartbeat_incoming"),
		HandshakeTimeout:  v.GetDuration("stream.handshake_timeout"),
		WriteWait:         v.GetDuration("stream.write_wait"),
		SendQueue:         v.GetInt("stream.send_queue"),
		TopicPrefix:       v.GetString("stream.topic_prefix"),
		AppPrefix:         v.GetString("stream.app_prefix"),

		ConsoleCapacity: v.GetInt("buffers.console_capacity"),
		MetricsHistory:  v.GetInt("buffers.metrics_history"),

		ViewerQueue:      v.GetInt("viewer.queue_size"),
		ViewerPingPeriod: v.GetDuration("viewer.ping_period"),
		ViewerPongWait:   v.GetDuration("viewer.pong_wait"),

		CommandRate:  v.GetFloat64("commands.rate_per_sec"),
		CommandBurst: v.GetInt("commands.burst"),

		AuthEnabled: v.GetBool("auth.enabled"),
		APIKeys:     splitList(v.Get("auth.api_keys")),

		LogLevel:      v.GetString("log.level"),
		LogFormat:     v.GetString("log.format"),
		LogFile:       v.GetString("log.file"),
		LogMaxSizeMB:  v.GetInt("log.max_size_mb"),
		LogMaxBackups: v.GetInt("log.max_backups"),
		LogMaxAgeDays: v.GetInt("log.max_age_days"),
		LogCompress:   v.GetBool("log.compress"),
	}

	return cfg, nil
}

// Validate reports every problem at once rather than stopping at the first.
func (c *Config) Validate() error {
	var problems []string

	if c.Endpoint == "" {
		problems = append(problems, "stream.endpoint is required")
	} else if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		problems = append(problems, "stream.endpoint must be a ws:// or wss:// URL")
	}
	if c.ReconnectDelay <= 0 {
		problems = append(problems, "stream.reconnect_delay must be positive")
	}
	if c.HeartbeatOutgoing < 0 || c.HeartbeatIncoming < 0 {
		problems = append(problems, "stream heartbeats cannot be negative")
	}
	if c.HandshakeTimeout <= 0 {
		problems = append(problems, "stream.handshake_timeout must be positive")
	}
	if c.SendQueue <= 0 {
		problems = append(problems, "stream.send_queue must be positive")
	}
	if c.ConsoleCapacity <= 0 {
		problems = append(problems, "buffers.console_capacity must be positive")
	}
	if c.MetricsHistory <= 0 {
		problems = append(problems, "buffers.metrics_history must be positive")
	}
	if c.ViewerPingPeriod >= c.ViewerPongWait {
		problems = append(problems, "viewer.ping_period must be shorter than viewer.pong_wait")
	}
	if c.CommandRate < 0 {
		problems = append(problems, "commands.rate_per_sec cannot be negative")
	} else if c.CommandRate > 0 && c.CommandBurst <= 0 {
		problems = append(problems, "commands.burst must be positive when commands.rate_per_sec is set")
	}
	if c.AuthEnabled && len(c.APIKeys) == 0 {
		problems = append(problems, "auth.enabled requires at least one auth.api_keys entry")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not json or console", c.LogFormat))
	}

	if c.LogFile != "" && c.LogMaxSizeMB <= 0 {
		problems = append(problems, "log.max_size_mb must be positive when log.file is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// GetEndpoint returns the broker WebSocket URL
func (c *Config) GetEndpoint() string { return c.Endpoint }

// GetHost returns the STOMP host header value
func (c *Config) GetHost() string { return c.Host }

// GetCredentials returns the optional STOMP login and passcode
func (c *Config) GetCredentials() (string, string) { return c.Login, c.Passcode }

// GetHeaders returns the extra upgrade headers
func (c *Config) GetHeaders() map[string][]string { return c.Headers }

// GetReconnectDelay returns the fixed delay between reconnection attempts
func (c *Config) GetReconnectDelay() time.Duration { return c.ReconnectDelay }

// GetHeartbeatOutgoing returns the heart-beat interval we offer to send
func (c *Config) GetHeartbeatOutgoing() time.Duration { return c.HeartbeatOutgoing }

// GetHeartbeatIncoming returns the heart-beat interval we ask to receive
func (c *Config) GetHeartbeatIncoming() time.Duration { return c.HeartbeatIncoming }

// GetHandshakeTimeout returns the max time for dial plus CONNECTED
func (c *Config) GetHandshakeTimeout() time.Duration { return c.HandshakeTimeout }

// GetWriteWait returns the max time to write one frame
func (c *Config) GetWriteWait() time.Duration { return c.WriteWait }

// GetSendQueue returns the outbound frame queue size
func (c *Config) GetSendQueue() int { return c.SendQueue }

// GetTopicPrefix returns the prefix of subscribe destinations
func (c *Config) GetTopicPrefix() string { return c.TopicPrefix }

// GetAppPrefix returns the prefix of command destinations
func (c *Config) GetAppPrefix() string { return c.AppPrefix }

// GetConsoleCapacity returns the console history size
func (c *Config) GetConsoleCapacity() int { return c.ConsoleCapacity }

// GetMetricsHistory returns how many metrics samples are kept
func (c *Config) GetMetricsHistory() int { return c.MetricsHistory }

// GetViewerQueue returns the per-viewer outbound queue size
func (c *Config) GetViewerQueue() int { return c.ViewerQueue }

// GetViewerPingPeriod returns how often viewers are pinged
func (c *Config) GetViewerPingPeriod() time.Duration { return c.ViewerPingPeriod }

// GetViewerPongWait returns how long a viewer may stay silent
func (c *Config) GetViewerPongWait() time.Duration { return c.ViewerPongWait }

// GetAllowedOrigins returns the CORS origins
func (c *Config) GetAllowedOrigins() []string { return c.AllowedOrigins }

// GetCommandRate returns the sustained commands per second per caller
func (c *Config) GetCommandRate() float64 { return c.CommandRate }

// GetCommandBurst returns the command burst per caller
func (c *Config) GetCommandBurst() int { return c.CommandBurst }

// splitList accepts either a YAML list or a comma-separated string
func splitList(value interface{}) []string {
	var parts []string
	switch v := value.(type) {
	case nil:
		return []string{}
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []interface{}:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = strings.Split(fmt.Sprint(v), ",")
	}

	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// headerMap converts the flat stream.headers map into header form
func headerMap(in map[string]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		if v == "" {
			continue
		}
		out[k] = []string{v}
	}
	return out
}
