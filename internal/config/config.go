// Package config loads classgate settings from defaults, the environment
// and an optional JSON file, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"classgate/internal/archive"
	"classgate/internal/websocket"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "CLASSGATE_"

// Config is the complete runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	WebSocket WebSocketConfig `json:"websocket"`
	Auth      AuthConfig      `json:"auth"`
	Gateway   GatewayConfig   `json:"gateway"`
	Archive   ArchiveConfig   `json:"archive"`
	Log       LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Host           string        `json:"host" env:"CLASSGATE_HTTP_HOST" validate:"required"`
	Port           int           `json:"port" env:"CLASSGATE_HTTP_PORT" validate:"min=0,max=65535"`
	ReadTimeout    time.Duration `json:"read_timeout" env:"CLASSGATE_HTTP_READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout   time.Duration `json:"write_timeout" env:"CLASSGATE_HTTP_WRITE_TIMEOUT" validate:"gt=0"`
	AllowedOrigins []string      `json:"allowed_origins" env:"CLASSGATE_HTTP_ALLOWED_ORIGINS"`
}

type WebSocketConfig struct {
	SendBuffer      int           `json:"send_buffer" env:"CLASSGATE_WEBSOCKET_SEND_BUFFER" validate:"min=1"`
	WriteWait       time.Duration `json:"write_wait" env:"CLASSGATE_WEBSOCKET_WRITE_WAIT" validate:"gt=0"`
	PongWait        time.Duration `json:"pong_wait" env:"CLASSGATE_WEBSOCKET_PONG_WAIT" validate:"gt=0"`
	PingInterval    time.Duration `json:"ping_interval" env:"CLASSGATE_WEBSOCKET_PING_INTERVAL" validate:"gt=0"`
	MaxMessageBytes int64         `json:"max_message_bytes" env:"CLASSGATE_WEBSOCKET_MAX_MESSAGE_BYTES" validate:"min=512"`
}

type AuthConfig struct {
	Secret   string        `json:"secret" env:"CLASSGATE_AUTH_SECRET" validate:"required,min=32"`
	Issuer   string        `json:"issuer" env:"CLASSGATE_AUTH_ISSUER"`
	Leeway   time.Duration `json:"leeway" env:"CLASSGATE_AUTH_LEEWAY" validate:"gte=0"`
	TokenTTL time.Duration `json:"token_ttl" env:"CLASSGATE_AUTH_TOKEN_TTL" validate:"gt=0"`
}

type GatewayConfig struct {
	RequireMembership  bool     `json:"require_membership" env:"CLASSGATE_GATEWAY_REQUIRE_MEMBERSHIP"`
	EchoToSender       bool     `json:"echo_to_sender" env:"CLASSGATE_GATEWAY_ECHO_TO_SENDER"`
	SendLimitPerMinute int      `json:"send_limit_per_minute" env:"CLASSGATE_GATEWAY_SEND_LIMIT_PER_MINUTE" validate:"gte=0"`
	SendBurst          int      `json:"send_burst" env:"CLASSGATE_GATEWAY_SEND_BURST" validate:"gte=0"`
	Classrooms         []string `json:"classrooms" env:"CLASSGATE_GATEWAY_CLASSROOMS" validate:"dive,required"`
}

type ArchiveConfig struct {
	Enabled        bool          `json:"enabled" env:"CLASSGATE_ARCHIVE_ENABLED"`
	Path           string        `json:"path" env:"CLASSGATE_ARCHIVE_PATH" validate:"required_if=Enabled true"`
	MaxConnections int           `json:"max_connections" env:"CLASSGATE_ARCHIVE_MAX_CONNECTIONS" validate:"min=1"`
	QueueSize      int           `json:"queue_size" env:"CLASSGATE_ARCHIVE_QUEUE_SIZE" validate:"min=1"`
	WriteTimeout   time.Duration `json:"write_timeout" env:"CLASSGATE_ARCHIVE_WRITE_TIMEOUT" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `json:"level" env:"CLASSGATE_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" env:"CLASSGATE_LOG_FORMAT" validate:"oneof=json text"`
}

// DefaultConfig returns production defaults. The auth secret has no default
// and must be supplied. Connection and archive tuning start from the
// defaults of the packages that own them.
func DefaultConfig() *Config {
	ws := websocket.DefaultSettings()
	store := archive.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:      ws.SendBuffer,
			WriteWait:       ws.WriteWait,
			PongWait:        ws.PongWait,
			PingInterval:    ws.PingInterval,
			MaxMessageBytes: ws.MaxMessageBytes,
		},
		Auth: AuthConfig{
			Issuer:   "classgate",
			Leeway:   30 * time.Second,
			TokenTTL: 12 * time.Hour,
		},
		Gateway: GatewayConfig{
			RequireMembership:  true,
			EchoToSender:       true,
			SendLimitPerMinute: 100,
			SendBurst:          20,
		},
		Archive: ArchiveConfig{
			Enabled:        true,
			Path:           store.Path,
			MaxConnections: store.MaxConnections,
			QueueSize:      store.QueueSize,
			WriteTimeout:   store.WriteTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return errors.New("invalid configuration: websocket ping interval must be shorter than pong wait")
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// LoadFromEnv overlays CLASSGATE_* environment variables on the defaults.
func LoadFromEnv() (*Config, error) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return loadFromEnvSet(DefaultConfig(), es)
}

func loadFromEnvSet(cfg *Config, es env.EnvSet) (*Config, error) {
	if err := env.Unmarshal(es, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// ConfigFile is the JSON shape of a config file. Durations are strings and
// booleans are pointers so that absent keys leave the lower layer intact.
type ConfigFile struct {
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Auth      *AuthConfigFile      `json:"auth"`
	Gateway   *GatewayConfigFile   `json:"gateway"`
	Archive   *ArchiveConfigFile   `json:"archive"`
	Log       *LogConfig           `json:"log"`
}

type HTTPConfigFile struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type WebSocketConfigFile struct {
	SendBuffer      int    `json:"send_buffer"`
	WriteWait       string `json:"write_wait"`
	PongWait        string `json:"pong_wait"`
	PingInterval    string `json:"ping_interval"`
	MaxMessageBytes int64  `json:"max_message_bytes"`
}

type AuthConfigFile struct {
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	Leeway   string `json:"leeway"`
	TokenTTL string `json:"token_ttl"`
}

type GatewayConfigFile struct {
	RequireMembership  *bool    `json:"require_membership"`
	EchoToSender       *bool    `json:"echo_to_sender"`
	SendLimitPerMinute *int     `json:"send_limit_per_minute"`
	SendBurst          *int     `json:"send_burst"`
	Classrooms         []string `json:"classrooms"`
}

type ArchiveConfigFile struct {
	Enabled        *bool  `json:"enabled"`
	Path           string `json:"path"`
	MaxConnections int    `json:"max_connections"`
	QueueSize      int    `json:"queue_size"`
	WriteTimeout   string `json:"write_timeout"`
}

// LoadFromFile overlays a JSON config file on the defaults.
func LoadFromFile(path string) (*Config, error) {
	return applyFile(DefaultConfig(), path)
}

func applyFile(cfg *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(dst *time.Duration, value, name string) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	if f := file.HTTP; f != nil {
		setString(&cfg.HTTP.Host, f.Host)
		setInt(&cfg.HTTP.Port, f.Port)
		duration(&cfg.HTTP.ReadTimeout, f.ReadTimeout, "http.read_timeout")
		duration(&cfg.HTTP.WriteTimeout, f.WriteTimeout, "http.write_timeout")
		if f.AllowedOrigins != nil {
			cfg.HTTP.AllowedOrigins = f.AllowedOrigins
		}
	}

	if f := file.WebSocket; f != nil {
		setInt(&cfg.WebSocket.SendBuffer, f.SendBuffer)
		duration(&cfg.WebSocket.WriteWait, f.WriteWait, "websocket.write_wait")
		duration(&cfg.WebSocket.PongWait, f.PongWait, "websocket.pong_wait")
		duration(&cfg.WebSocket.PingInterval, f.PingInterval, "websocket.ping_interval")
		if f.MaxMessageBytes > 0 {
			cfg.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
	}

	if f := file.Auth; f != nil {
		setString(&cfg.Auth.Secret, f.Secret)
		setString(&cfg.Auth.Issuer, f.Issuer)
		duration(&cfg.Auth.Leeway, f.Leeway, "auth.leeway")
		duration(&cfg.Auth.TokenTTL, f.TokenTTL, "auth.token_ttl")
	}

	if f := file.Gateway; f != nil {
		setBool(&cfg.Gateway.RequireMembership, f.RequireMembership)
		setBool(&cfg.Gateway.EchoToSender, f.EchoToSender)
		if f.SendLimitPerMinute != nil {
			cfg.Gateway.SendLimitPerMinute = *f.SendLimitPerMinute
		}
		if f.SendBurst != nil {
			cfg.Gateway.SendBurst = *f.SendBurst
		}
		if f.Classrooms != nil {
			cfg.Gateway.Classrooms = f.Classrooms
		}
	}

	if f := file.Archive; f != nil {
		setBool(&cfg.Archive.Enabled, f.Enabled)
		setString(&cfg.Archive.Path, f.Path)
		setInt(&cfg.Archive.MaxConnections, f.MaxConnections)
		setInt(&cfg.Archive.QueueSize, f.QueueSize)
		duration(&cfg.Archive.WriteTimeout, f.WriteTimeout, "archive.write_timeout")
	}

	if f := file.Log; f != nil {
		setString(&cfg.Log.Level, f.Level)
		setString(&cfg.Log.Format, f.Format)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence layers defaults, then environment, then the
// optional file; the file wins. The result is validated.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if cfg, err = applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
