package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	dbconfig "coursechat/pkg/database"
)

// EnvPrefix namespaces every environment override, e.g. COURSECHAT_HTTP_PORT.
const EnvPrefix = "COURSECHAT"

// DevJWTSecret is the default signing secret. Startup warns when it is still in use.
const DevJWTSecret = "coursechat-dev-secret-change-me"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
type Config struct {
	Database  *DatabaseConfig  `json:"database" mapstructure:"database"`
	HTTP      *HTTPConfig      `json:"http" mapstructure:"http"`
	WebSocket *WebSocketConfig `json:"websocket" mapstructure:"websocket"`
	Auth      *AuthConfig      `json:"auth" mapstructure:"auth"`
	Cache     *CacheConfig     `json:"cache" mapstructure:"cache"`
	CORS      *CORSConfig      `json:"cors" mapstructure:"cors"`
	RateLimit *RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	Log       *LogConfig       `json:"log" mapstructure:"log"`
}

type DatabaseConfig struct {
	Path           string        `json:"path" mapstructure:"path"`
	MaxConnections int           `json:"max_connections" mapstructure:"max_connections"`
	BusyTimeout    time.Duration `json:"busy_timeout" mapstructure:"busy_timeout"`
	MigrationsPath string        `json:"migrations_path" mapstructure:"migrations_path"`
}

type HTTPConfig struct {
	Port         int           `json:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	Host         string        `json:"host" mapstructure:"host"`
}

// FUNCTIONAL DISCOVERY: a connection silent for two ping intervals is dead,
// so ReadTimeout defaults to twice PingInterval.
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	BufferSize   int           `json:"buffer_size" mapstructure:"buffer_size"`
}

type AuthConfig struct {
	JWTSecret string        `json:"-" mapstructure:"jwt_secret"`
	Issuer    string        `json:"issuer" mapstructure:"issuer"`
	TokenTTL  time.Duration `json:"token_ttl" mapstructure:"token_ttl"`
}

// CacheConfig selects the summary-list cache. An empty RedisURL keeps it in process.
type CacheConfig struct {
	RedisURL   string        `json:"redis_url" mapstructure:"redis_url"`
	SummaryTTL time.Duration `json:"summary_ttl" mapstructure:"summary_ttl"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MessagesPerMinute int `json:"messages_per_minute" mapstructure:"messages_per_minute"`
}

type LogConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/coursechat.db",
			MaxConnections: 10,
			BusyTimeout:    5 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{
			JWTSecret: DevJWTSecret,
			Issuer:    "coursechat",
			TokenTTL:  24 * time.Hour,
		},
		Cache: &CacheConfig{
			SummaryTTL: 30 * time.Second,
		},
		CORS: &CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		RateLimit: &RateLimitConfig{
			MessagesPerMinute: 100,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth == nil || len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth JWT secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Cache == nil || c.Cache.SummaryTTL < 0 {
		return fmt.Errorf("cache summary TTL cannot be negative")
	}
	if c.RateLimit == nil || c.RateLimit.MessagesPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.CORS == nil {
		return fmt.Errorf("CORS configuration is required")
	}
	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	return nil
}

// StoreConfig converts the database section into the store's own config.
func (c *Config) StoreConfig() *dbconfig.Config {
	store := dbconfig.DefaultConfig()
	store.DatabasePath = c.Database.Path
	store.MaxConnections = c.Database.MaxConnections
	store.BusyTimeout = c.Database.BusyTimeout
	store.MigrationsPath = c.Database.MigrationsPath
	return store
}

// Address is the listen address for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// newViper registers every default so AutomaticEnv can resolve each key
// during Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)
	v.SetDefault("database.migrations_path", d.Database.MigrationsPath)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.host", d.HTTP.Host)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("cache.summary_ttl", d.Cache.SummaryTTL)

	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)
	v.SetDefault("rate_limit.messages_per_minute", d.RateLimit.MessagesPerMinute)
	v.SetDefault("log.level", d.Log.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads a .env file into the process environment when present.
// Variables already set in the environment win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// LoadFromEnv reads defaults overridden by COURSECHAT_* variables, including
// those defined in ./.env.
func LoadFromEnv() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := decode(newViper())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads a JSON or YAML file. Environment variables still
// override values from the file.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence resolves environment > file > defaults. A missing
// file is not an error; an unreadable or invalid one is.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return LoadFromFile(path)
		}
	}
	cfg, err := decode(newViper())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
