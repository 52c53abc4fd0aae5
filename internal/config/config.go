// Package config provides Viper-based configuration loading for the room server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Persistence backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// HTTPConfig holds the WebSocket/HTTP listener settings.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener. 0 picks a free port.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds reading a request's headers.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds writing plain HTTP responses. Upgraded connections
	// use WebSocketConfig.WriteTimeout instead.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout bounds the graceful drain on Stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins is the CORS and WebSocket origin allow list. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// WebSocketConfig holds per-connection WebSocket settings.
type WebSocketConfig struct {
	// WriteTimeout is the deadline for writing one frame.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongTimeout is how long a connection may stay silent before it is dropped.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	// PingInterval is the keepalive period. It must be shorter than PongTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the number of outbound frames queued per connection
	// before the connection is dropped as too slow.
	SendBuffer int `mapstructure:"send_buffer"`
}

// AdminConfig holds the admin gRPC settings.
type AdminConfig struct {
	// Enabled turns the admin gRPC listener on.
	Enabled bool `mapstructure:"enabled"`
	// GRPCHost is the bind/connect address for the admin service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the admin service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// PersistenceConfig selects where registry snapshots are written.
type PersistenceConfig struct {
	// Backend is one of "memory", "file" or "postgres".
	Backend string `mapstructure:"backend"`
	// FilePath is the snapshot document used by the file backend.
	FilePath string `mapstructure:"file_path"`
	// FlushInterval is how often pending changes are written.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// CardsConfig locates the card table.
type CardsConfig struct {
	// DeckFile is an optional YAML deck. Empty selects the built-in deck.
	DeckFile string `mapstructure:"deck_file"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cards       CardsConfig       `mapstructure:"cards"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Validate checks all configuration invariants. The database section is only
// checked when the postgres backend is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []error{
		validateHTTP(c.HTTP),
		validateWebSocket(c.WebSocket),
		validateAdmin(c.Admin),
		validatePersistence(c.Persistence),
		validateLogging(c.Logging),
	}
	if c.Persistence.Backend == BackendPostgres {
		validators = append(validators, c.Database.Validate())
	}
	for _, err := range validators {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(field string, port int, allowZero bool) string {
	low := 1
	if allowZero {
		low = 0
	}
	if port < low || port > 65535 {
		return fmt.Sprintf("%s must be %d-65535, got %d", field, low, port)
	}
	return ""
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if msg := validatePort("http.port", h.Port, true); msg != "" {
		errs = append(errs, msg)
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if h.ShutdownTimeout < 0 {
		errs = append(errs, "http.shutdown_timeout must not be negative")
	}
	for _, o := range h.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, "http.allowed_origins must not contain empty entries")
			break
		}
	}
	return joinErrs(errs)
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PongTimeout <= 0 {
		errs = append(errs, "websocket.pong_timeout must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.PongTimeout {
		errs = append(errs, fmt.Sprintf("websocket.ping_interval must be positive and less than pong_timeout, got %s", w.PingInterval))
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	return joinErrs(errs)
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if msg := validatePort("admin.grpc_port", a.GRPCPort, true); msg != "" {
		errs = append(errs, msg)
	}
	return joinErrs(errs)
}

func validatePersistence(p PersistenceConfig) error {
	var errs []string
	switch p.Backend {
	case BackendMemory, BackendPostgres:
	case BackendFile:
		if p.FilePath == "" {
			errs = append(errs, "persistence.file_path must not be empty for the file backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend must be one of [memory, file, postgres], got %q", p.Backend))
	}
	if p.FlushInterval <= 0 {
		errs = append(errs, "persistence.flush_interval must be positive")
	}
	return joinErrs(errs)
}

// Validate checks the database settings.
//
// Postcondition: Returns nil if valid, or an error listing every violation.
func (d DatabaseConfig) Validate() error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if msg := validatePort("database.port", d.Port, false); msg != "" {
		errs = append(errs, msg)
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}


// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and TEAMPOINT_ environment
// overrides installed.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TEAMPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 64)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50061)

	v.SetDefault("persistence.backend", BackendFile)
	v.SetDefault("persistence.file_path", "db.json")
	v.SetDefault("persistence.flush_interval", "1s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "teampoint")
	v.SetDefault("database.password", "teampoint")
	v.SetDefault("database.name", "teampoint")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("cards.deck_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
