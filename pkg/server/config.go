package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	BindAddress    string   `toml:"bind_address"`
	Port           int      `toml:"port"`
	HTTPPort       int      `toml:"http_port"`
	MetricsPort    int      `toml:"metrics_port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	DatabasePath   string   `toml:"database_path"`
}

type LimitsSection struct {
	HandshakeTimeoutSeconds int   `toml:"handshake_timeout_seconds"`
	OutboundQueueSize       int   `toml:"outbound_queue_size"`
	WriteTimeoutSeconds     int   `toml:"write_timeout_seconds"`
	MaxNameLength           int   `toml:"max_name_length"`
	MaxMessageLength        int   `toml:"max_message_length"`
	RoomHistoryLimit        int   `toml:"room_history_limit"`
	UniqueNames             *bool `toml:"unique_names"`
	MaxRooms                int   `toml:"max_rooms"`
	CommandBurst            *int  `toml:"command_burst"`
	CommandWindowSeconds    int   `toml:"command_window_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	unique := true
	burst := 40
	return TOMLConfig{
		Server: ServerSection{
			Port:         12345,
			HTTPPort:     0,
			MetricsPort:  0,
			DatabasePath: "~/.roomchat/sessions.db",
		},
		Limits: LimitsSection{
			HandshakeTimeoutSeconds: 10,
			OutboundQueueSize:       256,
			WriteTimeoutSeconds:     10,
			MaxNameLength:           32,
			MaxMessageLength:        4096,
			RoomHistoryLimit:        500,
			UniqueNames:             &unique,
			MaxRooms:                1000,
			CommandBurst:            &burst,
			CommandWindowSeconds:    2,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Still runnable on defaults, e.g. read-only home
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: ROOMCHAT_SECTION_KEY
// Example: ROOMCHAT_SERVER_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("ROOMCHAT_SERVER_BIND_ADDRESS"); val != "" {
		config.Server.BindAddress = val
	}
	envInt("ROOMCHAT_SERVER_PORT", &config.Server.Port)
	envInt("ROOMCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("ROOMCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	if val := os.Getenv("ROOMCHAT_SERVER_ALLOWED_ORIGINS"); val != "" {
		origins := strings.Split(val, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		config.Server.AllowedOrigins = origins
	}
	if val := os.Getenv("ROOMCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}

	// Limits section
	envInt("ROOMCHAT_LIMITS_HANDSHAKE_TIMEOUT_SECONDS", &config.Limits.HandshakeTimeoutSeconds)
	envInt("ROOMCHAT_LIMITS_OUTBOUND_QUEUE_SIZE", &config.Limits.OutboundQueueSize)
	envInt("ROOMCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("ROOMCHAT_LIMITS_MAX_NAME_LENGTH", &config.Limits.MaxNameLength)
	envInt("ROOMCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("ROOMCHAT_LIMITS_ROOM_HISTORY_LIMIT", &config.Limits.RoomHistoryLimit)
	if val := os.Getenv("ROOMCHAT_LIMITS_UNIQUE_NAMES"); val != "" {
		if unique, err := strconv.ParseBool(val); err == nil {
			config.Limits.UniqueNames = &unique
		}
	}
	envInt("ROOMCHAT_LIMITS_MAX_ROOMS", &config.Limits.MaxRooms)
	if val := os.Getenv("ROOMCHAT_LIMITS_COMMAND_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil {
			config.Limits.CommandBurst = &burst
		}
	}
	envInt("ROOMCHAT_LIMITS_COMMAND_WINDOW_SECONDS", &config.Limits.CommandWindowSeconds)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# roomchat server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# ROOMCHAT_SECTION_KEY (e.g., ROOMCHAT_SERVER_PORT=9000)

[server]
# Address to bind all listeners to (empty = all interfaces)
# bind_address = "127.0.0.1"

# Port for TCP client connections
port = 12345

# Port for the WebSocket endpoint (/ws)
# Set to 0 to disable
http_port = 0

# Port for /metrics and /health (internal only, never expose publicly)
# Set to 0 to disable
metrics_port = 0

# Browser origins allowed to open WebSocket connections (empty = all)
# allowed_origins = ["https://chat.example.com"]

# Path to the SQLite session journal (connect/disconnect records only)
# Set to "" to disable
database_path = "~/.roomchat/sessions.db"

[limits]
# Seconds a new connection has to send its NAME frame
handshake_timeout_seconds = 10

# Frames queued per client before it is disconnected as a slow consumer
outbound_queue_size = 256

# Seconds a single socket write may take
write_timeout_seconds = 10

# Maximum display name length in bytes (capped at 255)
max_name_length = 32

# Maximum message body length in bytes. Values larger than one protocol
# string can carry next to a name and timestamp are lowered at startup.
max_message_length = 4096

# Lines kept per room (0 = unbounded)
room_history_limit = 500

# Reject a NAME that is already connected
unique_names = true

# Rooms the server will hold; CREATE_ROOM fails with error 4003 beyond this.
# Capped so the room list still fits in one frame.
max_rooms = 1000

# Each connection may send command_burst commands per command_window_seconds;
# extra commands get error 1002. Set command_burst to 0 to disable.
command_burst = 40
command_window_seconds = 2
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.AllowedOrigins = c.Server.AllowedOrigins
	if path, err := c.GetDatabasePath(); err == nil {
		cfg.DatabasePath = path
	}

	if c.Limits.HandshakeTimeoutSeconds != 0 {
		cfg.HandshakeTimeout = time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second
	}
	if c.Limits.OutboundQueueSize != 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.MaxNameLength != 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.RoomHistoryLimit != 0 {
		cfg.RoomHistoryLimit = c.Limits.RoomHistoryLimit
	}
	if c.Limits.UniqueNames != nil {
		cfg.UniqueNames = *c.Limits.UniqueNames
	}
	if c.Limits.MaxRooms != 0 {
		cfg.MaxRooms = c.Limits.MaxRooms
	}
	if c.Limits.CommandBurst != nil {
		cfg.CommandBurst = *c.Limits.CommandBurst
	}
	if c.Limits.CommandWindowSeconds != 0 {
		cfg.CommandWindow = time.Duration(c.Limits.CommandWindowSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
