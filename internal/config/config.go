package config

import "time"

// Config is the root configuration shared by the streamer and recorder
// binaries.
type Config struct {
	Instance      InstanceConfig       `yaml:"instance"`
	Feed          FeedConfig           `yaml:"feed"`
	Session       SessionConfig        `yaml:"session"`
	Database      DatabaseConfig       `yaml:"database"`
	Writers       WritersConfig        `yaml:"writers"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds push-feed connection settings.
type FeedConfig struct {
	WSURL                string        `yaml:"ws_url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// SessionConfig holds the authenticated identity. Token is usually an
// ${ENV} placeholder expanded at load time; TokenPath points at a token
// file written by a login tool and wins over Token when both are set.
type SessionConfig struct {
	UserID    string `yaml:"user_id"`
	AccountID string `yaml:"account_id"`
	Token     string `yaml:"token"`
	TokenPath string `yaml:"token_path"`
}

// DatabaseConfig holds the Postgres connection used by the recorder.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// SubscriptionConfig names one instrument to subscribe at startup.
type SubscriptionConfig struct {
	Exchange string `yaml:"exchange"`
	Token    string `yaml:"token"`
}
