package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
// The database section is validated separately (see DBConfig.Validate)
// since only the recorder needs it.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Feed.WSURL == "" {
		return errors.New("feed.ws_url is required")
	}
	if c.Feed.HeartbeatInterval <= 0 {
		return errors.New("feed.heartbeat_interval must be positive")
	}
	if c.Feed.ReconnectDelay <= 0 {
		return errors.New("feed.reconnect_delay must be positive")
	}
	if c.Feed.MaxReconnectAttempts < 1 {
		return errors.New("feed.max_reconnect_attempts must be >= 1")
	}

	if c.Session.UserID == "" {
		return errors.New("session.user_id is required")
	}
	if c.Session.AccountID == "" {
		return errors.New("session.account_id is required")
	}
	if c.Session.Token == "" && c.Session.TokenPath == "" {
		return errors.New("session.token or session.token_path is required")
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	for i, sub := range c.Subscriptions {
		if sub.Exchange == "" {
			return fmt.Errorf("subscriptions[%d].exchange is required", i)
		}
		if sub.Token == "" {
			return fmt.Errorf("subscriptions[%d].token is required", i)
		}
	}

	return nil
}

// Validate checks a database connection section. prefix names the
// section in error messages, e.g. "database.postgres".
func (db *DBConfig) Validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
