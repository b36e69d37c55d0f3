package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("TRIPCOLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.String("persistence", cfg.Persistence.Driver),
		slog.String("authz", cfg.Authz.Driver),
	)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 8)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.maxConnections", 0)

	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "20s")
	v.SetDefault("transport.pongTimeout", "50s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageBytes", 64*1024)

	v.SetDefault("room.drainPeriod", "30s")
	v.SetDefault("room.saveTimeout", "10s")
	v.SetDefault("room.fields", []string{})

	v.SetDefault("persistence.driver", "memory")
	v.SetDefault("persistence.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("persistence.mongo.database", "trips")
	v.SetDefault("persistence.mongo.collection", "trips")

	v.SetDefault("authz.driver", "allow")
	v.SetDefault("authz.redis.addr", "localhost:6379")
	v.SetDefault("authz.redis.keyPrefix", "tripcollab:")

	v.SetDefault("log.level", "info")
}

// Validate checks the values that have no safe fallback.
func (c *Config) Validate() error {
	t := c.Transport
	if t.PingInterval <= 0 {
		return errors.New("transport.pingInterval must be positive")
	}
	if t.PongTimeout < 2*t.PingInterval || t.PongTimeout > 3*t.PingInterval {
		return fmt.Errorf("transport.pongTimeout (%s) must be between 2x and 3x pingInterval (%s)", t.PongTimeout, t.PingInterval)
	}
	if t.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if c.Room.SaveTimeout <= 0 {
		return errors.New("room.saveTimeout must be positive")
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("invalid server.connectionLimit.mode %q", c.Server.ConnectionLimit.Mode)
	}
	switch c.Persistence.Driver {
	case "memory", "mongo", "postgres":
	default:
		return fmt.Errorf("unknown persistence.driver %q", c.Persistence.Driver)
	}
	switch c.Authz.Driver {
	case "allow", "redis":
	default:
		return fmt.Errorf("unknown authz.driver %q", c.Authz.Driver)
	}
	return nil
}
