package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Room        RoomConfig
	Persistence PersistenceConfig
	Authz       AuthzConfig
	Log         LogConfig
}

type ServerConfig struct {
	Address         string
	Path            string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// MaxConnections caps concurrent upgrades across all users. Zero disables it.
	MaxConnections int `mapstructure:"maxConnections"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	PongTimeout     time.Duration `mapstructure:"pongTimeout"`
	SendBuffer      int           `mapstructure:"sendBuffer"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
}

type RoomConfig struct {
	DrainPeriod time.Duration `mapstructure:"drainPeriod"`
	SaveTimeout time.Duration `mapstructure:"saveTimeout"`
	// Fields restricts editable field names. Empty accepts any non-empty name.
	Fields []string `mapstructure:"fields"`
}

type PersistenceConfig struct {
	Driver   string `mapstructure:"driver"` // "memory", "mongo" or "postgres"
	Mongo    MongoConfig
	Postgres PostgresConfig
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthzConfig struct {
	Driver string `mapstructure:"driver"` // "allow" or "redis"
	Redis  RedisConfig
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
