package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/presence"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/relay"
	"github.com/ShreyashPG/Distributed-Chat-Application/internal/tlsutil"
	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	NodeName            string            `mapstructure:"node_name"`
	ListenAddress       string            `mapstructure:"listen_address"`
	LogLevel            string            `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration     `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig       `mapstructure:"admin"`
	Redis               RedisConfig       `mapstructure:"redis"`
	Relay               RelayConfig       `mapstructure:"relay"`
	Presence            presence.Keys     `mapstructure:"presence"`
	Persistence         PersistenceConfig `mapstructure:"persistence"`
	Auth                AuthConfig        `mapstructure:"auth"`
	Session             SessionConfig     `mapstructure:"session"`
}

// AdminConfig controls the metrics and health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// RedisConfig points at the shared presence store.
type RedisConfig struct {
	Address  string         `mapstructure:"address"`
	Password string         `mapstructure:"password"`
	DB       int            `mapstructure:"db"`
	TLS      tlsutil.Config `mapstructure:"tls"`
}

// RelayConfig selects and tunes the cross-node transport.
type RelayConfig struct {
	Driver            string         `mapstructure:"driver"`
	NATSURL           string         `mapstructure:"nats_url"`
	Channels          relay.Channels `mapstructure:"channels"`
	ReconnectInterval time.Duration  `mapstructure:"reconnect_interval"`
	TLS               tlsutil.Config `mapstructure:"tls"`
}

type PersistenceConfig struct {
	DSN string `mapstructure:"dsn"`
}

// AuthConfig names where the handshake secret lives and whether posting to a
// room requires being on its roster.
type AuthConfig struct {
	JWTSecretEnv      string `mapstructure:"jwt_secret_env"`
	RequireMembership bool   `mapstructure:"require_membership"`
}

type SessionConfig struct {
	SendBuffer int `mapstructure:"send_buffer"`
}

const (
	RelayDriverRedis = "redis"
	RelayDriverNATS  = "nats"
)

const (
	defaultNodeName            = "APP"
	defaultListenAddress       = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = ":9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultRedisAddress        = "localhost:6379"
	defaultRelayDriver         = RelayDriverRedis
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultReconnectInterval   = 2 * time.Second
	defaultPersistenceDSN      = "file:bchat.db"
	defaultJWTSecretEnv        = "JWT_SECRET"
	defaultSendBuffer          = 32
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with BCHAT_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	keys := presence.DefaultKeys()
	channels := relay.DefaultChannels()

	v.SetDefault("node_name", defaultNodeName)
	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("redis.address", defaultRedisAddress)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls.enabled", false)
	v.SetDefault("redis.tls.cert_path", "")
	v.SetDefault("redis.tls.key_path", "")
	v.SetDefault("redis.tls.ca_path", "")
	v.SetDefault("redis.tls.insecure_skip_verify", false)
	v.SetDefault("relay.driver", defaultRelayDriver)
	v.SetDefault("relay.nats_url", defaultNATSURL)
	v.SetDefault("relay.channels.messages", channels.Messages)
	v.SetDefault("relay.channels.rooms", channels.Rooms)
	v.SetDefault("relay.channels.roster", channels.Roster)
	v.SetDefault("relay.reconnect_interval", defaultReconnectInterval.String())
	v.SetDefault("relay.tls.enabled", false)
	v.SetDefault("relay.tls.cert_path", "")
	v.SetDefault("relay.tls.key_path", "")
	v.SetDefault("relay.tls.ca_path", "")
	v.SetDefault("relay.tls.insecure_skip_verify", false)
	v.SetDefault("presence.room_list_key", keys.RoomList)
	v.SetDefault("presence.roster_suffix", keys.RosterSuffix)
	v.SetDefault("presence.flag_prefix", keys.FlagPrefix)
	v.SetDefault("persistence.dsn", defaultPersistenceDSN)
	v.SetDefault("auth.jwt_secret_env", defaultJWTSecretEnv)
	v.SetDefault("auth.require_membership", false)
	v.SetDefault("session.send_buffer", defaultSendBuffer)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	var err error
	if cfg.ShutdownGracePeriod, err = duration(v, "shutdown_grace_period", defaultShutdownGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.Admin.ReadHeaderTimeout, err = duration(v, "admin.read_header_timeout", defaultReadHeaderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Relay.ReconnectInterval, err = duration(v, "relay.reconnect_interval", defaultReconnectInterval); err != nil {
		return Config{}, err
	}

	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = defaultJWTSecretEnv
	}
	cfg.Relay.Driver = strings.ToLower(strings.TrimSpace(cfg.Relay.Driver))
	cfg.Relay.Channels = cfg.Relay.Channels.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func duration(v *viper.Viper, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return dur, nil
}

// Validate rejects settings the node cannot start with.
func (c Config) Validate() error {
	switch c.Relay.Driver {
	case RelayDriverRedis, RelayDriverNATS:
	default:
		return fmt.Errorf("unknown relay driver %q", c.Relay.Driver)
	}
	if c.Relay.Driver == RelayDriverNATS && c.Relay.NATSURL == "" {
		return fmt.Errorf("relay.nats_url is required for the nats driver")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.Persistence.DSN == "" {
		return fmt.Errorf("persistence.dsn is required")
	}
	if c.Session.SendBuffer <= 0 {
		return fmt.Errorf("session.send_buffer must be positive, got %d", c.Session.SendBuffer)
	}
	return nil
}

// JWTSecret fetches the handshake signing secret from the configured environment variable.
func (c Config) JWTSecret() (string, error) {
	env := c.Auth.JWTSecretEnv
	if env == "" {
		env = defaultJWTSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("jwt secret env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
