package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. NOTIFY_DB_HOST.
const EnvPrefix = "NOTIFY"

type DB struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type Crypto struct {
	AESKey string `mapstructure:"aes_key"` // passphrase for stored secret keys, exactly 32 chars
}

type Redis struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Queue struct {
	Prefix      string        `mapstructure:"prefix"`       // namespace tag, stream key is <prefix>:<key>
	Key         string        `mapstructure:"key"`          // stream name
	Group       string        `mapstructure:"group"`        // consumer group
	Count       int64         `mapstructure:"count"`        // entries per read
	Interval    time.Duration `mapstructure:"interval"`     // pause between polls
	Ack         bool          `mapstructure:"ack"`          // XACK entries once their outcome is persisted
	ReclaimIdle time.Duration `mapstructure:"reclaim_idle"` // XAUTOCLAIM threshold, 0 disables
	Concurrency int           `mapstructure:"concurrency"`  // parallel deliveries per batch, 0 means Count
}

type Dispatch struct {
	Timeout time.Duration `mapstructure:"timeout"` // per webhook request, 0 means no client timeout
}

type Server struct {
	HTTPAddr string `mapstructure:"http_addr"` // /healthz and /metrics
	GRPCAddr string `mapstructure:"grpc_addr"` // grpc.health.v1, empty disables
}

type Config struct {
	AppName  string   `mapstructure:"app_name"`
	DB       DB       `mapstructure:"db"`
	Crypto   Crypto   `mapstructure:"crypto"`
	Redis    Redis    `mapstructure:"redis"`
	Queue    Queue    `mapstructure:"queue"`
	Dispatch Dispatch `mapstructure:"dispatch"`
	Server   Server   `mapstructure:"server"`
}

// SetDefaults registers every key with its default so env overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "harbor-notify")

	v.SetDefault("db.host", "127.0.0.1")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.username", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.database", "insbiz")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("crypto.aes_key", "")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.prefix", "insbiz")
	v.SetDefault("queue.key", "notification")
	v.SetDefault("queue.group", "notification-group-1")
	v.SetDefault("queue.count", 10)
	v.SetDefault("queue.interval", 2*time.Second)
	v.SetDefault("queue.ack", true)
	v.SetDefault("queue.reclaim_idle", time.Duration(0))
	v.SetDefault("queue.concurrency", 0)

	v.SetDefault("dispatch.timeout", 15*time.Second)

	v.SetDefault("server.http_addr", ":8083")
	v.SetDefault("server.grpc_addr", "")
}

// Load reads defaults, the optional config file at path, and NOTIFY_* env
// overrides, then validates the result.
func Load(path string) (Config, error) {
	v, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// Read prepares a viper instance with defaults, env overrides and the
// optional config file at path. Nothing is validated.
func Read(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode unmarshals v without validating. Commands that need only part of
// the config use it directly.
func Decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// FromViper decodes and validates a configured viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	c, err := Decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config against the startup schema. All violations are reported together.
func (c Config) Validate() error {
	var errs []error
	req := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	port := func(key string, p int) {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s must be a valid port, got %d", key, p))
		}
	}

	req("db.host", c.DB.Host)
	port("db.port", c.DB.Port)
	req("db.username", c.DB.Username)
	req("db.password", c.DB.Password)
	req("db.database", c.DB.Database)
	if c.DB.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("db.max_conns must be positive"))
	}

	if len(c.Crypto.AESKey) != 32 {
		errs = append(errs, fmt.Errorf("crypto.aes_key must be exactly 32 characters, got %d", len(c.Crypto.AESKey)))
	}

	req("redis.host", c.Redis.Host)
	port("redis.port", c.Redis.Port)
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis.db must be >= 0"))
	}

	req("queue.key", c.Queue.Key)
	req("queue.group", c.Queue.Group)
	if c.Queue.Count < 1 {
		errs = append(errs, fmt.Errorf("queue.count must be positive"))
	}
	if c.Queue.Interval <= 0 {
		errs = append(errs, fmt.Errorf("queue.interval must be positive"))
	}
	if c.Queue.ReclaimIdle < 0 {
		errs = append(errs, fmt.Errorf("queue.reclaim_idle must be >= 0"))
	}
	if c.Queue.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("queue.concurrency must be >= 0"))
	}

	if c.Dispatch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.timeout must be >= 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DSN returns the PostgreSQL connection URL
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.Username, c.DB.Password),
		Host:     net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port)),
		Path:     "/" + c.DB.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// RedisAddr returns host:port of the queue server
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

// StreamKey returns the namespaced stream name
func (c Config) StreamKey() string {
	if c.Queue.Prefix == "" {
		return c.Queue.Key
	}
	return c.Queue.Prefix + ":" + c.Queue.Key
}

// Concurrency returns the effective per-batch delivery limit
func (c Config) Concurrency() int {
	if c.Queue.Concurrency > 0 {
		return c.Queue.Concurrency
	}
	return int(c.Queue.Count)
}
