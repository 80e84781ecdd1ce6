package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SESSIONSYNC"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	WS       WSConfig       `mapstructure:"ws" yaml:"ws"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Blob     BlobConfig     `mapstructure:"blob" yaml:"blob"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Persist  PersistConfig  `mapstructure:"persist" yaml:"persist"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
}

type WSConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	SqlitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type BlobConfig struct {
	Dir            string `mapstructure:"dir" yaml:"dir"`
	PublicBaseURL  string `mapstructure:"public_base_url" yaml:"public_base_url"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type AuthConfig struct {
	JwtSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
}

type PersistConfig struct {
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// ShutdownTimeout bounds draining the queue and flushing dirty sessions on exit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	// IdleEvictAfter of zero keeps every loaded session hot for the life of the process.
	IdleEvictAfter time.Duration `mapstructure:"idle_evict_after" yaml:"idle_evict_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var defaults = map[string]any{
	"http.addr":                 "localhost:8080",
	"http.read_header_timeout":  10 * time.Second,
	"ws.send_buffer":            256,
	"ws.write_timeout":          10 * time.Second,
	"ws.ping_interval":          30 * time.Second,
	"ws.max_message_bytes":      int64(1 << 20),
	"store.driver":              "sqlite",
	"store.sqlite_path":         "sessions.sqlite3",
	"store.postgres_dsn":        "",
	"redis.enabled":             false,
	"redis.addr":                "localhost:6379",
	"redis.password":            "",
	"redis.db":                  0,
	"redis.prefix":              "sessionsync:",
	"redis.ttl":                 10 * time.Minute,
	"blob.dir":                  "blobs",
	"blob.public_base_url":      "",
	"blob.max_upload_bytes":     int64(10 << 20),
	"auth.jwt_secret":           "",
	"persist.queue_size":        1024,
	"persist.timeout":           5 * time.Second,
	"persist.shutdown_timeout":  30 * time.Second,
	"registry.idle_evict_after": time.Duration(0),
	"registry.sweep_interval":   time.Minute,
	"registry.load_timeout":     10 * time.Second,
	"log.level":                 "info",
	"log.format":                "text",
}

// New returns a viper instance with defaults and environment overrides in place.
// SESSIONSYNC_STORE_DRIVER overrides store.driver and so on.
func New() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional yaml file at path, binds any flags whose names match config
// keys and decodes the result. Flags win over env, env wins over the file.
func Load(v *viper.Viper, path string, flags *pflag.FlagSet) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if _, ok := defaults[f.Name]; ok {
				bindErr = errors.Join(bindErr, v.BindPFlag(f.Name, f))
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SqlitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver))
	}
	if c.WS.SendBuffer <= 0 {
		errs = append(errs, errors.New("ws.send_buffer must be positive"))
	}
	if c.Persist.QueueSize <= 0 {
		errs = append(errs, errors.New("persist.queue_size must be positive"))
	}
	if c.Persist.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("persist.shutdown_timeout must be positive"))
	}
	if c.Registry.LoadTimeout <= 0 {
		errs = append(errs, errors.New("registry.load_timeout must be positive"))
	}
	if c.Registry.IdleEvictAfter < 0 {
		errs = append(errs, errors.New("registry.idle_evict_after must not be negative"))
	}
	if c.Registry.IdleEvictAfter > 0 && c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("registry.sweep_interval must be positive when eviction is enabled"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Logger builds the process logger described by the log section.
func (c LogConfig) Logger() *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
