package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Webhook  WebhookConfig  `yaml:"webhook" mapstructure:"webhook"`
	Notion   NotionConfig   `yaml:"notion" mapstructure:"notion"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Reminder ReminderConfig `yaml:"reminder" mapstructure:"reminder"`
	EventLog EventLogConfig `yaml:"eventlog" mapstructure:"eventlog"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Debug    bool           `yaml:"debug" mapstructure:"debug"`
}

// TelegramConfig holds bot credentials and transport limits.
type TelegramConfig struct {
	Token         string  `yaml:"token" mapstructure:"token"`
	AdminChatID   int64   `yaml:"admin_chat_id" mapstructure:"admin_chat_id"`
	APIEndpoint   string  `yaml:"api_endpoint" mapstructure:"api_endpoint"`
	PollTimeout   int     `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
	SendRateLimit float64 `yaml:"send_rate_limit" mapstructure:"send_rate_limit"`
}

// StoreConfig configures the database backend. An empty DatabaseURL disables lead storage.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32         `yaml:"max_conns" mapstructure:"max_conns"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// WebhookConfig configures the outbound lead notification.
type WebhookConfig struct {
	URL     string        `yaml:"url" mapstructure:"url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// NotionConfig holds the optional CRM mirror credentials.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
}

// SessionConfig selects the session registry backend.
type SessionConfig struct {
	Backend  string        `yaml:"backend" mapstructure:"backend"`
	RedisURL string        `yaml:"redis_url" mapstructure:"redis_url"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// ReminderConfig sets the nudge delays.
type ReminderConfig struct {
	StallDelay time.Duration `yaml:"stall_delay" mapstructure:"stall_delay"`
	PhoneDelay time.Duration `yaml:"phone_delay" mapstructure:"phone_delay"`
}

// EventLogConfig sizes the analytics writer queue.
type EventLogConfig struct {
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ServerConfig configures the liveness server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// legacyEnv maps config keys to the environment names the bot was first deployed with.
var legacyEnv = map[string]string{
	"telegram.token":         "BOT_TOKEN",
	"telegram.admin_chat_id": "ADMIN_CHAT_ID",
	"webhook.url":            "MAKE_WEBHOOK_URL",
	"store.database_url":     "DATABASE_URL",
	"session.redis_url":      "REDIS_URL",
	"server.port":            "PORT",
}

// Load reads configuration from .env, file, and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "INTAKE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("telegram.poll_timeout_secs", 60)
	v.SetDefault("telegram.send_rate_limit", 25.0)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.timeout", 10*time.Second)
	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.ttl", 72*time.Hour)
	v.SetDefault("reminder.stall_delay", time.Hour)
	v.SetDefault("reminder.phone_delay", 15*time.Minute)
	v.SetDefault("eventlog.queue_size", 1024)
	v.SetDefault("server.port", 10000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("debug", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given command.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Telegram.Token == "" {
			errs = append(errs, "telegram.token is required")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if c.Session.Backend == "redis" && c.Session.RedisURL == "" {
			errs = append(errs, "session.redis_url is required for the redis backend")
		}
		if c.Reminder.StallDelay <= 0 || c.Reminder.PhoneDelay <= 0 {
			errs = append(errs, "reminder delays must be positive")
		}
	case "migrate", "leads":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, "session.backend must be memory or redis")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Degraded lists sinks that will run as no-ops because they are not configured.
func (c *Config) Degraded() []string {
	var out []string
	if c.Store.DatabaseURL == "" {
		out = append(out, "store")
	}
	if c.Webhook.URL == "" {
		out = append(out, "webhook")
	}
	if c.Notion.Token == "" || c.Notion.LeadDB == "" {
		out = append(out, "notion")
	}
	if c.Telegram.AdminChatID == 0 {
		out = append(out, "admin")
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
