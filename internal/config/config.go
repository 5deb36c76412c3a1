package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config/config.yaml"

type FilesConfig struct {
	FontPath string `yaml:"font_path"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	QueryKey  string `yaml:"query_key"`
}

type RealtimeConfig struct {
	PresenceGrace   time.Duration `yaml:"presence_grace"`
	EphemeralTTL    time.Duration `yaml:"ephemeral_ttl"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongWait        time.Duration `yaml:"pong_wait"`
	SchedulerTick   time.Duration `yaml:"scheduler_tick"`
	PresenceStale   time.Duration `yaml:"presence_stale"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	CallHistorySize int           `yaml:"call_history_size"`
	RingTimeout     time.Duration `yaml:"ring_timeout"`
}

type EmailConfig struct {
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	FromEmail    string `yaml:"from_email"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

type Config struct {
	Env    string `yaml:"env"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		DSN string `yaml:"url"`
	} `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Email    EmailConfig    `yaml:"email"`
	Telegram TelegramConfig `yaml:"telegram"`
	Files    FilesConfig    `yaml:"files"`
}

// LoadConfig reads CONFIG_PATH (or config/config.yaml) and panics on failure.
func LoadConfig() *Config {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	cfg, err := Load(path)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	return cfg
}

// Load parses the YAML file at path, applies environment overrides and defaults.
// A missing file is not an error; everything can come from the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Env == "production" && cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required in production")
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Email.SMTPPassword = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4000
	}
	if cfg.Auth.QueryKey == "" {
		cfg.Auth.QueryKey = "token"
	}
	if cfg.Auth.JWTSecret == "" && cfg.Env == "development" {
		cfg.Auth.JWTSecret = "dev-secret"
	}

	rt := &cfg.Realtime
	if rt.PresenceGrace <= 0 {
		rt.PresenceGrace = 5 * time.Second
	}
	if rt.EphemeralTTL <= 0 {
		rt.EphemeralTTL = 15 * time.Second
	}
	if rt.SendQueueSize <= 0 {
		rt.SendQueueSize = 256
	}
	if rt.WriteTimeout <= 0 {
		rt.WriteTimeout = 5 * time.Second
	}
	if rt.PongWait <= 0 {
		rt.PongWait = 60 * time.Second
	}
	if rt.SchedulerTick <= 0 {
		rt.SchedulerTick = 250 * time.Millisecond
	}
	if rt.PresenceStale <= 0 {
		rt.PresenceStale = 2 * rt.PongWait
	}
	if rt.CallHistorySize <= 0 {
		rt.CallHistorySize = 20
	}
	if rt.RingTimeout <= 0 {
		rt.RingTimeout = 30 * time.Second
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
	}
}
