package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tg_market/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent when fetching token images from third-party hosts
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// DefaultAvatarURL is the photo of the fallback identity
	DefaultAvatarURL = "https://upload.wikimedia.org/wikipedia/commons/thumb/2/2c/Default_pfp.svg/1024px-Default_pfp.svg.png"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr             string   `yaml:"addr"`
		ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
		WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
		SessionIdleMin   int      `yaml:"session_idle_min"`
		SweepIntervalSec int      `yaml:"sweep_interval_sec"`
		AllowedOrigins   []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Store struct {
		Driver     string `yaml:"driver"` // memory, sqlite, redis, postgres
		SQLitePath string `yaml:"sqlite_path"`
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Postgres struct {
			DSN     string `yaml:"dsn"`
			Channel string `yaml:"channel"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Profile struct {
		LowercaseUsername bool  `yaml:"lowercase_username"`
		TradeStats        bool  `yaml:"trade_stats"`
		PrivacyConsent    bool  `yaml:"privacy_consent"`
		InitialRating     int64 `yaml:"initial_rating"`
		RemoteTimeoutMS   int   `yaml:"remote_timeout_ms"` // 0 = unbounded
	} `yaml:"profile"`

	Market struct {
		SeedOnStart bool `yaml:"seed_on_start"`
	} `yaml:"market"`

	Telegram struct {
		BotToken  string `yaml:"bot_token"`
		WebAppURL string `yaml:"webapp_url"`
		Fallback  struct {
			ID        string `yaml:"id"`
			Username  string `yaml:"username"`
			FirstName string `yaml:"first_name"`
			PhotoURL  string `yaml:"photo_url"`
		} `yaml:"fallback"`
	} `yaml:"telegram"`

	Assets struct {
		Dir      string `yaml:"dir"`
		IconSize int    `yaml:"icon_size"`
	} `yaml:"assets"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and environment overrides, and validates
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	// 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "tg_market"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 10
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 10
	}
	if c.Server.SessionIdleMin == 0 {
		c.Server.SessionIdleMin = 60
	}
	if c.Server.SweepIntervalSec == 0 {
		c.Server.SweepIntervalSec = 60
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Profile.InitialRating == 0 {
		c.Profile.InitialRating = domain.DefaultTradeRating
	}
	if c.Telegram.Fallback.ID == "" {
		c.Telegram.Fallback.ID = "test_user_777"
		c.Telegram.Fallback.Username = "TestBuilder"
		c.Telegram.Fallback.FirstName = "Dev"
		c.Telegram.Fallback.PhotoURL = DefaultAvatarURL
	}
	if c.Assets.Dir == "" {
		c.Assets.Dir = "assets/icons"
	}
	if c.Assets.IconSize == 0 {
		c.Assets.IconSize = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return &domain.ConfigError{Field: "store.redis.addr", Err: errors.New("required for redis driver")}
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return &domain.ConfigError{Field: "store.postgres.dsn", Err: errors.New("required for postgres driver")}
		}
	default:
		return &domain.ConfigError{Field: "store.driver", Err: fmt.Errorf("unknown driver %q", c.Store.Driver)}
	}

	if c.Profile.RemoteTimeoutMS < 0 {
		return &domain.ConfigError{Field: "profile.remote_timeout_ms", Err: errors.New("must not be negative")}
	}
	if c.Assets.IconSize <= 0 || c.Assets.IconSize > 512 {
		return &domain.ConfigError{Field: "assets.icon_size", Err: fmt.Errorf("out of range: %d", c.Assets.IconSize)}
	}
	if c.Server.SessionIdleMin <= 0 || c.Server.SweepIntervalSec <= 0 {
		return &domain.ConfigError{Field: "server", Err: errors.New("session idle and sweep interval must be positive")}
	}

	// 봇은 WebApp URL이 있어야 버튼을 만들 수 있습니다
	if c.Telegram.BotToken != "" && !strings.HasPrefix(c.Telegram.WebAppURL, "https://") {
		return &domain.ConfigError{Field: "telegram.webapp_url", Err: errors.New("https URL required when bot is enabled")}
	}

	return nil
}

// RemoteTimeout returns the per-call remote store bound (0 = unbounded)
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Profile.RemoteTimeoutMS) * time.Millisecond
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if driver := os.Getenv("TGMARKET_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if addr := os.Getenv("TGMARKET_REDIS_ADDR"); addr != "" {
		cfg.Store.Redis.Addr = addr
	}
	if pass := os.Getenv("TGMARKET_REDIS_PASSWORD"); pass != "" {
		cfg.Store.Redis.Password = pass
	}
	if db := os.Getenv("TGMARKET_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Store.Redis.DB = n
		}
	}
	if dsn := os.Getenv("TGMARKET_POSTGRES_DSN"); dsn != "" {
		cfg.Store.Postgres.DSN = dsn
	}
	if token := os.Getenv("TGMARKET_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if url := os.Getenv("TGMARKET_WEBAPP_URL"); url != "" {
		cfg.Telegram.WebAppURL = url
	}
}
