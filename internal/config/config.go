package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`

	AdminTGIDs  []int64 `env:"ADMIN_TG_IDS" envSeparator:","`
	AdminChatID int64   `env:"ADMIN_CHAT_ID"`

	StageCount      int `env:"STAGE_COUNT" envDefault:"17"`
	TeamCacheSize   int `env:"TEAM_CACHE_SIZE" envDefault:"50"`
	MemberCacheSize int `env:"MEMBER_CACHE_SIZE" envDefault:"100"`
	RiddleCacheSize int `env:"RIDDLE_CACHE_SIZE" envDefault:"50"`

	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://quest.db"`
	RedisAddr   string `env:"REDIS_ADDR"`

	MediaGroupWindow    time.Duration `env:"MEDIA_GROUP_WINDOW" envDefault:"1500ms"`
	RegistrationTimeout time.Duration `env:"REGISTRATION_TIMEOUT" envDefault:"30m"`
	VerificationTimeout time.Duration `env:"VERIFICATION_TIMEOUT" envDefault:"2h"`

	StorageBucket            string `env:"STORAGE_BUCKET"`
	StorageDir               string `env:"STORAGE_DIR"`
	GoogleServiceAccountJSON string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	SpreadsheetID            string `env:"GOOGLE_SHEETS_SPREADSHEET_ID"`
	AutoUpload               bool   `env:"AUTO_UPLOAD"`

	ContentFile string `env:"CONTENT_FILE"`

	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	BasePublicURL string `env:"BASE_PUBLIC_URL"`
	ExportSecret  string `env:"EXPORT_SECRET" envDefault:"change-me"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"LOG_DEV"`

	admins map[int64]bool
}

func FromEnv() (Config, error) {
	c, err := FromEnvNoToken()
	if err != nil {
		return c, err
	}
	if c.TelegramToken == "" {
		return c, fmt.Errorf("TELEGRAM_BOT_TOKEN is empty")
	}
	return c, nil
}

// FromEnvNoToken is FromEnv for tools that never talk to Telegram.
func FromEnvNoToken() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	c.TelegramToken = strings.TrimSpace(c.TelegramToken)
	c.BasePublicURL = strings.TrimRight(strings.TrimSpace(c.BasePublicURL), "/")
	if err := c.finish(); err != nil {
		return c, err
	}
	return c, nil
}

// finish validates limits and builds derived fields.
func (c *Config) finish() error {
	if c.StageCount < 1 {
		return fmt.Errorf("STAGE_COUNT must be positive, got %d", c.StageCount)
	}
	for name, v := range map[string]int{
		"TEAM_CACHE_SIZE":   c.TeamCacheSize,
		"MEMBER_CACHE_SIZE": c.MemberCacheSize,
		"RIDDLE_CACHE_SIZE": c.RiddleCacheSize,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	c.admins = map[int64]bool{}
	for _, id := range c.AdminTGIDs {
		c.admins[id] = true
	}
	if c.AdminChatID == 0 && len(c.AdminTGIDs) > 0 {
		c.AdminChatID = c.AdminTGIDs[0]
	}
	return nil
}

func (c Config) IsAdmin(tgID int64) bool {
	return c.admins[tgID]
}

// ForTests returns a config with defaults applied and the given admins, without touching env.
func ForTests(adminIDs ...int64) Config {
	c := Config{
		AdminTGIDs:          adminIDs,
		StageCount:          17,
		TeamCacheSize:       50,
		MemberCacheSize:     100,
		RiddleCacheSize:     50,
		MediaGroupWindow:    50 * time.Millisecond,
		RegistrationTimeout: 30 * time.Minute,
		VerificationTimeout: 2 * time.Hour,
		ExportSecret:        "test-secret",
	}
	_ = c.finish()
	return c
}
