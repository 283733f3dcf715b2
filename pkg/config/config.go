package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/sipeed/picoquote/pkg/fileutil"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Contains reports whether id is listed.
func (f FlexibleStringSlice) Contains(id string) bool {
	for _, v := range f {
		if v == id {
			return true
		}
	}
	return false
}

type Config struct {
	Quotes    QuotesConfig    `json:"quotes"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Miner     MinerConfig     `json:"miner"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type QuotesConfig struct {
	DataDir string `json:"data_dir" env:"PICOQUOTE_QUOTES_DATA_DIR" validate:"required"`
	// GlobalScope shares one quote pool across every chat.
	GlobalScope    bool                `json:"global_scope" env:"PICOQUOTE_QUOTES_GLOBAL_SCOPE"`
	Dedup          bool                `json:"dedup" env:"PICOQUOTE_QUOTES_DEDUP"`
	Admins         FlexibleStringSlice `json:"admins" env:"PICOQUOTE_QUOTES_ADMINS"`
	AvatarProvider string              `json:"avatar_provider" env:"PICOQUOTE_QUOTES_AVATAR_PROVIDER"`
	MaxBatch       int                 `json:"max_batch" env:"PICOQUOTE_QUOTES_MAX_BATCH" validate:"min=1,max=50"`
	Render         RenderConfig        `json:"render"`
}

type RenderConfig struct {
	Enabled        bool   `json:"enabled" env:"PICOQUOTE_RENDER_ENABLED"`
	Layout         string `json:"layout" env:"PICOQUOTE_RENDER_LAYOUT" validate:"omitempty,oneof=auto classic"`
	ChromePath     string `json:"chrome_path" env:"PICOQUOTE_RENDER_CHROME_PATH"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"PICOQUOTE_RENDER_TIMEOUT_SECONDS" validate:"min=0"`
	Timezone       string `json:"timezone" env:"PICOQUOTE_RENDER_TIMEZONE"`
	Brand          string `json:"brand" env:"PICOQUOTE_RENDER_BRAND"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	OneBot   OneBotConfig   `json:"onebot"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"PICOQUOTE_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"PICOQUOTE_CHANNELS_TELEGRAM_TOKEN" validate:"required_if=Enabled true"`
	Proxy     string              `json:"proxy" env:"PICOQUOTE_CHANNELS_TELEGRAM_PROXY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"PICOQUOTE_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"PICOQUOTE_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"PICOQUOTE_CHANNELS_DISCORD_TOKEN" validate:"required_if=Enabled true"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"PICOQUOTE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type OneBotConfig struct {
	Enabled               bool                `json:"enabled" env:"PICOQUOTE_CHANNELS_ONEBOT_ENABLED"`
	Debug                 bool                `json:"debug" env:"PICOQUOTE_CHANNELS_ONEBOT_DEBUG"`
	WSUrl                 string              `json:"ws_url" env:"PICOQUOTE_CHANNELS_ONEBOT_WS_URL" validate:"required_if=Enabled true"`
	AccessToken           string              `json:"access_token" env:"PICOQUOTE_CHANNELS_ONEBOT_ACCESS_TOKEN"`
	ReconnectInterval     int                 `json:"reconnect_interval" env:"PICOQUOTE_CHANNELS_ONEBOT_RECONNECT_INTERVAL" validate:"min=0"`
	GroupTriggerPrefix    []string            `json:"group_trigger_prefix" env:"PICOQUOTE_CHANNELS_ONEBOT_GROUP_TRIGGER_PREFIX"`
	GroupContextQueueSize int                 `json:"group_context_queue_size" env:"PICOQUOTE_CHANNELS_ONEBOT_GROUP_CONTEXT_QUEUE_SIZE" validate:"min=0"`
	AllowGroups           FlexibleStringSlice `json:"allow_groups" env:"PICOQUOTE_CHANNELS_ONEBOT_ALLOW_GROUPS"`
	AllowFrom             FlexibleStringSlice `json:"allow_from" env:"PICOQUOTE_CHANNELS_ONEBOT_ALLOW_FROM"`
}

type ProvidersConfig struct {
	Anthropic    ProviderConfig `json:"anthropic" envPrefix:"PICOQUOTE_PROVIDERS_ANTHROPIC_"`
	OpenAI       ProviderConfig `json:"openai" envPrefix:"PICOQUOTE_PROVIDERS_OPENAI_"`
	OpenRouter   ProviderConfig `json:"openrouter" envPrefix:"PICOQUOTE_PROVIDERS_OPENROUTER_"`
	Groq         ProviderConfig `json:"groq" envPrefix:"PICOQUOTE_PROVIDERS_GROQ_"`
	Zhipu        ProviderConfig `json:"zhipu" envPrefix:"PICOQUOTE_PROVIDERS_ZHIPU_"`
	VLLM         ProviderConfig `json:"vllm" envPrefix:"PICOQUOTE_PROVIDERS_VLLM_"`
	Gemini       ProviderConfig `json:"gemini" envPrefix:"PICOQUOTE_PROVIDERS_GEMINI_"`
	Nvidia       ProviderConfig `json:"nvidia" envPrefix:"PICOQUOTE_PROVIDERS_NVIDIA_"`
	Ollama       ProviderConfig `json:"ollama" envPrefix:"PICOQUOTE_PROVIDERS_OLLAMA_"`
	Moonshot     ProviderConfig `json:"moonshot" envPrefix:"PICOQUOTE_PROVIDERS_MOONSHOT_"`
	ShengSuanYun ProviderConfig `json:"shengsuanyun" envPrefix:"PICOQUOTE_PROVIDERS_SHENGSUANYUN_"`
	DeepSeek     ProviderConfig `json:"deepseek" envPrefix:"PICOQUOTE_PROVIDERS_DEEPSEEK_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" env:"API_BASE" validate:"omitempty,url"`
	Proxy   string `json:"proxy,omitempty" env:"PROXY"`
}

// MinerConfig drives the LLM-assisted quote mining command.
type MinerConfig struct {
	Provider       string  `json:"provider" env:"PICOQUOTE_MINER_PROVIDER"`
	Model          string  `json:"model" env:"PICOQUOTE_MINER_MODEL"`
	MaxPages       int     `json:"max_pages" env:"PICOQUOTE_MINER_MAX_PAGES" validate:"min=1,max=20"`
	PageSize       int     `json:"page_size" env:"PICOQUOTE_MINER_PAGE_SIZE" validate:"min=1,max=200"`
	MinRunes       int     `json:"min_runes" env:"PICOQUOTE_MINER_MIN_RUNES" validate:"min=1"`
	MaxRunes       int     `json:"max_runes" env:"PICOQUOTE_MINER_MAX_RUNES" validate:"gtefield=MinRunes"`
	MaxPicks       int     `json:"max_picks" env:"PICOQUOTE_MINER_MAX_PICKS" validate:"min=1"`
	Temperature    float64 `json:"temperature" env:"PICOQUOTE_MINER_TEMPERATURE" validate:"min=0,max=2"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"PICOQUOTE_MINER_TIMEOUT_SECONDS" validate:"min=0"`
	Prompt         string  `json:"prompt,omitempty" env:"PICOQUOTE_MINER_PROMPT"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"PICOQUOTE_GATEWAY_HOST"`
	Port int    `json:"port" env:"PICOQUOTE_GATEWAY_PORT" validate:"min=0,max=65535"`
}

type LoggingConfig struct {
	Level      string `json:"level" env:"PICOQUOTE_LOGGING_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	File       string `json:"file" env:"PICOQUOTE_LOGGING_FILE"`
	MaxSizeMB  int    `json:"max_size_mb" env:"PICOQUOTE_LOGGING_MAX_SIZE_MB" validate:"min=0"`
	MaxBackups int    `json:"max_backups" env:"PICOQUOTE_LOGGING_MAX_BACKUPS" validate:"min=0"`
	MaxAgeDays int    `json:"max_age_days" env:"PICOQUOTE_LOGGING_MAX_AGE_DAYS" validate:"min=0"`
}

func DefaultConfig() *Config {
	return &Config{
		Quotes: QuotesConfig{
			DataDir:        "~/.picoquote/data",
			GlobalScope:    false,
			Dedup:          true,
			Admins:         FlexibleStringSlice{},
			AvatarProvider: "qlogo",
			MaxBatch:       10,
			Render: RenderConfig{
				Enabled:        true,
				Layout:         "auto",
				TimeoutSeconds: 30,
				Brand:          "picoquote",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			OneBot: OneBotConfig{
				Enabled:               false,
				WSUrl:                 "ws://127.0.0.1:3001",
				AccessToken:           "",
				ReconnectInterval:     5,
				GroupTriggerPrefix:    []string{"/"},
				GroupContextQueueSize: 100,
				AllowGroups:           FlexibleStringSlice{},
				AllowFrom:             FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{},
		Miner: MinerConfig{
			Provider:       "",
			Model:          "",
			MaxPages:       3,
			PageSize:       50,
			MinRunes:       4,
			MaxRunes:       120,
			MaxPicks:       5,
			Temperature:    0.7,
			TimeoutSeconds: 60,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints after file and environment overlays.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return fileutil.WriteFileAtomic(path, data, 0600)
}

// DataPath is the expanded data directory.
func (c *Config) DataPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Quotes.DataDir)
}

// QuotesPath is the quote store file, <data>/quotes/quotes.json.
func (c *Config) QuotesPath() string {
	return filepath.Join(c.DataPath(), "quotes", "quotes.json")
}

func (c *Config) CronStorePath() string {
	return filepath.Join(c.DataPath(), "cron", "jobs.json")
}

func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataPath(), "sessions")
}

// MediaTmpPath holds images downloaded by channels before they are
// collected into the quote store.
func (c *Config) MediaTmpPath() string {
	return filepath.Join(c.DataPath(), "tmp", "media")
}

// IsAdmin reports whether userID may run admin-only commands.
func (c *Config) IsAdmin(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return userID != "" && c.Quotes.Admins.Contains(userID)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
