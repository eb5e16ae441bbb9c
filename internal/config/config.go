package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultProviderType      = ProviderGemini
	DefaultGeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel             = "gemini-1.5-flash"
	DefaultMaxTokens         = 2048
	DefaultCompletionTimeout = 60
	DefaultHost              = "0.0.0.0"
	DefaultCanvasPort        = 3001
	DefaultChatPort          = 3002
	DefaultSendTimeoutMs     = 5000
	DefaultServerName        = "Antigravity-UnrealEngine-Max-Bridge"
	DefaultServerVersion     = "1.1.0"
	DefaultHistoryLimit      = 20
	DefaultPersona           = "You are the Antigravity Nexus AI, an expert engineering assistant."
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Completion CompletionConfig `json:"completion"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
	Archive    ArchiveConfig    `json:"archive"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Relay      RelayConfig      `json:"relay"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "gemini" (default), "openai" or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type CompletionConfig struct {
	Model      string `json:"model"`
	MaxTokens  int    `json:"maxTokens"`
	TimeoutSec int    `json:"timeoutSec"`
	Persona    string `json:"persona,omitempty"`
}

type ChannelsConfig struct {
	Tool   ToolConfig   `json:"tool"`
	Chat   ChatConfig   `json:"chat"`
	Canvas CanvasConfig `json:"canvas"`
}

type ToolConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

type ChatConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

type CanvasConfig struct {
	Enabled       bool `json:"enabled"`
	Port          int  `json:"port"`
	SendTimeoutMs int  `json:"sendTimeoutMs,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath,omitempty"`
}

type ScheduleConfig struct {
	// Heartbeat is a cron expression (with seconds) for the bridge_status broadcast.
	Heartbeat string              `json:"heartbeat,omitempty"`
	Jobs      []ScheduledJobConfig `json:"jobs,omitempty"`
}

type ScheduledJobConfig struct {
	Name    string         `json:"name"`
	Expr    string         `json:"expr"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type RelayConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool     `json:"enabled"`
	Token   string   `json:"token"`
	ChatID  int64    `json:"chatId"`
	Types   []string `json:"types,omitempty"`
	Proxy   string   `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{Type: DefaultProviderType},
		Completion: CompletionConfig{
			Model:      DefaultModel,
			MaxTokens:  DefaultMaxTokens,
			TimeoutSec: DefaultCompletionTimeout,
			Persona:    DefaultPersona,
		},
		Channels: ChannelsConfig{
			Tool: ToolConfig{
				Enabled:       true,
				ServerName:    DefaultServerName,
				ServerVersion: DefaultServerVersion,
			},
			Chat: ChatConfig{Enabled: true, Port: DefaultChatPort},
			Canvas: CanvasConfig{
				Enabled:       true,
				Port:          DefaultCanvasPort,
				SendTimeoutMs: DefaultSendTimeoutMs,
			},
		},
		Gateway: GatewayConfig{Host: DefaultHost},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("NEXUS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".nexusbridge")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// ArchivePath returns the configured archive database path or the default
// location under ConfigDir.
func (c *Config) ArchivePath() string {
	if p := strings.TrimSpace(c.Archive.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "archive.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("NEXUS_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" || cfg.Provider.Type == ProviderGemini {
			cfg.Provider.Type = ProviderOpenAI
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" || cfg.Provider.Type == ProviderGemini {
			cfg.Provider.Type = ProviderAnthropic
		}
	}
	if t := os.Getenv("NEXUS_PROVIDER"); t != "" {
		cfg.Provider.Type = strings.ToLower(strings.TrimSpace(t))
	}
	if url := os.Getenv("NEXUS_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("NEXUS_MODEL"); model != "" {
		cfg.Completion.Model = model
	}
	if port := os.Getenv("NEXUS_CHAT_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Channels.Chat.Port = parsed
		}
	}
	if port := os.Getenv("NEXUS_CANVAS_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Channels.Canvas.Port = parsed
		}
	}
	if enabled := os.Getenv("NEXUS_ARCHIVE_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Archive.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("NEXUS_ARCHIVE_DB_PATH"); dbPath != "" {
		cfg.Archive.DBPath = dbPath
	}
	if token := os.Getenv("NEXUS_TELEGRAM_TOKEN"); token != "" {
		cfg.Relay.Telegram.Token = token
	}
	if chatID := os.Getenv("NEXUS_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Relay.Telegram.ChatID = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Provider.Type == ProviderGemini && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = DefaultModel
	}
	if cfg.Completion.MaxTokens <= 0 {
		cfg.Completion.MaxTokens = DefaultMaxTokens
	}
	if cfg.Completion.TimeoutSec <= 0 {
		cfg.Completion.TimeoutSec = DefaultCompletionTimeout
	}
	if strings.TrimSpace(cfg.Completion.Persona) == "" {
		cfg.Completion.Persona = DefaultPersona
	}
	if cfg.Channels.Tool.ServerName == "" {
		cfg.Channels.Tool.ServerName = DefaultServerName
	}
	if cfg.Channels.Tool.ServerVersion == "" {
		cfg.Channels.Tool.ServerVersion = DefaultServerVersion
	}
	if cfg.Channels.Chat.Port == 0 {
		cfg.Channels.Chat.Port = DefaultChatPort
	}
	if cfg.Channels.Canvas.Port == 0 {
		cfg.Channels.Canvas.Port = DefaultCanvasPort
	}
	if cfg.Channels.Canvas.SendTimeoutMs <= 0 {
		cfg.Channels.Canvas.SendTimeoutMs = DefaultSendTimeoutMs
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
