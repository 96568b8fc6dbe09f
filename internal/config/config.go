package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"
)

// Provider names accepted by AI_PROVIDER.
const (
	ProviderAnthropic = "anthropic"
	ProviderArk       = "ark"
)

// MaxTokensCeiling bounds every model request regardless of caller input.
const MaxTokensCeiling = 500

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	AI        AIConfig        `mapstructure:"ai"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Session   SessionConfig   `mapstructure:"session"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// Addr 返回监听地址，允许 "8080"、":8080" 或 "127.0.0.1:8080"。
func (s ServerConfig) Addr() string {
	port := strings.TrimSpace(s.Port)
	if port == "" {
		return ":8080"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// LoggingConfig 描述结构化日志配置。
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	ArkAPIKey   string        `mapstructure:"ark_api_key"`
	ArkModel    string        `mapstructure:"ark_model"`
	ArkBaseURL  string        `mapstructure:"ark_base_url"`
	ArkRegion   string        `mapstructure:"ark_region"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	PersonaFile string        `mapstructure:"persona_file"`
}

// Configured 表示当前 provider 是否具备调用凭证。
// 缺失凭证不会阻止启动，请求时返回 server_configuration_error。
func (c AIConfig) Configured() bool {
	switch c.Provider {
	case ProviderArk:
		return c.ArkAPIKey != "" && c.ArkModel != ""
	default:
		return c.APIKey != ""
	}
}

// EffectiveMaxTokens 返回不超过上限的 max_tokens。
func (c AIConfig) EffectiveMaxTokens() int {
	if c.MaxTokens <= 0 || c.MaxTokens > MaxTokensCeiling {
		return MaxTokensCeiling
	}
	return c.MaxTokens
}

// NewArkChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewArkChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if c.ArkAPIKey == "" || c.ArkModel == "" {
		return nil, errors.New("ark credentials missing: ARK_API_KEY and ARK_MODEL are required")
	}

	maxTokens := c.EffectiveMaxTokens()
	temperature := float32(c.Temperature)

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.ArkBaseURL,
		Region:      c.ArkRegion,
		APIKey:      c.ArkAPIKey,
		Model:       c.ArkModel,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, err
	}
	return chatModel, nil
}

// BroadcastConfig 描述广播通道（presence channel）凭证。
type BroadcastConfig struct {
	AppID   string `mapstructure:"app_id"`
	Key     string `mapstructure:"key"`
	Secret  string `mapstructure:"secret"`
	Cluster string `mapstructure:"cluster"`
	Buffer  int    `mapstructure:"buffer"`
}

// AuthEnabled 表示订阅是否需要签名。
func (b BroadcastConfig) AuthEnabled() bool {
	return b.Secret != ""
}

// SessionConfig 描述会话存储配置。
type SessionConfig struct {
	IDAttempts int `mapstructure:"id_attempts"`
}

// envBindings maps config keys to the environment variables that feed them.
var envBindings = map[string]string{
	"server.port":         "PORT",
	"logging.level":       "LOG_LEVEL",
	"logging.format":      "LOG_FORMAT",
	"ai.provider":         "AI_PROVIDER",
	"ai.api_key":          "CLAUDE_API_KEY",
	"ai.model":            "CLAUDE_MODEL",
	"ai.base_url":         "CLAUDE_BASE_URL",
	"ai.ark_api_key":      "ARK_API_KEY",
	"ai.ark_model":        "ARK_MODEL",
	"ai.ark_base_url":     "ARK_BASE_URL",
	"ai.ark_region":       "ARK_REGION",
	"ai.timeout":          "AI_TIMEOUT",
	"ai.max_tokens":       "AI_MAX_TOKENS",
	"ai.temperature":      "AI_TEMPERATURE",
	"ai.persona_file":     "PERSONA_FILE",
	"broadcast.app_id":    "PUSHER_APP_ID",
	"broadcast.key":       "PUSHER_KEY",
	"broadcast.secret":    "PUSHER_SECRET",
	"broadcast.cluster":   "PUSHER_CLUSTER",
	"broadcast.buffer":    "BROADCAST_BUFFER",
	"session.id_attempts": "SESSION_ID_ATTEMPTS",
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper 从已配置好的 Viper 实例构建并校验配置。
func LoadFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	cfg.AI.APIKey = strings.TrimSpace(cfg.AI.APIKey)
	cfg.AI.ArkAPIKey = strings.TrimSpace(cfg.AI.ArkAPIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ai.provider", ProviderAnthropic)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "claude-3-opus-20240229")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.ark_api_key", "")
	v.SetDefault("ai.ark_model", "")
	v.SetDefault("ai.ark_base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.ark_region", "cn-beijing")
	v.SetDefault("ai.timeout", "15s")
	v.SetDefault("ai.max_tokens", MaxTokensCeiling)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.persona_file", "")

	v.SetDefault("broadcast.app_id", "")
	v.SetDefault("broadcast.key", "")
	v.SetDefault("broadcast.secret", "")
	v.SetDefault("broadcast.cluster", "")
	v.SetDefault("broadcast.buffer", 64)

	v.SetDefault("session.id_attempts", 8)
}

// Validate 校验所有配置约束，一次性返回全部错误。
func (c Config) Validate() error {
	var errs []string

	if strings.Contains(strings.TrimSpace(c.Server.Port), " ") {
		errs = append(errs, fmt.Sprintf("invalid PORT value: %q", c.Server.Port))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}

	if c.AI.Provider != ProviderAnthropic && c.AI.Provider != ProviderArk {
		errs = append(errs, fmt.Sprintf("ai.provider must be one of [anthropic, ark], got %q", c.AI.Provider))
	}
	if c.AI.Timeout <= 0 || c.AI.Timeout > 30*time.Second {
		errs = append(errs, fmt.Sprintf("ai.timeout must be in (0s, 30s], got %s", c.AI.Timeout))
	}
	if c.AI.MaxTokens <= 0 {
		errs = append(errs, fmt.Sprintf("ai.max_tokens must be positive, got %d", c.AI.MaxTokens))
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 1 {
		errs = append(errs, fmt.Sprintf("ai.temperature must be in [0, 1], got %v", c.AI.Temperature))
	}

	if c.Broadcast.Buffer <= 0 {
		errs = append(errs, fmt.Sprintf("broadcast.buffer must be positive, got %d", c.Broadcast.Buffer))
	}
	if c.Session.IDAttempts <= 0 {
		errs = append(errs, fmt.Sprintf("session.id_attempts must be positive, got %d", c.Session.IDAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
