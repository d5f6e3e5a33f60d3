package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Config represents the main Lobby configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Language model backend
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Text-to-speech backend
	TTS TTSConfig `json:"tts" mapstructure:"tts"`

	// Conversation history persistence
	History HistoryConfig `json:"history" mapstructure:"history"`

	// Knowledge base retrieval
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`

	// Avatar lip-sync driver
	Avatar AvatarConfig `json:"avatar" mapstructure:"avatar"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                string   `json:"host" mapstructure:"host"`
	Port                int      `json:"port" mapstructure:"port"`
	CORSOrigins         []string `json:"cors_origins" mapstructure:"cors_origins"`
	RateLimitPerMinute  int      `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxMessageLength    int      `json:"max_message_length" mapstructure:"max_message_length"`
	MaxContextMessages  int      `json:"max_context_messages" mapstructure:"max_context_messages"`
	ShutdownTimeoutSecs int      `json:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LLMConfig holds language model configuration
type LLMConfig struct {
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	BaseURL      string  `json:"base_url" mapstructure:"base_url"`
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs  int     `json:"timeout_secs" mapstructure:"timeout_secs"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// TTSConfig holds text-to-speech configuration
type TTSConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Model       string  `json:"model" mapstructure:"model"`
	Voice       string  `json:"voice" mapstructure:"voice"`
	Speed       float64 `json:"speed" mapstructure:"speed"`
	TimeoutSecs int     `json:"timeout_secs" mapstructure:"timeout_secs"`
}

// HistoryConfig holds conversation history configuration
type HistoryConfig struct {
	Dir           string `json:"dir" mapstructure:"dir"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// KnowledgeConfig holds knowledge base configuration
type KnowledgeConfig struct {
	Dir       string  `json:"dir" mapstructure:"dir"`
	TopK      int     `json:"top_k" mapstructure:"top_k"`
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	Watch     bool    `json:"watch" mapstructure:"watch"`
}

// AvatarConfig holds avatar lip-sync driver configuration
type AvatarConfig struct {
	Enabled       bool    `json:"enabled" mapstructure:"enabled"`
	Host          string  `json:"host" mapstructure:"host"`
	Port          int     `json:"port" mapstructure:"port"`
	PlaybackSpeed float64 `json:"playback_speed" mapstructure:"playback_speed"`
	TokenFile     string  `json:"token_file" mapstructure:"token_file"`

	// Envelope extraction
	TargetFPS    int     `json:"target_fps" mapstructure:"target_fps"`
	Smoothing    float64 `json:"smoothing" mapstructure:"smoothing"`
	Sensitivity  float64 `json:"sensitivity" mapstructure:"sensitivity"`
	MinThreshold float64 `json:"min_threshold" mapstructure:"min_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

const defaultSystemPrompt = `You are a friendly and helpful university AI receptionist.
You provide accurate information about the university including admissions,
tuition, programs, campus location, hours of operation, and frequently asked questions.
Be concise, professional, and welcoming. Use the conversation history
to provide context-aware responses. If you don't know something, admit it
and suggest where the user might find the information.`

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                5000,
			CORSOrigins:         []string{"http://localhost:5000", "http://127.0.0.1:5000"},
			RateLimitPerMinute:  30,
			MaxMessageLength:    1000,
			MaxContextMessages:  10,
			ShutdownTimeoutSecs: 30,
		},
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			Model:        "qwen/qwen3.5-flash-02-23",
			Temperature:  0.7,
			MaxTokens:    500,
			TimeoutSecs:  30,
			SystemPrompt: defaultSystemPrompt,
		},
		TTS: TTSConfig{
			Enabled:     false,
			Model:       "tts-1",
			Voice:       "nova",
			Speed:       1.0,
			TimeoutSecs: 30,
		},
		History: HistoryConfig{
			RetentionDays: 30,
		},
		Knowledge: KnowledgeConfig{
			Dir:       "knowledge",
			TopK:      3,
			Threshold: 0.15,
			Watch:     true,
		},
		Avatar: AvatarConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          8001,
			PlaybackSpeed: 1.05,
			TargetFPS:     30,
			Smoothing:     0.3,
			Sensitivity:   3.0,
			MinThreshold:  0.02,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("server: rate_limit_per_minute must be positive")
	}
	if c.Server.MaxMessageLength <= 0 {
		return fmt.Errorf("server: max_message_length must be positive")
	}

	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm: api_key is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm: model is required")
	}
	if c.LLM.BaseURL != "" {
		if _, err := url.Parse(c.LLM.BaseURL); err != nil {
			return fmt.Errorf("llm: invalid base_url: %w", err)
		}
	}

	if c.TTS.Enabled {
		if c.TTS.APIKey == "" && c.LLM.APIKey == "" {
			return fmt.Errorf("tts: api_key is required when TTS is enabled")
		}
		if c.TTS.Model == "" {
			return fmt.Errorf("tts: model is required when TTS is enabled")
		}
	}

	if c.Avatar.Enabled {
		if c.Avatar.Host == "" {
			return fmt.Errorf("avatar: host is required when avatar is enabled")
		}
		if c.Avatar.Port <= 0 || c.Avatar.Port > 65535 {
			return fmt.Errorf("avatar: invalid port %d", c.Avatar.Port)
		}
		if c.Avatar.PlaybackSpeed <= 0 {
			return fmt.Errorf("avatar: playback_speed must be positive")
		}
		if c.Avatar.TargetFPS <= 0 {
			return fmt.Errorf("avatar: target_fps must be positive")
		}
		if c.Avatar.Smoothing < 0 || c.Avatar.Smoothing >= 1 {
			return fmt.Errorf("avatar: smoothing must be in [0, 1)")
		}
		if c.Avatar.Sensitivity <= 0 {
			return fmt.Errorf("avatar: sensitivity must be positive")
		}
		if c.Avatar.MinThreshold < 0 {
			return fmt.Errorf("avatar: min_threshold cannot be negative")
		}
	}

	if c.History.RetentionDays < 0 {
		return fmt.Errorf("history: retention_days cannot be negative")
	}

	if c.Knowledge.TopK <= 0 {
		return fmt.Errorf("knowledge: top_k must be positive")
	}
	if c.Knowledge.Threshold < 0 || c.Knowledge.Threshold > 1 {
		return fmt.Errorf("knowledge: threshold must be in [0, 1]")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelOK := false
	for _, lvl := range validLevels {
		if c.Logging.Level == lvl {
			levelOK = true
			break
		}
	}
	if !levelOK {
		return fmt.Errorf("logging: invalid level %q (must be: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}

	return nil
}
