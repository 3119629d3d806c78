package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const DefaultPath = "config/safeword.json"

type AppConfig struct {
	Logging  LoggingConfig  `json:"logging"`
	Trigger  TriggerConfig  `json:"trigger"`
	Telegram TelegramConfig `json:"telegram"`
	ASR      ASRConfig      `json:"asr"`
	Audio    AudioConfig    `json:"audio"`
	Listener ListenerConfig `json:"listener"`
	Location LocationConfig `json:"location"`
	Store    StoreConfig    `json:"store"`
}

type LoggingConfig struct {
	Level  string `json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `json:"format" jsonschema:"enum=console,enum=json"`
}

type TriggerConfig struct {
	Keyword         string `json:"keyword" jsonschema:"description=Trigger word matched case-insensitively"`
	Enabled         bool   `json:"enabled"`
	Template        string `json:"template" jsonschema:"description=Alert body with {location} {time} {trigger} placeholders"`
	TimeLayout      string `json:"time_layout"`
	Locale          string `json:"locale"`
	LocationCaption string `json:"location_caption"`
	SendTimeoutMs   int    `json:"send_timeout_ms"`
}

type TelegramConfig struct {
	BotToken   string `json:"bot_token"`
	ChatID     string `json:"chat_id"`
	BaseURL    string `json:"base_url"`
	TimeoutMs  int    `json:"timeout_ms"`
	LivePeriod int    `json:"live_period"`
}

type ASRConfig struct {
	APIKey          string `json:"api_key"`
	Model           string `json:"model"`
	Endpoint        string `json:"endpoint"`
	SpeechTimeoutMs int    `json:"speech_timeout_ms"`
}

type AudioConfig struct {
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	BufferSize  int    `json:"buffer_size"`
	InputDevice string `json:"input_device"`
	HighLatency bool   `json:"high_latency"`
}

type ListenerConfig struct {
	FastRestartMs      int `json:"fast_restart_ms"`
	BaseBackoffMs      int `json:"base_backoff_ms"`
	MaxBackoffMs       int `json:"max_backoff_ms"`
	MaxRestartAttempts int `json:"max_restart_attempts"`
	ResetWindowMs      int `json:"reset_window_ms"`
	HistorySize        int `json:"history_size"`
}

type LocationConfig struct {
	StalenessMs       int            `json:"staleness_ms"`
	FetchTimeoutMs    int            `json:"fetch_timeout_ms"`
	MaxLastKnownAgeMs int            `json:"max_last_known_age_ms"`
	MinIntervalMs     int            `json:"min_interval_ms"`
	MinDistanceM      float64        `json:"min_distance_m"`
	Static            StaticLocation `json:"static"`
}

type StaticLocation struct {
	Enabled  bool    `json:"enabled"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
	Provider string  `json:"provider"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{},
		Trigger: TriggerConfig{
			Enabled:         true,
			Template:        "EMERGENCY: I need help.\nTrigger: {trigger}\nTime: {time}\nLocation:\n{location}",
			TimeLayout:      "02/01/2006 15:04:05",
			Locale:          "en-US",
			LocationCaption: "Live location",
			SendTimeoutMs:   30000,
		},
		Telegram: TelegramConfig{
			BaseURL:    "https://api.telegram.org",
			TimeoutMs:  20000,
			LivePeriod: 300,
		},
		ASR: ASRConfig{
			Model:           "fun-asr-realtime",
			Endpoint:        "wss://dashscope.aliyuncs.com/api-ws/v1/inference",
			SpeechTimeoutMs: 8000,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			BufferSize: 1600,
		},
		Listener: ListenerConfig{
			FastRestartMs:      500,
			BaseBackoffMs:      1000,
			MaxBackoffMs:       30000,
			MaxRestartAttempts: 5,
			ResetWindowMs:      30000,
			HistorySize:        50,
		},
		Location: LocationConfig{
			StalenessMs:       120000,
			FetchTimeoutMs:    10000,
			MaxLastKnownAgeMs: 300000,
			MinIntervalMs:     5000,
			MinDistanceM:      10,
		},
		Store: StoreConfig{
			Path: "data/safeword.json",
		},
	}
}

func Load(path string) (*AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func (c *AppConfig) ApplyEnv() {
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if format := strings.TrimSpace(os.Getenv("LOG_FORMAT")); format != "" {
		c.Logging.Format = format
	}
	if dash := strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")); dash != "" {
		c.ASR.APIKey = dash
	}
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); token != "" {
		c.Telegram.BotToken = token
	}
	if chat := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chat != "" {
		c.Telegram.ChatID = chat
	}
	if trigger := strings.TrimSpace(os.Getenv("SAFEWORD_TRIGGER")); trigger != "" {
		c.Trigger.Keyword = trigger
	}
}

func (c *AppConfig) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if c.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if c.Audio.BufferSize < 0 {
		return errors.New("audio.buffer_size must be non-negative")
	}
	if strings.TrimSpace(c.Trigger.Template) == "" {
		return errors.New("trigger.template must not be empty")
	}
	if c.Trigger.SendTimeoutMs <= 0 {
		return errors.New("trigger.send_timeout_ms must be positive")
	}
	if c.Telegram.TimeoutMs <= 0 {
		return errors.New("telegram.timeout_ms must be positive")
	}
	if c.Telegram.LivePeriod < 0 {
		return errors.New("telegram.live_period must be non-negative")
	}
	if c.ASR.SpeechTimeoutMs < 0 {
		return errors.New("asr.speech_timeout_ms must be non-negative")
	}

	l := c.Listener
	if l.FastRestartMs < 0 || l.BaseBackoffMs <= 0 || l.MaxBackoffMs <= 0 {
		return errors.New("listener backoff delays must be positive")
	}
	if l.MaxBackoffMs < l.BaseBackoffMs {
		return fmt.Errorf("listener.max_backoff_ms (%d) must be >= base_backoff_ms (%d)", l.MaxBackoffMs, l.BaseBackoffMs)
	}
	if l.MaxRestartAttempts <= 0 {
		return errors.New("listener.max_restart_attempts must be positive")
	}
	if l.ResetWindowMs < 0 {
		return errors.New("listener.reset_window_ms must be non-negative")
	}
	if l.HistorySize <= 0 {
		return errors.New("listener.history_size must be positive")
	}

	loc := c.Location
	if loc.StalenessMs < 0 || loc.FetchTimeoutMs < 0 || loc.MaxLastKnownAgeMs < 0 || loc.MinIntervalMs < 0 {
		return errors.New("location durations must be non-negative")
	}
	if loc.MinDistanceM < 0 {
		return errors.New("location.min_distance_m must be non-negative")
	}
	if loc.Static.Enabled {
		if loc.Static.Lat < -90 || loc.Static.Lat > 90 {
			return fmt.Errorf("location.static.lat out of range: %v", loc.Static.Lat)
		}
		if loc.Static.Lon < -180 || loc.Static.Lon > 180 {
			return fmt.Errorf("location.static.lon out of range: %v", loc.Static.Lon)
		}
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path must not be empty")
	}
	return nil
}

func (c *AppConfig) ValidateKeys(requireASR, requireTelegram bool) error {
	if requireASR && strings.TrimSpace(c.ASR.APIKey) == "" {
		return errors.New("asr api_key is required")
	}
	if requireTelegram && strings.TrimSpace(c.Telegram.BotToken) == "" {
		return errors.New("telegram bot_token is required")
	}
	if requireTelegram && strings.TrimSpace(c.Telegram.ChatID) == "" {
		return errors.New("telegram chat_id is required")
	}
	return nil
}

// Millis converts a *_ms config field.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
