package app

import (
	"github.com/liuscraft/safeword/internal/alert"
	"github.com/liuscraft/safeword/internal/config"
	"github.com/liuscraft/safeword/internal/listener"
	"github.com/liuscraft/safeword/internal/location"
	"github.com/liuscraft/safeword/internal/recognition"
	"github.com/liuscraft/safeword/internal/restart"
	"github.com/liuscraft/safeword/internal/store"
	"github.com/liuscraft/safeword/internal/transport"
)

func ListenerConfig(cfg *config.AppConfig) listener.Config {
	return listener.Config{
		Policy: restart.Policy{
			FastDelay:   config.Millis(cfg.Listener.FastRestartMs),
			BaseDelay:   config.Millis(cfg.Listener.BaseBackoffMs),
			MaxDelay:    config.Millis(cfg.Listener.MaxBackoffMs),
			MaxAttempts: cfg.Listener.MaxRestartAttempts,
			ResetWindow: config.Millis(cfg.Listener.ResetWindowMs),
		},
		HistorySize:    cfg.Listener.HistorySize,
		Locale:         cfg.Trigger.Locale,
		PartialResults: true,
	}
}

func AlertConfig(cfg *config.AppConfig) alert.Config {
	c := alert.DefaultConfig()
	c.Template = cfg.Trigger.Template
	c.TimeLayout = cfg.Trigger.TimeLayout
	c.LocationCaption = cfg.Trigger.LocationCaption
	c.SendTimeout = config.Millis(cfg.Trigger.SendTimeoutMs)
	c.HistorySize = cfg.Listener.HistorySize
	return c
}

func TrackerConfig(cfg *config.AppConfig) location.TrackerConfig {
	return location.TrackerConfig{
		Staleness:       config.Millis(cfg.Location.StalenessMs),
		FetchTimeout:    config.Millis(cfg.Location.FetchTimeoutMs),
		MaxLastKnownAge: config.Millis(cfg.Location.MaxLastKnownAgeMs),
		MinInterval:     config.Millis(cfg.Location.MinIntervalMs),
		MinDistanceM:    cfg.Location.MinDistanceM,
	}
}

// StaticLocationSource returns the configured fixed position, or nil when
// none is configured.
func StaticLocationSource(cfg *config.AppConfig) location.Source {
	s := cfg.Location.Static
	if !s.Enabled {
		return nil
	}
	return location.NewStaticSource(s.Lat, s.Lon, s.Accuracy, s.Provider)
}

// TelegramConfig builds the bot client config. A recipient saved in the
// store wins over the config file.
func TelegramConfig(cfg *config.AppConfig, rcpt store.Recipient) transport.TelegramConfig {
	token, chatID := cfg.Telegram.BotToken, cfg.Telegram.ChatID
	if rcpt.Token != "" && rcpt.ChatID != "" {
		token, chatID = rcpt.Token, rcpt.ChatID
	}
	return transport.TelegramConfig{
		Token:      token,
		ChatID:     chatID,
		BaseURL:    cfg.Telegram.BaseURL,
		Timeout:    config.Millis(cfg.Telegram.TimeoutMs),
		LivePeriod: cfg.Telegram.LivePeriod,
	}
}

func DashScopeConfig(cfg *config.AppConfig) recognition.DashScopeConfig {
	return recognition.DashScopeConfig{
		APIKey:        cfg.ASR.APIKey,
		Endpoint:      cfg.ASR.Endpoint,
		Model:         cfg.ASR.Model,
		Format:        "pcm",
		SampleRate:    cfg.Audio.SampleRate,
		SpeechTimeout: config.Millis(cfg.ASR.SpeechTimeoutMs),
	}
}
