// Package config provides configuration management for avatarchat
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Backend      BackendConfig      `mapstructure:"backend"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Playback     PlaybackConfig     `mapstructure:"playback"`
	Poller       PollerConfig       `mapstructure:"poller"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Session      SessionConfig      `mapstructure:"session"`
	Server       ServerConfig       `mapstructure:"server"`
	Widget       WidgetConfig       `mapstructure:"widget"`
	Log          LogConfig          `mapstructure:"log"`
}

// BackendConfig configures the HTTP client for the chatbot backend
type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AudioConfig configures microphone capture and silence detection
type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	AnalysisWindow   int           `mapstructure:"analysis_window"`   // samples per RMS window
	SilenceThreshold float64       `mapstructure:"silence_threshold"` // RMS 0-1
	SilenceDebounce  time.Duration `mapstructure:"silence_debounce"`
}

// PlaybackConfig configures the avatar surface
type PlaybackConfig struct {
	IdleRate     float64 `mapstructure:"idle_rate"`
	ReactiveRate float64 `mapstructure:"reactive_rate"`
	DefaultIcon  string  `mapstructure:"default_icon"`
}

// PollerConfig configures job status polling
type PollerConfig struct {
	FAQInterval        time.Duration `mapstructure:"faq_interval"`
	BackgroundInterval time.Duration `mapstructure:"background_interval"`
}

// ConversationConfig configures the turn flow
type ConversationConfig struct {
	Language       string        `mapstructure:"language"`
	NudgeAfter     time.Duration `mapstructure:"nudge_after"`
	AutoCloseAfter time.Duration `mapstructure:"auto_close_after"`
	RagTimeout     time.Duration `mapstructure:"rag_timeout"`
	Suggestions    int           `mapstructure:"suggestions"`
}

// SessionConfig selects the SessionStore driver
type SessionConfig struct {
	Driver    string `mapstructure:"driver"` // memory, file, redis
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Namespace string `mapstructure:"namespace"`
}

// ServerConfig configures the renderer hub
type ServerConfig struct {
	Listen        string        `mapstructure:"listen"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// WidgetConfig configures embedding
type WidgetConfig struct {
	EmbedChatbotID int `mapstructure:"embed_chatbot_id"` // 0 = none
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 60 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			AnalysisWindow:   512,
			SilenceThreshold: 0.01,
			SilenceDebounce:  1500 * time.Millisecond,
		},
		Playback: PlaybackConfig{
			IdleRate:     0.3,
			ReactiveRate: 1.0,
			DefaultIcon:  "/static/images/chatbot/chatbot-icon.png",
		},
		Poller: PollerConfig{
			FAQInterval:        2 * time.Second,
			BackgroundInterval: 15 * time.Second,
		},
		Conversation: ConversationConfig{
			Language:       "pt",
			NudgeAfter:     30 * time.Second,
			AutoCloseAfter: 15 * time.Second,
			RagTimeout:     2 * time.Minute,
			Suggestions:    3,
		},
		Session: SessionConfig{
			Driver:    "file",
			Path:      filepath.Join(home, ".avatarchat", "session.json"),
			RedisAddr: "localhost:6379",
			Namespace: "avatarchat",
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:8787",
			AckTimeout:    10 * time.Second,
			EnableMetrics: true,
		},
		Log: LogConfig{
			Level:   "info",
			Dir:     filepath.Join(home, ".avatarchat", "logs"),
			Console: true,
		},
	}
}

// Loader owns the viper instance behind a loaded configuration.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader reading path, or the default search paths when path is empty.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AVATARCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	return &Loader{v: v}
}

// Load reads configuration from file and environment. A missing file is not
// an error; the defaults are written to the config directory instead.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		if err := l.writeDefaults(); err != nil {
			return cfg, err
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Watch reloads the configuration whenever the file changes on disk.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig()
		err := l.v.Unmarshal(cfg)
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}

// ConfigFileUsed returns the file viper read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) writeDefaults() error {
	if used := l.v.ConfigFileUsed(); used != "" {
		if err := os.MkdirAll(filepath.Dir(used), 0755); err != nil {
			return err
		}
		return l.v.SafeWriteConfigAs(used)
	}
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	err = l.v.SafeWriteConfigAs(filepath.Join(dir, "config.yaml"))
	var exists viper.ConfigFileAlreadyExistsError
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

// Load is a shortcut for NewLoader("").Load().
func Load() (*Config, error) {
	return NewLoader("").Load()
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	v.SetDefault("backend.timeout", cfg.Backend.Timeout)

	v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	v.SetDefault("audio.analysis_window", cfg.Audio.AnalysisWindow)
	v.SetDefault("audio.silence_threshold", cfg.Audio.SilenceThreshold)
	v.SetDefault("audio.silence_debounce", cfg.Audio.SilenceDebounce)

	v.SetDefault("playback.idle_rate", cfg.Playback.IdleRate)
	v.SetDefault("playback.reactive_rate", cfg.Playback.ReactiveRate)
	v.SetDefault("playback.default_icon", cfg.Playback.DefaultIcon)

	v.SetDefault("poller.faq_interval", cfg.Poller.FAQInterval)
	v.SetDefault("poller.background_interval", cfg.Poller.BackgroundInterval)

	v.SetDefault("conversation.language", cfg.Conversation.Language)
	v.SetDefault("conversation.nudge_after", cfg.Conversation.NudgeAfter)
	v.SetDefault("conversation.auto_close_after", cfg.Conversation.AutoCloseAfter)
	v.SetDefault("conversation.rag_timeout", cfg.Conversation.RagTimeout)
	v.SetDefault("conversation.suggestions", cfg.Conversation.Suggestions)

	v.SetDefault("session.driver", cfg.Session.Driver)
	v.SetDefault("session.path", cfg.Session.Path)
	v.SetDefault("session.redis_addr", cfg.Session.RedisAddr)
	v.SetDefault("session.redis_db", cfg.Session.RedisDB)
	v.SetDefault("session.namespace", cfg.Session.Namespace)

	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.ack_timeout", cfg.Server.AckTimeout)
	v.SetDefault("server.enable_metrics", cfg.Server.EnableMetrics)

	v.SetDefault("widget.embed_chatbot_id", cfg.Widget.EmbedChatbotID)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.dir", cfg.Log.Dir)
	v.SetDefault("log.console", cfg.Log.Console)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarchat"), nil
}
