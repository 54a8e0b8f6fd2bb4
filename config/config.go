package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all agent configuration
type Config struct {
	Port           int
	AllowedOrigins []string

	// Collaborators
	APIBaseURL      string // auth collaborator, serves /auth/gemini-token
	TABaseURL       string // teaching assistant
	AuthToken       string // bearer JWT for every collaborator
	FeedURL         string
	InstructionsURL string

	FeedBatchInterval time.Duration
	FeedPingInterval  time.Duration
	FeedMaxBatchBytes int // <0 disables the cap

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	MixerWidth           int
	MixerHeight          int
	MixerFPS             float64
	SnapshotInterval     time.Duration
	FeedSnapshotInterval time.Duration

	ScratchpadURL      string
	ScratchpadSelector string
	ScratchpadInterval time.Duration
	CameraURL          string // MJPEG endpoint
	ScreenURL          string // page to screencast

	RedisURL       string
	RedisPassword  string
	SessionTimeout time.Duration

	TutorVoice        string
	SystemInstruction string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("API_BASE_URL", "http://localhost:3000")
	v.SetDefault("TA_BASE_URL", "http://localhost:8000")
	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("FEED_URL", "")
	v.SetDefault("INSTRUCTIONS_URL", "")
	v.SetDefault("FEED_BATCH_INTERVAL", 2*time.Second)
	v.SetDefault("FEED_PING_INTERVAL", 25*time.Second)
	v.SetDefault("FEED_MAX_BATCH_BYTES", 4*1024*1024)
	v.SetDefault("RECONNECT_BASE_DELAY", time.Second)
	v.SetDefault("RECONNECT_MAX_DELAY", 30*time.Second)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("MIXER_WIDTH", 1280)
	v.SetDefault("MIXER_HEIGHT", 2160)
	v.SetDefault("MIXER_FPS", 15.0)
	v.SetDefault("SNAPSHOT_INTERVAL", time.Second)
	v.SetDefault("FEED_SNAPSHOT_INTERVAL", 2*time.Second)
	v.SetDefault("SCRATCHPAD_URL", "")
	v.SetDefault("SCRATCHPAD_SELECTOR", "#scratchpad")
	v.SetDefault("SCRATCHPAD_INTERVAL", 3*time.Second)
	v.SetDefault("CAMERA_URL", "")
	v.SetDefault("SCREEN_URL", "")
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("SESSION_TIMEOUT", 30*time.Minute)
	v.SetDefault("TUTOR_VOICE", "")
	v.SetDefault("SYSTEM_INSTRUCTION", "")
}

// LoadConfig loads configuration from environment variables with defaults.
// Durations use Go syntax ("2s", "30m").
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	config := &Config{
		Port:                 v.GetInt("PORT"),
		APIBaseURL:           strings.TrimRight(v.GetString("API_BASE_URL"), "/"),
		TABaseURL:            strings.TrimRight(v.GetString("TA_BASE_URL"), "/"),
		AuthToken:            v.GetString("AUTH_TOKEN"),
		FeedURL:              v.GetString("FEED_URL"),
		InstructionsURL:      v.GetString("INSTRUCTIONS_URL"),
		FeedBatchInterval:    v.GetDuration("FEED_BATCH_INTERVAL"),
		FeedPingInterval:     v.GetDuration("FEED_PING_INTERVAL"),
		FeedMaxBatchBytes:    v.GetInt("FEED_MAX_BATCH_BYTES"),
		ReconnectBaseDelay:   v.GetDuration("RECONNECT_BASE_DELAY"),
		ReconnectMaxDelay:    v.GetDuration("RECONNECT_MAX_DELAY"),
		ReconnectMaxAttempts: v.GetInt("RECONNECT_MAX_ATTEMPTS"),
		MixerWidth:           v.GetInt("MIXER_WIDTH"),
		MixerHeight:          v.GetInt("MIXER_HEIGHT"),
		MixerFPS:             v.GetFloat64("MIXER_FPS"),
		SnapshotInterval:     v.GetDuration("SNAPSHOT_INTERVAL"),
		FeedSnapshotInterval: v.GetDuration("FEED_SNAPSHOT_INTERVAL"),
		ScratchpadURL:        v.GetString("SCRATCHPAD_URL"),
		ScratchpadSelector:   v.GetString("SCRATCHPAD_SELECTOR"),
		ScratchpadInterval:   v.GetDuration("SCRATCHPAD_INTERVAL"),
		CameraURL:            v.GetString("CAMERA_URL"),
		ScreenURL:            v.GetString("SCREEN_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		SessionTimeout:       v.GetDuration("SESSION_TIMEOUT"),
		TutorVoice:           v.GetString("TUTOR_VOICE"),
		SystemInstruction:    v.GetString("SYSTEM_INSTRUCTION"),
	}

	// ALLOWED_ORIGINS is comma-separated
	for _, origin := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			config.AllowedOrigins = append(config.AllowedOrigins, origin)
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	// Required: AUTH_TOKEN
	if c.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN environment variable is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.MixerWidth <= 0 || c.MixerHeight < 3 {
		return fmt.Errorf("invalid mixer size %dx%d", c.MixerWidth, c.MixerHeight)
	}
	if c.MixerFPS <= 0 {
		return fmt.Errorf("invalid MIXER_FPS: %g", c.MixerFPS)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS: %d", c.ReconnectMaxAttempts)
	}

	positive := map[string]time.Duration{
		"FEED_BATCH_INTERVAL":    c.FeedBatchInterval,
		"FEED_PING_INTERVAL":     c.FeedPingInterval,
		"RECONNECT_BASE_DELAY":   c.ReconnectBaseDelay,
		"RECONNECT_MAX_DELAY":    c.ReconnectMaxDelay,
		"SNAPSHOT_INTERVAL":      c.SnapshotInterval,
		"FEED_SNAPSHOT_INTERVAL": c.FeedSnapshotInterval,
		"SCRATCHPAD_INTERVAL":    c.ScratchpadInterval,
	}
	var errs []error
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be a positive duration", key))
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must not be below RECONNECT_BASE_DELAY"))
	}
	return errors.Join(errs...)
}
