package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the avatar session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	AvatarProvider string

	HeyGenAPIKey  string
	HeyGenBaseURL string

	// AvatarTokenURL points managers at an external token endpoint. Empty means the
	// service's own /v1/avatar/token.
	AvatarTokenURL         string
	AvatarDefaultID        string
	AvatarQuality          string
	AvatarVoiceID          string
	AvatarVoiceRate        float64
	AvatarVoiceEmotion     string
	AvatarLanguage         string
	AvatarFallbackImageURL string

	AvatarInitTimeout     time.Duration
	AvatarIdleTimeout     time.Duration
	AvatarMaxDuration     time.Duration
	AvatarMonitorInterval time.Duration

	DatabaseURL string
}

func defaults(v *viper.Viper) {
	v.SetDefault("APP_BIND_ADDR", ":8080")
	v.SetDefault("APP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("APP_SESSION_INACTIVITY_TIMEOUT", "10m")
	v.SetDefault("APP_METRICS_NAMESPACE", "squidgy")
	v.SetDefault("APP_ALLOW_ANY_ORIGIN", "false")
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_LOG_FORMAT", "console")
	v.SetDefault("AVATAR_PROVIDER", "auto")
	v.SetDefault("HEYGEN_BASE_URL", "https://api.heygen.com")
	v.SetDefault("AVATAR_DEFAULT_ID", "Anna_public_3_20240108")
	v.SetDefault("AVATAR_QUALITY", "medium")
	v.SetDefault("AVATAR_VOICE_RATE", "1.0")
	v.SetDefault("AVATAR_LANGUAGE", "en")
	v.SetDefault("AVATAR_INIT_TIMEOUT", "180s")
	v.SetDefault("AVATAR_IDLE_TIMEOUT", "30s")
	v.SetDefault("AVATAR_MAX_DURATION", "5m")
	v.SetDefault("AVATAR_MONITOR_INTERVAL", "15s")
}

// Load reads environment variables, optionally layered over a config file, and applies
// safe defaults. File keys use the same names as the environment, in any case.
func Load(configFile string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(configFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		BindAddr:               str(v, "APP_BIND_ADDR"),
		MetricsNamespace:       str(v, "APP_METRICS_NAMESPACE"),
		LogLevel:               strings.ToLower(str(v, "APP_LOG_LEVEL")),
		LogFormat:              strings.ToLower(str(v, "APP_LOG_FORMAT")),
		AvatarProvider:         strings.ToLower(str(v, "AVATAR_PROVIDER")),
		HeyGenAPIKey:           str(v, "HEYGEN_API_KEY"),
		HeyGenBaseURL:          strings.TrimRight(str(v, "HEYGEN_BASE_URL"), "/"),
		AvatarTokenURL:         str(v, "AVATAR_TOKEN_URL"),
		AvatarDefaultID:        str(v, "AVATAR_DEFAULT_ID"),
		AvatarQuality:          strings.ToLower(str(v, "AVATAR_QUALITY")),
		AvatarVoiceID:          str(v, "AVATAR_VOICE_ID"),
		AvatarVoiceEmotion:     str(v, "AVATAR_VOICE_EMOTION"),
		AvatarLanguage:         str(v, "AVATAR_LANGUAGE"),
		AvatarFallbackImageURL: str(v, "AVATAR_FALLBACK_IMAGE_URL"),
		DatabaseURL:            str(v, "DATABASE_URL"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"AVATAR_INIT_TIMEOUT", &cfg.AvatarInitTimeout},
		{"AVATAR_IDLE_TIMEOUT", &cfg.AvatarIdleTimeout},
		{"AVATAR_MAX_DURATION", &cfg.AvatarMaxDuration},
		{"AVATAR_MONITOR_INTERVAL", &cfg.AvatarMonitorInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationFrom(v, d.key); err != nil {
			return Config{}, err
		}
	}
	cfg.AllowAnyOrigin, err = boolFrom(v, "APP_ALLOW_ANY_ORIGIN")
	if err != nil {
		return Config{}, err
	}
	cfg.AvatarVoiceRate, err = floatFrom(v, "AVATAR_VOICE_RATE")
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.SessionInactivityTimeout < 5*time.Second {
		errs = append(errs, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s"))
	}
	switch c.AvatarProvider {
	case "auto", "mock":
	case "heygen":
		if c.HeyGenAPIKey == "" {
			errs = append(errs, fmt.Errorf("HEYGEN_API_KEY is required when AVATAR_PROVIDER=heygen"))
		}
	default:
		errs = append(errs, fmt.Errorf("AVATAR_PROVIDER must be one of auto, heygen, mock"))
	}
	switch c.AvatarQuality {
	case "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("AVATAR_QUALITY must be one of low, medium, high"))
	}
	if c.AvatarVoiceRate <= 0 || c.AvatarVoiceRate > 2 {
		errs = append(errs, fmt.Errorf("AVATAR_VOICE_RATE must be in (0, 2]"))
	}
	if c.AvatarInitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AVATAR_INIT_TIMEOUT must be positive"))
	}
	if c.AvatarIdleTimeout <= 0 || c.AvatarMaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("AVATAR_IDLE_TIMEOUT and AVATAR_MAX_DURATION must be positive"))
	}
	if c.AvatarIdleTimeout > c.AvatarMaxDuration {
		errs = append(errs, fmt.Errorf("AVATAR_IDLE_TIMEOUT must not exceed AVATAR_MAX_DURATION"))
	}
	if c.AvatarMonitorInterval < time.Second {
		errs = append(errs, fmt.Errorf("AVATAR_MONITOR_INTERVAL must be at least 1s"))
	}
	return errors.Join(errs...)
}

// UseHeyGen reports whether sessions run against the real vendor API.
func (c Config) UseHeyGen() bool {
	switch c.AvatarProvider {
	case "heygen":
		return true
	case "mock":
		return false
	default:
		return c.HeyGenAPIKey != ""
	}
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationFrom(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(str(v, key))
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFrom(v *viper.Viper, key string) (float64, error) {
	f, err := strconv.ParseFloat(str(v, key), 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFrom(v *viper.Viper, key string) (bool, error) {
	switch strings.ToLower(str(v, key)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
