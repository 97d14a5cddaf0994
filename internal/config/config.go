package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call translation relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	OpenAIAPIKey      string
	OpenAIRealtimeURL string
	OpenAIModel       string

	// PassThroughEnabled forwards a leg's original audio live to the other
	// leg whenever that leg has no translation in flight.
	PassThroughEnabled bool

	VADThreshold float64
	VADSilenceMs int
	Temperature  float64

	CallerInstructions string
	AgentInstructions  string
	DefaultLanguage    string

	DatabaseURL string
}

const defaultAgentInstructions = `You are a real-time interpreter on a phone call.
Translate everything you hear into [CALLER_LANGUAGE], speaking naturally.
Do not add, omit, or alter any information. Respond only with the translation.`

const defaultCallerInstructions = `You are a real-time interpreter on a phone call.
Translate everything you hear from [CALLER_LANGUAGE] into English, speaking naturally.
Do not add, omit, or alter any information. Respond only with the translation.`

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "callweave"),
		AllowAnyOrigin:     false,
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:  envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIModel:        envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		PassThroughEnabled: true,
		VADThreshold:       0.6,
		VADSilenceMs:       500,
		Temperature:        0.6,
		CallerInstructions: envOrDefault("CALLER_INSTRUCTIONS", defaultCallerInstructions),
		AgentInstructions:  envOrDefault("AGENT_INSTRUCTIONS", defaultAgentInstructions),
		DefaultLanguage:    envOrDefault("DEFAULT_CALLER_LANGUAGE", "English"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PassThroughEnabled, err = boolFromEnv("PASS_THROUGH_ENABLED", cfg.PassThroughEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceMs, err = intFromEnv("VAD_SILENCE_DURATION_MS", cfg.VADSilenceMs)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("OPENAI_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}

	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.VADSilenceMs <= 0 {
		return Config{}, fmt.Errorf("VAD_SILENCE_DURATION_MS must be positive")
	}
	if cfg.Temperature < 0 {
		return Config{}, fmt.Errorf("OPENAI_TEMPERATURE must be >= 0")
	}

	return cfg, nil
}

// InstructionsFor substitutes the caller language into a per-leg
// instruction template.
func (c Config) InstructionsFor(template, callerLanguage string) string {
	lang := strings.TrimSpace(callerLanguage)
	if lang == "" {
		lang = c.DefaultLanguage
	}
	return strings.ReplaceAll(template, "[CALLER_LANGUAGE]", lang)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}
