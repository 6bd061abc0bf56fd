package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the telephone agent.
type Config struct {
	BindAddr         string
	PublicHost       string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	MaxConcurrentCalls int
	CallIdleTimeout    time.Duration
	FailureLimit       int
	DefaultLanguage    string
	Greeting           string
	Persona            string

	ReasonAdapterMode string
	OpenAIAPIURL      string
	OpenAIAPIKey      string
	OpenAIModel       string
	GeminiAPIKey      string
	GeminiModel       string
	ReasonTemperature float64

	VoiceProvider      string
	WhisperAPIURL      string
	WhisperAPIKey      string
	WhisperModel       string
	ElevenLabsAPIKey   string
	ElevenLabsBaseURL  string
	ElevenLabsTTSVoice string
	ElevenLabsTTSModel string

	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioAPIBaseURL      string
	OperatorNumber        string
	HoldMusicURL          string
	TransferDialTimeout   int
	TransferBridgeTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicHost:       stringsTrimSpace("APP_PUBLIC_HOST"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "adaphone"),
		AllowAnyOrigin:   false,
		// Dutch is the house default; a caller can be switched per call via
		// webhook parameters.
		DefaultLanguage: envOrDefault("APP_DEFAULT_LANGUAGE", "nl"),
		Greeting: envOrDefault("APP_GREETING",
			"Goedemiddag, u spreekt met de digitale receptionist. Waarmee kan ik u helpen?"),
		Persona: envOrDefault("APP_PERSONA",
			"Je bent een vriendelijke, beknopte telefonische receptionist van een restaurant. "+
				"Antwoord in de taal van de beller. Zeg [transfer] wanneer een medewerker nodig is."),

		ReasonAdapterMode: envOrDefault("REASON_ADAPTER_MODE", "auto"),
		OpenAIAPIURL:      stringsTrimSpace("OPENAI_API_URL"),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:       envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:      stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:       envOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		ReasonTemperature: 0.6,

		VoiceProvider:      envOrDefault("VOICE_PROVIDER", "auto"),
		WhisperAPIURL:      envOrDefault("WHISPER_API_URL", "https://api.openai.com/v1/audio/transcriptions"),
		WhisperAPIKey:      stringsTrimSpace("WHISPER_API_KEY"),
		WhisperModel:       envOrDefault("WHISPER_MODEL", "whisper-1"),
		ElevenLabsAPIKey:   stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:  envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsTTSVoice: envOrDefault("ELEVENLABS_TTS_VOICE_ID", "pFZP5JQG7iQjIQuC4Bku"),
		ElevenLabsTTSModel: envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_turbo_v2_5"),

		TwilioAccountSID:    stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioAPIBaseURL:    envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),
		OperatorNumber:      stringsTrimSpace("OPERATOR_NUMBER"),
		HoldMusicURL:        stringsTrimSpace("HOLD_MUSIC_URL"),
		TransferDialTimeout: 20,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:       15 * time.Second,
		MaxConcurrentCalls:    8,
		CallIdleTimeout:       45 * time.Second,
		FailureLimit:          3,
		TransferBridgeTimeout: 45 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallIdleTimeout, err = durationFromEnv("APP_CALL_IDLE_TIMEOUT", cfg.CallIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TransferBridgeTimeout, err = durationFromEnv("TRANSFER_BRIDGE_TIMEOUT", cfg.TransferBridgeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentCalls, err = intFromEnv("APP_MAX_CONCURRENT_CALLS", cfg.MaxConcurrentCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.FailureLimit, err = intFromEnv("APP_FAILURE_LIMIT", cfg.FailureLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.TransferDialTimeout, err = intFromEnv("TRANSFER_DIAL_TIMEOUT", cfg.TransferDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReasonTemperature, err = floatFromEnv("REASON_TEMPERATURE", cfg.ReasonTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_CALLS must be positive")
	}
	if cfg.CallIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CALL_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.FailureLimit <= 0 {
		return Config{}, fmt.Errorf("APP_FAILURE_LIMIT must be positive")
	}
	if cfg.TransferDialTimeout <= 0 {
		return Config{}, fmt.Errorf("TRANSFER_DIAL_TIMEOUT must be positive")
	}

	return cfg, nil
}

// StreamURL builds the absolute websocket URL the provider should connect
// its media stream to.
func (c Config) StreamURL(callSID string) string {
	return fmt.Sprintf("wss://%s/ws/media/%s", c.hostOrLocal(), callSID)
}

// NoAnswerURL is the dial-status callback target for operator transfers.
func (c Config) NoAnswerURL() string {
	return fmt.Sprintf("https://%s/api/voice/no-answer", c.hostOrLocal())
}

func (c Config) hostOrLocal() string {
	if c.PublicHost != "" {
		return c.PublicHost
	}
	return "localhost" + c.BindAddr
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
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
