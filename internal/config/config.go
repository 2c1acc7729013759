package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CompletionConfig struct {
	Mode          string  `yaml:"mode"` // mock, openai, ollama
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Endpoint      string  `yaml:"endpoint"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TimeoutMS     int     `yaml:"timeout_ms"`
	MaxInputChars int     `yaml:"max_input_chars"`
	HistoryWindow int     `yaml:"history_window"`
}

type SpeechConfig struct {
	Mode         string  `yaml:"mode"`        // mock, google, exec
	Command      string  `yaml:"command"`
	Gender       string  `yaml:"gender"`      // male, female
	Performance  string  `yaml:"performance"` // fast, balanced, quality
	Language     string  `yaml:"language"`
	VoiceMale    string  `yaml:"voice_male"`
	VoiceFemale  string  `yaml:"voice_female"`
	Rate         string  `yaml:"rate"`
	Pitch        string  `yaml:"pitch"`
	Volume       string  `yaml:"volume"`
	Style        string  `yaml:"style"`
	ChunkBytes   int     `yaml:"chunk_bytes"`
	SpeakingRate float64 `yaml:"speaking_rate"`
}

type RelayConfig struct {
	MaxHistory        int `yaml:"max_history"`
	MinUtteranceChars int `yaml:"min_utterance_chars"`
	MaxUtteranceChars int `yaml:"max_utterance_chars"`
	PingIntervalMS    int `yaml:"ping_interval_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	MaxMessageBytes   int `yaml:"max_message_bytes"`
}

type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Completion  CompletionConfig `yaml:"completion"`
	Speech      SpeechConfig     `yaml:"speech"`
	Relay       RelayConfig      `yaml:"relay"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
}

const defaultSystemPrompt = "You are a warm, attentive voice companion. Keep replies short enough to speak aloud, and answer the feeling behind what the user says."

func Default() Config {
	return Config{
		RuntimeName: "voicerelay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Completion: CompletionConfig{
			Mode:          "mock",
			Model:         "gpt-4o-mini",
			Endpoint:      "http://localhost:11434",
			SystemPrompt:  defaultSystemPrompt,
			MaxTokens:     256,
			Temperature:   0.7,
			TimeoutMS:     8000,
			MaxInputChars: 500,
			HistoryWindow: 10,
		},
		Speech: SpeechConfig{
			Mode:         "mock",
			Gender:       "female",
			Performance:  "balanced",
			Language:     "en-US",
			VoiceMale:    "en-US-Neural2-D",
			VoiceFemale:  "en-US-Neural2-F",
			Rate:         "0%",
			Pitch:        "0%",
			Volume:       "medium",
			Style:        "empathetic",
			ChunkBytes:   32 * 1024,
			SpeakingRate: 1.0,
		},
		Relay: RelayConfig{
			MaxHistory:        12,
			MinUtteranceChars: 2,
			MaxUtteranceChars: 1000,
			PingIntervalMS:    20000,
			WriteTimeoutMS:    5000,
			MaxMessageBytes:   64 * 1024,
		},
		RateLimit: RateLimitConfig{
			Requests:      10,
			WindowSeconds: 60,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICERELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICERELAY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICERELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICERELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICERELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICERELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICERELAY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICERELAY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICERELAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICERELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICERELAY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICERELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICERELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICERELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICERELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICERELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICERELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Completion.Mode, "VOICERELAY_COMPLETION_MODE")
	overrideString(&cfg.Completion.APIKey, "VOICERELAY_COMPLETION_API_KEY")
	overrideString(&cfg.Completion.Model, "VOICERELAY_COMPLETION_MODEL")
	overrideString(&cfg.Completion.Endpoint, "VOICERELAY_COMPLETION_ENDPOINT")
	overrideString(&cfg.Completion.SystemPrompt, "VOICERELAY_COMPLETION_SYSTEM_PROMPT")
	overrideInt(&cfg.Completion.MaxTokens, "VOICERELAY_COMPLETION_MAX_TOKENS")
	overrideFloat(&cfg.Completion.Temperature, "VOICERELAY_COMPLETION_TEMPERATURE")
	overrideInt(&cfg.Completion.TimeoutMS, "VOICERELAY_COMPLETION_TIMEOUT_MS")
	overrideInt(&cfg.Completion.MaxInputChars, "VOICERELAY_COMPLETION_MAX_INPUT_CHARS")
	overrideInt(&cfg.Completion.HistoryWindow, "VOICERELAY_COMPLETION_HISTORY_WINDOW")
	overrideString(&cfg.Speech.Mode, "VOICERELAY_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "VOICERELAY_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Gender, "VOICERELAY_SPEECH_GENDER")
	overrideString(&cfg.Speech.Performance, "VOICERELAY_SPEECH_PERFORMANCE")
	overrideString(&cfg.Speech.Language, "VOICERELAY_SPEECH_LANGUAGE")
	overrideString(&cfg.Speech.VoiceMale, "VOICERELAY_SPEECH_VOICE_MALE")
	overrideString(&cfg.Speech.VoiceFemale, "VOICERELAY_SPEECH_VOICE_FEMALE")
	overrideInt(&cfg.Speech.ChunkBytes, "VOICERELAY_SPEECH_CHUNK_BYTES")
	overrideFloat(&cfg.Speech.SpeakingRate, "VOICERELAY_SPEECH_SPEAKING_RATE")
	overrideInt(&cfg.Relay.MaxHistory, "VOICERELAY_RELAY_MAX_HISTORY")
	overrideInt(&cfg.Relay.MinUtteranceChars, "VOICERELAY_RELAY_MIN_UTTERANCE_CHARS")
	overrideInt(&cfg.Relay.MaxUtteranceChars, "VOICERELAY_RELAY_MAX_UTTERANCE_CHARS")
	overrideInt(&cfg.Relay.PingIntervalMS, "VOICERELAY_RELAY_PING_INTERVAL_MS")
	overrideInt(&cfg.Relay.WriteTimeoutMS, "VOICERELAY_RELAY_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Relay.MaxMessageBytes, "VOICERELAY_RELAY_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.RateLimit.Requests, "VOICERELAY_RATE_LIMIT_REQUESTS")
	overrideInt(&cfg.RateLimit.WindowSeconds, "VOICERELAY_RATE_LIMIT_WINDOW_SECONDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Completion.Mode {
	case "mock", "openai", "ollama":
	default:
		return errors.New("completion.mode must be one of mock|openai|ollama")
	}
	if cfg.Completion.Mode == "ollama" && cfg.Completion.Endpoint == "" {
		return errors.New("completion.endpoint must be set when mode=ollama")
	}
	if cfg.Completion.Mode == "openai" && cfg.Completion.APIKey == "" && cfg.Environment == "production" {
		return errors.New("completion.api_key must be set when mode=openai in production")
	}
	if cfg.Completion.TimeoutMS <= 0 {
		return errors.New("completion.timeout_ms must be positive")
	}
	if cfg.Completion.MaxInputChars <= 0 {
		return errors.New("completion.max_input_chars must be positive")
	}
	if cfg.Completion.HistoryWindow <= 0 {
		return errors.New("completion.history_window must be positive")
	}
	switch cfg.Speech.Mode {
	case "mock", "google", "exec":
	default:
		return errors.New("speech.mode must be one of mock|google|exec")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	switch cfg.Speech.Gender {
	case "male", "female":
	default:
		return errors.New("speech.gender must be one of male|female")
	}
	switch cfg.Speech.Performance {
	case "fast", "balanced", "quality":
	default:
		return errors.New("speech.performance must be one of fast|balanced|quality")
	}
	if cfg.Speech.ChunkBytes <= 0 {
		return errors.New("speech.chunk_bytes must be positive")
	}
	if cfg.Relay.MaxHistory <= 0 {
		return errors.New("relay.max_history must be positive")
	}
	if cfg.Relay.MinUtteranceChars < 1 {
		return errors.New("relay.min_utterance_chars must be >= 1")
	}
	if cfg.Relay.MaxUtteranceChars < cfg.Relay.MinUtteranceChars {
		return errors.New("relay.max_utterance_chars must be >= min_utterance_chars")
	}
	if cfg.RateLimit.Requests <= 0 {
		return errors.New("rate_limit.requests must be positive")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return errors.New("rate_limit.window_seconds must be positive")
	}
	return nil
}
