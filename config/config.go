package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Runner kinds accepted by RUNNER.
var RunnerKinds = []string{"mock", "ollama", "lmstudio", "gemini"}

var ErrInvalid = errors.New("config: invalid configuration")

// SessionConfig is the identity a participant registers with. It is built
// once at startup and never mutated.
type SessionConfig struct {
	ServerURL     string
	ParticipantID string
	Nickname      string
	PIN           string
	Runner        string
	Model         string
}

// Config holds all client configuration
type Config struct {
	ServerURL     string
	PIN           string
	ParticipantID string
	Nickname      string

	Runner       string
	Model        string
	Temperature  float64
	MaxTokens    int
	OllamaURL    string
	LMStudioURL  string
	GeminiAPIKey string

	RedisURL         string
	RedisPassword    string
	TelemetryChannel string

	SendQueueSize   int
	EnforceDeadline bool
	LogLevel        string
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		ServerURL:        "ws://localhost:3000/ws",
		Runner:           "ollama",
		Model:            "llama3.1:8b",
		Temperature:      0.8,
		MaxTokens:        400,
		OllamaURL:        "http://localhost:11434",
		LMStudioURL:      "http://localhost:1234",
		RedisURL:         "localhost:6379",
		TelemetryChannel: "gambiarra:rounds",
		SendQueueSize:    256,
		LogLevel:         "info",
	}
}

// LoadConfig loads configuration from environment variables with defaults.
// A missing participant id is replaced with a random one. The result is not
// validated so that flags can still override it.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := Default()

	stringVar(&config.ServerURL, "GAMBIARRA_URL")
	stringVar(&config.PIN, "GAMBIARRA_PIN")
	stringVar(&config.ParticipantID, "PARTICIPANT_ID")
	stringVar(&config.Nickname, "NICKNAME")
	stringVar(&config.Runner, "RUNNER")
	stringVar(&config.Model, "MODEL")
	stringVar(&config.OllamaURL, "OLLAMA_URL")
	stringVar(&config.LMStudioURL, "LMSTUDIO_URL")
	stringVar(&config.GeminiAPIKey, "GEMINI_API_KEY")
	stringVar(&config.RedisURL, "REDIS_URL")
	stringVar(&config.RedisPassword, "REDIS_PASSWORD")
	stringVar(&config.TelemetryChannel, "TELEMETRY_CHANNEL")
	stringVar(&config.LogLevel, "GAMBIARRA_LOG_LEVEL")

	if temp := os.Getenv("TEMPERATURE"); temp != "" {
		v, err := strconv.ParseFloat(temp, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TEMPERATURE: %w", err)
		}
		config.Temperature = v
	}

	if maxTokens := os.Getenv("MAX_TOKENS"); maxTokens != "" {
		v, err := strconv.Atoi(maxTokens)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_TOKENS: %w", err)
		}
		config.MaxTokens = v
	}

	if size := os.Getenv("SEND_QUEUE_SIZE"); size != "" {
		v, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_QUEUE_SIZE: %w", err)
		}
		config.SendQueueSize = v
	}

	if enforce := os.Getenv("ENFORCE_DEADLINE"); enforce != "" {
		v, err := strconv.ParseBool(enforce)
		if err != nil {
			return nil, fmt.Errorf("invalid ENFORCE_DEADLINE: %w", err)
		}
		config.EnforceDeadline = v
	}

	if config.ParticipantID == "" {
		config.ParticipantID = uuid.NewString()
	}

	return config, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerURL) == "" {
		errs = append(errs, fmt.Errorf("%w: server url is required", ErrInvalid))
	} else if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		errs = append(errs, fmt.Errorf("%w: server url %q must use ws:// or wss://", ErrInvalid, c.ServerURL))
	}
	if strings.TrimSpace(c.PIN) == "" {
		errs = append(errs, fmt.Errorf("%w: pin is required (or set GAMBIARRA_PIN)", ErrInvalid))
	}
	if strings.TrimSpace(c.ParticipantID) == "" {
		errs = append(errs, fmt.Errorf("%w: participant id is required (or set PARTICIPANT_ID)", ErrInvalid))
	}
	if strings.TrimSpace(c.Nickname) == "" {
		errs = append(errs, fmt.Errorf("%w: nickname is required (or set NICKNAME)", ErrInvalid))
	}
	if !validRunner(c.Runner) {
		errs = append(errs, fmt.Errorf("%w: runner %q must be one of %s", ErrInvalid, c.Runner, strings.Join(RunnerKinds, ", ")))
	}
	if c.Runner == "gemini" && c.GeminiAPIKey == "" {
		errs = append(errs, fmt.Errorf("%w: GEMINI_API_KEY is required for the gemini runner", ErrInvalid))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalid, c.MaxTokens))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("%w: temperature must not be negative, got %v", ErrInvalid, c.Temperature))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: send queue size must be positive, got %d", ErrInvalid, c.SendQueueSize))
	}
	return errors.Join(errs...)
}

// Session returns the registration identity.
func (c *Config) Session() SessionConfig {
	return SessionConfig{
		ServerURL:     c.ServerURL,
		ParticipantID: c.ParticipantID,
		Nickname:      c.Nickname,
		PIN:           c.PIN,
		Runner:        c.Runner,
		Model:         c.Model,
	}
}

func stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func validRunner(kind string) bool {
	for _, k := range RunnerKinds {
		if k == kind {
			return true
		}
	}
	return false
}
