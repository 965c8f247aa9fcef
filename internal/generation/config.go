package generation

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Backend names accepted by New.
const (
	BackendHeuristic = "heuristic"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendGoogle    = "google"
	BackendBedrock   = "bedrock"
)

// Config selects and tunes the generation backend.
type Config struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Region is the AWS region for the bedrock backend.
	Region      string        `yaml:"region"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`

	// EmitBatchPoints bounds the points carried by one ai_stroke_pts frame.
	EmitBatchPoints int `yaml:"emit_batch_points"`

	// Agent is the persona described to model backends.
	Agent Persona `yaml:"agent"`
}

// Persona is the character the agent keeps across a session.
type Persona struct {
	Name        string `yaml:"name"`
	Personality string `yaml:"personality"`
	// Creativity and Chattiness are within [0,1]. A chattiness of zero
	// silences ai_say messages.
	Creativity float64 `yaml:"creativity"`
	Chattiness float64 `yaml:"chattiness"`
}

// DefaultPersona returns the default agent persona.
func DefaultPersona() Persona {
	return Persona{
		Name:        "Codrawer",
		Personality: "playful, tasteful and concise; prefers clean lines and leaves room for the user",
		Creativity:  0.6,
		Chattiness:  0.3,
	}
}

// DefaultConfig returns the generation defaults.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendHeuristic,
		Timeout:         20 * time.Second,
		Temperature:     0.4,
		MaxTokens:       900,
		EmitBatchPoints: 12,
		Agent:           DefaultPersona(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "", BackendHeuristic, BackendBedrock:
	case BackendOpenAI:
		if strings.TrimSpace(c.APIKey) == "" && c.BaseURL == "" {
			return fmt.Errorf("generation: openai backend requires api_key or base_url")
		}
	case BackendAnthropic, BackendGoogle:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("generation: %s backend requires api_key", c.Backend)
		}
	default:
		return fmt.Errorf("generation: unknown backend %q", c.Backend)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("generation: timeout must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("generation: temperature must be within [0,2]")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("generation: max_tokens must be >= 0")
	}
	if c.EmitBatchPoints <= 0 {
		return fmt.Errorf("generation: emit_batch_points must be positive")
	}
	if v := c.Agent.Creativity; v < 0 || v > 1 {
		return fmt.Errorf("generation: agent.creativity must be within [0,1]")
	}
	if v := c.Agent.Chattiness; v < 0 || v > 1 {
		return fmt.Errorf("generation: agent.chattiness must be within [0,1]")
	}
	return nil
}

// New constructs the backend named by cfg.Backend.
func New(cfg Config, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	switch strings.ToLower(cfg.Backend) {
	case "", BackendHeuristic:
		return NewHeuristic(), nil
	case BackendOpenAI:
		return NewOpenAI(cfg, logger)
	case BackendAnthropic:
		return NewAnthropic(cfg, logger)
	case BackendGoogle:
		return NewGoogle(cfg, logger)
	case BackendBedrock:
		return NewBedrock(cfg, logger)
	default:
		return nil, fmt.Errorf("generation: unknown backend %q", cfg.Backend)
	}
}
