// Package config loads and validates the ink router configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/codrawer/internal/debounce"
	"github.com/haasonsaas/codrawer/internal/discovery"
	"github.com/haasonsaas/codrawer/internal/generation"
	"github.com/haasonsaas/codrawer/internal/ratelimit"
	"github.com/haasonsaas/codrawer/internal/sessions"
)

// Config is the main configuration structure for codrawer.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Session       sessions.Config     `yaml:"session"`
	Scheduler     debounce.Config     `yaml:"scheduler"`
	Gate          GateConfig          `yaml:"gate"`
	Generation    generation.Config   `yaml:"generation"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Discovery     discovery.Config    `yaml:"discovery"`
}

// ServerConfig configures the HTTP listener and WebSocket transport.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadLimitBytes    int64         `yaml:"read_limit_bytes"`
	SendBuffer        int           `yaml:"send_buffer"`
	WriteWait         time.Duration `yaml:"write_wait"`
	PongWait          time.Duration `yaml:"pong_wait"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxMalformedBurst int           `yaml:"max_malformed_burst"`

	// InboundRate limits frames per connection.
	InboundRate ratelimit.Config `yaml:"inbound_rate"`

	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GateConfig configures the global generation admission gate.
type GateConfig struct {
	MinModelInterval time.Duration `yaml:"min_model_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// Metrics reports whether /metrics is served. It defaults to true.
func (o ObservabilityConfig) Metrics() bool {
	return o.MetricsEnabled == nil || *o.MetricsEnabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultMinModelInterval is the default spacing between generation calls.
const DefaultMinModelInterval = 1300 * time.Millisecond

// Default returns a configuration with every default applied. Settings for
// which zero is meaningful are only defaulted here, so an explicit zero in a
// file or the environment survives loading.
func Default() *Config {
	cfg := &Config{
		Scheduler:  debounce.DefaultConfig(),
		Gate:       GateConfig{MinModelInterval: DefaultMinModelInterval},
		Generation: generation.Config{Agent: generation.DefaultPersona()},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadLimitBytes == 0 {
		cfg.Server.ReadLimitBytes = 1 << 20
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 256
	}
	if cfg.Server.WriteWait == 0 {
		cfg.Server.WriteWait = 10 * time.Second
	}
	if cfg.Server.PongWait == 0 {
		cfg.Server.PongWait = 45 * time.Second
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = 15 * time.Second
	}
	if cfg.Server.MaxMalformedBurst == 0 {
		cfg.Server.MaxMalformedBurst = 20
	}
	if cfg.Server.InboundRate == (ratelimit.Config{}) {
		cfg.Server.InboundRate = ratelimit.DefaultConfig()
	}

	sd := sessions.DefaultConfig()
	if cfg.Session.RecentStrokes == 0 {
		cfg.Session.RecentStrokes = sd.RecentStrokes
	}
	if cfg.Session.MaxStrokePoints == 0 {
		cfg.Session.MaxStrokePoints = sd.MaxStrokePoints
	}
	if cfg.Session.ContextPoints == 0 {
		cfg.Session.ContextPoints = sd.ContextPoints
	}

	gd := generation.DefaultConfig()
	if cfg.Generation.Backend == "" {
		cfg.Generation.Backend = gd.Backend
	}
	cfg.Generation.Backend = strings.ToLower(cfg.Generation.Backend)
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = gd.Timeout
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = gd.Temperature
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = gd.MaxTokens
	}
	if cfg.Generation.EmitBatchPoints == 0 {
		cfg.Generation.EmitBatchPoints = gd.EmitBatchPoints
	}
	if cfg.Generation.Agent.Name == "" {
		cfg.Generation.Agent.Name = gd.Agent.Name
	}
	if cfg.Generation.Agent.Personality == "" {
		cfg.Generation.Agent.Personality = gd.Agent.Personality
	}
	if cfg.Scheduler.InitiativePrompt == "" {
		cfg.Scheduler.InitiativePrompt = debounce.DefaultInitiativePrompt
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "codrawer"
	}

	ddisc := discovery.DefaultConfig()
	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = ddisc.Service
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = ddisc.Domain
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("%v", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port must be within 0..65535")
	}
	if c.Server.ReadLimitBytes < 0 {
		add("server.read_limit_bytes must be >= 0")
	}
	if c.Server.SendBuffer < 1 {
		add("server.send_buffer must be >= 1")
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		add("server.ping_interval must be shorter than server.pong_wait")
	}
	if c.Server.MaxMalformedBurst < 1 {
		add("server.max_malformed_burst must be >= 1")
	}
	if c.Server.InboundRate.Enabled && (c.Server.InboundRate.RequestsPerSecond <= 0 || c.Server.InboundRate.BurstSize < 1) {
		add("server.inbound_rate needs positive requests_per_second and burst_size")
	}
	if c.Session.RecentStrokes < 1 {
		add("session.recent_strokes must be >= 1")
	}
	if c.Session.MaxStrokePoints < 1 {
		add("session.max_stroke_points must be >= 1")
	}
	if c.Session.ContextPoints < 2 {
		add("session.context_points must be >= 2")
	}
	if c.Scheduler.Debounce < 0 || c.Scheduler.RequeueDebounce < 0 || c.Scheduler.MicroPause < 0 {
		add("scheduler delays must be >= 0")
	}
	if c.Scheduler.InitiativeIdle < 0 || c.Scheduler.InitiativeMinInterval < 0 {
		add("scheduler initiative intervals must be >= 0")
	}
	if p := c.Scheduler.InitiativeProbability; p < 0 || p > 1 {
		add("scheduler.initiative_probability must be within [0,1]")
	}
	if c.Gate.MinModelInterval < 0 {
		add("gate.min_model_interval must be >= 0")
	}
	if err := c.Generation.Validate(); err != nil {
		add("%v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error")
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be within [0,1]")
	}

	if len(issues) == 0 {
		return nil
	}
	return errors.New("invalid config:\n- " + strings.Join(issues, "\n- "))
}
