package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/codrawer/internal/generation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CODRAWER_"

type lookupFunc func(string) (string, bool)

// applyEnvOverrides applies CODRAWER_* variables on top of the file
// configuration. Seconds-valued variables take decimal seconds.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []string
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	seconds := func(name string, dst *time.Duration) {
		v, ok := get(name)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Sprintf("%s%s: want non-negative seconds, got %q", EnvPrefix, name, v))
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		v, ok := get(name)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = f
	}

	str("HOST", &cfg.Server.Host)
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sPORT: %v", EnvPrefix, err))
		} else {
			cfg.Server.Port = port
		}
	}

	seconds("AI_MIN_MODEL_INTERVAL_S", &cfg.Gate.MinModelInterval)
	seconds("AI_DEBOUNCE_S", &cfg.Scheduler.Debounce)
	seconds("AI_REQUEUE_DEBOUNCE_S", &cfg.Scheduler.RequeueDebounce)
	seconds("AI_MICRO_PAUSE_S", &cfg.Scheduler.MicroPause)
	seconds("AGENTIC_IDLE_S", &cfg.Scheduler.InitiativeIdle)
	seconds("AGENTIC_MIN_INTERVAL_S", &cfg.Scheduler.InitiativeMinInterval)
	float("AGENTIC_PROBABILITY", &cfg.Scheduler.InitiativeProbability)
	str("AGENTIC_PROMPT", &cfg.Scheduler.InitiativePrompt)

	str("BACKEND", &cfg.Generation.Backend)
	str("API_KEY", &cfg.Generation.APIKey)
	str("MODEL", &cfg.Generation.Model)
	str("REGION", &cfg.Generation.Region)
	if v, ok := get("MODEL_SERVER_URL"); ok {
		// An OpenAI-compatible model server; the client appends /chat/completions.
		cfg.Generation.Backend = generation.BackendOpenAI
		cfg.Generation.BaseURL = strings.TrimRight(v, "/") + "/v1"
	}
	str("MODEL_SERVER_MODEL", &cfg.Generation.Model)
	seconds("MODEL_SERVER_TIMEOUT_S", &cfg.Generation.Timeout)
	float("MODEL_SERVER_TEMPERATURE", &cfg.Generation.Temperature)

	str("AGENT_PERSONA", &cfg.Generation.Agent.Name)
	str("AGENT_PERSONALITY", &cfg.Generation.Agent.Personality)
	float("AGENT_CREATIVITY", &cfg.Generation.Agent.Creativity)
	float("AGENT_CHATTINESS", &cfg.Generation.Agent.Chattiness)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	if v, ok := get("DEBUG_LOG_MSGS"); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sDEBUG_LOG_MSGS: %v", EnvPrefix, err))
		} else if debug {
			cfg.Logging.Level = "debug"
		}
	}
	str("OTEL_ENDPOINT", &cfg.Observability.Tracing.Endpoint)

	if v, ok := get("DISCOVERY"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sDISCOVERY: %v", EnvPrefix, err))
		} else {
			cfg.Discovery.Enabled = enabled
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}
