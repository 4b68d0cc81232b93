package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbridge/internal/turn"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// Environment variables consulted by [ApplyEnv].
const (
	EnvAPIKey  = "ELEVENLABS_API_KEY"
	EnvAgentID = "ELEVENLABS_AGENT_ID"
)

// ValidProviderNames lists the agent providers shipped with voxbridge.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"elevenlabs"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document yields
// the all-defaults configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills secrets left empty in the file from the environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = v
	}
	if v, ok := lookup(EnvAgentID); ok && cfg.Agent.AgentID == "" {
		cfg.Agent.AgentID = v
	}
}

// ApplyDefaults sets every unset field to its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = DefaultOpsAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Telephony.Encoding == "" {
		cfg.Telephony.Encoding = audio.EncodingPCM8000
	}
	if cfg.Telephony.ReadTimeout <= 0 {
		cfg.Telephony.ReadTimeout = audiosocket.DefaultReadTimeout
	}

	if cfg.Turn.Threshold <= 0 {
		cfg.Turn.Threshold = turn.DefaultThreshold
	}
	if cfg.Turn.SilenceTimeout <= 0 {
		cfg.Turn.SilenceTimeout = turn.DefaultSilenceTimeout
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = DefaultAgentProvider
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.OpsAddr != "-" && cfg.Server.OpsAddr != "" && cfg.Server.OpsAddr == cfg.Server.ListenAddr {
		errs = append(errs, fmt.Errorf("server.ops_addr %q collides with server.listen_addr", cfg.Server.OpsAddr))
	}

	// Telephony
	if cfg.Telephony.Encoding != "" {
		if enc, err := audio.ParseEncoding(string(cfg.Telephony.Encoding)); err != nil {
			errs = append(errs, fmt.Errorf("telephony.encoding: %w", err))
		} else {
			cfg.Telephony.Encoding = enc
		}
	}
	if cfg.Telephony.FrameBytes < 0 || cfg.Telephony.FrameBytes > audiosocket.MaxPayload {
		errs = append(errs, fmt.Errorf("telephony.frame_bytes %d is out of range [0, %d]", cfg.Telephony.FrameBytes, audiosocket.MaxPayload))
	}
	if cfg.Telephony.FrameBytes%2 != 0 && !cfg.Telephony.Encoding.IsMulaw() {
		errs = append(errs, fmt.Errorf("telephony.frame_bytes %d must be even for 16-bit PCM", cfg.Telephony.FrameBytes))
	}
	if cfg.Telephony.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("telephony.queue_size %d must not be negative", cfg.Telephony.QueueSize))
	}

	// Turn detection
	if cfg.Turn.Threshold > 32768 {
		errs = append(errs, fmt.Errorf("turn.threshold %.0f exceeds the 16-bit sample range", cfg.Turn.Threshold))
	}

	// Agent
	validateProviderName(cfg.Agent.Provider)
	if cfg.Agent.Provider == "elevenlabs" && cfg.Agent.APIKey == "" {
		errs = append(errs, fmt.Errorf("agent.api_key is required for provider elevenlabs (or set %s)", EnvAPIKey))
	}
	if cfg.Agent.Provider != "" && cfg.Agent.AgentID == "" {
		slog.Warn("agent.agent_id is empty; every call must carry its own agent id",
			"env", EnvAgentID,
		)
	}
	if cfg.Agent.Breaker.MaxFailures < 0 || cfg.Agent.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.breaker values must not be negative"))
	}
	if cfg.Agent.CallIDVariable != "" {
		if _, clash := cfg.Agent.DynamicVariables[cfg.Agent.CallIDVariable]; clash {
			errs = append(errs, fmt.Errorf("agent.call_id_variable %q is also set in agent.dynamic_variables", cfg.Agent.CallIDVariable))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown agent provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
