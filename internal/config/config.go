// Package config provides the configuration schema, loader, and agent
// provider registry for the voxbridge telephony bridge.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr      = ":9092"
	DefaultOpsAddr         = ":9090"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultAgentProvider   = "elevenlabs"
)

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Turn      TurnConfig      `yaml:"turn"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig holds listener and process settings.
type ServerConfig struct {
	// ListenAddr is the TCP address Asterisk's AudioSocket connects to.
	ListenAddr string `yaml:"listen_addr"`

	// OpsAddr serves /healthz, /readyz and /metrics. Set to "-" to disable.
	OpsAddr string `yaml:"ops_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions caps concurrent calls. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds how long in-flight calls get to finish.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelephonyConfig describes the AudioSocket leg.
type TelephonyConfig struct {
	// Encoding is the audio format Asterisk sends and expects, for example
	// "pcm_8000" (slin) or "ulaw_8000".
	Encoding audio.Encoding `yaml:"encoding"`

	// ReadTimeout is the header wait after which a silence keepalive is sent.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds each frame written to Asterisk.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// FrameBytes caps the payload of outbound audio frames.
	FrameBytes int `yaml:"frame_bytes"`

	// QueueSize bounds the agent audio buffered for playback.
	QueueSize int `yaml:"queue_size"`

	// Pacing plays agent audio out in real time. Defaults to true.
	Pacing *bool `yaml:"pacing"`
}

// PacingEnabled reports the effective pacing setting.
func (t TelephonyConfig) PacingEnabled() bool {
	return t.Pacing == nil || *t.Pacing
}

// TurnConfig holds caller turn detection settings.
type TurnConfig struct {
	// Threshold is the RMS level at or above which a frame counts as speech.
	Threshold float64 `yaml:"threshold"`

	// SilenceTimeout is how long the caller must stay quiet to end a turn.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// ResponseTimeout is how long to wait for the agent after a turn end.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// AgentConfig selects and configures the voice-agent backend. The Provider
// field is used to look up the constructor in the [Registry].
type AgentConfig struct {
	// Provider selects the registered implementation (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. ELEVENLABS_API_KEY fills it
	// in when empty.
	APIKey string `yaml:"api_key"`

	// AgentID selects the remote agent. ELEVENLABS_AGENT_ID fills it in when
	// empty.
	AgentID string `yaml:"agent_id"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// ConnectTimeout bounds the handshake of every call.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CallIDVariable names a dynamic variable that receives the call UUID.
	CallIDVariable string `yaml:"call_id_variable"`

	// DynamicVariables are passed to the agent on every call.
	DynamicVariables map[string]string `yaml:"dynamic_variables"`

	// Breaker fails new calls fast after repeated handshake failures.
	Breaker BreakerConfig `yaml:"breaker"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig tunes the circuit breaker around agent handshakes. Zero
// values select the defaults (5 failures, 30s).
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
