package config

import "maps"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallSettingsChanged is set when anything that shapes a new call
	// changed: telephony, turn detection, or the agent block. Calls already
	// in progress keep their settings.
	CallSettingsChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart (listener addresses).
	RestartRequired []string
}

// Empty reports whether nothing reloadable or restart-bound changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CallSettingsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.OpsAddr != new.Server.OpsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.ops_addr")
	}

	d.CallSettingsChanged = !telephonyEqual(old.Telephony, new.Telephony) ||
		old.Turn != new.Turn ||
		!agentEqual(old.Agent, new.Agent)

	return d
}

func telephonyEqual(a, b TelephonyConfig) bool {
	return a.Encoding == b.Encoding &&
		a.ReadTimeout == b.ReadTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		a.FrameBytes == b.FrameBytes &&
		a.QueueSize == b.QueueSize &&
		a.PacingEnabled() == b.PacingEnabled()
}

// agentEqual ignores Options: provider-specific values are only read when
// the provider is constructed.
func agentEqual(a, b AgentConfig) bool {
	return a.Provider == b.Provider &&
		a.APIKey == b.APIKey &&
		a.AgentID == b.AgentID &&
		a.BaseURL == b.BaseURL &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.CallIDVariable == b.CallIDVariable &&
		a.Breaker == b.Breaker &&
		maps.Equal(a.DynamicVariables, b.DynamicVariables)
}
