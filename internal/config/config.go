package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/sourceagent/internal/agent"
	"github.com/danmuck/sourceagent/internal/session"
)

// agentFile is the agent.toml key mapping.
type agentFile struct {
	Addr                 string            `toml:"addr"`
	MetricsAddr          string            `toml:"metrics_addr"`
	HandshakeTimeout     string            `toml:"handshake_timeout"`
	PairingTimeout       string            `toml:"pairing_timeout"`
	OpenTimeout          string            `toml:"open_timeout"`
	MaxPendingHandshakes int64             `toml:"max_pending_handshakes"`
	AcceptRate           float64           `toml:"accept_rate"`
	AcceptBurst          int               `toml:"accept_burst"`
	MaxFrameBytes        uint32            `toml:"max_frame_bytes"`
	MaxReadBytes         int               `toml:"max_read_bytes"`
	Source               sourceFile        `toml:"source"`
	Capabilities         []CapabilityEntry `toml:"capabilities"`
}

type sourceFile struct {
	Type            string            `toml:"type"`
	ResourceLocator string            `toml:"resource_locator"`
	Configuration   map[string]string `toml:"configuration"`
}

// CapabilityEntry describes one fixed-width capability the agent can bind.
type CapabilityEntry struct {
	Type        string `toml:"type"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	SampleWidth int    `toml:"sample_width"`
}

// Agent is a loaded agent.toml.
type Agent struct {
	Service      agent.ServiceConfig
	Capabilities []CapabilityEntry
}

// LoadAgentConfig overlays agent.toml onto agent.DefaultServiceConfig. Keys
// that are absent keep their defaults.
func LoadAgentConfig(path string) (Agent, error) {
	cfg := agent.DefaultServiceConfig()

	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Agent{}, fmt.Errorf("load agent config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Agent{}, fmt.Errorf("load agent config (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"pairing_timeout", raw.PairingTimeout, &cfg.PairingTimeout},
		{"open_timeout", raw.OpenTimeout, &cfg.OpenTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return Agent{}, fmt.Errorf("load agent config (%s): %w", path, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("max_pending_handshakes") {
		cfg.MaxPendingHandshakes = raw.MaxPendingHandshakes
	}
	if meta.IsDefined("accept_rate") {
		cfg.AcceptRate = raw.AcceptRate
	}
	if meta.IsDefined("accept_burst") {
		cfg.AcceptBurst = raw.AcceptBurst
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Session.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_read_bytes") {
		cfg.Session.MaxReadBytes = raw.MaxReadBytes
	}
	cfg.Source = session.OpenOptions{
		Type:            strings.TrimSpace(raw.Source.Type),
		ResourceLocator: strings.TrimSpace(raw.Source.ResourceLocator),
		Configuration:   raw.Source.Configuration,
	}

	out := Agent{Service: cfg, Capabilities: raw.Capabilities}
	if err := ValidateAgentConfig(out); err != nil {
		return Agent{}, fmt.Errorf("load agent config (%s): %w", path, err)
	}
	return out, nil
}

func ValidateAgentConfig(cfg Agent) error {
	svc := cfg.Service
	if strings.TrimSpace(svc.ListenAddr) == "" {
		return fmt.Errorf("agent config missing addr")
	}
	if strings.TrimSpace(svc.Source.Type) == "" {
		return fmt.Errorf("agent config missing source.type")
	}
	if svc.HandshakeTimeout <= 0 || svc.PairingTimeout <= 0 || svc.OpenTimeout <= 0 {
		return fmt.Errorf("agent config timeouts must be positive")
	}
	if svc.MaxPendingHandshakes <= 0 {
		return fmt.Errorf("agent config max_pending_handshakes must be positive")
	}
	if svc.AcceptRate < 0 {
		return fmt.Errorf("agent config accept_rate must not be negative")
	}
	if svc.Session.MaxReadBytes < 0 {
		return fmt.Errorf("agent config max_read_bytes must not be negative")
	}
	for i, entry := range cfg.Capabilities {
		if err := ValidateCapabilityEntry(entry); err != nil {
			return fmt.Errorf("capabilities[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateCapabilityEntry(entry CapabilityEntry) error {
	if strings.TrimSpace(entry.Type) == "" {
		return fmt.Errorf("type is required")
	}
	if entry.SampleWidth <= 0 {
		return fmt.Errorf("sample_width must be positive")
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
