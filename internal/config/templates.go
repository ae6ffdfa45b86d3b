package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindAgent  = "agent"
	KindPlugin = "plugin"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAgent:
		return agentTemplate, nil
	case KindPlugin:
		return pluginTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as the given kind and discards the result.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAgent:
		a, err := LoadAgentConfig(path)
		if err != nil {
			return err
		}
		_, err = a.Resolver()
		return err
	case KindPlugin:
		_, err := LoadPluginConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const agentTemplate = `addr = "127.0.0.1:56145"
metrics_addr = "127.0.0.1:9464"
handshake_timeout = "1s"
pairing_timeout = "10s"
open_timeout = "30s"
max_pending_handshakes = 1024
accept_rate = 0.0
accept_burst = 16
max_frame_bytes = 16777216
max_read_bytes = 268435456

[source]
type = "Demo.Sine"
resource_locator = "memory://sine"

[source.configuration]
frequency_hz = "1.0"

[[capabilities]]
type = "Demo.Sine"
name = "Sine"
description = "in-memory float64 sine wave"
sample_width = 8
`

const pluginTemplate = `addr = "127.0.0.1:56145"
api_version = 1
dial_timeout = "5s"
write_timeout = "15s"
max_connect_attempts = 0
backoff_initial = "250ms"
backoff_max = "5s"
backoff_jitter = true

[sine]
sample_rate_hz = 1.0
amplitude = 1.0
`
