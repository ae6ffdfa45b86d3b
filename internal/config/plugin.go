package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/sourceagent/internal/protocol/handshake"
	"github.com/danmuck/sourceagent/internal/remoting"
)

type pluginFile struct {
	Addr               string `toml:"addr"`
	ID                 string `toml:"id"`
	APIVersion         int    `toml:"api_version"`
	DialTimeout        string `toml:"dial_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	MaxFrameBytes      uint32 `toml:"max_frame_bytes"`
	BackoffInitial     string `toml:"backoff_initial"`
	BackoffMax         string `toml:"backoff_max"`
	BackoffJitter      bool   `toml:"backoff_jitter"`
}

// LoadPluginConfig overlays plugin.toml onto remoting.DefaultConfig. An
// absent id leaves the correlation id to be generated at dial time.
func LoadPluginConfig(path string) (remoting.Config, error) {
	cfg := remoting.DefaultConfig()

	var raw pluginFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return remoting.Config{}, fmt.Errorf("load plugin config (%s): %w", path, err)
	}

	if meta.IsDefined("addr") {
		cfg.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("id") && strings.TrimSpace(raw.ID) != "" {
		id, err := handshake.ParseCorrelationID(strings.TrimSpace(raw.ID))
		if err != nil {
			return remoting.Config{}, fmt.Errorf("load plugin config (%s): id: %w", path, err)
		}
		cfg.ID = id
	}
	if meta.IsDefined("api_version") {
		cfg.APIVersion = raw.APIVersion
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return remoting.Config{}, fmt.Errorf("load plugin config (%s): %w", path, err)
		}
		*d.dst = v
	}

	if strings.TrimSpace(cfg.Address) == "" {
		return remoting.Config{}, fmt.Errorf("load plugin config (%s): missing addr", path)
	}
	if cfg.MaxConnectAttempts < 0 {
		return remoting.Config{}, fmt.Errorf("load plugin config (%s): max_connect_attempts must not be negative", path)
	}
	return cfg, nil
}
