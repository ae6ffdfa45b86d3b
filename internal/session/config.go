package session

import (
	"github.com/benbjohnson/clock"

	"github.com/danmuck/sourceagent/internal/protocol/frame"
)

// API versions this agent can drive.
const (
	MinAPIVersion = 1
	MaxAPIVersion = 1
)

// Config tunes one session. The zero value is completed by DefaultConfig.
type Config struct {
	MaxFrameBytes uint32
	// MaxReadBytes bounds the n*width buffer a single ReadSingle may request.
	MaxReadBytes  int
	MinAPIVersion int
	MaxAPIVersion int
	Clock         clock.Clock
	// OnClose runs once, after both streams are closed and every pending call
	// has failed.
	OnClose func(s *Session, err error)
}

func DefaultConfig() Config {
	return Config{
		MaxFrameBytes: frame.DefaultLimits().MaxPayloadBytes,
		MaxReadBytes:  256 * 1024 * 1024,
		MinAPIVersion: MinAPIVersion,
		MaxAPIVersion: MaxAPIVersion,
		Clock:         clock.New(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = d.MaxReadBytes
	}
	if c.MinAPIVersion <= 0 {
		c.MinAPIVersion = d.MinAPIVersion
	}
	if c.MaxAPIVersion < c.MinAPIVersion {
		c.MaxAPIVersion = c.MinAPIVersion
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

// OpenOptions carries the context a session is opened with.
type OpenOptions struct {
	// Type is the plugin source type; it is sent to the plugin and resolved
	// locally to a capability.
	Type            string
	ResourceLocator string
	Configuration   map[string]string
}
