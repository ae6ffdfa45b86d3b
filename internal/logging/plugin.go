package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// Plugin log level names as plugins send them.
const (
	PluginTrace       = "Trace"
	PluginDebug       = "Debug"
	PluginInformation = "Information"
	PluginWarning     = "Warning"
	PluginError       = "Error"
	PluginCritical    = "Critical"
)

// PluginLevel maps a plugin level name onto a zerolog level. Critical has no
// zerolog counterpart below fatal and is reported as error. Unknown names map
// to info with ok=false.
func PluginLevel(name string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "information", "info":
		return zerolog.InfoLevel, true
	case "warning", "warn":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "critical":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

// PluginEvent starts an event on l at the level named by a plugin.
func PluginEvent(l zerolog.Logger, name string) *zerolog.Event {
	lvl, ok := PluginLevel(name)
	ev := l.WithLevel(lvl)
	switch {
	case !ok:
		ev = ev.Str("plugin_level", name)
	case strings.EqualFold(strings.TrimSpace(name), PluginCritical):
		ev = ev.Bool("critical", true)
	}
	return ev
}
