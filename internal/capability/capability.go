// Package capability owns the resolver contract sessions bind through.
//
// Ownership boundary:
// - Capability and Resolver interfaces consumed by sessions
// - an in-process Registry the agent binary populates from config
//
// How capability instances are created or cached beyond that is up to the
// host; sessions only call Resolve.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("capability: type not found")
	ErrExists          = errors.New("capability: type already registered")
	ErrNil             = errors.New("capability: capability is nil")
	ErrInvalidMetadata = errors.New("capability: invalid metadata")
)

// Metadata is the identity and display data of one capability type.
type Metadata struct {
	Type        string
	Name        string
	Description string
}

// Capability is the local counterpart a session's catalog and read calls are
// bound to once the plugin context is set.
type Capability interface {
	Metadata() Metadata
	// SampleWidth is the byte width of one element on the data stream.
	SampleWidth() int
}

// Resolver maps a plugin type name to a capability.
type Resolver interface {
	Resolve(typeName string) (Capability, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(typeName string) (Capability, error)

func (f ResolverFunc) Resolve(typeName string) (Capability, error) {
	return f(typeName)
}

// Static is a fixed-width capability described entirely by config.
type Static struct {
	Meta  Metadata
	Width int
}

func (s Static) Metadata() Metadata {
	return s.Meta
}

func (s Static) SampleWidth() int {
	return s.Width
}

// ValidateMetadata checks required metadata fields and type id format.
func ValidateMetadata(meta Metadata) error {
	typeName := strings.TrimSpace(meta.Type)
	name := strings.TrimSpace(meta.Name)
	if typeName == "" || name == "" {
		return fmt.Errorf("%w: type and name are required", ErrInvalidMetadata)
	}
	if !isValidType(typeName) {
		return fmt.Errorf("%w: invalid type format %q", ErrInvalidMetadata, typeName)
	}
	return nil
}

// isValidType allows dotted, dashed, or underscored identifiers that start
// and end with an alphanumeric; plugin types such as "Nexus.Sources.Csv" keep
// their casing.
func isValidType(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
