package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/sourceagent/internal/capability"
)

// Resolver registers every configured capability. A capability without a
// name takes its type as display name.
func (a Agent) Resolver() (*capability.Registry, error) {
	reg := capability.NewRegistry()
	for _, entry := range a.Capabilities {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = strings.TrimSpace(entry.Type)
		}
		err := reg.Register(capability.Static{
			Meta: capability.Metadata{
				Type:        strings.TrimSpace(entry.Type),
				Name:        name,
				Description: strings.TrimSpace(entry.Description),
			},
			Width: entry.SampleWidth,
		})
		if err != nil {
			return nil, fmt.Errorf("register capability %q: %w", entry.Type, err)
		}
	}
	return reg, nil
}
