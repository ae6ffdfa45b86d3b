package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/sourceagent/internal/config"
	"github.com/danmuck/sourceagent/internal/logging"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case config.KindAgent:
		return "cmd/agentctl/config.toml", nil
	case config.KindPlugin:
		return "cmd/plugin-demo/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	kind := pflag.String("kind", config.KindAgent, "config kind: agent|plugin")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	logging.ConfigureRuntime()

	if *validate {
		path := *input
		if path == "" {
			p, err := defaultPath(*kind)
			if err != nil {
				fail(err)
			}
			path = p
		}
		if err := config.Validate(path, *kind); err != nil {
			fail(err)
		}
		log.Info().Msgf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		p, err := defaultPath(*kind)
		if err != nil {
			fail(err)
		}
		target = p
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		fail(err)
	}
	log.Info().Msgf("Wrote %s config template to %s", *kind, target)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
	os.Exit(1)
}
