package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/sourceagent/internal/agent"
	"github.com/danmuck/sourceagent/internal/config"
	"github.com/danmuck/sourceagent/internal/logging"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		addr        string
		metricsAddr string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "cmd/agentctl/config.toml", "path to agent config")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides config addr")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address, overrides config metrics_addr")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("agentctl %s\n", version)
		return nil
	}

	logging.ConfigureRuntime()

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(addr)
	}
	if flagSet.Changed("metrics-addr") {
		cfg.Service.MetricsAddr = strings.TrimSpace(metricsAddr)
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}
	for _, meta := range resolver.ListMetadata() {
		log.Info().Msgf("agentctl capability type=%q name=%q", meta.Type, meta.Name)
	}

	svc, err := agent.NewServiceWithConfig(cfg.Service, resolver)
	if err != nil {
		return err
	}
	return svc.Run(context.Background())
}
