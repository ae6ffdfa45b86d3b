package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/sourceagent/internal/config"
	"github.com/danmuck/sourceagent/internal/logging"
	"github.com/danmuck/sourceagent/internal/protocol/handshake"
	"github.com/danmuck/sourceagent/internal/remoting"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "plugin-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		addr       string
		id         string
	)
	flagSet := pflag.NewFlagSet("plugin-demo", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to plugin config")
	flagSet.StringVar(&addr, "addr", "127.0.0.1:56145", "agent address")
	flagSet.StringVar(&id, "id", "", "correlation id (random when empty)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime()

	cfg := remoting.DefaultConfig()
	sine := defaultSineConfig()
	if configPath != "" {
		loaded, err := config.LoadPluginConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		var file struct {
			Sine sineConfig `toml:"sine"`
		}
		file.Sine = sine
		if _, err := toml.DecodeFile(configPath, &file); err != nil {
			return fmt.Errorf("load sine config: %w", err)
		}
		sine = file.Sine
	}
	if cfg.Address == "" || flagSet.Changed("addr") {
		cfg.Address = strings.TrimSpace(addr)
	}
	if flagSet.Changed("id") {
		parsed, err := handshake.ParseCorrelationID(strings.TrimSpace(id))
		if err != nil {
			return err
		}
		cfg.ID = parsed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := remoting.Dial(ctx, cfg, newSineSource(sine))
	if err != nil {
		return err
	}
	defer client.Close()
	log.Info().Msgf("plugin-demo connected addr=%q id=%q", cfg.Address, client.ID())

	err = client.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, remoting.ErrClientClosed) {
		log.Info().Err(err).Msg("plugin-demo stopped")
		return nil
	}
	return err
}
