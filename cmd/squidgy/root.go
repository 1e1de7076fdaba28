package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/squidgy/internal/config"
	"github.com/ent0n29/squidgy/internal/logging"
	"github.com/ent0n29/squidgy/internal/streaming"
)

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "squidgy",
		Short:         "Streaming avatar session supervisor for the Squidgy dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml); environment variables take precedence")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		return cfg, logger, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newTokenCmd(load),
	)
	return rootCmd
}

type loader func() (config.Config, zerolog.Logger, error)

// avatarBackend picks the vendor API when a key is configured, otherwise the local mock.
func avatarBackend(cfg config.Config, logger zerolog.Logger) (streaming.TokenMinter, streaming.Factory, string) {
	if !cfg.UseHeyGen() {
		return streaming.MockMinter{}, streaming.MockFactory(), "mock"
	}
	hc := streaming.HeyGenConfig{
		BaseURL: cfg.HeyGenBaseURL,
		APIKey:  cfg.HeyGenAPIKey,
		Logger:  logging.Component(logger, "heygen"),
	}
	return streaming.NewHeyGenMinter(hc), streaming.NewHeyGenFactory(hc), "heygen"
}
