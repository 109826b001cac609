package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/koscakluka/ema-vtuber/core/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration and report every problem in it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (tts: %s, asr: %s, history: %s)\n",
			configPath, cfg.TTS.Engine, cfg.ASR.Engine, cfg.History.Backend)
		return nil
	},
}

// loadConfig falls back to defaults when the default config file is missing.
func loadConfig() (*config.Config, error) {
	path := configPath
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		logger.Warn("config file not found, using defaults", "path", path)
		cfg, err = config.Load("")
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
