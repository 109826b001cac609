package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "ema-vtuber",
	Short:        "Voice agent backend for Live2D characters",
	SilenceUsage: true,
	Long: `ema-vtuber serves browser clients over a websocket. Each message or
recorded utterance is gated by wake words, answered by an OpenAI compatible
agent and spoken back sentence by sentence.

Running the root command is the same as running "serve".`,
}

func init() {
	rootCmd.RunE = runServe
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "conf.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, configCmd)
	configCmd.AddCommand(configValidateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
