package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "rlm - analyze large contexts through a code sandbox",
	Long: `rlm lets a language model answer questions about data far larger than its
context window. The data is bound into a persistent Lua session; the model
writes snippets that inspect it and may delegate sub-questions to a
secondary model with llm_query.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./rlm.yaml or ~/.rlm/rlm.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
