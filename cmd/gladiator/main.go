package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	for _, envFile := range []string{
		".env",
		"../../.env",
		"../../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gladiator",
		Short:        "Gladiator runs a multi-session combat training gateway and the learner-side orchestrator that drives it.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default ./gladiator.toml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newTrainCmd(),
		newPoolCmd(),
	)
	return rootCmd
}
