// Package main is the entry point for guardianctl, the operator CLI for the
// moderation gateway: ad-hoc oracle queries, an interactive chat client and
// pinned certificate generation.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for guardianctl
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "guardianctl",
		Short:         "Operator CLI for the guardian moderation gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newChatCmd(),
		newCertCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "guardianctl version %s\n", version)
			},
		},
	)

	return rootCmd
}

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
