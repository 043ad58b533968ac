// Package cli implements the gatewarden command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/gatewarden/gatewarden/internal/version"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitUnavailable = 1
	exitValidation  = 2
)

var rootCmd = &cobra.Command{
	Use:   "gatewarden",
	Short: "Policy-driven admission control and deployment safety",
	Long: `gatewarden guards a deployment pipeline: it admits or denies changes
against CEL policy rules, watches deployment health, and rolls back or
escalates when a deployment goes bad.`,
	Version: version.BuildVersion(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnavailable)
	}
}

func init() {
	rootCmd.AddCommand(getServeCmd())
	rootCmd.AddCommand(getPublishRuleCmd())
	rootCmd.AddCommand(getSetModeCmd())
	rootCmd.AddCommand(getGetConstraintCmd())
}
