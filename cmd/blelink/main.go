package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Tests build a fresh tree per run so
// flag values do not leak between executions.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blelink",
		Short: "Bluetooth Low Energy link manager",
		Long: `Bluetooth Low Energy (BLE) link manager that provides:

- Scan and discover nearby BLE devices
- Connect to a serial-style peripheral and exchange data
- Stream notifications and connection events
- Keep short text records locally

Pairs with any peripheral exposing a UART-like service (Nordic UART by default).`,
		Version:           fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		PersistentPreRunE: showIntro,
	}

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newRecordsCmd())
	rootCmd.AddCommand(newIntroCmd())

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for records and preferences")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
