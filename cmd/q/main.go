// Command q is the HPC-side CLI: it starts and supervises the Pull Consumer
// Loop, reports its status, and drains the queues. See spec §6.3.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/hpcq/pkg/log"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Exit codes per spec §6.3.
const (
	exitOK                 = 0
	exitConfigMissing      = 2
	exitTransportFailure   = 3
	exitImageRefreshFailed = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeForError(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "q",
	Short:   "HPC-side job runner: start, stop, status, and clear",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/hpcq/config.yaml", "Optional YAML config overlay path")
	rootCmd.PersistentFlags().String("base-dir", ".", "Root directory for the persisted layout (results/, runtime/, pid file)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(runConsumerCmd)
	rootCmd.AddCommand(superviseCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// exitCodeForError maps a returned error to one of the documented exit
// codes, defaulting to a generic non-zero status for anything unclassified.
func exitCodeForError(err error) int {
	switch {
	case isConfigError(err):
		return exitConfigMissing
	case isImageError(err):
		return exitImageRefreshFailed
	case isTransportError(err):
		return exitTransportFailure
	default:
		return 1
	}
}
