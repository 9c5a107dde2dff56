package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "retrace",
	Short: "Local screen activity timeline",
	Long: `retrace records your screen in short segments, runs them through a
vision model, and builds a timeline of what you were doing.

Start the daemon with "retrace start", then query it:
  retrace timeline
  retrace capture pause
  retrace data export --from 2026-08-01T00:00:00Z`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	captureCmd.AddCommand(captureStartCmd, captureStopCmd, capturePauseCmd, captureResumeCmd)
	batchesCmd.AddCommand(batchesReprocessCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
	dataCmd.AddCommand(dataExportCmd, dataPurgeCmd)

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		statusCmd,
		captureCmd,
		pauseCmd,
		resumeCmd,
		timelineCmd,
		chunksCmd,
		batchesCmd,
		configCmd,
		dataCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
