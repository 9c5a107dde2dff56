package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/retrace-app/retrace/internal/capture"
	"github.com/retrace-app/retrace/internal/config"
	"github.com/retrace-app/retrace/internal/storage"
)

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Control screen capture",
}

var captureStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording",
	RunE:  captureAction("start"),
}

var captureStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording",
	RunE:  captureAction("stop"),
}

var capturePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause recording until resumed",
	Long: `Pause recording until resumed.

A user pause is sticky: system wake or screen unlock will not restart
capture until you run "retrace capture resume".`,
	RunE: captureAction("pause"),
}

var captureResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused recording",
	RunE:  captureAction("resume"),
}

// Top-level aliases for the two commands people reach for most.
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause recording (alias for capture pause)",
	RunE:  captureAction("pause"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume recording (alias for capture resume)",
	RunE:  captureAction("resume"),
}

func captureAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/capture/"+action, nil)
		if err != nil {
			return err
		}

		var snap capture.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printSuccess("Capture %s (state: %s)", action, snap.State)
		return nil
	}
}

// --- timeline ---

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show the activity timeline",
	Long: `Show the activity timeline.

Examples:
  retrace timeline
  retrace timeline --from 2026-08-27T09:00:00Z --to 2026-08-27T18:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q, err := rangeQuery(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/timeline"+q)
		if err != nil {
			return err
		}

		var result struct {
			From  time.Time      `json:"from"`
			To    time.Time      `json:"to"`
			Cards []storage.Card `json:"cards"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Cards) == 0 {
			printWarning("no activity between %s and %s",
				result.From.Local().Format(time.RFC3339), result.To.Local().Format(time.RFC3339))
			return nil
		}

		for _, c := range result.Cards {
			span := fmt.Sprintf("%s–%s",
				c.StartTime.Local().Format("15:04"), c.EndTime.Local().Format("15:04"))
			header := fmt.Sprintf("%s  %s", colorize(colorBold, span), c.Title)
			if c.Category != "" {
				header += colorize(colorCyan, "  ["+c.Category+"]")
			}
			fmt.Fprintln(os.Stdout, header)
			if c.Summary != "" {
				fmt.Fprintf(os.Stdout, "       %s\n", c.Summary)
			}
			if c.MediaRef != "" {
				fmt.Fprintf(os.Stdout, "       timelapse: %s\n", c.MediaRef)
			}
		}
		return nil
	},
}

// --- chunks ---

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "List recent recorded segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/chunks?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			Chunks []storage.Chunk `json:"chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, c := range result.Chunks {
			fmt.Fprintf(os.Stdout, "%s  %s  %-9s  %5.1fs  %s\n",
				c.ID,
				c.StartTime.Local().Format("15:04:05"),
				c.Status,
				c.Duration().Seconds(),
				c.FilePath)
		}
		return nil
	},
}

// --- batches ---

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List recent analysis batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/batches?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			Batches []storage.Batch `json:"batches"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, b := range result.Batches {
			line := fmt.Sprintf("%s  %s–%s  %-10s  %d chunks",
				b.ID,
				b.StartTime.Local().Format("15:04"),
				b.EndTime.Local().Format("15:04"),
				b.Status,
				len(b.ChunkIDs))
			if b.LastError != "" {
				line += colorize(colorRed, "  ("+b.LastError+")")
			}
			fmt.Fprintln(os.Stdout, line)
		}
		return nil
	},
}

var batchesReprocessCmd = &cobra.Command{
	Use:   "reprocess <batch-id>",
	Short: "Queue a failed batch for another analysis attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/batches/"+url.PathEscape(args[0])+"/reprocess", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Batch %s is %s again", result["id"], result["status"])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(os.Stdout, "%-28s %-28s %s\n", k.Key, k.Value, colorize(colorCyan, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		printStep("restart the daemon for the change to take effect")
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid config keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(os.Stdout, k)
		}
		return nil
	},
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export or purge recorded data",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cards and observations as JSON",
	Long: `Export cards and observations as JSON.

Examples:
  retrace data export > week.json
  retrace data export --from 2026-08-01T00:00:00Z --out august.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q, err := rangeQuery(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/data/export"+q)
		if err != nil {
			return err
		}

		var doc json.RawMessage
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		out := os.Stdout
		if path, _ := cmd.Flags().GetString("out"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out = f
			printSuccess("Exported to %s", path)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete recorded video older than a cutoff",
	Long: `Delete recorded video older than a cutoff.

Chunk rows are soft-deleted and the video files removed from disk.
Cards and observations are kept.

Examples:
  retrace data purge --older-than 720h
  retrace data purge --before 2026-08-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := purgeCutoff(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/data/purge", map[string]any{"before": before})
		if err != nil {
			return err
		}

		var result struct {
			Purged       int `json:"purged"`
			FilesRemoved int `json:"files_removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Purged %d chunks (%d files removed)", result.Purged, result.FilesRemoved)
		return nil
	},
}

func purgeCutoff(cmd *cobra.Command) (time.Time, error) {
	beforeStr, _ := cmd.Flags().GetString("before")
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	switch {
	case beforeStr != "" && olderThan != 0:
		return time.Time{}, fmt.Errorf("--before and --older-than are mutually exclusive")
	case beforeStr != "":
		t, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --before: %w", err)
		}
		return t, nil
	case olderThan != 0:
		return time.Now().Add(-olderThan), nil
	default:
		return time.Time{}, fmt.Errorf("one of --before or --older-than is required")
	}
}

// rangeQuery turns the optional --from/--to flags into a query string.
func rangeQuery(cmd *cobra.Command) (string, error) {
	v := url.Values{}
	for _, name := range []string{"from", "to"} {
		s, _ := cmd.Flags().GetString(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", fmt.Errorf("invalid --%s: %w", name, err)
		}
		v.Set(name, t.Format(time.RFC3339))
	}
	if len(v) == 0 {
		return "", nil
	}
	return "?" + v.Encode(), nil
}

func init() {
	timelineCmd.Flags().String("from", "", "range start (RFC3339, default 24h ago)")
	timelineCmd.Flags().String("to", "", "range end (RFC3339, default now)")

	chunksCmd.Flags().Int("limit", 50, "maximum chunks to list")
	batchesCmd.Flags().Int("limit", 50, "maximum batches to list")

	dataExportCmd.Flags().String("from", "", "range start (RFC3339, default 7 days ago)")
	dataExportCmd.Flags().String("to", "", "range end (RFC3339, default now)")
	dataExportCmd.Flags().String("out", "", "write to file instead of stdout")

	dataPurgeCmd.Flags().String("before", "", "delete chunks recorded before this time (RFC3339)")
	dataPurgeCmd.Flags().Duration("older-than", 0, "delete chunks older than this duration")
}
