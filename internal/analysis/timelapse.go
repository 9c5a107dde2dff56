package analysis

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// timelapseSpeedup compresses a batch video into a short clip. 30x turns
// 15 minutes of capture into a 30 second timelapse.
const timelapseSpeedup = 30

// generateTimelapse renders a sped-up clip of the stitched batch video.
func generateTimelapse(ctx context.Context, dir, batchID, sourcePath string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating timelapse dir: %w", err)
	}

	outPath := filepath.Join(dir, batchID+".mp4")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", sourcePath,
		"-filter:v", fmt.Sprintf("setpts=PTS/%d", timelapseSpeedup),
		"-an",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("rendering timelapse for batch %s: %w: %s", batchID, err, strings.TrimSpace(string(out)))
	}
	return outPath, nil
}
