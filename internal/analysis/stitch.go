package analysis

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/retrace-app/retrace/internal/storage"
)

// stitchChunks concatenates a batch's segment files into one video using the
// ffmpeg concat demuxer. Segments share a codec, so this is a remux, not a
// re-encode. The caller removes the output when done.
func stitchChunks(ctx context.Context, workDir string, batchID string, chunks []storage.Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("batch %s has no chunks to stitch", batchID)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("creating work dir: %w", err)
	}

	listPath := filepath.Join(workDir, batchID+".txt")
	var list strings.Builder
	for _, c := range chunks {
		// Concat list entries use single quotes; escape any in the path.
		escaped := strings.ReplaceAll(c.FilePath, "'", `'\''`)
		fmt.Fprintf(&list, "file '%s'\n", escaped)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing concat list: %w", err)
	}
	defer os.Remove(listPath)

	outPath := filepath.Join(workDir, batchID+".mp4")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("stitching batch %s: %w: %s", batchID, err, strings.TrimSpace(string(out)))
	}
	return outPath, nil
}
