package analysis

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/retrace-app/retrace/internal/provider"
)

// FFmpegFrameSampler extracts stills from batch videos for the local
// provider's vision model.
type FFmpegFrameSampler struct {
	workDir string
}

// NewFFmpegFrameSampler creates a sampler writing temporary stills under
// workDir.
func NewFFmpegFrameSampler(workDir string) *FFmpegFrameSampler {
	return &FFmpegFrameSampler{workDir: workDir}
}

// ExtractFrames samples one still per interval from the video.
func (s *FFmpegFrameSampler) ExtractFrames(ctx context.Context, videoPath string, interval time.Duration) ([]provider.FrameImage, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	dir, err := os.MkdirTemp(s.workDir, "frames-")
	if err != nil {
		return nil, fmt.Errorf("creating frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%g", interval.Seconds()),
		"-q:v", "4",
		filepath.Join(dir, "%06d.jpg"),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("sampling frames from %s: %w: %s", videoPath, err, strings.TrimSpace(string(out)))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing frames: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	frames := make([]provider.FrameImage, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading frame %s: %w", name, err)
		}
		frames = append(frames, provider.FrameImage{
			Offset: time.Duration(i) * interval,
			JPEG:   data,
		})
	}
	return frames, nil
}
