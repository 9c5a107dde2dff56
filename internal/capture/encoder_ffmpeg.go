package capture

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// ffmpegEncoder pipes JPEG frames into an ffmpeg process producing an MP4
// segment. Close is idempotent: after the first attempt the cached result is
// returned, so finalize retries don't double-close the process.
type ffmpegEncoder struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	path  string

	closed   bool
	closeErr error
	size     int64
}

// NewFFmpegEncoderFactory returns an EncoderFactory producing MP4 segments at
// the given input frame rate.
func NewFFmpegEncoderFactory(fps float64) EncoderFactory {
	return func(path string) (Encoder, error) {
		return newFFmpegEncoder(path, fps)
	}
}

func newFFmpegEncoder(path string, fps float64) (*ffmpegEncoder, error) {
	if fps <= 0 {
		fps = 1
	}
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening ffmpeg stdin: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	return &ffmpegEncoder{cmd: cmd, stdin: stdin, path: path}, nil
}

func (e *ffmpegEncoder) WriteFrame(f Frame) error {
	if e.closed {
		return fmt.Errorf("encoder for %s already closed", e.path)
	}
	if _, err := e.stdin.Write(f.Data); err != nil {
		return fmt.Errorf("writing frame to ffmpeg: %w", err)
	}
	return nil
}

func (e *ffmpegEncoder) Close() (int64, error) {
	if e.closed {
		return e.size, e.closeErr
	}
	e.closed = true

	e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		e.closeErr = fmt.Errorf("ffmpeg exited: %w", err)
		return 0, e.closeErr
	}

	info, err := os.Stat(e.path)
	if err != nil {
		e.closeErr = fmt.Errorf("stat segment file: %w", err)
		return 0, e.closeErr
	}
	e.size = info.Size()
	return e.size, nil
}
