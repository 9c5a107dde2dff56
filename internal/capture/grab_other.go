//go:build !darwin

package capture

// grabCommand returns the X11 screen grab invocation for one frame.
func grabCommand(displayID string) (string, []string) {
	display := displayID
	if display == "" {
		display = ":0"
	}
	return "ffmpeg", []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "x11grab", "-i", display,
		"-frames:v", "1",
		"-f", "mjpeg", "-",
	}
}
