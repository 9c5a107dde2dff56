//go:build darwin

package capture

// grabCommand returns the macOS screen grab invocation for one frame.
// screencapture numbers displays from 1; displayID carries that number.
func grabCommand(displayID string) (string, []string) {
	args := []string{"-x", "-t", "jpg"}
	if displayID != "" {
		args = append(args, "-D", displayID)
	}
	args = append(args, "/dev/stdout")
	return "screencapture", args
}
