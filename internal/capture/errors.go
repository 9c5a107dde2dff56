package capture

import "errors"

var (
	// ErrPermissionDenied means the OS refused screen-recording access.
	ErrPermissionDenied = errors.New("screen recording permission denied")

	// ErrInsufficientDiskSpace means free space fell below the configured
	// minimum; the orchestrator refuses to open a segment.
	ErrInsufficientDiskSpace = errors.New("insufficient disk space")

	// ErrNotIdle is returned by Start when a session is already active.
	ErrNotIdle = errors.New("capture already active")

	// ErrNotActive is returned by Stop/Pause/Resume when there is no session.
	ErrNotActive = errors.New("capture not active")

	// ErrNonMonotonicFrame means a frame arrived with a timestamp at or
	// before the previous frame. Frame timestamps must strictly increase.
	ErrNonMonotonicFrame = errors.New("frame timestamp not monotonically increasing")
)
