package capture

import (
	"context"
	"time"
)

// Frame is one encoded screen image with its capture timestamp.
type Frame struct {
	Timestamp time.Time
	Data      []byte
}

// Source produces frames for a display at the configured low frame rate.
// Start returns the frame channel; the source owns the channel and closes it
// when stopped. A Source may be restarted after Stop (targeting a different
// display on reconfiguration).
type Source interface {
	Start(ctx context.Context, displayID string) (<-chan Frame, error)
	Stop()
}
