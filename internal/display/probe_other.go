//go:build !darwin

package display

import (
	"context"
	"fmt"
	"os/exec"
)

// SystemProber reads display geometry from xrandr and the cursor position
// from xdotool. The cursor decides which display is active; when xdotool is
// unavailable the primary output wins and boundary hysteresis is disabled.
type SystemProber struct{}

func NewSystemProber() *SystemProber { return &SystemProber{} }

func (p *SystemProber) Probe(ctx context.Context) (Sample, error) {
	out, err := exec.CommandContext(ctx, "xrandr", "--query").Output()
	if err != nil {
		return Sample{}, fmt.Errorf("probing displays: %w", err)
	}
	mons, err := parseXRandr(string(out))
	if err != nil {
		return Sample{}, err
	}

	x, y := -1, -1
	if mouseOut, mouseErr := exec.CommandContext(ctx, "xdotool", "getmouselocation", "--shell").Output(); mouseErr == nil {
		if px, py, perr := parseMouseLocation(string(mouseOut)); perr == nil {
			x, y = px, py
		}
	}

	active := activeMonitor(mons, x, y)
	near := x >= 0 && len(mons) > 1 && nearEdge(active, x, y, boundaryMargin)
	return Sample{Config: configFromMonitors(mons, active.ID), NearBoundary: near}, nil
}
