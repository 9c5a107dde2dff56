package display

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// boundaryMargin is how close (in pixels) the cursor must be to a display
// edge before a probe reports NearBoundary.
const boundaryMargin = 64

// monitorGeometry is one attached display with its position in the virtual
// desktop. Position only matters on platforms where the cursor decides which
// display is active.
type monitorGeometry struct {
	ID      string
	Width   int
	Height  int
	X       int
	Y       int
	Primary bool
}

// parseXRandr extracts connected monitors from `xrandr --query` output.
// Lines look like "DP-1 connected primary 2560x1440+0+0 (normal ...) 597mm x 336mm".
func parseXRandr(out string) ([]monitorGeometry, error) {
	var mons []monitorGeometry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "connected" {
			continue
		}

		m := monitorGeometry{ID: fields[0]}
		for _, f := range fields[2:] {
			if f == "primary" {
				m.Primary = true
				continue
			}
			if n, _ := fmt.Sscanf(f, "%dx%d+%d+%d", &m.Width, &m.Height, &m.X, &m.Y); n == 4 {
				break
			}
		}
		if m.Width == 0 || m.Height == 0 {
			// Connected but inactive output (no mode set); skip it.
			continue
		}
		mons = append(mons, m)
	}
	if len(mons) == 0 {
		return nil, fmt.Errorf("no active displays in xrandr output")
	}
	return mons, nil
}

// parseMouseLocation reads `xdotool getmouselocation --shell` output
// ("X=123\nY=456\n...").
func parseMouseLocation(out string) (int, int, error) {
	x, y := -1, -1
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		switch k {
		case "X":
			x = n
		case "Y":
			y = n
		}
	}
	if x < 0 || y < 0 {
		return 0, 0, fmt.Errorf("no cursor position in xdotool output")
	}
	return x, y, nil
}

// activeMonitor picks the monitor containing the cursor, falling back to the
// primary and then the first.
func activeMonitor(mons []monitorGeometry, x, y int) monitorGeometry {
	for _, m := range mons {
		if x >= m.X && x < m.X+m.Width && y >= m.Y && y < m.Y+m.Height {
			return m
		}
	}
	for _, m := range mons {
		if m.Primary {
			return m
		}
	}
	return mons[0]
}

// nearEdge reports whether the cursor sits within margin pixels of any edge
// of the monitor it is on. Only meaningful with more than one display.
func nearEdge(m monitorGeometry, x, y, margin int) bool {
	return x-m.X < margin || m.X+m.Width-x <= margin ||
		y-m.Y < margin || m.Y+m.Height-y <= margin
}

func configFromMonitors(mons []monitorGeometry, activeID string) Configuration {
	cfg := Configuration{
		ActiveDisplayID: activeID,
		Resolutions:     make(map[string]Resolution, len(mons)),
	}
	for _, m := range mons {
		cfg.DisplayIDs = append(cfg.DisplayIDs, m.ID)
		cfg.Resolutions[m.ID] = Resolution{Width: m.Width, Height: m.Height}
	}
	sort.Strings(cfg.DisplayIDs)
	return cfg
}
