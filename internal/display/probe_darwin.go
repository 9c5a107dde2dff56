//go:build darwin

package display

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SystemProber reads the attached display set from system_profiler. Display
// IDs are 1-based indices matching what `screencapture -D` expects.
type SystemProber struct{}

func NewSystemProber() *SystemProber { return &SystemProber{} }

func (p *SystemProber) Probe(ctx context.Context) (Sample, error) {
	out, err := exec.CommandContext(ctx, "system_profiler", "-json", "SPDisplaysDataType").Output()
	if err != nil {
		return Sample{}, fmt.Errorf("probing displays: %w", err)
	}
	cfg, err := parseSystemProfiler(out)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Config: cfg}, nil
}

type spReport struct {
	SPDisplaysDataType []struct {
		Ndrvs []spDisplay `json:"spdisplays_ndrvs"`
	} `json:"SPDisplaysDataType"`
}

type spDisplay struct {
	Name   string `json:"_name"`
	Pixels string `json:"_spdisplays_pixels"` // "2560 x 1440"
	Main   string `json:"spdisplays_main"`    // "spdisplays_yes" on the active display
}

func parseSystemProfiler(data []byte) (Configuration, error) {
	var report spReport
	if err := json.Unmarshal(data, &report); err != nil {
		return Configuration{}, fmt.Errorf("parsing system_profiler output: %w", err)
	}

	var mons []monitorGeometry
	active := ""
	for _, gpu := range report.SPDisplaysDataType {
		for _, d := range gpu.Ndrvs {
			id := strconv.Itoa(len(mons) + 1)
			var w, h int
			fmt.Sscanf(strings.ReplaceAll(d.Pixels, " ", ""), "%dx%d", &w, &h)
			mons = append(mons, monitorGeometry{ID: id, Width: w, Height: h})
			if d.Main == "spdisplays_yes" {
				active = id
			}
		}
	}
	if len(mons) == 0 {
		return Configuration{}, fmt.Errorf("no displays in system_profiler output")
	}
	if active == "" {
		active = mons[0].ID
	}
	return configFromMonitors(mons, active), nil
}
