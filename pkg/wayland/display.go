package wayland

import (
	"bytes"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Display describes the internal panel of the device.
type Display struct {
	Name     string
	Width    int
	Height   int
	Rotation int  // degrees
	Rotated  bool // whether a rotation was reported at all
}

var resolutionRe = regexp.MustCompile(`(\d{3,4})x(\d{3,4})`)

// DetectDisplay probes wlr-randr first and weston-info second for the
// internal panel's mode. Returns nil when neither tool finds one.
func DetectDisplay() *Display {
	if out, ok := runTool("wlr-randr"); ok {
		if d := parseWlrRandr(out); d != nil {
			return d
		}
	}
	if out, ok := runTool("weston-info"); ok {
		if d := parseWestonInfo(out); d != nil {
			return d
		}
	}
	return nil
}

func runTool(name string) (string, bool) {
	if _, err := exec.LookPath(name); err != nil {
		return "", false
	}
	cmd := exec.Command(name)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", false
		}
		return "", false
	}
	return buf.String(), true
}

// parseWlrRandr reads the indented per-output block format of wlr-randr.
func parseWlrRandr(out string) *Display {
	var display *Display
	var current string
	rotation, rotated := 0, false

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, " \t")
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, " ") {
			if display != nil {
				break
			}
			current = strings.Fields(line)[0]
			rotation, rotated = 0, false
			continue
		}
		if current == "" || !internalConnector(current) {
			continue
		}
		if idx := strings.Index(line, "Transform:"); idx >= 0 {
			rotation, rotated = transformToRotation(line[idx+len("Transform:"):])
		}
		if w, h, ok := extractResolution(line); ok {
			display = &Display{Name: current, Width: w, Height: h, Rotation: rotation, Rotated: rotated}
		}
	}
	return display
}

// parseWestonInfo reads the "output" interface dumps of weston-info.
func parseWestonInfo(out string) *Display {
	var current string
	rotation, rotated := 0, false

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "output") {
			fields := strings.Fields(line)
			if len(fields) > 1 {
				current = fields[1]
			}
			rotation, rotated = 0, false
			continue
		}
		if current == "" || !internalConnector(current) {
			continue
		}
		if idx := strings.Index(line, "transform="); idx >= 0 {
			rotation, rotated = transformToRotation(line[idx+len("transform="):])
		}
		if w, h, ok := extractResolution(line); ok {
			return &Display{Name: current, Width: w, Height: h, Rotation: rotation, Rotated: rotated}
		}
	}
	return nil
}

// internalConnector reports whether the output name looks like a built-in
// panel rather than an external monitor.
func internalConnector(name string) bool {
	lowered := strings.ToLower(name)
	for _, token := range []string{"edp", "dsi", "lvds", "panel", "default"} {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func extractResolution(line string) (int, int, bool) {
	m := resolutionRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return w, h, true
}

// transformToRotation maps compositor transform names to degrees.
func transformToRotation(value string) (int, bool) {
	lowered := strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.Contains(lowered, "270") || strings.Contains(lowered, "left"):
		return 270, true
	case strings.Contains(lowered, "180") || strings.Contains(lowered, "inverted"):
		return 180, true
	case strings.Contains(lowered, "90") || strings.Contains(lowered, "right"):
		return 90, true
	case strings.Contains(lowered, "0") || strings.Contains(lowered, "normal"):
		return 0, true
	default:
		return 0, false
	}
}
