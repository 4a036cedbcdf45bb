//go:build linux

package monitor

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// readBattery scans dir for the first supply of type Battery and returns its
// capacity and whether it is charging. Best-effort: ok is false when no
// battery is present or parsing fails.
func readBattery(dir string) (percent int, charging bool, ok bool) {
	if dir == "" {
		return 0, false, false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, false
	}
	for _, e := range entries {
		base := filepath.Join(dir, e.Name())
		if readTrimmed(filepath.Join(base, "type")) != "Battery" {
			continue
		}
		capStr := readTrimmed(filepath.Join(base, "capacity"))
		n, err := strconv.Atoi(capStr)
		if err != nil {
			continue
		}
		status := readTrimmed(filepath.Join(base, "status"))
		return clampPercent(n), status == "Charging" || status == "Full", true
	}
	return 0, false, false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ProcessRSS returns the resident set size of this process in bytes.
func ProcessRSS() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

func clampPercent(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
