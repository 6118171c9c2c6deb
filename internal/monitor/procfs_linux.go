//go:build linux

package monitor

import (
	"bufio"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/load"
	"golang.org/x/sys/unix"
)

// sysinfoLoadAvg reads load averages straight from the sysinfo syscall.
// Secondary source for containers where gopsutil's procfs path misbehaves.
func sysinfoLoadAvg() (*load.AvgStat, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, err
	}
	// Loads are fixed-point with a 16-bit fractional part.
	const scale = 1 << 16
	return &load.AvgStat{
		Load1:  float64(info.Loads[0]) / scale,
		Load5:  float64(info.Loads[1]) / scale,
		Load15: float64(info.Loads[2]) / scale,
	}, nil
}

// procCPUCount counts logical CPUs from /proc/cpuinfo, falling back to the
// per-cpu lines of /proc/stat. Returns 0 if neither source is readable.
func procCPUCount() int {
	if count := countLines("/proc/cpuinfo", "processor"); count > 0 {
		return count
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "cpu") && line != "cpu" && !strings.HasPrefix(line, "cpu ") {
			count++
		}
	}
	return count
}

func countLines(path, prefix string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), prefix) {
			count++
		}
	}
	return count
}
