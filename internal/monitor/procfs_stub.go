//go:build !linux

package monitor

import (
	"errors"

	"github.com/shirou/gopsutil/v3/load"
)

func sysinfoLoadAvg() (*load.AvgStat, error) {
	return nil, errors.New("sysinfo not available on this platform")
}

func procCPUCount() int { return 0 }
