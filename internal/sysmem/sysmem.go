// Package sysmem checks resident memory against the configured admission
// limits.
package sysmem

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
)

// HardLimitError is raised when system memory usage crosses the hard limit;
// the task carrying it must fail.
type HardLimitError struct {
	UsedPercent float64
	Limit       int
}

func (e *HardLimitError) Error() string {
	return fmt.Sprintf("using more memory than allowed by configuration "+
		"(used: %.0f%% / allowed: %d%%), shutting down", e.UsedPercent, e.Limit)
}

// Check compares current system memory usage with the soft and hard limits,
// given as percentages of total RAM. It returns a non-empty warning when the
// soft limit is crossed and a HardLimitError when the hard limit is.
func Check(softPercent, hardPercent int) (warning string, err error) {
	vm, verr := mem.VirtualMemory()
	if verr != nil {
		return "", nil // no visibility, no enforcement
	}
	if vm.UsedPercent > float64(hardPercent) {
		return "", &HardLimitError{UsedPercent: vm.UsedPercent, Limit: hardPercent}
	}
	if vm.UsedPercent > float64(softPercent) {
		host, _ := os.Hostname()
		return fmt.Sprintf("using over %d%% of the memory in %s", softPercent, host), nil
	}
	return "", nil
}
