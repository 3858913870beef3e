package queue

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// logicalCores returns the logical CPU count, falling back to GOMAXPROCS
func logicalCores() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// memoryStats returns total and available memory in bytes
func memoryStats() (total, available uint64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}
