package unitymemory

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// FindProcessesByName finds all processes with the specified name
func FindProcessesByName(name string) ([]uint32, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	var pids []uint32
	for _, p := range procs {
		processName, err := p.Name()
		if err != nil {
			// exited or access denied
			continue
		}
		if strings.EqualFold(processName, name) {
			pids = append(pids, uint32(p.Pid))
		}
	}

	if len(pids) == 0 {
		return nil, fmt.Errorf("process not found: %s", name)
	}

	return pids, nil
}

// pointerSize derives the pointer width from the target's bitness
func pointerSize(is64 bool) int {
	if is64 {
		return 8
	}
	return 4
}
