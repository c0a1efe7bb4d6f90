//go:build !windows && !linux

package unitymemory

import (
	"errors"
	"runtime"
)

// Process is unavailable on this platform
type Process struct{}

// OpenProcess always fails on platforms without a remote memory backend
func OpenProcess(pid uint32) (*Process, error) {
	return nil, errors.New("process memory access is not supported on " + runtime.GOOS)
}

func (p *Process) Close() error { return nil }

func (p *Process) GetPID() uint32 { return 0 }

func (p *Process) Is64Bit() bool { return true }

func (p *Process) PointerSize() int { return pointerSize(true) }

func (p *Process) ReadMemory(addr Address, buf []byte) error { return ErrReadFailed }

func (p *Process) Modules() ([]Module, error) { return nil, ErrReadFailed }
