package unitymemory

import (
	"fmt"
	"path/filepath"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Process is a read-only handle to a running process
type Process struct {
	pid           uint32
	processHandle windows.Handle
	is64          bool
}

// OpenProcess opens the process with the specified ID for memory reads
func OpenProcess(pid uint32) (*Process, error) {
	hProcess, err := windows.OpenProcess(
		windows.PROCESS_VM_READ|windows.PROCESS_QUERY_INFORMATION,
		false,
		pid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open process: %w", err)
	}

	is64 := runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64"
	if is64 {
		var wow64 bool
		if err := windows.IsWow64Process(hProcess, &wow64); err != nil {
			windows.CloseHandle(hProcess)
			return nil, fmt.Errorf("failed to query process bitness: %w", err)
		}
		is64 = !wow64
	}

	return &Process{
		pid:           pid,
		processHandle: hProcess,
		is64:          is64,
	}, nil
}

// Close closes the process handle
func (p *Process) Close() error {
	if p.processHandle != 0 {
		windows.CloseHandle(p.processHandle)
		p.processHandle = 0
	}
	return nil
}

// GetPID returns the process ID that this handle is attached to
func (p *Process) GetPID() uint32 {
	return p.pid
}

// Is64Bit reports whether the target process is 64-bit
func (p *Process) Is64Bit() bool {
	return p.is64
}

// PointerSize returns the pointer width of the target process
func (p *Process) PointerSize() int {
	return pointerSize(p.is64)
}

// ReadMemory reads len(buf) bytes at addr. Partial reads are reported as errors.
func (p *Process) ReadMemory(addr Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	var bytesRead uintptr
	err := windows.ReadProcessMemory(p.processHandle, uintptr(addr), &buf[0], uintptr(len(buf)), &bytesRead)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrReadFailed, addr, err)
	}
	if int(bytesRead) != len(buf) {
		return fmt.Errorf("%w at %s: short read %d/%d", ErrReadFailed, addr, bytesRead, len(buf))
	}
	return nil
}

// Modules enumerates the modules loaded in the process
func (p *Process) Modules() ([]Module, error) {
	var modules [1024]windows.Handle
	var needed uint32
	err := windows.EnumProcessModulesEx(p.processHandle, &modules[0],
		uint32(unsafe.Sizeof(modules[0]))*uint32(len(modules)), &needed, windows.LIST_MODULES_ALL)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate modules: %w", err)
	}
	count := min(int(needed/uint32(unsafe.Sizeof(modules[0]))), len(modules))

	result := make([]Module, 0, count)
	for _, handle := range modules[:count] {
		var mi windows.ModuleInfo
		if err := windows.GetModuleInformation(p.processHandle, handle, &mi, uint32(unsafe.Sizeof(mi))); err != nil {
			continue
		}

		var path [windows.MAX_PATH]uint16
		if err := windows.GetModuleFileNameEx(p.processHandle, handle, &path[0], windows.MAX_PATH); err != nil {
			continue
		}
		fullPath := windows.UTF16ToString(path[:])

		result = append(result, Module{
			Name:    filepath.Base(fullPath),
			Path:    fullPath,
			Base:    Address(mi.BaseOfDll),
			Size:    uint64(mi.SizeOfImage),
			Version: fileVersion(fullPath),
		})
	}

	return result, nil
}

// fileVersion reads the fixed file version from the version resource of a file on disk.
// A zero Version is returned when the file carries no version resource.
func fileVersion(path string) Version {
	size, err := windows.GetFileVersionInfoSize(path, nil)
	if err != nil || size == 0 {
		return Version{}
	}

	data := make([]byte, size)
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&data[0])); err != nil {
		return Version{}
	}

	var fixed *windows.VS_FIXEDFILEINFO
	var fixedLen uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&data[0]), `\`, unsafe.Pointer(&fixed), &fixedLen); err != nil {
		return Version{}
	}
	if fixed == nil || fixedLen == 0 {
		return Version{}
	}

	return Version{
		Major:    int(fixed.FileVersionMS >> 16),
		Minor:    int(fixed.FileVersionMS & 0xFFFF),
		Build:    int(fixed.FileVersionLS >> 16),
		Revision: int(fixed.FileVersionLS & 0xFFFF),
	}
}
