package unitymemory

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// mapsLineRegex matches "start-end perms offset dev inode path" lines of /proc/<pid>/maps
var mapsLineRegex = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+(\S+)\s+\S+\s+\S+\s+\d+\s+(.*)$`)

// Process is a read-only handle to a running process. On Linux it targets games
// running under Wine or Proton, whose PE images are mapped from disk.
type Process struct {
	pid  uint32
	fd   int
	is64 bool
}

// OpenProcess opens /proc/<pid>/mem of the specified process for reading
func OpenProcess(pid uint32) (*Process, error) {
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open process: %w", err)
	}

	p := &Process{pid: pid, fd: fd, is64: true}
	p.is64 = p.detectBitness()
	return p, nil
}

// Close closes the memory file
func (p *Process) Close() error {
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
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

	n, err := unix.Pread(p.fd, buf, int64(addr))
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrReadFailed, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w at %s: short read %d/%d", ErrReadFailed, addr, n, len(buf))
	}
	return nil
}

// Modules groups the file-backed mappings of the process by path. Every mapping of
// one file is folded into a single span from its lowest to its highest address.
func (p *Process) Modules() ([]Module, error) {
	mapFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate modules: %w", err)
	}
	defer mapFile.Close()

	var modules []Module
	index := make(map[string]int)

	scanner := bufio.NewScanner(mapFile)
	for scanner.Scan() {
		subMatch := mapsLineRegex.FindStringSubmatch(scanner.Text())
		if len(subMatch) != 5 {
			continue
		}
		path := strings.TrimSpace(subMatch[4])
		if !strings.HasPrefix(path, "/") {
			continue
		}

		start, err1 := strconv.ParseUint(subMatch[1], 16, 64)
		end, err2 := strconv.ParseUint(subMatch[2], 16, 64)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}

		i, ok := index[path]
		if !ok {
			index[path] = len(modules)
			modules = append(modules, Module{
				Name: filepath.Base(path),
				Path: path,
				Base: Address(start),
				Size: end - start,
			})
			continue
		}

		m := &modules[i]
		moduleEnd := uint64(m.Base) + m.Size
		if Address(start) < m.Base {
			m.Base = Address(start)
		}
		m.Size = max(moduleEnd, end) - uint64(m.Base)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}

	return modules, nil
}

// detectBitness prefers the PE header of the mapped game executable and falls back
// to the ELF class of the process image
func (p *Process) detectBitness() bool {
	if modules, err := p.Modules(); err == nil {
		for _, m := range modules {
			if !strings.EqualFold(filepath.Ext(m.Name), ".exe") {
				continue
			}
			if magic, ok := PEMagic(p, m.Base); ok {
				return magic == optionalMagicPE32P
			}
		}
	}

	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", p.pid))
	if err != nil {
		return true
	}
	defer f.Close()
	return f.Class == elf.ELFCLASS64
}
