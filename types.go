package unitymemory

import (
	"errors"
	"fmt"
	"strings"
)

// Address represents a memory address
type Address uint64

// InvalidAddress is returned when an address could not be resolved
const InvalidAddress Address = 0

// String returns the hexadecimal representation of the address
func (a Address) String() string {
	return fmt.Sprintf("0x%X", uint64(a))
}

// Add returns the address moved by a signed byte offset
func (a Address) Add(offset int) Address {
	return Address(int64(a) + int64(offset))
}

// IsValid reports whether the address is not the null sentinel
func (a Address) IsValid() bool {
	return a != InvalidAddress
}

// Version is the file version embedded in a module's version resource
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// IsZero reports whether no version information was available
func (v Version) IsZero() bool {
	return v == Version{}
}

// String returns the dotted representation of the version
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Module describes an image loaded into the target process
type Module struct {
	Name    string
	Path    string
	Base    Address
	Size    uint64
	Version Version
}

// Region returns the memory span covered by the module
func (m Module) Region() Region {
	return Region{Base: m.Base, Size: m.Size}
}

// Region is a [Base, Base+Size) window of target memory
type Region struct {
	Base Address
	Size uint64
}

// End returns the first address past the region
func (r Region) End() Address {
	return r.Base + Address(r.Size)
}

// Contains reports whether addr lies inside the region
func (r Region) Contains(addr Address) bool {
	return addr >= r.Base && addr < r.End()
}

// Memory is the read-only view of a target process that every walker consumes.
// Implementations must report an error instead of panicking on unreadable addresses.
type Memory interface {
	// ReadMemory fills buf with the bytes starting at addr
	ReadMemory(addr Address, buf []byte) error
	// Modules returns the images currently loaded in the process
	Modules() ([]Module, error)
	// Is64Bit reports whether the target process is 64-bit
	Is64Bit() bool
	// PointerSize returns 8 for 64-bit targets and 4 otherwise
	PointerSize() int
}

var (
	// ErrModuleNotFound is returned when a required module is not loaded
	ErrModuleNotFound = errors.New("module not found")
	// ErrReadFailed is returned when target memory could not be read
	ErrReadFailed = errors.New("failed to read process memory")
)

// ModuleByName finds a loaded module by its file name, ignoring case
func ModuleByName(mem Memory, name string) (Module, error) {
	modules, err := mem.Modules()
	if err != nil {
		return Module{}, fmt.Errorf("failed to enumerate modules: %w", err)
	}

	for _, m := range modules {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}

	return Module{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
}

// HasModule reports whether a module with the given name is loaded
func HasModule(mem Memory, name string) bool {
	_, err := ModuleByName(mem, name)
	return err == nil
}
