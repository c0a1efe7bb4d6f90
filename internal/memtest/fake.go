// Package memtest provides an in-memory stand-in for a target process. Tests build
// synthetic runtime structures in it and hand it to walkers as a unitymemory.Memory.
package memtest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unicode/utf16"

	um "github.com/zhuweiyou/unitymemory"
)

const pageSize = 0x1000

// HeapBase is where Alloc starts handing out memory
const HeapBase um.Address = 0x10000000

// Fake is a sparse paged address space. Only pages that were written or allocated
// are readable; everything else fails like an unmapped page would.
type Fake struct {
	mu      sync.Mutex
	pages   map[uint64][]byte
	modules []um.Module
	is64    bool
	next    um.Address
	reads   int
}

// New creates an empty 64-bit or 32-bit address space
func New(is64 bool) *Fake {
	return &Fake{
		pages: make(map[uint64][]byte),
		is64:  is64,
		next:  HeapBase,
	}
}

// Is64Bit reports the bitness chosen at construction
func (f *Fake) Is64Bit() bool { return f.is64 }

// PointerSize returns 8 or 4
func (f *Fake) PointerSize() int {
	if f.is64 {
		return 8
	}
	return 4
}

// ReadMemory copies bytes out of mapped pages
func (f *Fake) ReadMemory(addr um.Address, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	for i := range buf {
		a := uint64(addr) + uint64(i)
		page, ok := f.pages[a/pageSize]
		if !ok {
			return fmt.Errorf("%w at %s", um.ErrReadFailed, um.Address(a))
		}
		buf[i] = page[a%pageSize]
	}
	return nil
}

// Modules returns the modules registered with AddModule
func (f *Fake) Modules() ([]um.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]um.Module(nil), f.modules...), nil
}

// Reads returns the number of ReadMemory calls so far
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Map makes [addr, addr+size) readable, zero filled where nothing was written yet
func (f *Fake) Map(addr um.Address, size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapLocked(uint64(addr), size)
}

func (f *Fake) mapLocked(addr uint64, size int) {
	if size <= 0 {
		return
	}
	for p := addr / pageSize; p <= (addr+uint64(size)-1)/pageSize; p++ {
		if _, ok := f.pages[p]; !ok {
			f.pages[p] = make([]byte, pageSize)
		}
	}
}

// Unmap drops the pages covering [addr, addr+size)
func (f *Fake) Unmap(addr um.Address, size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := uint64(addr) / pageSize; p <= (uint64(addr)+uint64(size)-1)/pageSize; p++ {
		delete(f.pages, p)
	}
}

// Write stores data at addr, mapping pages as needed
func (f *Fake) Write(addr um.Address, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mapLocked(uint64(addr), len(data))
	for i, b := range data {
		a := uint64(addr) + uint64(i)
		f.pages[a/pageSize][a%pageSize] = b
	}
}

// PutPointer stores a pointer-width value
func (f *Fake) PutPointer(addr, value um.Address) {
	if f.is64 {
		f.PutUint64(addr, uint64(value))
		return
	}
	f.PutUint32(addr, uint32(value))
}

// PutUint64 stores a little-endian uint64
func (f *Fake) PutUint64(addr um.Address, value uint64) {
	f.Write(addr, binary.LittleEndian.AppendUint64(nil, value))
}

// PutUint32 stores a little-endian uint32
func (f *Fake) PutUint32(addr um.Address, value uint32) {
	f.Write(addr, binary.LittleEndian.AppendUint32(nil, value))
}

// PutInt32 stores a little-endian int32
func (f *Fake) PutInt32(addr um.Address, value int32) {
	f.PutUint32(addr, uint32(value))
}

// PutInt16 stores a little-endian int16
func (f *Fake) PutInt16(addr um.Address, value int16) {
	f.Write(addr, binary.LittleEndian.AppendUint16(nil, uint16(value)))
}

// PutValue stores any fixed-size value
func (f *Fake) PutValue(addr um.Address, value any) {
	buf, err := binary.Append(nil, binary.LittleEndian, value)
	if err != nil {
		panic(err)
	}
	f.Write(addr, buf)
}

// PutCString stores s followed by a NUL byte
func (f *Fake) PutCString(addr um.Address, s string) {
	f.Write(addr, append([]byte(s), 0))
}

// PutUTF16 stores s as UTF-16 code units without a terminator
func (f *Fake) PutUTF16(addr um.Address, s string) {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	f.Write(addr, buf)
}

// Alloc reserves size zeroed bytes on a 16-byte boundary and returns their address
func (f *Fake) Alloc(size int) um.Address {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr := f.next
	f.mapLocked(uint64(addr), max(size, 1))
	f.next = (addr + um.Address(max(size, 1)) + 15) &^ 15
	return addr
}

// AllocCString stores s in freshly allocated memory and returns its address
func (f *Fake) AllocCString(s string) um.Address {
	addr := f.Alloc(len(s) + 1)
	f.PutCString(addr, s)
	return addr
}

// AllocPointers stores a pointer array in freshly allocated memory
func (f *Fake) AllocPointers(values ...um.Address) um.Address {
	addr := f.Alloc(len(values) * f.PointerSize())
	for i, v := range values {
		f.PutPointer(addr.Add(i*f.PointerSize()), v)
	}
	return addr
}

// AddModule registers a module and maps its image range
func (f *Fake) AddModule(name string, base um.Address, size int, version um.Version) um.Module {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := um.Module{
		Name:    name,
		Path:    `C:\Game\` + name,
		Base:    base,
		Size:    uint64(size),
		Version: version,
	}
	f.mapLocked(uint64(base), size)
	f.modules = append(f.modules, m)
	return m
}
