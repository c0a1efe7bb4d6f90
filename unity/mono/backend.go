// Package mono reads the metadata of Unity games running on the Mono scripting
// backend, both the legacy mono.dll and mono-2.0-bdwgc.dll, 32-bit and 64-bit.
package mono

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/unity"
)

// ErrAssembliesNotFound is returned when mono_assembly_foreach does not reference
// the assembly list
var ErrAssembliesNotFound = errors.New("failed to resolve the Mono assemblies address")

const (
	assemblyForeachExport = "mono_assembly_foreach"
	foreachSearchSize     = 0x100

	maxAssemblies   = 4096
	maxCacheSize    = 1 << 16
	maxClasses      = 1 << 20
	maxFieldCount   = 1 << 16
	classNameLen    = 128
	namespaceLen    = 64
	fieldNameLen    = 128
	assemblyNameLen = 128
)

var (
	// mov rcx, [rip+assemblies]
	assemblies64Pattern = um.MustScanPattern(3, "48 8B 0D")

	// push [assemblies] / mov ecx, [assemblies]
	assemblies32Patterns = []*um.ScanPattern{
		um.MustScanPattern(2, "FF 35"),
		um.MustScanPattern(2, "8B 0D"),
	}
)

// Backend implements unity.Backend for Mono
type Backend struct {
	mem     um.Memory
	version Version
	offsets Offsets

	// assemblies is the global holding the head of the GList of loaded assemblies
	assemblies um.Address
}

var _ unity.Backend = (*Backend)(nil)

// New detects the Mono version and creates a manager for the process
func New(mem um.Memory, opts ...unity.Option) (*unity.Manager, error) {
	version, err := DetectVersion(mem)
	if err != nil {
		return nil, err
	}
	return NewWithVersion(mem, version, opts...)
}

// NewWithVersion creates a manager using an explicit Mono version
func NewWithVersion(mem um.Memory, version Version, opts ...unity.Option) (*unity.Manager, error) {
	b, err := NewBackend(mem, version)
	if err != nil {
		return nil, err
	}

	m := unity.NewManager(b, opts...)
	m.Logger().Infof("Mono %s (%d-bit): assemblies at %s", version, mem.PointerSize()*8, b.assemblies)
	return m, nil
}

// FindModule returns the Mono runtime module loaded by the process
func FindModule(mem um.Memory) (um.Module, error) {
	for _, name := range []string{legacyMonoModule, bdwgcMonoModule} {
		if module, err := um.ModuleByName(mem, name); err == nil {
			return module, nil
		}
	}
	return um.Module{}, fmt.Errorf("%w: %s or %s", um.ErrModuleNotFound, legacyMonoModule, bdwgcMonoModule)
}

// NewBackend locates the assembly list through the code of mono_assembly_foreach
func NewBackend(mem um.Memory, version Version) (*Backend, error) {
	offsets, err := OffsetsFor(version, mem.Is64Bit())
	if err != nil {
		return nil, err
	}

	module, err := FindModule(mem)
	if err != nil {
		return nil, err
	}

	foreach, err := um.ExportAddress(mem, module, assemblyForeachExport)
	if err != nil {
		return nil, err
	}

	scanner := um.NewScanner(mem)
	region := um.Region{Base: foreach, Size: foreachSearchSize}

	assemblies := um.InvalidAddress
	if mem.Is64Bit() {
		assemblies = scanner.Scan(assemblies64Pattern.WithResolver(um.RIPRelative(mem)), region)
	} else {
		for _, pattern := range assemblies32Patterns {
			assemblies = scanner.Scan(pattern.WithResolver(um.Absolute32(mem)), region)
			if assemblies != um.InvalidAddress {
				break
			}
		}
	}
	if assemblies == um.InvalidAddress {
		return nil, ErrAssembliesNotFound
	}

	return &Backend{
		mem:        mem,
		version:    version,
		offsets:    offsets,
		assemblies: assemblies,
	}, nil
}

// Version returns the structure generation the backend was built for
func (b *Backend) Version() Version {
	return b.version
}

// Offsets returns the offset table in use
func (b *Backend) Offsets() Offsets {
	return b.offsets
}

// AssembliesRoot returns the address of the global holding the assembly list
func (b *Backend) AssembliesRoot() um.Address {
	return b.assemblies
}

func (b *Backend) Memory() um.Memory {
	return b.mem
}

// Assemblies walks the GList of loaded assemblies. Each node is a {data, next}
// pair of pointers.
func (b *Backend) Assemblies() iter.Seq[um.Address] {
	return func(yield func(um.Address) bool) {
		node, ok := nonNullPointer(b.mem, b.assemblies)
		if !ok {
			return
		}

		var link [2]um.Address
		for range maxAssemblies {
			if !um.ReadPointers(b.mem, node, link[:]) {
				return
			}
			if link[0] != um.InvalidAddress && !yield(link[0]) {
				return
			}
			if link[1] == um.InvalidAddress {
				return
			}
			node = link[1]
		}
	}
}

func (b *Backend) AssemblyName(assembly um.Address) (string, bool) {
	return um.ReadCStringPtr(b.mem, assembly.Add(b.offsets.Assembly.Aname), assemblyNameLen)
}

func (b *Backend) AssemblyImage(assembly um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, assembly.Add(b.offsets.Assembly.Image))
}

var (
	pointerBuffers = sync.Pool{
		New: func() any {
			buf := make([]um.Address, 0, 1024)
			return &buf
		},
	}
	fieldBuffers = sync.Pool{
		New: func() any {
			buf := make([]byte, 0, 4096)
			return &buf
		},
	}
)

// Classes walks the class cache hash table of an image. Every bucket is a chain of
// class definitions linked through next_class_cache.
func (b *Backend) Classes(image um.Address) iter.Seq[um.Address] {
	return func(yield func(um.Address) bool) {
		cache := image.Add(b.offsets.Image.ClassCache)
		size, ok := um.ReadInt32(b.mem, cache.Add(b.offsets.Hashtable.Size))
		if !ok || size <= 0 || size > maxCacheSize {
			return
		}
		table, ok := nonNullPointer(b.mem, cache.Add(b.offsets.Hashtable.Table))
		if !ok {
			return
		}

		bufp := pointerBuffers.Get().(*[]um.Address)
		defer pointerBuffers.Put(bufp)
		if cap(*bufp) < int(size) {
			*bufp = make([]um.Address, size)
		}
		buckets := (*bufp)[:size]
		if !um.ReadPointers(b.mem, table, buckets) {
			return
		}

		seen := 0
		for _, entry := range buckets {
			for entry != um.InvalidAddress && seen < maxClasses {
				class, ok := nonNullPointer(b.mem, entry)
				if !ok {
					break
				}
				seen++
				if !yield(class) {
					return
				}
				entry, _ = um.ReadPointer(b.mem, entry.Add(b.offsets.Class.NextClassCache))
			}
		}
	}
}

func (b *Backend) ClassName(class um.Address) (string, bool) {
	return um.ReadCStringPtr(b.mem, class.Add(b.offsets.Class.Klass+b.offsets.Class.Name), classNameLen)
}

func (b *Backend) ClassNamespace(class um.Address) (string, bool) {
	return um.ReadCStringPtr(b.mem, class.Add(b.offsets.Class.Klass+b.offsets.Class.Namespace), namespaceLen)
}

func (b *Backend) ClassParent(class um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, class.Add(b.offsets.Class.Klass+b.offsets.Class.Parent))
}

// ClassImage is not recorded in a form the backend reads; parents are resolved
// through the class registry instead
func (b *Backend) ClassImage(um.Address) (um.Address, bool) {
	return um.InvalidAddress, false
}

// Fields reads the MonoClassField array of the class in one go
func (b *Backend) Fields(class um.Address) iter.Seq[unity.FieldInfo] {
	return func(yield func(unity.FieldInfo) bool) {
		count, ok := um.ReadInt32(b.mem, class.Add(b.offsets.Class.FieldCount))
		if !ok || count <= 0 || count > maxFieldCount {
			return
		}
		fields, ok := nonNullPointer(b.mem, class.Add(b.offsets.Class.Klass+b.offsets.Class.Fields))
		if !ok {
			return
		}

		stride := b.offsets.Field.StructSize
		bufp := fieldBuffers.Get().(*[]byte)
		defer fieldBuffers.Put(bufp)
		if cap(*bufp) < int(count)*stride {
			*bufp = make([]byte, int(count)*stride)
		}
		raw := (*bufp)[:int(count)*stride]
		if b.mem.ReadMemory(fields, raw) != nil {
			return
		}

		for i := range int(count) {
			entry := raw[i*stride : (i+1)*stride]
			namePtr := b.pointerAt(entry, b.offsets.Field.Name)
			offset := int32(binary.LittleEndian.Uint32(entry[b.offsets.Field.Offset:]))

			name, ok := um.ReadCString(b.mem, namePtr, fieldNameLen)
			if !ok {
				continue
			}
			if !yield(unity.FieldInfo{Name: name, Offset: int(offset)}) {
				return
			}
		}
	}
}

func (b *Backend) pointerAt(raw []byte, off int) um.Address {
	if b.mem.PointerSize() == 8 {
		return um.Address(binary.LittleEndian.Uint64(raw[off:]))
	}
	return um.Address(binary.LittleEndian.Uint32(raw[off:]))
}

// StaticTable finds the static field storage through the vtable of the first
// domain: runtime_info -> domain_vtables[0] -> static data slot
func (b *Backend) StaticTable(class um.Address) (um.Address, bool) {
	klass := class.Add(b.offsets.Class.Klass)
	runtimeInfo, ok := nonNullPointer(b.mem, klass.Add(b.offsets.Class.RuntimeInfo))
	if !ok {
		return um.InvalidAddress, false
	}
	vtable, ok := nonNullPointer(b.mem, runtimeInfo.Add(b.offsets.RuntimeInfo.DomainVTables))
	if !ok {
		return um.InvalidAddress, false
	}

	var slot um.Address
	if b.version.staticsInData() {
		slot = vtable.Add(b.offsets.VTable.Data)
	} else {
		size, ok := um.ReadInt32(b.mem, klass.Add(b.offsets.Class.VTableSize))
		if !ok || size < 0 {
			return um.InvalidAddress, false
		}
		slot = vtable.Add(b.offsets.VTable.VTable + int(size)*b.mem.PointerSize())
	}
	return nonNullPointer(b.mem, slot)
}

// ObjectClass follows the object's vtable to its class
func (b *Backend) ObjectClass(object um.Address) (um.Address, bool) {
	vtable, ok := nonNullPointer(b.mem, object)
	if !ok {
		return um.InvalidAddress, false
	}
	return nonNullPointer(b.mem, vtable)
}

func nonNullPointer(mem um.Memory, addr um.Address) (um.Address, bool) {
	ptr, ok := um.ReadPointer(mem, addr)
	if !ok || ptr == um.InvalidAddress {
		return um.InvalidAddress, false
	}
	return ptr, true
}

func (b *Backend) String() string {
	return fmt.Sprintf("Mono %s", b.version)
}
