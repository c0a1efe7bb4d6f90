// Package il2cpp reads the metadata of Unity games built with the IL2CPP scripting
// backend. Only 64-bit games are supported.
package il2cpp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/unity"
)

var (
	// ErrUnsupportedBitness is returned for 32-bit targets
	ErrUnsupportedBitness = errors.New("32-bit versions of IL2CPP are not supported")
	// ErrAssembliesNotFound is returned when the assembly list cannot be located
	ErrAssembliesNotFound = errors.New("failed to resolve IL2CPP assemblies")
	// ErrMetadataStringNotFound is returned when GameAssembly.dll lacks the metadata file name
	ErrMetadataStringNotFound = errors.New("global-metadata.dat string not found")
	// ErrMetadataLeaNotFound is returned when no instruction loads the metadata file name
	ErrMetadataLeaNotFound = errors.New("lea referencing global-metadata.dat not found")
	// ErrShiftNotFound is returned when the shift after the metadata load is missing
	ErrShiftNotFound = errors.New("shr after metadata load not found")
	// ErrTypeInfoTableNotFound is returned when the type info table store is missing
	ErrTypeInfoTableNotFound = errors.New("type info definition table not found")
)

const (
	maxAssemblies   = 4096
	maxTypeCount    = 1 << 20
	classNameLen    = 128
	namespaceLen    = 64
	fieldNameLen    = 64
	assemblyNameLen = 128

	leaSearchSize   = 0x200
	storeSearchSize = 0x100
)

var (
	assembliesPattern  = um.MustScanPattern(5, "75 ?? 48 8B 1D ?? ?? ?? ?? 48 3B 1D")
	metadataFileString = um.MustScanPattern(0, "67 6C 6F 62 61 6C 2D 6D 65 74 61 64 61 74 61 2E 64 61 74 00")
	leaRCXPattern      = um.MustScanPattern(3, "48 8D 0D")
	shrRCXPattern      = um.MustScanPattern(3, "48 C1 E9")
	storeRAXPattern    = um.MustScanPattern(3, "48 89 05")
)

// Backend implements unity.Backend for IL2CPP
type Backend struct {
	mem     um.Memory
	version Version
	offsets Offsets

	// assemblies holds the begin and end pointers of the assembly vector
	assemblies um.Address
	// typeInfoTable is the global that points to the runtime class table
	typeInfoTable um.Address
}

var _ unity.Backend = (*Backend)(nil)

// New detects the IL2CPP version and creates a manager for the process
func New(mem um.Memory, opts ...unity.Option) (*unity.Manager, error) {
	version, err := DetectVersion(mem)
	if err != nil {
		return nil, err
	}
	return NewWithVersion(mem, version, opts...)
}

// NewWithVersion creates a manager using an explicit IL2CPP version
func NewWithVersion(mem um.Memory, version Version, opts ...unity.Option) (*unity.Manager, error) {
	b, err := NewBackend(mem, version)
	if err != nil {
		return nil, err
	}

	m := unity.NewManager(b, opts...)
	m.Logger().Infof("IL2CPP %s: assemblies at %s, type info table at %s", version, b.assemblies, b.typeInfoTable)
	return m, nil
}

// NewBackend locates the assembly list and the type info table of the process
func NewBackend(mem um.Memory, version Version) (*Backend, error) {
	if !mem.Is64Bit() {
		return nil, ErrUnsupportedBitness
	}

	offsets, err := OffsetsFor(version)
	if err != nil {
		return nil, err
	}

	module, err := um.ModuleByName(mem, gameAssemblyModule)
	if err != nil {
		return nil, err
	}

	scanner := um.NewScanner(mem)
	assemblies := scanner.ScanModule(assembliesPattern.WithResolver(um.RIPRelative(mem)), module)
	if assemblies == um.InvalidAddress {
		return nil, ErrAssembliesNotFound
	}

	typeInfoTable, err := findTypeInfoTable(mem, scanner, module)
	if err != nil {
		return nil, err
	}

	return &Backend{
		mem:           mem,
		version:       version,
		offsets:       offsets,
		assemblies:    assemblies,
		typeInfoTable: typeInfoTable,
	}, nil
}

// findTypeInfoTable follows the metadata initialization code: the file name is
// loaded with a lea, the type definition count is shifted, and the freshly
// allocated table is stored into a global with a rip-relative mov.
func findTypeInfoTable(mem um.Memory, scanner *um.Scanner, module um.Module) (um.Address, error) {
	fileName := scanner.ScanModule(metadataFileString, module)
	if fileName == um.InvalidAddress {
		return um.InvalidAddress, ErrMetadataStringNotFound
	}

	lea := um.InvalidAddress
	for operand := range scanner.ScanAll(leaRCXPattern, module.Region()) {
		if ripOperand(mem, operand, x86asm.LEA) == fileName {
			lea = operand
			break
		}
	}
	if lea == um.InvalidAddress {
		return um.InvalidAddress, ErrMetadataLeaNotFound
	}

	shr := um.InvalidAddress
	for operand := range scanner.ScanAll(shrRCXPattern, um.Region{Base: lea, Size: leaSearchSize}) {
		if inst, ok := um.DecodeInstruction(mem, operand.Add(-3), 64); ok && inst.Op == x86asm.SHR {
			shr = operand
			break
		}
	}
	if shr == um.InvalidAddress {
		return um.InvalidAddress, ErrShiftNotFound
	}

	for operand := range scanner.ScanAll(storeRAXPattern, um.Region{Base: shr, Size: storeSearchSize}) {
		if target := ripOperand(mem, operand, x86asm.MOV); target != um.InvalidAddress {
			return target, nil
		}
	}
	return um.InvalidAddress, ErrTypeInfoTableNotFound
}

// ripOperand decodes the 3-byte-opcode instruction whose displacement starts at
// operand and returns its rip-relative target if it is the expected op
func ripOperand(mem um.Memory, operand um.Address, op x86asm.Op) um.Address {
	start := operand.Add(-3)
	inst, ok := um.DecodeInstruction(mem, start, 64)
	if !ok || inst.Op != op {
		return um.InvalidAddress
	}
	target, ok := um.RIPTarget(inst, start)
	if !ok || target != um.RIPRelative(mem)(operand) {
		return um.InvalidAddress
	}
	return target
}

// Version returns the structure generation the backend was built for
func (b *Backend) Version() Version {
	return b.version
}

// Offsets returns the offset table in use
func (b *Backend) Offsets() Offsets {
	return b.offsets
}

// AssembliesRoot returns the address of the assembly vector
func (b *Backend) AssembliesRoot() um.Address {
	return b.assemblies
}

// TypeInfoTable returns the address of the global pointing to the class table
func (b *Backend) TypeInfoTable() um.Address {
	return b.typeInfoTable
}

func (b *Backend) Memory() um.Memory {
	return b.mem
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

// yieldPointers bulk reads count pointer slots and yields the non-null ones
func (b *Backend) yieldPointers(addr um.Address, count int, yield func(um.Address) bool) {
	bufp := pointerBuffers.Get().(*[]um.Address)
	defer pointerBuffers.Put(bufp)
	if cap(*bufp) < count {
		*bufp = make([]um.Address, count)
	}
	slots := (*bufp)[:count]

	if !um.ReadPointers(b.mem, addr, slots) {
		return
	}
	for _, ptr := range slots {
		if ptr == um.InvalidAddress {
			continue
		}
		if !yield(ptr) {
			return
		}
	}
}

// Assemblies yields the entries of the runtime's assembly vector
func (b *Backend) Assemblies() iter.Seq[um.Address] {
	return func(yield func(um.Address) bool) {
		var bounds [2]um.Address
		if !um.ReadPointers(b.mem, b.assemblies, bounds[:]) {
			return
		}
		begin, end := bounds[0], bounds[1]
		if begin == um.InvalidAddress || end <= begin {
			return
		}

		count := int((end - begin) / um.Address(b.mem.PointerSize()))
		if count > maxAssemblies {
			return
		}
		b.yieldPointers(begin, count, yield)
	}
}

func (b *Backend) AssemblyName(assembly um.Address) (string, bool) {
	return um.ReadCStringPtr(b.mem, assembly.Add(b.offsets.Assembly.Aname+b.offsets.AssemblyName.Name), assemblyNameLen)
}

func (b *Backend) AssemblyImage(assembly um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, assembly.Add(b.offsets.Assembly.Image))
}

// Classes yields the classes of an image from the type info table, which is
// indexed by the image's first type definition handle
func (b *Backend) Classes(image um.Address) iter.Seq[um.Address] {
	return func(yield func(um.Address) bool) {
		typeCount, ok := um.ReadInt32(b.mem, image.Add(b.offsets.Image.TypeCount))
		if !ok || typeCount <= 0 || typeCount > maxTypeCount {
			return
		}

		handlePtr := image.Add(b.offsets.Image.MetadataHandle)
		if b.offsets.Image.HandleIndirect {
			if handlePtr, ok = nonNullPointer(b.mem, handlePtr); !ok {
				return
			}
		}
		handle, ok := um.ReadInt32(b.mem, handlePtr)
		if !ok || handle < 0 {
			return
		}

		table, ok := nonNullPointer(b.mem, b.typeInfoTable)
		if !ok {
			return
		}

		b.yieldPointers(table.Add(int(handle)*b.mem.PointerSize()), int(typeCount), yield)
	}
}

func (b *Backend) ClassName(class um.Address) (string, bool) {
	return um.ReadCStringPtr(b.mem, class.Add(b.offsets.Class.Name), classNameLen)
}

func (b *Backend) ClassNamespace(class um.Address) (string, bool) {
	return um.ReadCStringPtr(b.mem, class.Add(b.offsets.Class.Namespace), namespaceLen)
}

func (b *Backend) ClassParent(class um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, class.Add(b.offsets.Class.Parent))
}

func (b *Backend) ClassImage(class um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, class.Add(b.offsets.Class.Image))
}

// Fields reads the FieldInfo array of the class in one go
func (b *Backend) Fields(class um.Address) iter.Seq[unity.FieldInfo] {
	return func(yield func(unity.FieldInfo) bool) {
		count, ok := um.ReadInt16(b.mem, class.Add(b.offsets.Class.FieldCount))
		if !ok || count <= 0 {
			return
		}
		fields, ok := nonNullPointer(b.mem, class.Add(b.offsets.Class.Fields))
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
			namePtr := um.Address(binary.LittleEndian.Uint64(entry[b.offsets.Field.Name:]))
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

func (b *Backend) StaticTable(class um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, class.Add(b.offsets.Class.StaticFields))
}

// ObjectClass reads the klass pointer in the object header
func (b *Backend) ObjectClass(object um.Address) (um.Address, bool) {
	return nonNullPointer(b.mem, object)
}

func nonNullPointer(mem um.Memory, addr um.Address) (um.Address, bool) {
	ptr, ok := um.ReadPointer(mem, addr)
	if !ok || ptr == um.InvalidAddress {
		return um.InvalidAddress, false
	}
	return ptr, true
}

func (b *Backend) String() string {
	return fmt.Sprintf("IL2CPP %s", b.version)
}
