package il2cpp

import (
	"testing"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/memtest"
	"github.com/zhuweiyou/unitymemory/unity"
)

const (
	gameAssemblyBase um.Address = 0x180000000
	gameAssemblySize            = 0x10000

	assembliesGlobal    = gameAssemblyBase + 0x8000
	typeInfoGlobal      = gameAssemblyBase + 0x8100
	metadataHeaderSlot  = gameAssemblyBase + 0x8200
	metadataStringAddr  = gameAssemblyBase + 0x2000
	decoyStringAddr     = gameAssemblyBase + 0x2100
	unityPlayerBase     um.Address = 0x140000000
	unityPlayerSize                = 0x4000
)

// codeOptions selects which instruction sequences the synthetic GameAssembly.dll contains
type codeOptions struct {
	noAssemblies bool
	noString     bool
	noLea        bool
	noShr        bool
	noStore      bool
	marker       uint32
}

// fakeGame is a synthetic IL2CPP process built in fake memory
type fakeGame struct {
	t       *testing.T
	mem     *memtest.Fake
	version Version
	offsets Offsets

	assemblies []um.Address
	table      []um.Address
}

func newFakeGame(t *testing.T, version Version, opts codeOptions) *fakeGame {
	t.Helper()

	offsets, err := OffsetsFor(version)
	if err != nil {
		t.Fatal(err)
	}

	mem := memtest.New(true)
	mem.AddModule(gameAssemblyModule, gameAssemblyBase, gameAssemblySize, um.Version{})
	writeCode(mem, opts)

	return &fakeGame{t: t, mem: mem, version: version, offsets: offsets}
}

// rel32 stores at operand the displacement that makes it point to target
func rel32(mem *memtest.Fake, operand, target um.Address) {
	mem.PutInt32(operand, int32(int64(target)-int64(operand+4)))
}

func writeCode(mem *memtest.Fake, opts codeOptions) {
	// jne; mov rbx, [rip+x]; cmp rbx, [rip+y]
	if !opts.noAssemblies {
		at := gameAssemblyBase + 0x100
		mem.Write(at, []byte{0x75, 0x05, 0x48, 0x8B, 0x1D, 0, 0, 0, 0, 0x48, 0x3B, 0x1D, 0, 0, 0, 0})
		rel32(mem, at+5, assembliesGlobal)
	}

	if !opts.noString {
		mem.PutCString(metadataStringAddr, "global-metadata.dat")
	}
	mem.PutCString(decoyStringAddr, "global-metadata.bak")

	// lea rcx, [decoy] must be skipped
	decoy := gameAssemblyBase + 0x300
	mem.Write(decoy, []byte{0x48, 0x8D, 0x0D, 0, 0, 0, 0})
	rel32(mem, decoy+3, decoyStringAddr)

	if !opts.noLea {
		lea := gameAssemblyBase + 0x400
		mem.Write(lea, []byte{0x48, 0x8D, 0x0D, 0, 0, 0, 0})
		rel32(mem, lea+3, metadataStringAddr)
	}
	if !opts.noShr {
		// shr rcx, 4
		mem.Write(gameAssemblyBase+0x420, []byte{0x48, 0xC1, 0xE9, 0x04})
	}
	if !opts.noStore {
		// mov [rip+x], rax
		store := gameAssemblyBase + 0x440
		mem.Write(store, []byte{0x48, 0x89, 0x05, 0, 0, 0, 0})
		rel32(mem, store+3, typeInfoGlobal)
	}

	if opts.marker != 0 {
		// sub rcx, rax; sub rcx, [rip+x]; imul rcx; ...
		at := gameAssemblyBase + 0x600
		mem.Write(at, []byte{0x48, 0x2B, 0xC8, 0x48, 0x2B, 0x0D, 0, 0, 0, 0, 0x48, 0xF7, 0xE9, 0x48})
		rel32(mem, at+6, metadataHeaderSlot)

		header := mem.Alloc(0x10)
		mem.PutUint32(header, 0xFAB11BAF)
		mem.PutUint32(header+4, opts.marker)
		mem.PutPointer(metadataHeaderSlot, header)
	}
}

// addUnityPlayer registers UnityPlayer.dll with a version resource and an
// embedded version string
func addUnityPlayer(mem *memtest.Fake, version um.Version, text string) {
	mem.AddModule(unityPlayerModule, unityPlayerBase, unityPlayerSize, version)
	if text != "" {
		mem.PutCString(unityPlayerBase+0x1800, text)
	}
}

// addAssembly creates an assembly whose image starts at the given type handle
func (img *fakeGame) addAssembly(name string, handle int32, typeCount int32) (assembly, imageAddr um.Address) {
	o := img.offsets
	assembly = img.mem.Alloc(0x40)
	imageAddr = img.mem.Alloc(0x40)

	img.mem.PutPointer(assembly.Add(o.Assembly.Image), imageAddr)
	img.mem.PutPointer(assembly.Add(o.Assembly.Aname+o.AssemblyName.Name), img.mem.AllocCString(name))

	img.mem.PutInt32(imageAddr.Add(o.Image.TypeCount), typeCount)
	if o.Image.HandleIndirect {
		handlePtr := img.mem.Alloc(0x10)
		img.mem.PutInt32(handlePtr, handle)
		img.mem.PutPointer(imageAddr.Add(o.Image.MetadataHandle), handlePtr)
	} else {
		img.mem.PutInt32(imageAddr.Add(o.Image.MetadataHandle), handle)
	}

	img.assemblies = append(img.assemblies, assembly)
	return assembly, imageAddr
}

type field struct {
	name   string
	offset int32
}

// addClass creates a class and stores it in the type info table at slot
func (img *fakeGame) addClass(slot int, imageAddr um.Address, namespace, name string, parent um.Address, fields ...field) um.Address {
	o := img.offsets
	class := img.mem.Alloc(0x200)

	img.mem.PutPointer(class.Add(o.Class.Image), imageAddr)
	img.mem.PutPointer(class.Add(o.Class.Name), img.mem.AllocCString(name))
	img.mem.PutPointer(class.Add(o.Class.Namespace), img.mem.AllocCString(namespace))
	img.mem.PutPointer(class.Add(o.Class.Parent), parent)

	if len(fields) > 0 {
		array := img.mem.Alloc(len(fields) * o.Field.StructSize)
		for i, f := range fields {
			entry := array.Add(i * o.Field.StructSize)
			img.mem.PutPointer(entry.Add(o.Field.Name), img.mem.AllocCString(f.name))
			img.mem.PutInt32(entry.Add(o.Field.Offset), f.offset)
		}
		img.mem.PutPointer(class.Add(o.Class.Fields), array)
	}
	img.mem.PutInt16(class.Add(o.Class.FieldCount), int16(len(fields)))

	for len(img.table) <= slot {
		img.table = append(img.table, 0)
	}
	img.table[slot] = class
	return class
}

// setStatic allocates the static field storage of a class
func (img *fakeGame) setStatic(class um.Address, size int) um.Address {
	static := img.mem.Alloc(size)
	img.mem.PutPointer(class.Add(img.offsets.Class.StaticFields), static)
	return static
}

// finish publishes the assembly vector and the type info table
func (img *fakeGame) finish() {
	vector := img.mem.AllocPointers(img.assemblies...)
	img.mem.PutPointer(assembliesGlobal, vector)
	img.mem.PutPointer(assembliesGlobal+8, vector.Add(len(img.assemblies)*8))

	table := img.mem.AllocPointers(img.table...)
	img.mem.PutPointer(typeInfoGlobal, table)
}

func (img *fakeGame) manager() *unity.Manager {
	img.t.Helper()
	m, err := NewWithVersion(img.mem, img.version)
	if err != nil {
		img.t.Fatalf("NewWithVersion() error = %v", err)
	}
	return m
}
