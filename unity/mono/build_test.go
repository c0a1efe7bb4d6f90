package mono

import (
	"testing"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/memtest"
	"github.com/zhuweiyou/unitymemory/unity"
)

const (
	monoBase    um.Address = 0x7A000000
	monoSize               = 0x8000
	foreachRVA             = 0x2000
	unityPlayer um.Address = 0x7B000000

	assembliesGlobal = monoBase + 0x6000

	// vtable_size of every synthetic class in V2 and later layouts
	vtableSlots = 3
)

// codeStyle selects how the synthetic mono_assembly_foreach references the list
type codeStyle int

const (
	codeNone codeStyle = iota
	// mov rcx, [rip+x] on 64-bit, push [x] on 32-bit
	codeDefault
	// mov ecx, [x], 32-bit only
	codeMovECX
)

// fakeMono is a synthetic Mono process built in fake memory
type fakeMono struct {
	t       *testing.T
	mem     *memtest.Fake
	version Version
	offsets Offsets

	assemblies []um.Address
	images     []um.Address
	classes    map[um.Address][]um.Address
	vtables    map[um.Address]um.Address
}

func newFakeMono(t *testing.T, version Version, is64 bool, module string, code codeStyle) *fakeMono {
	t.Helper()

	offsets, err := OffsetsFor(version, is64)
	if err != nil {
		t.Fatal(err)
	}

	mem := memtest.New(is64)
	mem.AddModule(module, monoBase, monoSize, um.Version{})
	mem.PutPE(monoBase, is64, map[string]uint32{
		"mono_assembly_foreach": foreachRVA,
		"mono_get_root_domain":  foreachRVA + 0x800,
	})
	writeForeach(mem, is64, code)

	return &fakeMono{
		t:       t,
		mem:     mem,
		version: version,
		offsets: offsets,
		classes: make(map[um.Address][]um.Address),
		vtables: make(map[um.Address]um.Address),
	}
}

func writeForeach(mem *memtest.Fake, is64 bool, code codeStyle) {
	at := monoBase + foreachRVA
	switch {
	case code == codeNone:
		mem.Write(at, []byte{0x55, 0xC3})
	case is64:
		// sub rsp, 0x28; mov rcx, [rip+x]
		mem.Write(at, []byte{0x48, 0x83, 0xEC, 0x28, 0x48, 0x8B, 0x0D, 0, 0, 0, 0})
		operand := at + 7
		mem.PutInt32(operand, int32(int64(assembliesGlobal)-int64(operand+4)))
	case code == codeDefault:
		// push ebp; mov ebp, esp; push [x]
		mem.Write(at, []byte{0x55, 0x8B, 0xEC, 0xFF, 0x35})
		mem.PutUint32(at+5, uint32(assembliesGlobal))
	default:
		// push ebp; mov ebp, esp; mov ecx, [x]
		mem.Write(at, []byte{0x55, 0x8B, 0xEC, 0x8B, 0x0D})
		mem.PutUint32(at+5, uint32(assembliesGlobal))
	}
}

func (g *fakeMono) ptrSize() int {
	return g.mem.PointerSize()
}

func (g *fakeMono) addAssembly(name string) (assembly, image um.Address) {
	o := g.offsets
	assembly = g.mem.Alloc(0x80)
	image = g.mem.Alloc(o.Image.ClassCache + 0x40)

	g.mem.PutPointer(assembly.Add(o.Assembly.Aname), g.mem.AllocCString(name))
	g.mem.PutPointer(assembly.Add(o.Assembly.Image), image)

	g.assemblies = append(g.assemblies, assembly)
	g.images = append(g.images, image)
	return assembly, image
}

type field struct {
	name   string
	offset int32
}

// addClass creates a class definition with its runtime info and vtable
func (g *fakeMono) addClass(image um.Address, namespace, name string, parent um.Address, fields ...field) um.Address {
	o := g.offsets
	class := g.mem.Alloc(0x180)
	klass := class.Add(o.Class.Klass)

	// element_class points to itself for ordinary classes
	g.mem.PutPointer(klass, class)
	if g.version == V1Cattrs {
		v1, _ := OffsetsFor(V1, g.mem.Is64Bit())
		g.mem.PutPointer(klass.Add(v1.Class.Name), image)
	}
	g.mem.PutPointer(klass.Add(o.Class.Name), g.mem.AllocCString(name))
	g.mem.PutPointer(klass.Add(o.Class.Namespace), g.mem.AllocCString(namespace))
	g.mem.PutPointer(klass.Add(o.Class.Parent), parent)

	if len(fields) > 0 {
		array := g.mem.Alloc(len(fields) * o.Field.StructSize)
		for i, f := range fields {
			entry := array.Add(i * o.Field.StructSize)
			g.mem.PutPointer(entry.Add(o.Field.Name), g.mem.AllocCString(f.name))
			g.mem.PutInt32(entry.Add(o.Field.Offset), f.offset)
		}
		g.mem.PutPointer(klass.Add(o.Class.Fields), array)
	}
	g.mem.PutInt32(class.Add(o.Class.FieldCount), int32(len(fields)))

	vtable := g.mem.Alloc(0x100)
	g.mem.PutPointer(vtable, class)
	runtimeInfo := g.mem.Alloc(0x20)
	g.mem.PutPointer(runtimeInfo.Add(o.RuntimeInfo.DomainVTables), vtable)
	g.mem.PutPointer(klass.Add(o.Class.RuntimeInfo), runtimeInfo)
	if !g.version.staticsInData() {
		g.mem.PutInt32(klass.Add(o.Class.VTableSize), vtableSlots)
	}

	g.vtables[class] = vtable
	g.classes[image] = append(g.classes[image], class)
	return class
}

// setStatic allocates the static field storage of a class
func (g *fakeMono) setStatic(class um.Address, size int) um.Address {
	static := g.mem.Alloc(size)
	vtable := g.vtables[class]
	if g.version.staticsInData() {
		g.mem.PutPointer(vtable.Add(g.offsets.VTable.Data), static)
	} else {
		g.mem.PutPointer(vtable.Add(g.offsets.VTable.VTable+vtableSlots*g.ptrSize()), static)
	}
	return static
}

// newObject allocates an instance whose header points to the class vtable
func (g *fakeMono) newObject(class um.Address, size int) um.Address {
	obj := g.mem.Alloc(size)
	g.mem.PutPointer(obj, g.vtables[class])
	return obj
}

// finish publishes the class caches with the given bucket count and links the
// assembly list. Class i lands in bucket i % buckets.
func (g *fakeMono) finish(buckets int) {
	o := g.offsets
	for _, image := range g.images {
		heads := make([]um.Address, buckets)
		tails := make([]um.Address, buckets)
		for i, class := range g.classes[image] {
			b := i % buckets
			if heads[b] == um.InvalidAddress {
				heads[b] = class
			} else {
				g.mem.PutPointer(tails[b].Add(o.Class.NextClassCache), class)
			}
			tails[b] = class
		}

		cache := image.Add(o.Image.ClassCache)
		g.mem.PutInt32(cache.Add(o.Hashtable.Size), int32(buckets))
		g.mem.PutPointer(cache.Add(o.Hashtable.Table), g.mem.AllocPointers(heads...))
	}

	var next um.Address
	for i := len(g.assemblies) - 1; i >= 0; i-- {
		next = g.mem.AllocPointers(g.assemblies[i], next)
	}
	g.mem.PutPointer(assembliesGlobal, next)
}

func (g *fakeMono) manager() *unity.Manager {
	g.t.Helper()
	m, err := NewWithVersion(g.mem, g.version)
	if err != nil {
		g.t.Fatalf("NewWithVersion() error = %v", err)
	}
	return m
}

type world struct {
	*fakeMono
	object, behaviour, entity, player um.Address
}

// newWorld builds two assemblies: the classes of Assembly-CSharp derive from
// MonoBehaviour in UnityEngine.CoreModule
func newWorld(t *testing.T, version Version, is64 bool, module string) *world {
	g := newFakeMono(t, version, is64, module, codeDefault)
	w := &world{fakeMono: g}

	_, engine := g.addAssembly("UnityEngine.CoreModule")
	_, game := g.addAssembly(unity.DefaultImageName)

	w.object = g.addClass(engine, "UnityEngine", "Object", 0, field{"m_CachedPtr", 0x10})
	w.behaviour = g.addClass(engine, "UnityEngine", "MonoBehaviour", w.object)

	w.entity = g.addClass(game, "Game", "Entity", w.behaviour, field{"hp", 0x18})
	w.player = g.addClass(game, "Game", "Player", w.entity,
		field{"<Name>k__BackingField", 0x20},
		field{"instance", 0x0},
		field{"speed", 0x28},
		field{"target", 0x30},
	)
	g.addClass(game, "", "Player", 0)

	g.finish(2)
	return w
}
