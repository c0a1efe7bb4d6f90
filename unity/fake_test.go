package unity

import (
	"iter"
	"sync"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/memtest"
)

// fakeClass is the metadata of one synthetic class
type fakeClass struct {
	name      string
	namespace string
	parent    um.Address
	image     um.Address
	fields    []FieldInfo
	static    um.Address
}

// fakeBackend keeps metadata in maps and object graphs in a memtest.Fake. Objects
// store their class pointer in the first word.
type fakeBackend struct {
	mem *memtest.Fake

	mu           sync.Mutex
	assemblies   []um.Address
	asmNames     map[um.Address]string
	asmImages    map[um.Address]um.Address
	imageClasses map[um.Address][]um.Address
	classes      map[um.Address]*fakeClass
	reportImage  bool

	fieldCalls      int
	classEnumerates int
	assemblyWalks   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		mem:          memtest.New(true),
		asmNames:     make(map[um.Address]string),
		asmImages:    make(map[um.Address]um.Address),
		imageClasses: make(map[um.Address][]um.Address),
		classes:      make(map[um.Address]*fakeClass),
	}
}

// addAssembly registers an assembly and returns the address of its image
func (b *fakeBackend) addAssembly(name string) um.Address {
	asm := b.mem.Alloc(0x10)
	img := b.mem.Alloc(0x10)
	b.assemblies = append(b.assemblies, asm)
	b.asmNames[asm] = name
	b.asmImages[asm] = img
	return img
}

// addClass registers a class in an image and returns its address
func (b *fakeBackend) addClass(image um.Address, c *fakeClass) um.Address {
	addr := b.mem.Alloc(0x10)
	c.image = image
	b.classes[addr] = c
	b.imageClasses[image] = append(b.imageClasses[image], addr)
	return addr
}

// newObject allocates an object of the given class
func (b *fakeBackend) newObject(class um.Address, size int) um.Address {
	obj := b.mem.Alloc(max(size, 8))
	b.mem.PutPointer(obj, class)
	return obj
}

func (b *fakeBackend) class(addr um.Address) (*fakeClass, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.classes[addr]
	return c, ok
}

func (b *fakeBackend) Memory() um.Memory { return b.mem }

func (b *fakeBackend) Assemblies() iter.Seq[um.Address] {
	return func(yield func(um.Address) bool) {
		b.mu.Lock()
		b.assemblyWalks++
		list := append([]um.Address(nil), b.assemblies...)
		b.mu.Unlock()
		for _, a := range list {
			if !yield(a) {
				return
			}
		}
	}
}

func (b *fakeBackend) AssemblyName(asm um.Address) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.asmNames[asm]
	return name, ok
}

func (b *fakeBackend) AssemblyImage(asm um.Address) (um.Address, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.asmImages[asm]
	return img, ok
}

func (b *fakeBackend) Classes(image um.Address) iter.Seq[um.Address] {
	return func(yield func(um.Address) bool) {
		b.mu.Lock()
		b.classEnumerates++
		list := append([]um.Address(nil), b.imageClasses[image]...)
		b.mu.Unlock()
		for _, c := range list {
			if !yield(c) {
				return
			}
		}
	}
}

func (b *fakeBackend) ClassName(addr um.Address) (string, bool) {
	c, ok := b.class(addr)
	if !ok {
		return "", false
	}
	return c.name, true
}

func (b *fakeBackend) ClassNamespace(addr um.Address) (string, bool) {
	c, ok := b.class(addr)
	if !ok {
		return "", false
	}
	return c.namespace, true
}

func (b *fakeBackend) ClassParent(addr um.Address) (um.Address, bool) {
	c, ok := b.class(addr)
	if !ok || c.parent == um.InvalidAddress {
		return um.InvalidAddress, false
	}
	return c.parent, true
}

func (b *fakeBackend) ClassImage(addr um.Address) (um.Address, bool) {
	if !b.reportImage {
		return um.InvalidAddress, false
	}
	c, ok := b.class(addr)
	if !ok {
		return um.InvalidAddress, false
	}
	return c.image, true
}

func (b *fakeBackend) Fields(addr um.Address) iter.Seq[FieldInfo] {
	return func(yield func(FieldInfo) bool) {
		b.mu.Lock()
		b.fieldCalls++
		c, ok := b.classes[addr]
		var fields []FieldInfo
		if ok {
			fields = append(fields, c.fields...)
		}
		b.mu.Unlock()
		for _, f := range fields {
			if !yield(f) {
				return
			}
		}
	}
}

func (b *fakeBackend) StaticTable(addr um.Address) (um.Address, bool) {
	c, ok := b.class(addr)
	if !ok || c.static == um.InvalidAddress {
		return um.InvalidAddress, false
	}
	return c.static, true
}

func (b *fakeBackend) ObjectClass(obj um.Address) (um.Address, bool) {
	return um.ReadPointer(b.mem, obj)
}

func (b *fakeBackend) fieldCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fieldCalls
}
