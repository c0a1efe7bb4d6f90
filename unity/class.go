package unity

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/logger"
)

const (
	rootClassName       = "Object"
	engineNamespace     = "UnityEngine"
	backingFieldPattern = "<%s>k__BackingField"
)

// Field is a field found while walking a class hierarchy
type Field struct {
	Name   string
	Offset int
	// Class is the class that declares the field
	Class *Class
}

// Class is a runtime class. There is one Class value per address and manager, so
// its caches are shared by every caller.
type Class struct {
	m    *Manager
	addr um.Address

	mu        sync.Mutex
	image     *Image
	name      string
	hasName   bool
	namespace string
	hasNS     bool
	parent    *Class
	static    um.Address

	fieldsMu sync.Mutex
	offsets  map[string]int
}

func newClass(m *Manager, addr um.Address) *Class {
	return &Class{m: m, addr: addr}
}

func (c *Class) setImage(img *Image) {
	c.mu.Lock()
	if c.image == nil {
		c.image = img
	}
	c.mu.Unlock()
}

// Address returns the runtime address of the class
func (c *Class) Address() um.Address {
	return c.addr
}

// Name returns the simple class name
func (c *Class) Name() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasName {
		name, ok := c.m.backend.ClassName(c.addr)
		if !ok {
			return "", false
		}
		c.name, c.hasName = name, true
	}
	return c.name, true
}

// Namespace returns the class namespace, which is empty for the global namespace
func (c *Class) Namespace() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasNS {
		ns, ok := c.m.backend.ClassNamespace(c.addr)
		if !ok {
			return "", false
		}
		c.namespace, c.hasNS = ns, true
	}
	return c.namespace, true
}

// FullName returns "Namespace.Name", or just the name in the global namespace
func (c *Class) FullName() string {
	name, ok := c.Name()
	if !ok {
		return c.addr.String()
	}
	if ns, ok := c.Namespace(); ok && ns != "" {
		return ns + "." + name
	}
	return name
}

// Image returns the image owning the class when it can be determined
func (c *Class) Image() (*Image, bool) {
	c.mu.Lock()
	img := c.image
	c.mu.Unlock()
	if img != nil {
		return img, true
	}

	addr, ok := c.m.backend.ClassImage(c.addr)
	if !ok {
		return nil, false
	}
	img, ok = c.m.ImageByAddress(addr)
	if !ok {
		return nil, false
	}
	c.setImage(img)
	return img, true
}

// Parent returns the base class. When the runtime records the owning image of the
// parent, the parent is looked up through that image so it shares the image's
// class cache; an unknown image triggers one assembly reload before giving up.
func (c *Class) Parent() (*Class, bool) {
	c.mu.Lock()
	parent := c.parent
	c.mu.Unlock()
	if parent != nil {
		return parent, true
	}

	addr, ok := c.m.backend.ClassParent(c.addr)
	if !ok || addr == um.InvalidAddress {
		return nil, false
	}

	if imgAddr, ok := c.m.backend.ClassImage(addr); ok {
		img, ok := c.m.ImageByAddress(imgAddr)
		if !ok {
			c.m.log.Debugf("image %s of parent class %s is not loaded", imgAddr, addr)
			return nil, false
		}
		if parent, ok = img.ClassByAddress(addr); !ok {
			parent = c.m.classIn(addr, img)
		}
	} else {
		parent = c.m.ClassAt(addr)
	}

	c.mu.Lock()
	c.parent = parent
	c.mu.Unlock()
	return parent, true
}

// Fields walks the fields of the class and then of each ancestor. The walk ends at
// the first class named Object or living in the UnityEngine namespace, at a class
// whose metadata cannot be read, or when the hierarchy loops back on itself.
func (c *Class) Fields() iter.Seq[Field] {
	return func(yield func(Field) bool) {
		visited := make(map[um.Address]struct{})
		for cur := c; cur != nil; {
			if _, seen := visited[cur.addr]; seen {
				return
			}
			visited[cur.addr] = struct{}{}

			name, ok := cur.Name()
			if !ok || name == rootClassName {
				return
			}
			ns, ok := cur.Namespace()
			if !ok || ns == engineNamespace {
				return
			}

			for f := range c.m.backend.Fields(cur.addr) {
				if !yield(Field{Name: f.Name, Offset: f.Offset, Class: cur}) {
					return
				}
			}

			parent, ok := cur.Parent()
			if !ok {
				return
			}
			cur = parent
		}
	}
}

// BackingFieldName returns the compiler generated field name behind an
// auto-property
func BackingFieldName(property string) string {
	return fmt.Sprintf(backingFieldPattern, property)
}

// FieldOffset returns the offset of a field declared by the class or one of its
// ancestors. An exact name wins over the backing field of a property with that
// name. Offsets are cached for the lifetime of the class; a miss walks the whole
// hierarchy and caches every field it finds.
func (c *Class) FieldOffset(name string) (int, bool) {
	c.fieldsMu.Lock()
	defer c.fieldsMu.Unlock()

	if offset, ok := c.cachedOffset(name); ok {
		return offset, true
	}

	c.loadFieldsLocked()
	return c.cachedOffset(name)
}

// FieldOffsetErr is like FieldOffset but reports a miss as ErrFieldNotFound
func (c *Class) FieldOffsetErr(name string) (int, error) {
	offset, ok := c.FieldOffset(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrFieldNotFound, name, c.FullName())
	}
	return offset, nil
}

func (c *Class) cachedOffset(name string) (int, bool) {
	if offset, ok := c.offsets[name]; ok {
		return offset, true
	}
	offset, ok := c.offsets[BackingFieldName(name)]
	return offset, ok
}

// loadFieldsLocked fills the offset cache. A derived field hides an inherited one
// with the same name. Entries already cached are never overwritten.
func (c *Class) loadFieldsLocked() {
	if c.offsets == nil {
		c.offsets = make(map[string]int)
	}
	seen := make(map[string]struct{})
	for f := range c.Fields() {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		if _, ok := c.offsets[f.Name]; !ok {
			c.offsets[f.Name] = f.Offset
		}
	}
}

// StaticTable returns the address of the storage for the static fields of the
// class. Only a resolved table is cached, so a class whose statics are not yet
// initialized is retried on the next call.
func (c *Class) StaticTable() (um.Address, bool) {
	c.mu.Lock()
	static := c.static
	c.mu.Unlock()
	if static != um.InvalidAddress {
		return static, true
	}

	static, ok := c.m.backend.StaticTable(c.addr)
	if !ok || static == um.InvalidAddress {
		return um.InvalidAddress, false
	}

	c.mu.Lock()
	c.static = static
	c.mu.Unlock()
	return static, true
}

// Dump logs the static table and every field offset of the class
func (c *Class) Dump(l logger.Logger) {
	c.fieldsMu.Lock()
	c.loadFieldsLocked()
	fields := make([]FieldInfo, 0, len(c.offsets))
	for name, offset := range c.offsets {
		fields = append(fields, FieldInfo{Name: name, Offset: offset})
	}
	c.fieldsMu.Unlock()

	slices.SortFunc(fields, func(a, b FieldInfo) int {
		return cmp.Or(cmp.Compare(a.Offset, b.Offset), strings.Compare(a.Name, b.Name))
	})

	l.Infof("  =>  Requested fields for class: %s", c.FullName())
	if static, ok := c.StaticTable(); ok {
		l.Infof("      =>  Static table found at address: %s", static)
	}
	for _, f := range fields {
		l.Infof("    =>  0x%X: %s", f.Offset, f.Name)
	}
}
