package unity

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/logger"
)

// Image is the metadata container of one assembly
type Image struct {
	m    *Manager
	addr um.Address
	name string

	mu     sync.Mutex
	byName map[string]*Class
	byAddr map[um.Address]*Class
}

func newImage(m *Manager, addr um.Address, name string) *Image {
	return &Image{
		m:      m,
		addr:   addr,
		name:   name,
		byName: make(map[string]*Class),
		byAddr: make(map[um.Address]*Class),
	}
}

// Name returns the name of the owning assembly
func (img *Image) Name() string {
	return img.name
}

// Address returns the runtime address of the image
func (img *Image) Address() um.Address {
	return img.addr
}

// Classes lazily enumerates the classes of the image. Stopping early leaves the
// rest of the table unread.
func (img *Image) Classes() iter.Seq[*Class] {
	return func(yield func(*Class) bool) {
		for addr := range img.m.backend.Classes(img.addr) {
			c := img.m.classIn(addr, img)

			img.mu.Lock()
			img.byAddr[addr] = c
			img.mu.Unlock()

			if !yield(c) {
				return
			}
		}
	}
}

// splitClassName splits "NS.Name" on the last dot. "Name" matches any namespace,
// ".Name" matches only the empty namespace.
func splitClassName(fullName string) (namespace, name string, anyNamespace bool) {
	i := strings.LastIndexByte(fullName, '.')
	if i < 0 {
		return "", fullName, true
	}
	return fullName[:i], fullName[i+1:], false
}

// Class finds a class by full name, stopping at the first match
func (img *Image) Class(fullName string) (*Class, bool) {
	img.mu.Lock()
	c, ok := img.byName[fullName]
	img.mu.Unlock()
	if ok {
		return c, true
	}

	namespace, name, anyNamespace := splitClassName(fullName)
	for c := range img.Classes() {
		if n, ok := c.Name(); !ok || n != name {
			continue
		}
		if !anyNamespace {
			if ns, ok := c.Namespace(); !ok || ns != namespace {
				continue
			}
		}

		img.mu.Lock()
		img.byName[fullName] = c
		img.mu.Unlock()
		return c, true
	}

	return nil, false
}

// ClassErr is like Class but reports a miss as ErrClassNotFound
func (img *Image) ClassErr(fullName string) (*Class, error) {
	c, ok := img.Class(fullName)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, fullName, img.name)
	}
	return c, nil
}

// ClassByAddress returns the class at addr if it belongs to this image. A miss
// re-reads the whole class table, which may have grown since the last walk.
func (img *Image) ClassByAddress(addr um.Address) (*Class, bool) {
	img.mu.Lock()
	c, ok := img.byAddr[addr]
	img.mu.Unlock()
	if ok {
		return c, true
	}

	for c := range img.Classes() {
		if c.Address() == addr {
			return c, true
		}
	}
	return nil, false
}

// Dump logs the full name of every class in the image
func (img *Image) Dump(l logger.Logger) {
	var names []string
	for c := range img.Classes() {
		names = append(names, c.FullName())
	}
	slices.Sort(names)

	l.Infof("  =>  Classes of image %s (%s):", img.name, img.addr)
	for _, name := range names {
		l.Infof("    =>  %s", name)
	}
}
