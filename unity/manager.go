package unity

import (
	"fmt"
	"iter"
	"sync"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/logger"
)

// Manager caches the images and classes discovered through a Backend. Images and
// classes keep their identity for the lifetime of the manager: a reload only adds
// entries, so values handed out earlier stay valid.
type Manager struct {
	backend Backend
	log     logger.Logger

	mu           sync.Mutex
	imagesByName map[string]*Image
	imagesByAddr map[um.Address]*Image
	classes      map[um.Address]*Class
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger routes diagnostics to l
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager wraps a backend
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:      backend,
		log:          logger.Discard,
		imagesByName: make(map[string]*Image),
		imagesByAddr: make(map[um.Address]*Image),
		classes:      make(map[um.Address]*Class),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the runtime backend
func (m *Manager) Backend() Backend {
	return m.backend
}

// Memory returns the target process memory
func (m *Manager) Memory() um.Memory {
	return m.backend.Memory()
}

// Logger returns the logger the manager was configured with
func (m *Manager) Logger() logger.Logger {
	return m.log
}

// Assembly is a loaded assembly of the target process
type Assembly struct {
	m    *Manager
	addr um.Address
}

// Address returns the runtime address of the assembly
func (a Assembly) Address() um.Address {
	return a.addr
}

// Name returns the assembly name, such as "Assembly-CSharp"
func (a Assembly) Name() (string, bool) {
	return a.m.backend.AssemblyName(a.addr)
}

// Image returns the metadata image of the assembly, or false if it has none yet
func (a Assembly) Image() (*Image, bool) {
	addr, ok := a.m.backend.AssemblyImage(a.addr)
	if !ok || addr == um.InvalidAddress {
		return nil, false
	}
	name, _ := a.Name()
	return a.m.registerImage(addr, name), true
}

// Assemblies lazily enumerates the loaded assemblies. Each call starts a new walk.
func (m *Manager) Assemblies() iter.Seq[Assembly] {
	return func(yield func(Assembly) bool) {
		for addr := range m.backend.Assemblies() {
			if !yield(Assembly{m: m, addr: addr}) {
				return
			}
		}
	}
}

// LoadAssemblies walks every assembly and registers images not seen before.
// It returns the number of newly registered images.
func (m *Manager) LoadAssemblies() int {
	added := 0
	for asm := range m.Assemblies() {
		addr, ok := m.backend.AssemblyImage(asm.addr)
		if !ok || addr == um.InvalidAddress {
			continue
		}

		m.mu.Lock()
		_, known := m.imagesByAddr[addr]
		m.mu.Unlock()
		if known {
			continue
		}

		name, _ := asm.Name()
		m.registerImage(addr, name)
		added++
	}

	if added > 0 {
		m.log.Debugf("registered %d new images", added)
	}
	return added
}

// registerImage returns the cached image at addr, creating it on first sight
func (m *Manager) registerImage(addr um.Address, name string) *Image {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.imagesByAddr[addr]
	if !ok {
		img = newImage(m, addr, name)
		m.imagesByAddr[addr] = img
	}
	if name != "" {
		if _, ok := m.imagesByName[name]; !ok {
			m.imagesByName[name] = img
		}
	}
	return img
}

// Image finds the image of the named assembly. Cached images are returned without
// touching memory; otherwise assemblies are walked until the name matches.
func (m *Manager) Image(name string) (*Image, bool) {
	m.mu.Lock()
	img, ok := m.imagesByName[name]
	m.mu.Unlock()
	if ok {
		return img, true
	}

	for asm := range m.Assemblies() {
		asmName, ok := asm.Name()
		if !ok || asmName != name {
			continue
		}
		if img, ok := asm.Image(); ok {
			m.log.Debugf("image %s found at %s", name, img.Address())
			return img, true
		}
	}

	return nil, false
}

// ImageErr is like Image but reports a miss as ErrImageNotFound
func (m *Manager) ImageErr(name string) (*Image, error) {
	img, ok := m.Image(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, name)
	}
	return img, nil
}

// DefaultImage returns the Assembly-CSharp image
func (m *Manager) DefaultImage() (*Image, bool) {
	return m.Image(DefaultImageName)
}

// ImageByAddress returns the image at addr, reloading the assembly list once if
// the image has not been seen yet
func (m *Manager) ImageByAddress(addr um.Address) (*Image, bool) {
	if addr == um.InvalidAddress {
		return nil, false
	}

	m.mu.Lock()
	img, ok := m.imagesByAddr[addr]
	m.mu.Unlock()
	if ok {
		return img, true
	}

	m.LoadAssemblies()

	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok = m.imagesByAddr[addr]
	return img, ok
}

// ClassAt returns the single Class value for a runtime class address
func (m *Manager) ClassAt(addr um.Address) *Class {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.classes[addr]
	if !ok {
		c = newClass(m, addr)
		m.classes[addr] = c
	}
	return c
}

// classIn is ClassAt for a class known to belong to img
func (m *Manager) classIn(addr um.Address, img *Image) *Class {
	c := m.ClassAt(addr)
	c.setImage(img)
	return c
}

// Dump logs every assembly with its image address
func (m *Manager) Dump(l logger.Logger) {
	count := 0
	for asm := range m.Assemblies() {
		name, ok := asm.Name()
		if !ok {
			name = "<unreadable>"
		}
		if img, ok := asm.Image(); ok {
			l.Infof("  =>  %s: image at %s", name, img.Address())
		} else {
			l.Infof("  =>  %s: no image", name)
		}
		count++
	}
	l.Infof("%d assemblies", count)
}
