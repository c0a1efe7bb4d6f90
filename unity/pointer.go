package unity

import (
	"sync"

	um "github.com/zhuweiyou/unitymemory"
	"github.com/zhuweiyou/unitymemory/internal/logger"
)

// PointerPath resolves "assembly, class, N parents, hops..." into an address.
// Field names are translated to offsets once; later calls only follow pointers.
type PointerPath struct {
	m         *Manager
	assembly  string
	className string
	parents   int
	hops      []Hop

	mu       sync.Mutex
	image    *Image
	start    *Class
	base     um.Address
	offsets  []int
	resolved int
}

// NewPointerPath creates a path starting at the static table of className (walked
// up parents times) inside the named assembly
func NewPointerPath(m *Manager, assembly, className string, parents int, hops ...Hop) *PointerPath {
	return &PointerPath{
		m:         m,
		assembly:  assembly,
		className: className,
		parents:   parents,
		hops:      hops,
		offsets:   make([]int, len(hops)),
	}
}

// Resolved returns how many leading hops have a known offset. It never decreases.
func (p *PointerPath) Resolved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Offsets returns the offsets resolved so far
func (p *PointerPath) Offsets() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.offsets[:p.resolved]...)
}

// Invalidate forgets the static table address so it is looked up again on the
// next call. Resolved offsets are kept.
func (p *PointerPath) Invalidate() {
	p.mu.Lock()
	p.base = um.InvalidAddress
	p.mu.Unlock()
}

// resolveLocked makes sure the base address and every hop offset are known
func (p *PointerPath) resolveLocked() bool {
	if p.image == nil {
		// a cache miss walks the assembly list again
		img, ok := p.m.Image(p.assembly)
		if !ok {
			return false
		}
		p.image = img
	}

	if p.start == nil {
		class, ok := p.image.Class(p.className)
		if !ok {
			return false
		}
		for range p.parents {
			if class, ok = class.Parent(); !ok {
				return false
			}
		}
		p.start = class
	}

	if p.base == um.InvalidAddress {
		static, ok := p.start.StaticTable()
		if !ok {
			return false
		}
		p.base = static
	}

	if p.resolved == len(p.hops) {
		return true
	}

	mem := p.m.Memory()
	current, ok := um.DerefOffsets(mem, p.base, p.offsets[:p.resolved]...)
	if !ok {
		return false
	}

	for i := p.resolved; i < len(p.hops); i++ {
		hop := p.hops[i]
		offset := hop.Literal()

		if hop.IsNamed() {
			class := p.start
			if i > 0 {
				addr, ok := p.m.backend.ObjectClass(current)
				if !ok || addr == um.InvalidAddress {
					return false
				}
				class = p.m.ClassAt(addr)
			}

			var ok bool
			if offset, ok = class.FieldOffset(hop.FieldName()); !ok {
				return false
			}
		}

		p.offsets[i] = offset
		p.resolved++

		if i == len(p.hops)-1 {
			break
		}
		next, ok := um.ReadPointer(mem, current.Add(offset))
		if !ok || next == um.InvalidAddress {
			return false
		}
		current = next
	}

	return true
}

// Deref resolves the path and returns the address of its last hop. Every hop but
// the last is followed as a pointer; the last offset is added literally, so the
// result is the address of the field itself. A path without hops yields the
// static table address.
func (p *PointerPath) Deref() (um.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.resolveLocked() {
		return um.InvalidAddress, false
	}

	if len(p.offsets) == 0 {
		return p.base, true
	}

	last := len(p.offsets) - 1
	addr, ok := um.DerefOffsets(p.m.Memory(), p.base, p.offsets[:last]...)
	if !ok {
		return um.InvalidAddress, false
	}
	return addr.Add(p.offsets[last]), true
}

// Dump logs the description of the path
func (p *PointerPath) Dump(l logger.Logger) {
	l.Infof("  => Unity Pointer")
	l.Infof("    => Base Unity Image: %s", p.assembly)
	l.Infof("    => Base class: %s", p.className)
	l.Infof("    => Traversing up %d parents", p.parents)
	l.Infof("    => Fields:")
	for _, h := range p.hops {
		l.Infof("      => %s", h)
	}
}
