package unity

import (
	um "github.com/zhuweiyou/unitymemory"
)

// MaxCollectionLength bounds strings, arrays and lists read through a path.
// Larger lengths are treated as garbage from a half-initialized object.
const MaxCollectionLength = 1 << 20

// DerefValue reads the fixed-size value at the end of the path
func DerefValue[T any](p *PointerPath) (T, bool) {
	var zero T
	addr, ok := p.Deref()
	if !ok {
		return zero, false
	}
	return um.ReadValue[T](p.m.Memory(), addr)
}

// object follows the reference stored in the field at the end of the path
func object(p *PointerPath) (um.Memory, um.Address, bool) {
	addr, ok := p.Deref()
	if !ok {
		return nil, um.InvalidAddress, false
	}
	mem := p.m.Memory()
	obj, ok := um.ReadPointer(mem, addr)
	if !ok || obj == um.InvalidAddress {
		return nil, um.InvalidAddress, false
	}
	return mem, obj, true
}

// DerefString reads the System.String referenced by the field at the end of the
// path. The header is two pointers wide and followed by an int32 length and the
// UTF-16 characters.
func DerefString(p *PointerPath) (string, bool) {
	mem, str, ok := object(p)
	if !ok {
		return "", false
	}

	ptrSize := mem.PointerSize()
	length, ok := um.ReadInt32(mem, str.Add(ptrSize*2))
	if !ok || length < 0 || length > MaxCollectionLength {
		return "", false
	}
	return um.ReadUTF16(mem, str.Add(ptrSize*2+4), int(length))
}

// DerefArray reads the T[] referenced by the field at the end of the path: the
// element count sits three pointers into the array and the elements start at four.
func DerefArray[T any](p *PointerPath) ([]T, bool) {
	mem, arr, ok := object(p)
	if !ok {
		return nil, false
	}

	ptrSize := mem.PointerSize()
	length, ok := um.ReadInt32(mem, arr.Add(ptrSize*3))
	if !ok || length < 0 || length > MaxCollectionLength {
		return nil, false
	}

	items := make([]T, length)
	if !um.ReadSlice(mem, arr.Add(ptrSize*4), items) {
		return nil, false
	}
	return items, true
}

// DerefList reads the List<T> referenced by the field at the end of the path. The
// backing array pointer is two pointers in and the count three pointers in.
func DerefList[T any](p *PointerPath) ([]T, bool) {
	mem, list, ok := object(p)
	if !ok {
		return nil, false
	}

	ptrSize := mem.PointerSize()
	count, ok1 := um.ReadInt32(mem, list.Add(ptrSize*3))
	backing, ok2 := um.ReadPointer(mem, list.Add(ptrSize*2))
	if !ok1 || !ok2 || count < 0 || count > MaxCollectionLength {
		return nil, false
	}
	if count == 0 {
		return []T{}, true
	}
	if backing == um.InvalidAddress {
		return nil, false
	}

	items := make([]T, count)
	if !um.ReadSlice(mem, backing.Add(ptrSize*4), items) {
		return nil, false
	}
	return items, true
}
