package unitymemory

import (
	"bytes"
	"encoding/binary"
	"sync"
	"unicode/utf16"
)

// ReadPointer reads a pointer-sized value at addr
func ReadPointer(mem Memory, addr Address) (Address, bool) {
	if addr == InvalidAddress {
		return InvalidAddress, false
	}

	var buf [8]byte
	size := mem.PointerSize()
	if err := mem.ReadMemory(addr, buf[:size]); err != nil {
		return InvalidAddress, false
	}

	if size == 8 {
		return Address(binary.LittleEndian.Uint64(buf[:])), true
	}
	return Address(binary.LittleEndian.Uint32(buf[:4])), true
}

// ReadInt16 reads a signed 16-bit integer
func ReadInt16(mem Memory, addr Address) (int16, bool) {
	var buf [2]byte
	if addr == InvalidAddress || mem.ReadMemory(addr, buf[:]) != nil {
		return 0, false
	}
	return int16(binary.LittleEndian.Uint16(buf[:])), true
}

// ReadUint16 reads an unsigned 16-bit integer
func ReadUint16(mem Memory, addr Address) (uint16, bool) {
	var buf [2]byte
	if addr == InvalidAddress || mem.ReadMemory(addr, buf[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[:]), true
}

// ReadInt32 reads a signed 32-bit integer
func ReadInt32(mem Memory, addr Address) (int32, bool) {
	var buf [4]byte
	if addr == InvalidAddress || mem.ReadMemory(addr, buf[:]) != nil {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), true
}

// ReadUint32 reads an unsigned 32-bit integer
func ReadUint32(mem Memory, addr Address) (uint32, bool) {
	var buf [4]byte
	if addr == InvalidAddress || mem.ReadMemory(addr, buf[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// ReadValue reads any fixed-size little-endian value, such as float32 or a struct
// of fixed-size fields
func ReadValue[T any](mem Memory, addr Address) (T, bool) {
	var value T
	size := binary.Size(value)
	if size <= 0 || addr == InvalidAddress {
		return value, false
	}

	buf := make([]byte, size)
	if err := mem.ReadMemory(addr, buf); err != nil {
		return value, false
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &value); err != nil {
		return value, false
	}
	return value, true
}

// ReadSlice reads len(dst) consecutive fixed-size values starting at addr
func ReadSlice[T any](mem Memory, addr Address, dst []T) bool {
	if len(dst) == 0 {
		return true
	}
	size := binary.Size(dst)
	if size <= 0 || addr == InvalidAddress {
		return false
	}

	buf := make([]byte, size)
	if err := mem.ReadMemory(addr, buf); err != nil {
		return false
	}
	_, err := binary.Decode(buf, binary.LittleEndian, dst)
	return err == nil
}

var pointerBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 4096)
		return &buf
	},
}

// ReadPointers bulk-reads len(dst) pointer-sized slots starting at addr
func ReadPointers(mem Memory, addr Address, dst []Address) bool {
	if len(dst) == 0 {
		return true
	}
	if addr == InvalidAddress {
		return false
	}

	size := mem.PointerSize()
	bufp := pointerBuffers.Get().(*[]byte)
	defer pointerBuffers.Put(bufp)
	if cap(*bufp) < len(dst)*size {
		*bufp = make([]byte, len(dst)*size)
	}
	buf := (*bufp)[:len(dst)*size]

	if err := mem.ReadMemory(addr, buf); err != nil {
		return false
	}

	for i := range dst {
		if size == 8 {
			dst[i] = Address(binary.LittleEndian.Uint64(buf[i*8:]))
		} else {
			dst[i] = Address(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}
	return true
}

const stringChunk = 32

// ReadCString reads a NUL-terminated ASCII/UTF-8 string of at most maxLen bytes.
// Chunks never cross a page boundary, so a name ending right before an unmapped
// page can still be read. Running into an unreadable page before the terminator
// is a failure; reaching maxLen truncates.
func ReadCString(mem Memory, addr Address, maxLen int) (string, bool) {
	if addr == InvalidAddress || maxLen <= 0 {
		return "", false
	}

	var out []byte
	var chunk [stringChunk]byte
	for len(out) < maxLen {
		cur := addr.Add(len(out))
		n := min(stringChunk, maxLen-len(out), int(pageSize-uint64(cur)%pageSize))
		if err := mem.ReadMemory(cur, chunk[:n]); err != nil {
			return "", false
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out), true
		}
		out = append(out, chunk[:n]...)
	}

	return string(out), true
}

// ReadCStringPtr follows the pointer at addr and reads the C string it points to
func ReadCStringPtr(mem Memory, addr Address, maxLen int) (string, bool) {
	ptr, ok := ReadPointer(mem, addr)
	if !ok || ptr == InvalidAddress {
		return "", false
	}
	return ReadCString(mem, ptr, maxLen)
}

// ReadUTF16 reads length UTF-16 code units starting at addr
func ReadUTF16(mem Memory, addr Address, length int) (string, bool) {
	if length < 0 {
		return "", false
	}
	if length == 0 {
		return "", true
	}

	units := make([]uint16, length)
	if !ReadSlice(mem, addr, units) {
		return "", false
	}
	return string(utf16.Decode(units)), true
}

// DerefOffsets follows a pointer chain: for each offset the pointer at the current
// address plus that offset becomes the new address. A null pointer anywhere in the
// chain fails. Without offsets base is returned unchanged.
func DerefOffsets(mem Memory, base Address, offsets ...int) (Address, bool) {
	addr := base
	for _, offset := range offsets {
		next, ok := ReadPointer(mem, addr.Add(offset))
		if !ok || next == InvalidAddress {
			return InvalidAddress, false
		}
		addr = next
	}
	return addr, true
}
