package mono

import "fmt"

// Offsets describes the Mono runtime structures for one version and bitness
type Offsets struct {
	Assembly struct {
		Aname int
		Image int
	}
	Image struct {
		ClassCache int
	}
	// Hashtable is the MonoInternalHashTable embedded in the image's class cache
	Hashtable struct {
		Size  int
		Table int
	}
	Class struct {
		// Klass is the MonoClass embedded at the start of a MonoClassDef
		Klass          int
		NextClassCache int
		Name           int
		Namespace      int
		Parent         int
		Fields         int
		FieldCount     int
		RuntimeInfo    int
		VTableSize     int
	}
	Field struct {
		Name       int
		Offset     int
		StructSize int
	}
	RuntimeInfo struct {
		DomainVTables int
	}
	VTable struct {
		// Data holds the static field storage in V1 layouts
		Data int
		// VTable is where the method slots start in V2 and later; the static
		// storage follows them
		VTable int
	}
}

var offsets64 = [versionCount]Offsets{
	V1:       layout64(0x58, 0x3D0, 0x100, 0x48, 0x50, 0xA8, 0x94, 0xF8, 0, 0x48),
	V1Cattrs: layout64(0x58, 0x3D0, 0x108, 0x50, 0x58, 0xB0, 0x9C, 0x100, 0, 0x48),
	V2:       layout64(0x60, 0x4C0, 0x108, 0x48, 0x50, 0x98, 0x100, 0xD0, 0x5C, 0x40),
	V3:       layout64(0x60, 0x4D0, 0x108, 0x48, 0x50, 0x98, 0x100, 0xD0, 0x5C, 0x48),
}

var offsets32 = [versionCount]Offsets{
	V1:       layout32(0x40, 0x2A0, 0xA8, 0x30, 0x34, 0x74, 0x64, 0xA4, 0x24, 0, 0x28),
	V1Cattrs: layout32(0x40, 0x2A0, 0xAC, 0x34, 0x38, 0x78, 0x68, 0xA8, 0x24, 0, 0x28),
	V2:       layout32(0x44, 0x354, 0xA8, 0x2C, 0x30, 0x60, 0xA4, 0x84, 0x20, 0x38, 0x28),
	V3:       layout32(0x48, 0x35C, 0xA0, 0x2C, 0x30, 0x60, 0x9C, 0x7C, 0x20, 0x38, 0x2C),
}

func layout64(image, classCache, next, name, namespace, fields, fieldCount, runtimeInfo, vtableSize, vtable int) Offsets {
	var o Offsets
	o.Assembly.Aname = 0x10
	o.Assembly.Image = image
	o.Image.ClassCache = classCache
	o.Hashtable.Size = 0x18
	o.Hashtable.Table = 0x20

	o.Class.NextClassCache = next
	o.Class.Name = name
	o.Class.Namespace = namespace
	o.Class.Parent = 0x30
	o.Class.Fields = fields
	o.Class.FieldCount = fieldCount
	o.Class.RuntimeInfo = runtimeInfo
	o.Class.VTableSize = vtableSize

	o.Field.Name = 0x8
	o.Field.Offset = 0x18
	o.Field.StructSize = 0x20

	o.RuntimeInfo.DomainVTables = 0x8
	o.VTable.Data = 0x18
	o.VTable.VTable = vtable
	return o
}

func layout32(image, classCache, next, name, namespace, fields, fieldCount, runtimeInfo, parent, vtableSize, vtable int) Offsets {
	var o Offsets
	o.Assembly.Aname = 0x8
	o.Assembly.Image = image
	o.Image.ClassCache = classCache
	o.Hashtable.Size = 0xC
	o.Hashtable.Table = 0x14

	o.Class.NextClassCache = next
	o.Class.Name = name
	o.Class.Namespace = namespace
	o.Class.Parent = parent
	o.Class.Fields = fields
	o.Class.FieldCount = fieldCount
	o.Class.RuntimeInfo = runtimeInfo
	o.Class.VTableSize = vtableSize

	o.Field.Name = 0x4
	o.Field.Offset = 0xC
	o.Field.StructSize = 0x10

	o.RuntimeInfo.DomainVTables = 0x4
	o.VTable.Data = 0xC
	o.VTable.VTable = vtable
	return o
}

// OffsetsFor returns the offset table of a version for 64-bit or 32-bit targets
func OffsetsFor(v Version, is64 bool) (Offsets, error) {
	if v < V1 || v >= versionCount {
		return Offsets{}, fmt.Errorf("unknown Mono version %d", int(v))
	}
	if is64 {
		return offsets64[v], nil
	}
	return offsets32[v], nil
}

// staticsInData reports whether the static storage pointer sits in MonoVTable.data
func (v Version) staticsInData() bool {
	return v == V1 || v == V1Cattrs
}
