package il2cpp

import "fmt"

// Offsets describes where the IL2CPP runtime keeps the fields the walkers need.
// All values are byte offsets for 64-bit targets.
type Offsets struct {
	Assembly struct {
		Image int
		Aname int
	}
	AssemblyName struct {
		Name int
	}
	Image struct {
		TypeCount      int
		MetadataHandle int
		// HandleIndirect is set when MetadataHandle points to the handle instead
		// of holding it
		HandleIndirect bool
	}
	Class struct {
		Image        int
		Name         int
		Namespace    int
		Parent       int
		Fields       int
		StaticFields int
		FieldCount   int
	}
	Field struct {
		Name       int
		Offset     int
		StructSize int
	}
}

var offsetTable = func() [versionCount]Offsets {
	var table [versionCount]Offsets

	for v := range table {
		o := &table[v]
		o.Assembly.Image = 0x0
		o.Assembly.Aname = 0x18
		o.AssemblyName.Name = 0x0

		o.Class.Image = 0x0
		o.Class.Name = 0x10
		o.Class.Namespace = 0x18
		o.Class.Parent = 0x58
		o.Class.Fields = 0x80
		o.Class.StaticFields = 0xB8

		o.Field.Name = 0x0
		o.Field.Offset = 0x18
		o.Field.StructSize = 0x20
	}

	table[Base].Image.TypeCount = 0x1C
	table[Base].Image.MetadataHandle = 0x18
	table[Base].Class.FieldCount = 0x114

	table[V2019].Image.TypeCount = 0x1C
	table[V2019].Image.MetadataHandle = 0x18
	table[V2019].Class.FieldCount = 0x11C

	table[V2020].Image.TypeCount = 0x18
	table[V2020].Image.MetadataHandle = 0x28
	table[V2020].Image.HandleIndirect = true
	table[V2020].Class.FieldCount = 0x120

	table[V2022].Image.TypeCount = 0x18
	table[V2022].Image.MetadataHandle = 0x28
	table[V2022].Image.HandleIndirect = true
	table[V2022].Class.FieldCount = 0x124

	// 2023 kept the 2022 class layout
	table[V2023] = table[V2022]

	return table
}()

// OffsetsFor returns the offset table of a version
func OffsetsFor(v Version) (Offsets, error) {
	if v < Base || v >= versionCount {
		return Offsets{}, fmt.Errorf("unknown IL2CPP version %d", int(v))
	}
	return offsetTable[v], nil
}
