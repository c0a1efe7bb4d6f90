package memtest

import (
	"sort"

	um "github.com/zhuweiyou/unitymemory"
)

const (
	peHeaderOffset  = 0x80
	exportDirRVA    = 0x1000
	exportDirSize   = 0x1000
	exportNamesRVA  = exportDirRVA + 0x100
	exportOrdRVA    = exportDirRVA + 0x300
	exportFuncsRVA  = exportDirRVA + 0x400
	exportStringRVA = exportDirRVA + 0x600
)

// PEImageSize is the minimum module size PutPE needs
const PEImageSize = 0x4000

// PutPE writes the headers and export directory of a mapped PE image at base.
// exports maps symbol names to function RVAs; names are emitted sorted like a
// linker would.
func (f *Fake) PutPE(base um.Address, pe32Plus bool, exports map[string]uint32) {
	f.Map(base, PEImageSize)
	f.Write(base, []byte("MZ"))
	f.PutInt32(base+0x3C, peHeaderOffset)

	nt := base + peHeaderOffset
	f.Write(nt, []byte("PE\x00\x00"))

	optional := nt + 0x18
	dataDirectory := optional + 0x60
	if pe32Plus {
		f.Write(optional, []byte{0x0B, 0x02})
		dataDirectory = optional + 0x70
	} else {
		f.Write(optional, []byte{0x0B, 0x01})
	}
	f.PutUint32(dataDirectory, exportDirRVA)
	f.PutUint32(dataDirectory+4, exportDirSize)

	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)

	dir := base + exportDirRVA
	f.PutUint32(dir+0x14, uint32(len(names)))
	f.PutUint32(dir+0x18, uint32(len(names)))
	f.PutUint32(dir+0x1C, exportFuncsRVA)
	f.PutUint32(dir+0x20, exportNamesRVA)
	f.PutUint32(dir+0x24, exportOrdRVA)

	stringRVA := uint32(exportStringRVA)
	for i, name := range names {
		// ordinals deliberately reversed so the ordinal table is exercised
		ordinal := len(names) - 1 - i
		f.PutUint32(base+exportNamesRVA+um.Address(i*4), stringRVA)
		f.Write(base+exportOrdRVA+um.Address(i*2), []byte{byte(ordinal), byte(ordinal >> 8)})
		f.PutUint32(base+exportFuncsRVA+um.Address(ordinal*4), exports[name])
		f.PutCString(base+um.Address(stringRVA), name)
		stringRVA += uint32(len(name) + 1)
	}
}
