package unitymemory

import (
	"errors"
	"fmt"
)

// ErrExportNotFound is returned when a module does not export the requested symbol
var ErrExportNotFound = errors.New("export not found")

const (
	dosSignature       = 0x5A4D     // MZ
	ntSignature        = 0x00004550 // PE\0\0
	optionalMagicPE32  = 0x10B
	optionalMagicPE32P = 0x20B
	maxExportNameLen   = 256
)

// PEMagic returns the optional header magic of a PE image mapped at base:
// 0x10B for PE32 and 0x20B for PE32+
func PEMagic(mem Memory, base Address) (uint16, bool) {
	nt, ok := ntHeaders(mem, base)
	if !ok {
		return 0, false
	}
	return ReadUint16(mem, nt+0x18)
}

func ntHeaders(mem Memory, base Address) (Address, bool) {
	if sig, ok := ReadUint16(mem, base); !ok || sig != dosSignature {
		return InvalidAddress, false
	}
	lfanew, ok := ReadInt32(mem, base+0x3C)
	if !ok || lfanew <= 0 {
		return InvalidAddress, false
	}
	nt := base.Add(int(lfanew))
	if sig, ok := ReadUint32(mem, nt); !ok || sig != ntSignature {
		return InvalidAddress, false
	}
	return nt, true
}

// ExportAddress resolves a named export of a module mapped in the target process
// by walking its export directory
func ExportAddress(mem Memory, module Module, symbol string) (Address, error) {
	base := module.Base
	nt, ok := ntHeaders(mem, base)
	if !ok {
		return InvalidAddress, fmt.Errorf("%s: invalid PE headers", module.Name)
	}

	optional := nt + 0x18
	magic, ok := ReadUint16(mem, optional)
	if !ok {
		return InvalidAddress, fmt.Errorf("%s: %w", module.Name, ErrReadFailed)
	}

	var dataDirectory Address
	switch magic {
	case optionalMagicPE32:
		dataDirectory = optional + 0x60
	case optionalMagicPE32P:
		dataDirectory = optional + 0x70
	default:
		return InvalidAddress, fmt.Errorf("%s: unknown optional header magic 0x%X", module.Name, magic)
	}

	exportRVA, ok1 := ReadUint32(mem, dataDirectory)
	exportSize, ok2 := ReadUint32(mem, dataDirectory+4)
	if !ok1 || !ok2 || exportRVA == 0 {
		return InvalidAddress, fmt.Errorf("%s: %w: no export directory", module.Name, ErrExportNotFound)
	}

	dir := base + Address(exportRVA)
	numberOfNames, ok1 := ReadUint32(mem, dir+0x18)
	functionsRVA, ok2 := ReadUint32(mem, dir+0x1C)
	namesRVA, ok3 := ReadUint32(mem, dir+0x20)
	ordinalsRVA, ok4 := ReadUint32(mem, dir+0x24)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return InvalidAddress, fmt.Errorf("%s: %w", module.Name, ErrReadFailed)
	}

	nameRVAs := make([]uint32, numberOfNames)
	if !ReadSlice(mem, base+Address(namesRVA), nameRVAs) {
		return InvalidAddress, fmt.Errorf("%s: %w: export names", module.Name, ErrReadFailed)
	}

	for i, rva := range nameRVAs {
		name, ok := ReadCString(mem, base+Address(rva), maxExportNameLen)
		if !ok || name != symbol {
			continue
		}

		ordinal, ok := ReadUint16(mem, base+Address(ordinalsRVA)+Address(i*2))
		if !ok {
			break
		}
		functionRVA, ok := ReadUint32(mem, base+Address(functionsRVA)+Address(ordinal)*4)
		if !ok || functionRVA == 0 {
			break
		}
		// forwarded exports point back into the export directory
		if functionRVA >= exportRVA && functionRVA < exportRVA+exportSize {
			return InvalidAddress, fmt.Errorf("%s: %w: %s is forwarded", module.Name, ErrExportNotFound, symbol)
		}
		return base + Address(functionRVA), nil
	}

	return InvalidAddress, fmt.Errorf("%s: %w: %s", module.Name, ErrExportNotFound, symbol)
}
